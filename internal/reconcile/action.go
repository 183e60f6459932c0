package reconcile

import (
	"fmt"
	"strings"
)

// Action is a remediation request. The set of implementations is closed.
type Action interface {
	// Name is the stable identifier recorded in audit entries.
	Name() string
	isAction()
}

// FullBundle revokes every grant and every session, closes all open
// findings and forces the case to remediated.
type FullBundle struct{}

// RevokeToken revokes the subject's grants for a single application.
type RevokeToken struct {
	ClientID string
}

// SignOut revokes the subject's refresh tokens and sessions.
type SignOut struct{}

// DeleteAppPasswords removes the subject's app-role assignments.
type DeleteAppPasswords struct{}

func (FullBundle) Name() string         { return "full_bundle" }
func (RevokeToken) Name() string        { return "revoke_token" }
func (SignOut) Name() string            { return "sign_out" }
func (DeleteAppPasswords) Name() string { return "delete_asp" }

func (FullBundle) isAction()         {}
func (RevokeToken) isAction()        {}
func (SignOut) isAction()            {}
func (DeleteAppPasswords) isAction() {}

// ParseAction builds an Action from its name. clientID is required for
// revoke_token and ignored otherwise.
func ParseAction(name, clientID string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "full_bundle", "full":
		return FullBundle{}, nil
	case "revoke_token":
		if clientID == "" {
			return nil, fmt.Errorf("revoke_token requires a client id")
		}
		return RevokeToken{ClientID: clientID}, nil
	case "sign_out":
		return SignOut{}, nil
	case "delete_asp", "delete_app_passwords":
		return DeleteAppPasswords{}, nil
	default:
		return nil, fmt.Errorf("unknown remediation action %q", name)
	}
}
