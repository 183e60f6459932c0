// Package identity wraps the identity-provider directory API: subject lookup,
// OAuth grant, app-role and licence enumeration, and the revocation calls used
// during remediation.
package identity

import (
	"context"
	"strings"
	"time"
)

// Operation names, used for error wrapping, metrics labels and failure injection.
const (
	OpGetSubject           = "get_subject"
	OpListOAuthGrants      = "list_oauth_grants"
	OpListRoleAssignments  = "list_role_assignments"
	OpListLicenseDetails   = "list_license_details"
	OpDeleteGrant          = "delete_grant"
	OpDeleteRoleAssignment = "delete_role_assignment"
	OpRevokeSessions       = "revoke_sessions"
	OpResolveApplication   = "resolve_application"
)

// Subject is a directory user.
type Subject struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
}

// Grant is a delegated OAuth2 permission grant.
type Grant struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	ConsentType string `json:"consentType"`
	PrincipalID string `json:"principalId"`
	ResourceID  string `json:"resourceId"`
	Scope       string `json:"scope"`
}

// Scopes returns the space-delimited scope string as a slice.
func (g Grant) Scopes() []string {
	return strings.Fields(g.Scope)
}

// RoleAssignment is an application role assigned to a subject.
type RoleAssignment struct {
	ID                  string    `json:"id"`
	AppRoleID           string    `json:"appRoleId"`
	PrincipalID         string    `json:"principalId"`
	ResourceID          string    `json:"resourceId"`
	ResourceDisplayName string    `json:"resourceDisplayName"`
	CreatedAt           time.Time `json:"createdDateTime"`
}

// ServicePlan is one service inside a licence SKU.
type ServicePlan struct {
	ID                 string `json:"servicePlanId"`
	Name               string `json:"servicePlanName"`
	ProvisioningStatus string `json:"provisioningStatus"`
	AppliesTo          string `json:"appliesTo"`
}

// Provisioned reports whether the plan is active for the subject.
func (p ServicePlan) Provisioned() bool {
	return strings.EqualFold(p.ProvisioningStatus, "Success")
}

// LicenseDetail is an assigned licence SKU and its service plans.
type LicenseDetail struct {
	ID            string        `json:"id"`
	SkuID         string        `json:"skuId"`
	SkuPartNumber string        `json:"skuPartNumber"`
	ServicePlans  []ServicePlan `json:"servicePlans"`
}

// AppIdentity is a resolved service principal.
type AppIdentity struct {
	ID          string `json:"id"`
	AppID       string `json:"appId"`
	DisplayName string `json:"displayName"`
	Publisher   string `json:"publisherName"`
}

// Provider is the capability contract the discovery and remediation layers
// depend on. Implementations must treat "not found" on deletes as success and
// return ErrNotFound from GetSubject when the subject is absent.
type Provider interface {
	GetSubject(ctx context.Context, emailOrID string) (*Subject, error)
	ListOAuthGrants(ctx context.Context, subjectID string) ([]Grant, error)
	ListRoleAssignments(ctx context.Context, subjectID string) ([]RoleAssignment, error)
	ListLicenseDetails(ctx context.Context, emailOrID string) ([]LicenseDetail, error)
	DeleteGrant(ctx context.Context, grantID string) error
	DeleteRoleAssignment(ctx context.Context, subjectID, assignmentID string) error
	RevokeSessions(ctx context.Context, subjectID string) (bool, error)
	// ResolveApplication returns nil, nil when no application matches.
	ResolveApplication(ctx context.Context, clientOrAppID string) (*AppIdentity, error)
}
