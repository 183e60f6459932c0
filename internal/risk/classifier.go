// Package risk classifies delegated permission scopes and role values into
// risk tiers used for artifacts and finding severities.
package risk

import (
	"errors"
	"strings"
)

// Tier is an ordered risk classification. Higher values are riskier.
type Tier int

// Risk tiers, ordered from least to most severe.
const (
	Low Tier = iota
	Medium
	High
	Critical
)

// ErrInvalidTier is returned when a tier name cannot be parsed.
var ErrInvalidTier = errors.New("invalid risk tier: must be low, medium, high, or critical")

var tierNames = [...]string{"low", "medium", "high", "critical"}

// String returns the lowercase tier name.
func (t Tier) String() string {
	if t < Low || t > Critical {
		return "unknown"
	}
	return tierNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier converts a tier name (case-insensitive) into a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return Low, ErrInvalidTier
}

// Max returns the highest of the given tiers, or Low when none are given.
func Max(tiers ...Tier) Tier {
	max := Low
	for _, t := range tiers {
		if t > max {
			max = t
		}
	}
	return max
}

// criticalScopes grant full mailbox access, directory role management, or
// tenant-wide admin-as-app rights. Matched exactly (case-insensitive).
var criticalScopes = map[string]bool{
	"full_access_as_app":                 true,
	"mail.readwrite.all":                 true,
	"ews.accessasuser.all":               true,
	"rolemanagement.readwrite.directory": true,
	"directory.accessasuser.all":         true,
	"approleassignment.readwrite.all":    true,
	"application.readwrite.all":          true,
	"privilegedaccess.readwrite.azuread": true,
	"user.manageidentities.all":          true,
	"policy.readwrite.conditionalaccess": true,
	"domain.readwrite.all":               true,
	"organization.readwrite.all":         true,
}

// highPrefixes cover read-write access to mail, files, directory objects,
// users, and sites. A scope matches when it starts with the prefix.
var highPrefixes = []string{
	"mail.readwrite",
	"mail.send",
	"files.readwrite",
	"directory.readwrite",
	"user.readwrite",
	"sites.readwrite",
	"sites.fullcontrol",
	"sites.manage",
	"group.readwrite",
	"calendars.readwrite",
	"contacts.readwrite",
}

// mediumTokens mark any scope that can change state.
var mediumTokens = []string{"write", "modify", "manage", "send", "delete", "create"}

// Classify maps a scope or role set to a risk tier. The highest matching tier
// wins. The result does not depend on input order or duplicates, and an empty
// or nil set is Low.
func Classify(scopes []string) Tier {
	tier := Low
	for _, raw := range scopes {
		t := classifyOne(raw)
		if t > tier {
			tier = t
			if tier == Critical {
				return Critical
			}
		}
	}
	return tier
}

// ClassifyScopeString splits a space-delimited OAuth scope string and classifies it.
func ClassifyScopeString(scope string) Tier {
	return Classify(strings.Fields(scope))
}

func classifyOne(raw string) Tier {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Low
	}
	if criticalScopes[s] {
		return Critical
	}
	for _, p := range highPrefixes {
		if strings.HasPrefix(s, p) {
			return High
		}
	}
	for _, tok := range mediumTokens {
		if strings.Contains(s, tok) {
			return Medium
		}
	}
	return Low
}
