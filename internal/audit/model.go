// Package audit provides the append-only audit trail for scans, remediations
// and administrative actions taken against offboarding cases.
package audit

import (
	"encoding/json"
	"time"
)

// Actions recorded by the reconciliation engine and scheduler.
const (
	ActionScan           = "scan"
	ActionSystemScan     = "system_scan"
	ActionRemediate      = "remediate"
	ActionCaseCreate     = "case_create"
	ActionSchedule       = "schedule_remediation"
	ActionReminder       = "send_reminder"
	ActionSettingsUpdate = "settings_update"
	ActionReopen         = "reopen"
)

// Outcome values. OutcomeDegraded marks a scan that completed on partial
// provider data.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeDegraded = "degraded"
)

// ActorSystem is the actor recorded for scheduler-driven actions.
const ActorSystem = "system"

// Entry is a single immutable audit record.
type Entry struct {
	ID          string
	Actor       string
	Action      string
	TargetEmail string
	CaseID      string
	Result      string // one of the Outcome values
	Request     json.RawMessage
	Response    json.RawMessage
	CreatedAt   time.Time

	// PreviousHash is the SHA-256 of the preceding entry, empty for the first.
	PreviousHash string
}

// LogEntry is the input for appending an audit record.
type LogEntry struct {
	Actor       string
	Action      string
	TargetEmail string
	CaseID      string
	Result      string
	Request     any // marshalled to JSON when non-nil
	Response    any
}

// Filter narrows audit queries. Zero values match everything.
type Filter struct {
	TargetEmail string
	CaseID      string
	Action      string
	From        time.Time
	To          time.Time
	Limit       int
}

// Matches reports whether e satisfies the filter (ignoring Limit).
func (f Filter) Matches(e *Entry) bool {
	if f.TargetEmail != "" && e.TargetEmail != f.TargetEmail {
		return false
	}
	if f.CaseID != "" && e.CaseID != f.CaseID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
