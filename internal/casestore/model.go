// Package casestore persists offboarding cases, their findings, the audit
// trail and operator settings.
package casestore

import (
	"errors"
	"strings"
	"time"

	"github.com/onnwee/offboard/internal/risk"
)

// Status is the lifecycle state of a case.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusAllClear   Status = "all_clear"
	StatusGapsFound  Status = "gaps_found"
	StatusRemediated Status = "remediated"
	StatusClosed     Status = "closed"
)

// IsOpen reports whether a case in this status still counts as the open
// case for its subject.
func (s Status) IsOpen() bool {
	return s != StatusRemediated && s != StatusClosed
}

// IsPreRemediation reports whether a remediation date can still be scheduled.
func (s Status) IsPreRemediation() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusAllClear, StatusGapsFound:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusAllClear, StatusGapsFound, StatusRemediated, StatusClosed:
		return true
	}
	return false
}

// FindingKind enumerates policy violations.
type FindingKind string

const (
	KindLingeringDisabledAccount FindingKind = "lingering_access_disabled_account"
	KindHighRiskLingeringAccess  FindingKind = "high_risk_lingering_access"
	KindLingeringOAuthGrant      FindingKind = "lingering_oauth_grant"
	KindReappearedAccess         FindingKind = "reappeared_access"
	KindRemediationFailed        FindingKind = "remediation_failed"
)

// EventType values for a case.
const (
	EventOffboarding = "offboarding"
)

// Sentinel errors.
var (
	ErrCaseNotFound    = errors.New("case not found")
	ErrFindingNotFound = errors.New("finding not found")
	ErrOpenCaseExists  = errors.New("an open case already exists for this email")
	ErrInvalidStatus   = errors.New("invalid case status")
)

// Case is the offboarding lifecycle record for one subject.
type Case struct {
	ID                     string     `json:"id"`
	SubjectID              string     `json:"subject_id"`
	SubjectName            string     `json:"subject_name"`
	SubjectEmail           string     `json:"subject_email"`
	EventType              string     `json:"event_type"`
	EffectiveDate          *time.Time `json:"effective_date,omitempty"`
	Status                 Status     `json:"status"`
	ScheduledRemediationAt *time.Time `json:"scheduled_remediation_at,omitempty"`
	Reminder7dSent         bool       `json:"reminder_7d_sent"`
	Reminder1dSent         bool       `json:"reminder_1d_sent"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Finding is a policy violation belonging to exactly one case.
type Finding struct {
	ID                string      `json:"id"`
	CaseID            string      `json:"case_id"`
	Kind              FindingKind `json:"kind"`
	Severity          risk.Tier   `json:"severity"`
	Summary           string      `json:"summary"`
	RecommendedAction string      `json:"recommended_action"`
	ClosedAt          *time.Time  `json:"closed_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// IsOpen reports whether the finding has not been closed.
func (f *Finding) IsOpen() bool {
	return f.ClosedAt == nil
}

// NewCase is the input for CreateCase.
type NewCase struct {
	SubjectID              string
	SubjectName            string
	SubjectEmail           string
	EventType              string
	EffectiveDate          *time.Time
	ScheduledRemediationAt *time.Time
}

// CasePatch is a partial update. Nil fields are left unchanged.
type CasePatch struct {
	Status                 *Status
	SubjectID              *string
	SubjectName            *string
	ScheduledRemediationAt *time.Time
	Reminder7dSent         *bool
	Reminder1dSent         *bool
}

// NewFinding is the input for CreateFinding.
type NewFinding struct {
	CaseID            string
	Kind              FindingKind
	Severity          risk.Tier
	Summary           string
	RecommendedAction string
}

// CaseFilter narrows ListCases. Zero values match everything.
type CaseFilter struct {
	Statuses []Status
	Email    string
}

// Matches reports whether c satisfies the filter.
func (f CaseFilter) Matches(c *Case) bool {
	if f.Email != "" && !strings.EqualFold(c.SubjectEmail, f.Email) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if c.Status == s {
			return true
		}
	}
	return false
}

// FindingFilter narrows ListFindings.
type FindingFilter struct {
	CaseID   string
	Kind     FindingKind
	OpenOnly bool
}

// Matches reports whether f satisfies the filter.
func (ff FindingFilter) Matches(f *Finding) bool {
	if ff.CaseID != "" && f.CaseID != ff.CaseID {
		return false
	}
	if ff.Kind != "" && f.Kind != ff.Kind {
		return false
	}
	if ff.OpenOnly && !f.IsOpen() {
		return false
	}
	return true
}

// Settings are operator-editable runtime options.
type Settings struct {
	AlertRecipient string    `json:"alert_recipient"`
	AutoRemediate  bool      `json:"auto_remediate"`
	ReminderDays   []int     `json:"reminder_days"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SettingsPatch is a partial settings update.
type SettingsPatch struct {
	AlertRecipient *string
	AutoRemediate  *bool
}

// DefaultSettings returns the settings used before any update.
func DefaultSettings() Settings {
	return Settings{ReminderDays: []int{7, 1}}
}

// NormalizeEmail lowercases and trims an email for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
