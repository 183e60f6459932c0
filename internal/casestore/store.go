package casestore

import (
	"context"
	"time"

	"github.com/onnwee/offboard/internal/audit"
)

// Store defines persistence for cases, findings, audit entries and settings.
// Every write is visible to the next read made by the same caller.
type Store interface {
	// ListCases returns cases matching the filter, oldest first.
	ListCases(ctx context.Context, filter CaseFilter) ([]*Case, error)
	// GetCase returns ErrCaseNotFound when absent.
	GetCase(ctx context.Context, id string) (*Case, error)
	// CreateCase returns ErrOpenCaseExists if the email already has an open case.
	CreateCase(ctx context.Context, in NewCase) (*Case, error)
	// UpdateCase applies a partial update and returns the updated case.
	UpdateCase(ctx context.Context, id string, patch CasePatch) (*Case, error)
	// FindCaseByEmail returns the open case for email, or nil when none exists.
	FindCaseByEmail(ctx context.Context, email string) (*Case, error)

	ListFindings(ctx context.Context, filter FindingFilter) ([]*Finding, error)
	CreateFinding(ctx context.Context, in NewFinding) (*Finding, error)
	// CloseFinding is a no-op on an already closed finding.
	CloseFinding(ctx context.Context, id string) error
	// FindingsForCase returns every finding of a case, oldest first.
	FindingsForCase(ctx context.Context, caseID string) ([]*Finding, error)

	ListAuditLogs(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error)
	LogAction(ctx context.Context, entry audit.LogEntry) (*audit.Entry, error)

	GetSettings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, patch SettingsPatch) (*Settings, error)
}

// AuditLog adapts a Store to audit.Repository so exports and archives can be
// taken straight from the case store.
type AuditLog struct {
	Store Store
}

// Append implements audit.Repository.
func (a AuditLog) Append(ctx context.Context, entry audit.LogEntry) (*audit.Entry, error) {
	return a.Store.LogAction(ctx, entry)
}

// Query implements audit.Repository.
func (a AuditLog) Query(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	return a.Store.ListAuditLogs(ctx, filter)
}

// LastHash implements audit.Repository.
func (a AuditLog) LastHash(ctx context.Context) (string, error) {
	entries, err := a.Store.ListAuditLogs(ctx, audit.Filter{Limit: 1})
	if err != nil || len(entries) == 0 {
		return "", err
	}
	return audit.ComputeHash(entries[0]), nil
}

// ApplyPatch mutates c with the non-nil fields of p.
func ApplyPatch(c *Case, p CasePatch, now time.Time) {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.SubjectID != nil {
		c.SubjectID = *p.SubjectID
	}
	if p.SubjectName != nil {
		c.SubjectName = *p.SubjectName
	}
	if p.ScheduledRemediationAt != nil {
		t := *p.ScheduledRemediationAt
		c.ScheduledRemediationAt = &t
	}
	if p.Reminder7dSent != nil {
		c.Reminder7dSent = *p.Reminder7dSent
	}
	if p.Reminder1dSent != nil {
		c.Reminder1dSent = *p.Reminder1dSent
	}
	c.UpdatedAt = now.UTC()
}

// StatusPtr is a helper for building patches.
func StatusPtr(s Status) *Status { return &s }

// BoolPtr is a helper for building patches.
func BoolPtr(b bool) *bool { return &b }
