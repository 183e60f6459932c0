package casestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/offboard/internal/audit"
	"github.com/onnwee/offboard/internal/risk"
)

func TestInMemoryStore_CreateCase_OneOpenCasePerEmail(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	c, err := store.CreateCase(ctx, NewCase{SubjectEmail: " Alice@Co.Example ", SubjectName: "Alice"})
	if err != nil {
		t.Fatalf("CreateCase() error = %v", err)
	}
	if c.Status != StatusDraft || c.SubjectEmail != "alice@co.example" || c.EventType != EventOffboarding {
		t.Errorf("CreateCase() = %+v", c)
	}

	if _, err := store.CreateCase(ctx, NewCase{SubjectEmail: "alice@co.example"}); !errors.Is(err, ErrOpenCaseExists) {
		t.Errorf("second CreateCase() error = %v, want ErrOpenCaseExists", err)
	}

	// Once remediated, a new case may be opened.
	if _, err := store.UpdateCase(ctx, c.ID, CasePatch{Status: StatusPtr(StatusRemediated)}); err != nil {
		t.Fatalf("UpdateCase() error = %v", err)
	}
	found, err := store.FindCaseByEmail(ctx, "alice@co.example")
	if err != nil || found != nil {
		t.Errorf("FindCaseByEmail() = %+v, %v; want nil, nil", found, err)
	}
	if _, err := store.CreateCase(ctx, NewCase{SubjectEmail: "alice@co.example"}); err != nil {
		t.Errorf("CreateCase() after remediation error = %v", err)
	}
}

func TestInMemoryStore_CreateCase_InvalidEmail(t *testing.T) {
	store := NewInMemoryStore()
	if _, err := store.CreateCase(context.Background(), NewCase{SubjectEmail: "not-an-email"}); err == nil {
		t.Error("CreateCase() with invalid email should fail")
	}
}

func TestInMemoryStore_UpdateCase(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	c, _ := store.CreateCase(ctx, NewCase{SubjectEmail: "bob@co.example"})

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	updated, err := store.UpdateCase(ctx, c.ID, CasePatch{
		Status:                 StatusPtr(StatusScheduled),
		ScheduledRemediationAt: &at,
		Reminder7dSent:         BoolPtr(true),
	})
	if err != nil {
		t.Fatalf("UpdateCase() error = %v", err)
	}
	if updated.Status != StatusScheduled || !updated.ScheduledRemediationAt.Equal(at) || !updated.Reminder7dSent {
		t.Errorf("UpdateCase() = %+v", updated)
	}

	// Read-your-writes.
	got, _ := store.GetCase(ctx, c.ID)
	if got.Status != StatusScheduled {
		t.Errorf("GetCase().Status = %s, want scheduled", got.Status)
	}

	if _, err := store.UpdateCase(ctx, "missing", CasePatch{}); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("UpdateCase(missing) error = %v, want ErrCaseNotFound", err)
	}
	bad := Status("archived")
	if _, err := store.UpdateCase(ctx, c.ID, CasePatch{Status: &bad}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("UpdateCase(bad status) error = %v, want ErrInvalidStatus", err)
	}
}

func TestInMemoryStore_ListCases(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	a, _ := store.CreateCase(ctx, NewCase{SubjectEmail: "a@co.example"})
	store.CreateCase(ctx, NewCase{SubjectEmail: "b@co.example"})
	store.UpdateCase(ctx, a.ID, CasePatch{Status: StatusPtr(StatusScheduled)})

	tests := []struct {
		name   string
		filter CaseFilter
		want   int
	}{
		{"all", CaseFilter{}, 2},
		{"scheduled", CaseFilter{Statuses: []Status{StatusScheduled}}, 1},
		{"draft or closed", CaseFilter{Statuses: []Status{StatusDraft, StatusClosed}}, 1},
		{"by email", CaseFilter{Email: "B@co.example"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListCases(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListCases() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("ListCases() returned %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestInMemoryStore_Findings(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	c, _ := store.CreateCase(ctx, NewCase{SubjectEmail: "alice@co.example"})

	f1, err := store.CreateFinding(ctx, NewFinding{CaseID: c.ID, Kind: KindLingeringDisabledAccount, Severity: risk.High})
	if err != nil {
		t.Fatalf("CreateFinding() error = %v", err)
	}
	if _, err := store.CreateFinding(ctx, NewFinding{CaseID: c.ID, Kind: KindHighRiskLingeringAccess, Severity: risk.Critical}); err != nil {
		t.Fatalf("CreateFinding() error = %v", err)
	}
	if _, err := store.CreateFinding(ctx, NewFinding{CaseID: "missing", Kind: KindLingeringOAuthGrant}); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("CreateFinding(missing case) error = %v, want ErrCaseNotFound", err)
	}

	if err := store.CloseFinding(ctx, f1.ID); err != nil {
		t.Fatalf("CloseFinding() error = %v", err)
	}
	first, _ := store.ListFindings(ctx, FindingFilter{CaseID: c.ID, Kind: KindLingeringDisabledAccount})
	closedAt := *first[0].ClosedAt

	// Closing again keeps the original timestamp.
	if err := store.CloseFinding(ctx, f1.ID); err != nil {
		t.Fatalf("CloseFinding() second call error = %v", err)
	}
	again, _ := store.ListFindings(ctx, FindingFilter{CaseID: c.ID, Kind: KindLingeringDisabledAccount})
	if !again[0].ClosedAt.Equal(closedAt) {
		t.Error("CloseFinding() should not move ClosedAt")
	}
	if err := store.CloseFinding(ctx, "missing"); !errors.Is(err, ErrFindingNotFound) {
		t.Errorf("CloseFinding(missing) error = %v, want ErrFindingNotFound", err)
	}

	open, _ := store.ListFindings(ctx, FindingFilter{CaseID: c.ID, OpenOnly: true})
	if len(open) != 1 || open[0].Kind != KindHighRiskLingeringAccess {
		t.Errorf("open findings = %+v", open)
	}
	all, _ := store.FindingsForCase(ctx, c.ID)
	if len(all) != 2 || all[0].ID != f1.ID {
		t.Errorf("FindingsForCase() = %d findings, first %v", len(all), all)
	}
}

func TestInMemoryStore_AuditAndSettings(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.LogAction(ctx, audit.LogEntry{Action: audit.ActionScan, TargetEmail: "alice@co.example"}); err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}
	logs, _ := store.ListAuditLogs(ctx, audit.Filter{TargetEmail: "alice@co.example"})
	if len(logs) != 1 {
		t.Errorf("ListAuditLogs() returned %d entries, want 1", len(logs))
	}

	hash, err := AuditLog{Store: store}.LastHash(ctx)
	if err != nil || hash == "" {
		t.Errorf("AuditLog.LastHash() = %q, %v", hash, err)
	}

	settings, _ := store.GetSettings(ctx)
	if settings.AutoRemediate || len(settings.ReminderDays) != 2 {
		t.Errorf("default settings = %+v", settings)
	}

	recipient := "Security@Co.Example"
	updated, err := store.UpdateSettings(ctx, SettingsPatch{AlertRecipient: &recipient, AutoRemediate: BoolPtr(true)})
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if updated.AlertRecipient != "security@co.example" || !updated.AutoRemediate {
		t.Errorf("UpdateSettings() = %+v", updated)
	}

	bad := "nope"
	if _, err := store.UpdateSettings(ctx, SettingsPatch{AlertRecipient: &bad}); err == nil {
		t.Error("UpdateSettings() with invalid recipient should fail")
	}
}

func TestStatus_Predicates(t *testing.T) {
	tests := []struct {
		status Status
		open   bool
		pre    bool
	}{
		{StatusDraft, true, true},
		{StatusScheduled, true, true},
		{StatusAllClear, true, true},
		{StatusGapsFound, true, true},
		{StatusRemediated, false, false},
		{StatusClosed, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsOpen(); got != tt.open {
				t.Errorf("IsOpen() = %v, want %v", got, tt.open)
			}
			if got := tt.status.IsPreRemediation(); got != tt.pre {
				t.Errorf("IsPreRemediation() = %v, want %v", got, tt.pre)
			}
		})
	}
}
