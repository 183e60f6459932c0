package casestore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/onnwee/offboard/internal/audit"
	"github.com/onnwee/offboard/internal/risk"
)

var caseRowColumns = []string{
	"id", "subject_id", "subject_name", "subject_email", "event_type", "effective_date",
	"status", "scheduled_remediation_at", "reminder_7d_sent", "reminder_1d_sent", "created_at", "updated_at",
}

var findingRowColumns = []string{
	"id", "case_id", "kind", "severity", "summary", "recommended_action", "closed_at", "created_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_GetCase(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM cases WHERE id = \\$1").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows(caseRowColumns).
			AddRow("c-1", "u-1", "Alice", "alice@co.example", "offboarding", nil, "gaps_found", now, false, true, now, now))
	mock.ExpectQuery("SELECT .+ FROM cases WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	c, err := store.GetCase(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}
	if c.Status != StatusGapsFound || c.ScheduledRemediationAt == nil || c.EffectiveDate != nil || !c.Reminder1dSent {
		t.Errorf("GetCase() = %+v", c)
	}

	if _, err := store.GetCase(context.Background(), "missing"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("GetCase(missing) error = %v, want ErrCaseNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_CreateCase(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO cases").
		WithArgs(sqlmock.AnyArg(), "u-1", "Alice", "alice@co.example", "offboarding", sqlmock.AnyArg(), "draft", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(caseRowColumns).
			AddRow("c-1", "u-1", "Alice", "alice@co.example", "offboarding", nil, "draft", nil, false, false, now, now))
	mock.ExpectQuery("INSERT INTO cases").
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	c, err := store.CreateCase(context.Background(), NewCase{SubjectID: "u-1", SubjectName: "Alice", SubjectEmail: "Alice@co.example"})
	if err != nil {
		t.Fatalf("CreateCase() error = %v", err)
	}
	if c.ID != "c-1" || c.Status != StatusDraft {
		t.Errorf("CreateCase() = %+v", c)
	}

	_, err = store.CreateCase(context.Background(), NewCase{SubjectEmail: "alice@co.example"})
	if !errors.Is(err, ErrOpenCaseExists) {
		t.Errorf("CreateCase(duplicate) error = %v, want ErrOpenCaseExists", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ListCasesByStatus(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM cases WHERE status = ANY\\(\\$1\\) ORDER BY created_at ASC").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(caseRowColumns).
			AddRow("c-1", "", "", "a@co.example", "offboarding", nil, "scheduled", now, false, false, now, now).
			AddRow("c-2", "", "", "b@co.example", "offboarding", nil, "scheduled", now, true, false, now, now))

	cases, err := store.ListCases(context.Background(), CaseFilter{Statuses: []Status{StatusScheduled}})
	if err != nil {
		t.Fatalf("ListCases() error = %v", err)
	}
	if len(cases) != 2 || !cases[1].Reminder7dSent {
		t.Errorf("ListCases() = %+v", cases)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_FindCaseByEmail_None(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM cases\\s+WHERE subject_email = \\$1 AND status NOT IN").
		WithArgs("bob@co.example").
		WillReturnError(sql.ErrNoRows)

	c, err := store.FindCaseByEmail(context.Background(), "BOB@co.example")
	if err != nil || c != nil {
		t.Errorf("FindCaseByEmail() = %+v, %v; want nil, nil", c, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Findings(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO findings").
		WithArgs(sqlmock.AnyArg(), "c-1", "high_risk_lingering_access", "critical", "risky apps", "revoke").
		WillReturnRows(sqlmock.NewRows(findingRowColumns).
			AddRow("f-1", "c-1", "high_risk_lingering_access", "critical", "risky apps", "revoke", nil, now))
	mock.ExpectQuery("INSERT INTO findings").
		WillReturnError(&pq.Error{Code: pqForeignKeyViolation})
	mock.ExpectQuery("SELECT .+ FROM findings WHERE case_id = \\$1 AND closed_at IS NULL").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows(findingRowColumns).
			AddRow("f-1", "c-1", "high_risk_lingering_access", "critical", "risky apps", "revoke", nil, now))
	mock.ExpectExec("UPDATE findings SET closed_at").
		WithArgs("f-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE findings SET closed_at").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	f, err := store.CreateFinding(ctx, NewFinding{
		CaseID:            "c-1",
		Kind:              KindHighRiskLingeringAccess,
		Severity:          risk.Critical,
		Summary:           "risky apps",
		RecommendedAction: "revoke",
	})
	if err != nil {
		t.Fatalf("CreateFinding() error = %v", err)
	}
	if f.Severity != risk.Critical || !f.IsOpen() {
		t.Errorf("CreateFinding() = %+v", f)
	}

	if _, err := store.CreateFinding(ctx, NewFinding{CaseID: "gone", Kind: KindLingeringOAuthGrant}); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("CreateFinding(missing case) error = %v, want ErrCaseNotFound", err)
	}

	open, err := store.ListFindings(ctx, FindingFilter{CaseID: "c-1", OpenOnly: true})
	if err != nil || len(open) != 1 {
		t.Errorf("ListFindings() = %v, %v", open, err)
	}

	if err := store.CloseFinding(ctx, "f-1"); err != nil {
		t.Errorf("CloseFinding() error = %v", err)
	}
	if err := store.CloseFinding(ctx, "missing"); !errors.Is(err, ErrFindingNotFound) {
		t.Errorf("CloseFinding(missing) error = %v, want ErrFindingNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_LogAction_ChainsToHead(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	head := &audit.Entry{
		ID:        "a-1",
		Actor:     audit.ActorSystem,
		Action:    audit.ActionScan,
		Result:    audit.OutcomeSuccess,
		CreatedAt: now,
	}
	auditRowColumns := []string{"id", "actor", "action", "target_email", "case_id", "result", "request", "response", "created_at", "previous_hash"}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM audit_log ORDER BY seq DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows(auditRowColumns).
			AddRow(head.ID, head.Actor, head.Action, "", nil, head.Result, nil, nil, head.CreatedAt, ""))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(
			sqlmock.AnyArg(), "admin@co.example", audit.ActionRemediate, "alice@co.example", nil,
			audit.OutcomeSuccess, `{"action":"full_bundle"}`, nil, sqlmock.AnyArg(), audit.ComputeHash(head),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	e, err := store.LogAction(context.Background(), audit.LogEntry{
		Actor:       "admin@co.example",
		Action:      audit.ActionRemediate,
		TargetEmail: "alice@co.example",
		Request:     map[string]string{"action": "full_bundle"},
	})
	if err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}
	if e.PreviousHash != audit.ComputeHash(head) {
		t.Errorf("PreviousHash = %q, want head hash", e.PreviousHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_LogAction_RollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM audit_log ORDER BY seq DESC").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if _, err := store.LogAction(context.Background(), audit.LogEntry{Action: audit.ActionScan}); err == nil {
		t.Fatal("LogAction() should surface insert failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Settings(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT alert_recipient, auto_remediate, updated_at FROM settings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO settings").
		WithArgs("sec@co.example", true).
		WillReturnRows(sqlmock.NewRows([]string{"alert_recipient", "auto_remediate", "updated_at"}).
			AddRow("sec@co.example", true, now))

	ctx := context.Background()
	s, err := store.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if s.AlertRecipient != "" || s.AutoRemediate {
		t.Errorf("GetSettings() defaults = %+v", s)
	}

	recipient := "SEC@co.example"
	s, err = store.UpdateSettings(ctx, SettingsPatch{AlertRecipient: &recipient, AutoRemediate: BoolPtr(true)})
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if s.AlertRecipient != "sec@co.example" || !s.AutoRemediate {
		t.Errorf("UpdateSettings() = %+v", s)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
