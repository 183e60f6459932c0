package casestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/onnwee/offboard/internal/audit"
	"github.com/onnwee/offboard/internal/risk"
	"github.com/onnwee/offboard/internal/tracing"
	"github.com/onnwee/offboard/internal/validate"
)

// Postgres error codes the store maps to sentinels.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// auditChainLockKey serialises audit appends so PreviousHash stays linear.
const auditChainLockKey = 7310425

const caseColumns = `id, subject_id, subject_name, subject_email, event_type, effective_date,
		status, scheduled_remediation_at, reminder_7d_sent, reminder_1d_sent, created_at, updated_at`

const findingColumns = `id, case_id, kind, severity, summary, recommended_action, closed_at, created_at`

const auditColumns = `id, actor, action, target_email, case_id, result, request, response, created_at, previous_hash`

// PostgresStore implements Store using PostgreSQL via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	var (
		c         Case
		effective sql.NullTime
		scheduled sql.NullTime
		status    string
	)
	err := row.Scan(
		&c.ID,
		&c.SubjectID,
		&c.SubjectName,
		&c.SubjectEmail,
		&c.EventType,
		&effective,
		&status,
		&scheduled,
		&c.Reminder7dSent,
		&c.Reminder1dSent,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if effective.Valid {
		t := effective.Time
		c.EffectiveDate = &t
	}
	if scheduled.Valid {
		t := scheduled.Time
		c.ScheduledRemediationAt = &t
	}
	return &c, nil
}

func scanFinding(row rowScanner) (*Finding, error) {
	var (
		f        Finding
		kind     string
		severity string
		closedAt sql.NullTime
	)
	err := row.Scan(
		&f.ID,
		&f.CaseID,
		&kind,
		&severity,
		&f.Summary,
		&f.RecommendedAction,
		&closedAt,
		&f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Kind = FindingKind(kind)
	tier, err := risk.ParseTier(severity)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", f.ID, err)
	}
	f.Severity = tier
	if closedAt.Valid {
		t := closedAt.Time
		f.ClosedAt = &t
	}
	return &f, nil
}

func scanAuditEntry(row rowScanner) (*audit.Entry, error) {
	var (
		e         audit.Entry
		caseID    sql.NullString
		req, resp []byte
	)
	err := row.Scan(
		&e.ID,
		&e.Actor,
		&e.Action,
		&e.TargetEmail,
		&caseID,
		&e.Result,
		&req,
		&resp,
		&e.CreatedAt,
		&e.PreviousHash,
	)
	if err != nil {
		return nil, err
	}
	e.CaseID = caseID.String
	e.Request = req
	e.Response = resp
	return &e, nil
}

// ListCases returns cases matching the filter, oldest first.
func (s *PostgresStore) ListCases(ctx context.Context, filter CaseFilter) (_ []*Case, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "cases", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		conds []string
		args  []any
	)
	if filter.Email != "" {
		args = append(args, NormalizeEmail(filter.Email))
		conds = append(conds, fmt.Sprintf("subject_email = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	defer rows.Close()

	cases := make([]*Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cases: %w", err)
	}
	return cases, nil
}

// GetCase retrieves a case by id.
func (s *PostgresStore) GetCase(ctx context.Context, id string) (_ *Case, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "cases", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

// CreateCase inserts a draft case. The partial unique index on open cases
// enforces one open case per email.
func (s *PostgresStore) CreateCase(ctx context.Context, in NewCase) (_ *Case, err error) {
	email, err := validate.Email(in.SubjectEmail)
	if err != nil {
		return nil, fmt.Errorf("invalid subject email %q: %w", in.SubjectEmail, err)
	}
	eventType := in.EventType
	if eventType == "" {
		eventType = EventOffboarding
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "cases", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO cases (
			id, subject_id, subject_name, subject_email, event_type, effective_date,
			status, scheduled_remediation_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + caseColumns

	row := s.db.QueryRowContext(ctx, query,
		uuid.New().String(),
		in.SubjectID,
		in.SubjectName,
		email,
		eventType,
		nullTime(in.EffectiveDate),
		string(StatusDraft),
		nullTime(in.ScheduledRemediationAt),
	)
	c, err := scanCase(row)
	if err != nil {
		if isPQError(err, pqUniqueViolation) {
			return nil, ErrOpenCaseExists
		}
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	return c, nil
}

// UpdateCase applies a partial update; nil patch fields keep their column value.
func (s *PostgresStore) UpdateCase(ctx context.Context, id string, patch CasePatch) (_ *Case, err error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "cases", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}

	query := `
		UPDATE cases SET
			status = COALESCE($2, status),
			subject_id = COALESCE($3, subject_id),
			subject_name = COALESCE($4, subject_name),
			scheduled_remediation_at = COALESCE($5, scheduled_remediation_at),
			reminder_7d_sent = COALESCE($6, reminder_7d_sent),
			reminder_1d_sent = COALESCE($7, reminder_1d_sent),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + caseColumns

	row := s.db.QueryRowContext(ctx, query,
		id,
		status,
		nullString(patch.SubjectID),
		nullString(patch.SubjectName),
		nullTime(patch.ScheduledRemediationAt),
		nullBool(patch.Reminder7dSent),
		nullBool(patch.Reminder1dSent),
	)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update case: %w", err)
	}
	return c, nil
}

// FindCaseByEmail returns the open case for email, or nil.
func (s *PostgresStore) FindCaseByEmail(ctx context.Context, email string) (_ *Case, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "cases", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT ` + caseColumns + `
		FROM cases
		WHERE subject_email = $1 AND status NOT IN ('remediated', 'closed')
		ORDER BY created_at DESC
		LIMIT 1`

	c, err := scanCase(s.db.QueryRowContext(ctx, query, NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find case by email: %w", err)
	}
	return c, nil
}

// ListFindings returns findings matching the filter, oldest first.
func (s *PostgresStore) ListFindings(ctx context.Context, filter FindingFilter) (_ []*Finding, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "findings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		conds []string
		args  []any
	)
	if filter.CaseID != "" {
		args = append(args, filter.CaseID)
		conds = append(conds, fmt.Sprintf("case_id = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.OpenOnly {
		conds = append(conds, "closed_at IS NULL")
	}

	query := `SELECT ` + findingColumns + ` FROM findings`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC`

	return s.queryFindings(ctx, query, args...)
}

func (s *PostgresStore) queryFindings(ctx context.Context, query string, args ...any) ([]*Finding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	defer rows.Close()

	findings := make([]*Finding, 0)
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating findings: %w", err)
	}
	return findings, nil
}

// CreateFinding inserts an open finding for an existing case.
func (s *PostgresStore) CreateFinding(ctx context.Context, in NewFinding) (_ *Finding, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "findings", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO findings (id, case_id, kind, severity, summary, recommended_action)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + findingColumns

	f, err := scanFinding(s.db.QueryRowContext(ctx, query,
		uuid.New().String(),
		in.CaseID,
		string(in.Kind),
		in.Severity.String(),
		in.Summary,
		in.RecommendedAction,
	))
	if err != nil {
		if isPQError(err, pqForeignKeyViolation) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to create finding: %w", err)
	}
	return f, nil
}

// CloseFinding stamps closed_at once; closing twice keeps the first timestamp.
func (s *PostgresStore) CloseFinding(ctx context.Context, id string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "findings", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE findings SET closed_at = COALESCE(closed_at, NOW()) WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to close finding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close result: %w", err)
	}
	if n == 0 {
		return ErrFindingNotFound
	}
	return nil
}

// FindingsForCase returns every finding of a case, oldest first.
func (s *PostgresStore) FindingsForCase(ctx context.Context, caseID string) (_ []*Finding, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "findings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	return s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE case_id = $1 ORDER BY created_at ASC`, caseID)
}

// ListAuditLogs queries the audit trail, newest first.
func (s *PostgresStore) ListAuditLogs(ctx context.Context, filter audit.Filter) (_ []*audit.Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_log", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.TargetEmail != "" {
		add("target_email = $%d", filter.TargetEmail)
	}
	if filter.CaseID != "" {
		add("case_id = $%d", filter.CaseID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]*audit.Entry, 0)
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

// LogAction appends to the audit trail inside a transaction holding an
// advisory lock, so concurrent writers cannot fork the hash chain.
func (s *PostgresStore) LogAction(ctx context.Context, le audit.LogEntry) (_ *audit.Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_log", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock audit chain: %w", err)
	}

	prevHash := ""
	last, err := scanAuditEntry(tx.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log ORDER BY seq DESC LIMIT 1`))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	default:
		prevHash = audit.ComputeHash(last)
	}

	e, err := audit.NewEntry(le, prevHash, time.Now())
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID,
		e.Actor,
		e.Action,
		e.TargetEmail,
		nullString(&e.CaseID),
		e.Result,
		nullJSON(e.Request),
		nullJSON(e.Response),
		e.CreatedAt,
		e.PreviousHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit entry: %w", err)
	}
	return e, nil
}

// GetSettings returns the settings row, or defaults when none was saved.
func (s *PostgresStore) GetSettings(ctx context.Context) (_ *Settings, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "settings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	settings := DefaultSettings()
	err = s.db.QueryRowContext(ctx,
		`SELECT alert_recipient, auto_remediate, updated_at FROM settings WHERE id = 1`,
	).Scan(&settings.AlertRecipient, &settings.AutoRemediate, &settings.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &settings, nil
}

// UpdateSettings upserts the settings row.
func (s *PostgresStore) UpdateSettings(ctx context.Context, patch SettingsPatch) (_ *Settings, err error) {
	if patch.AlertRecipient != nil && *patch.AlertRecipient != "" {
		email, err := validate.Email(*patch.AlertRecipient)
		if err != nil {
			return nil, fmt.Errorf("invalid alert recipient: %w", err)
		}
		patch.AlertRecipient = &email
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "settings", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	settings := DefaultSettings()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO settings (id, alert_recipient, auto_remediate, updated_at)
		VALUES (1, COALESCE($1, ''), COALESCE($2, FALSE), NOW())
		ON CONFLICT (id) DO UPDATE SET
			alert_recipient = COALESCE($1, settings.alert_recipient),
			auto_remediate = COALESCE($2, settings.auto_remediate),
			updated_at = NOW()
		RETURNING alert_recipient, auto_remediate, updated_at`,
		nullString(patch.AlertRecipient),
		nullBool(patch.AutoRemediate),
	).Scan(&settings.AlertRecipient, &settings.AutoRemediate, &settings.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}
	return &settings, nil
}

func isPQError(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
