package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/offboard/internal/audit"
	"github.com/onnwee/offboard/internal/casestore"
	"github.com/onnwee/offboard/internal/discovery"
	"github.com/onnwee/offboard/internal/identity"
	"github.com/onnwee/offboard/internal/notify"
	"github.com/onnwee/offboard/internal/remediation"
	"github.com/onnwee/offboard/internal/risk"
	"github.com/onnwee/offboard/internal/tracing"
)

// ErrDiscoveryFailed is returned by a scan whose subject lookup failed for
// a reason other than the subject not existing.
var ErrDiscoveryFailed = errors.New("discovery failed")

// Discoverer finds live access for a subject.
type Discoverer interface {
	DiscoverSubjectAccess(ctx context.Context, email string) *discovery.Result
}

// Remediator revokes access. Implementations report failures in the result.
type Remediator interface {
	FullRemediation(ctx context.Context, email string) *remediation.Result
	RevokeGrantsForApp(ctx context.Context, email, clientID string) *remediation.Result
	RevokeSessions(ctx context.Context, email string) *remediation.Result
	RemoveRoleAssignments(ctx context.Context, email string) *remediation.Result
}

type actorKey struct{}

// WithActor attaches the acting principal recorded in audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor in ctx, or audit.ActorSystem.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return audit.ActorSystem
}

// ScanOptions tunes a single scan.
type ScanOptions struct {
	// SuppressReopen keeps a remediated or closed case in its status even
	// when access has reappeared. The suppression is logged.
	SuppressReopen bool
}

// ScanSummary reports what one case scan observed and changed.
type ScanSummary struct {
	CaseID           string               `json:"case_id"`
	Email            string               `json:"email"`
	PreviousStatus   casestore.Status     `json:"previous_status"`
	Status           casestore.Status     `json:"status"`
	Artifacts        int                  `json:"artifacts"`
	Entitlements     int                  `json:"entitlements"`
	MaxRisk          risk.Tier            `json:"max_risk"`
	NewFindings      []*casestore.Finding `json:"new_findings"`
	ClosedFindings   int                  `json:"closed_findings"`
	OpenFindings     int                  `json:"open_findings"`
	Degraded         []string             `json:"degraded,omitempty"`
	Reopened         bool                 `json:"reopened"`
	ReopenSuppressed bool                 `json:"reopen_suppressed"`
}

// SystemScanSummary aggregates a scan over many cases.
type SystemScanSummary struct {
	StartedAt    time.Time         `json:"started_at"`
	Subjects     int               `json:"subjects"`
	CasesCreated int               `json:"cases_created"`
	Scanned      int               `json:"scanned"`
	Artifacts    int               `json:"artifacts"`
	NewFindings  int               `json:"new_findings"`
	Reopened     int               `json:"reopened"`
	Remediated   int               `json:"remediated"`
	Errors       map[string]string `json:"errors,omitempty"`
	Sources      []string          `json:"sources,omitempty"`
	Degraded     []string          `json:"degraded,omitempty"`
}

func (s *SystemScanSummary) add(sum *ScanSummary) {
	s.Scanned++
	s.Artifacts += sum.Artifacts
	s.NewFindings += len(sum.NewFindings)
	if sum.Reopened {
		s.Reopened++
	}
}

func (s *SystemScanSummary) fail(email string, err error) {
	if s.Errors == nil {
		s.Errors = make(map[string]string)
	}
	s.Errors[email] = err.Error()
}

// RemediationOutcome is the result of ExecuteRemediation.
type RemediationOutcome struct {
	CaseID         string              `json:"case_id"`
	Action         string              `json:"action"`
	Result         *remediation.Result `json:"result"`
	Status         casestore.Status    `json:"status"`
	ClosedFindings int                 `json:"closed_findings"`
	Scan           *ScanSummary        `json:"scan,omitempty"`
}

// Config configures an Engine.
type Config struct {
	Store     casestore.Store
	Discovery Discoverer
	// Remediator defaults to an unconfigured orchestrator that skips every action.
	Remediator Remediator
	// Notifier defaults to a log-only notifier.
	Notifier notify.Notifier
	// Roster defaults to a case-store-only roster.
	Roster  *Roster
	Metrics *Metrics
	Logger  *slog.Logger
}

// Engine is the reconciliation engine.
type Engine struct {
	store      casestore.Store
	discovery  Discoverer
	remediator Remediator
	notifier   notify.Notifier
	roster     *Roster
	metrics    *Metrics
	logger     *slog.Logger
	timeNow    func() time.Time
}

// NewEngine creates an engine. Store and Discovery are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if cfg.Discovery == nil {
		return nil, errors.New("reconcile: discovery is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Remediator == nil {
		cfg.Remediator = remediation.NewOrchestrator(remediation.Config{Logger: cfg.Logger})
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	if cfg.Roster == nil {
		cfg.Roster = NewRoster(RosterConfig{Store: cfg.Store, Logger: cfg.Logger})
	}
	return &Engine{
		store:      cfg.Store,
		discovery:  cfg.Discovery,
		remediator: cfg.Remediator,
		notifier:   cfg.Notifier,
		roster:     cfg.Roster,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		timeNow:    time.Now,
	}, nil
}

// TriggerScan discovers access for the case subject, persists new findings
// (at most one open finding per kind), closes findings that no longer
// apply, recomputes the status and records a scan audit entry. When a
// discovery category failed, nothing is closed and the status can only move
// toward gaps_found.
func (e *Engine) TriggerScan(ctx context.Context, caseID string, opts ...ScanOptions) (*ScanSummary, error) {
	var o ScanOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return e.scanCase(ctx, c, o)
}

func (e *Engine) scanCase(ctx context.Context, c *casestore.Case, opts ScanOptions) (sum *ScanSummary, err error) {
	start := e.timeNow()
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.scan")
	defer func() {
		endSpan(err)
		outcome := outcomeSuccess
		switch {
		case err != nil:
			outcome = outcomeFailure
		case sum != nil && len(sum.Degraded) > 0:
			outcome = outcomeDegraded
		}
		e.metrics.observeScan(outcome, e.timeNow().Sub(start).Seconds())
	}()
	tracing.SetAttributes(ctx, tracing.AttrCaseID.String(c.ID), tracing.AttrSubjectEmail.String(c.SubjectEmail))

	sum = &ScanSummary{
		CaseID:         c.ID,
		Email:          c.SubjectEmail,
		PreviousStatus: c.Status,
		Status:         c.Status,
		NewFindings:    []*casestore.Finding{},
	}

	res := e.discovery.DiscoverSubjectAccess(ctx, c.SubjectEmail)
	if res.Err != nil && !identity.IsNotFound(res.Err) {
		e.logger.Warn("scan aborted: discovery failed", "case_id", c.ID, "email", c.SubjectEmail, "error", res.Err)
		if aerr := e.audit(ctx, c, audit.ActionScan, audit.OutcomeFailure, nil, map[string]any{"error": res.Err.Error()}); aerr != nil {
			return nil, aerr
		}
		return sum, fmt.Errorf("%w for %s: %v", ErrDiscoveryFailed, c.SubjectEmail, res.Err)
	}
	// A subject missing from the provider has no access left to find.
	sum.Artifacts = res.ActiveArtifacts()
	sum.Entitlements = res.Entitlements()
	sum.MaxRisk = res.MaxRisk()
	sum.Degraded = res.Degraded
	degraded := len(res.Degraded) > 0
	if degraded {
		e.logger.Warn("scan degraded: keeping open findings and status",
			"case_id", c.ID,
			"email", c.SubjectEmail,
			"degraded", res.Degraded)
	}

	if res.Subject != nil && (c.SubjectID != res.Subject.ID || c.SubjectName == "") {
		patch := casestore.CasePatch{SubjectID: &res.Subject.ID}
		if c.SubjectName == "" {
			patch.SubjectName = &res.Subject.DisplayName
		}
		if c, err = e.store.UpdateCase(ctx, c.ID, patch); err != nil {
			return nil, fmt.Errorf("failed to update case subject: %w", err)
		}
	}

	open, err := e.store.ListFindings(ctx, casestore.FindingFilter{CaseID: c.ID, OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list open findings: %w", err)
	}
	openByKind := make(map[casestore.FindingKind]*casestore.Finding, len(open))
	for _, f := range open {
		openByKind[f.Kind] = f
	}

	derived := make(map[casestore.FindingKind]bool, len(res.Findings))
	for _, df := range res.Findings {
		derived[df.Kind] = true
		if openByKind[df.Kind] != nil {
			continue
		}
		f, err := e.createFinding(ctx, casestore.NewFinding{
			CaseID:            c.ID,
			Kind:              df.Kind,
			Severity:          df.Severity,
			Summary:           df.Summary,
			RecommendedAction: df.RecommendedAction,
		})
		if err != nil {
			return nil, err
		}
		openByKind[f.Kind] = f
		sum.NewFindings = append(sum.NewFindings, f)
	}

	for kind, f := range openByKind {
		if degraded || derived[kind] {
			continue
		}
		if kind == casestore.KindReappearedAccess && sum.Artifacts > 0 {
			continue
		}
		if err := e.store.CloseFinding(ctx, f.ID); err != nil {
			return nil, fmt.Errorf("failed to close resolved finding: %w", err)
		}
		delete(openByKind, kind)
		sum.ClosedFindings++
	}

	next := settle(c, sum.Artifacts, len(openByKind), degraded)
	if IsReopen(c.Status, next) {
		reopen, err := e.handleReopen(ctx, c, sum, opts, openByKind)
		if err != nil {
			return nil, err
		}
		if !reopen {
			next = c.Status
		}
	}
	sum.OpenFindings = len(openByKind)

	if next != c.Status {
		if _, err := e.store.UpdateCase(ctx, c.ID, casestore.CasePatch{Status: &next}); err != nil {
			return nil, fmt.Errorf("failed to update case status: %w", err)
		}
	}
	sum.Status = next

	e.alertCritical(ctx, c, sum.NewFindings)

	outcome := audit.OutcomeSuccess
	if degraded {
		outcome = audit.OutcomeDegraded
	}
	if err := e.audit(ctx, c, audit.ActionScan, outcome, nil, map[string]any{
		"previous_status": sum.PreviousStatus,
		"status":          sum.Status,
		"artifacts":       sum.Artifacts,
		"entitlements":    sum.Entitlements,
		"new_findings":    len(sum.NewFindings),
		"closed_findings": sum.ClosedFindings,
		"open_findings":   sum.OpenFindings,
		"degraded":        sum.Degraded,
	}); err != nil {
		return nil, err
	}

	e.logger.Info("case scanned",
		"case_id", c.ID,
		"email", c.SubjectEmail,
		"previous_status", sum.PreviousStatus,
		"status", sum.Status,
		"artifacts", sum.Artifacts,
		"new_findings", len(sum.NewFindings),
		"closed_findings", sum.ClosedFindings)
	return sum, nil
}

// handleReopen decides whether a remediated or closed case with live access
// goes back to gaps_found, opening a reappeared_access finding when it does.
func (e *Engine) handleReopen(ctx context.Context, c *casestore.Case, sum *ScanSummary, opts ScanOptions, openByKind map[casestore.FindingKind]*casestore.Finding) (bool, error) {
	if opts.SuppressReopen {
		e.logger.Info("case reopen suppressed by caller",
			"case_id", c.ID,
			"status", c.Status,
			"artifacts", sum.Artifacts)
		sum.ReopenSuppressed = true
		return false, nil
	}

	other, err := e.store.FindCaseByEmail(ctx, c.SubjectEmail)
	if err != nil {
		return false, fmt.Errorf("failed to look up open case: %w", err)
	}
	if other != nil && other.ID != c.ID {
		e.logger.Warn("access reappeared but a newer open case exists; leaving case status",
			"case_id", c.ID,
			"open_case_id", other.ID,
			"email", c.SubjectEmail)
		sum.ReopenSuppressed = true
		return false, nil
	}

	if openByKind[casestore.KindReappearedAccess] == nil {
		f, err := e.createFinding(ctx, casestore.NewFinding{
			CaseID:            c.ID,
			Kind:              casestore.KindReappearedAccess,
			Severity:          risk.Max(risk.High, sum.MaxRisk),
			Summary:           fmt.Sprintf("%d access artifact(s) reappeared after the case was %s", sum.Artifacts, c.Status),
			RecommendedAction: "Investigate how access was restored and re-run remediation.",
		})
		if err != nil {
			return false, err
		}
		openByKind[f.Kind] = f
		sum.NewFindings = append(sum.NewFindings, f)
	}

	e.logger.Warn("case reopened: access reappeared",
		"case_id", c.ID,
		"email", c.SubjectEmail,
		"previous_status", c.Status,
		"artifacts", sum.Artifacts)
	e.metrics.incReopen()
	sum.Reopened = true

	if err := e.audit(ctx, c, audit.ActionReopen, audit.OutcomeSuccess, nil, map[string]any{
		"previous_status": c.Status,
		"artifacts":       sum.Artifacts,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) createFinding(ctx context.Context, in casestore.NewFinding) (*casestore.Finding, error) {
	f, err := e.store.CreateFinding(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to create finding: %w", err)
	}
	e.metrics.incFinding(string(f.Kind), f.Severity.String())
	return f, nil
}

// alertCritical notifies the configured recipient of new Critical findings.
// Delivery failures are logged and counted only.
func (e *Engine) alertCritical(ctx context.Context, c *casestore.Case, findings []*casestore.Finding) {
	var critical []*casestore.Finding
	for _, f := range findings {
		if f.Severity == risk.Critical {
			critical = append(critical, f)
		}
	}
	if len(critical) == 0 {
		return
	}

	recipient := ""
	if settings, err := e.store.GetSettings(ctx); err != nil {
		e.logger.Warn("failed to load alert settings", "error", err)
	} else {
		recipient = settings.AlertRecipient
	}

	caseName := c.SubjectName
	if caseName == "" {
		caseName = c.SubjectEmail
	}
	for _, f := range critical {
		ok := e.notifier.SendAlert(ctx, notify.Alert{
			FindingName:  "Offboarding finding: " + string(f.Kind),
			Severity:     f.Severity.String(),
			FindingType:  string(f.Kind),
			Summary:      f.Summary,
			CaseName:     caseName,
			SubjectEmail: c.SubjectEmail,
		}, recipient)
		if ok {
			e.metrics.incAlert(outcomeSuccess)
		} else {
			e.metrics.incAlert(outcomeFailure)
		}
	}
}

// SystemScan builds the unified roster, finds or creates an open case for
// every subject on it and scans each one. Per-subject failures are
// collected in the summary; only a roster failure is returned.
func (e *Engine) SystemScan(ctx context.Context) (sum *SystemScanSummary, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.system_scan")
	defer func() { endSpan(err) }()

	sum = &SystemScanSummary{StartedAt: e.timeNow().UTC()}
	report, err := e.roster.Build(ctx)
	if err != nil {
		return nil, err
	}
	sum.Subjects = len(report.Entries)
	sum.Sources = report.Sources
	sum.Degraded = report.Degraded

	autoRemediate := false
	if settings, err := e.store.GetSettings(ctx); err != nil {
		e.logger.Warn("failed to load settings, auto-remediation disabled", "error", err)
	} else {
		autoRemediate = settings.AutoRemediate
	}

	for _, entry := range report.Entries {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		c, created, err := e.caseFor(ctx, entry)
		if err != nil {
			e.logger.Warn("system scan: case lookup failed", "email", entry.Email, "error", err)
			sum.fail(entry.Email, err)
			continue
		}
		if created {
			sum.CasesCreated++
		}

		s, err := e.scanCase(ctx, c, ScanOptions{})
		if err != nil {
			sum.fail(entry.Email, err)
			continue
		}
		sum.add(s)

		if autoRemediate && s.Status == casestore.StatusGapsFound && s.MaxRisk >= risk.High {
			out, err := e.ExecuteRemediation(ctx, c.ID, FullBundle{})
			if err != nil {
				sum.fail(entry.Email, err)
				continue
			}
			if out.Status == casestore.StatusRemediated {
				sum.Remediated++
			}
		}
	}

	if _, err := e.store.LogAction(ctx, audit.LogEntry{
		Actor:    ActorFrom(ctx),
		Action:   audit.ActionSystemScan,
		Result:   outcomeFor(len(sum.Errors) == 0),
		Response: sum,
	}); err != nil {
		return sum, fmt.Errorf("failed to audit system scan: %w", err)
	}

	e.logger.Info("system scan completed",
		"subjects", sum.Subjects,
		"cases_created", sum.CasesCreated,
		"scanned", sum.Scanned,
		"new_findings", sum.NewFindings,
		"errors", len(sum.Errors),
		"degraded", sum.Degraded)
	return sum, nil
}

// caseFor returns the entry's open case. Without one, the subject's latest
// remediated or closed case is rescanned instead, so reappeared access
// reopens that case rather than starting a second one. A draft is created
// only for subjects with no case at all.
func (e *Engine) caseFor(ctx context.Context, entry RosterEntry) (*casestore.Case, bool, error) {
	if entry.Case != nil {
		return entry.Case, false, nil
	}
	resolved, err := e.store.ListCases(ctx, casestore.CaseFilter{
		Email:    entry.Email,
		Statuses: []casestore.Status{casestore.StatusRemediated, casestore.StatusClosed},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list resolved cases: %w", err)
	}
	var latest *casestore.Case
	for _, c := range resolved {
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest != nil {
		return latest, false, nil
	}

	c, err := e.store.CreateCase(ctx, casestore.NewCase{
		SubjectID:     entry.SubjectID,
		SubjectName:   entry.Name,
		SubjectEmail:  entry.Email,
		EventType:     casestore.EventOffboarding,
		EffectiveDate: entry.RelievingDate,
	})
	if errors.Is(err, casestore.ErrOpenCaseExists) {
		c, err = e.store.FindCaseByEmail(ctx, entry.Email)
		if err == nil && c == nil {
			err = casestore.ErrCaseNotFound
		}
		return c, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create case: %w", err)
	}
	if err := e.audit(ctx, c, audit.ActionCaseCreate, audit.OutcomeSuccess, map[string]any{
		"sources":  entry.Sources,
		"degraded": entry.Degraded,
	}, nil); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// ScanOpenCases rescans every case that is not closed.
func (e *Engine) ScanOpenCases(ctx context.Context) (*SystemScanSummary, error) {
	cases, err := e.store.ListCases(ctx, casestore.CaseFilter{Statuses: []casestore.Status{
		casestore.StatusDraft,
		casestore.StatusScheduled,
		casestore.StatusAllClear,
		casestore.StatusGapsFound,
		casestore.StatusRemediated,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}

	sum := &SystemScanSummary{StartedAt: e.timeNow().UTC(), Subjects: len(cases)}
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		s, err := e.scanCase(ctx, c, ScanOptions{})
		if err != nil {
			sum.fail(c.SubjectEmail, err)
			continue
		}
		sum.add(s)
	}
	return sum, nil
}

// ExecuteRemediation runs action against the case subject. FullBundle
// closes every open finding and forces the case to remediated when the
// bundle ran; other actions re-discover and recompute the status. Every
// call is audited. A skipped action (no provider configured) changes nothing.
func (e *Engine) ExecuteRemediation(ctx context.Context, caseID string, action Action) (out *RemediationOutcome, err error) {
	if action == nil {
		return nil, errors.New("reconcile: remediation action is required")
	}
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.remediate",
		tracing.AttrCaseID.String(caseID),
		tracing.AttrAction.String(action.Name()))
	defer func() { endSpan(err) }()

	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	request := map[string]any{"action": action.Name()}
	var res *remediation.Result
	switch a := action.(type) {
	case FullBundle:
		res = e.remediator.FullRemediation(ctx, c.SubjectEmail)
	case RevokeToken:
		request["client_id"] = a.ClientID
		res = e.remediator.RevokeGrantsForApp(ctx, c.SubjectEmail, a.ClientID)
	case SignOut:
		res = e.remediator.RevokeSessions(ctx, c.SubjectEmail)
	case DeleteAppPasswords:
		res = e.remediator.RemoveRoleAssignments(ctx, c.SubjectEmail)
	default:
		return nil, fmt.Errorf("reconcile: unsupported remediation action %T", action)
	}

	out = &RemediationOutcome{CaseID: c.ID, Action: action.Name(), Result: res, Status: c.Status}

	if err := e.audit(ctx, c, audit.ActionRemediate, outcomeFor(res.Success), request, res); err != nil {
		return nil, err
	}

	switch {
	case res.Skipped():
		e.metrics.incRemediation(action.Name(), outcomeSkipped)
		e.logger.Info("remediation skipped: identity provider not configured",
			"case_id", c.ID, "action", action.Name())
		return out, nil
	case res.Success:
		e.metrics.incRemediation(action.Name(), outcomeSuccess)
	default:
		e.metrics.incRemediation(action.Name(), outcomeFailure)
		e.logger.Warn("remediation failed",
			"case_id", c.ID,
			"action", action.Name(),
			"permission_error", res.IsPermissionError,
			"error", res.Error)
	}

	if _, ok := action.(FullBundle); ok {
		if !res.Success {
			return out, nil
		}
		open, err := e.store.ListFindings(ctx, casestore.FindingFilter{CaseID: c.ID, OpenOnly: true})
		if err != nil {
			return nil, fmt.Errorf("failed to list open findings: %w", err)
		}
		for _, f := range open {
			if err := e.store.CloseFinding(ctx, f.ID); err != nil {
				return nil, fmt.Errorf("failed to close finding: %w", err)
			}
			out.ClosedFindings++
		}
		if _, err := e.store.UpdateCase(ctx, c.ID, casestore.CasePatch{Status: casestore.StatusPtr(casestore.StatusRemediated)}); err != nil {
			return nil, fmt.Errorf("failed to mark case remediated: %w", err)
		}
		out.Status = casestore.StatusRemediated
		return out, nil
	}

	scan, err := e.scanCase(ctx, c, ScanOptions{})
	if err != nil {
		return out, fmt.Errorf("rescan after remediation: %w", err)
	}
	out.Scan = scan
	out.Status = scan.Status
	out.ClosedFindings = scan.ClosedFindings
	return out, nil
}

// SetSchedule schedules remediation for a pre-remediation case and resets
// its reminder flags.
func (e *Engine) SetSchedule(ctx context.Context, caseID string, at time.Time) (*casestore.Case, error) {
	if at.IsZero() {
		return nil, errors.New("reconcile: schedule time is required")
	}
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.Status.IsPreRemediation() {
		return nil, fmt.Errorf("%w: cannot schedule a %s case", ErrInvalidTransition, c.Status)
	}

	at = at.UTC()
	updated, err := e.store.UpdateCase(ctx, c.ID, casestore.CasePatch{
		Status:                 casestore.StatusPtr(casestore.StatusScheduled),
		ScheduledRemediationAt: &at,
		Reminder7dSent:         casestore.BoolPtr(false),
		Reminder1dSent:         casestore.BoolPtr(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule case: %w", err)
	}
	if err := e.audit(ctx, updated, audit.ActionSchedule, audit.OutcomeSuccess,
		map[string]any{"scheduled_remediation_at": at}, nil); err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *Engine) audit(ctx context.Context, c *casestore.Case, action, result string, request, response any) error {
	_, err := e.store.LogAction(ctx, audit.LogEntry{
		Actor:       ActorFrom(ctx),
		Action:      action,
		TargetEmail: c.SubjectEmail,
		CaseID:      c.ID,
		Result:      result,
		Request:     request,
		Response:    response,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s audit entry: %w", action, err)
	}
	return nil
}

func outcomeFor(ok bool) string {
	if ok {
		return audit.OutcomeSuccess
	}
	return audit.OutcomeFailure
}
