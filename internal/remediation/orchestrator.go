// Package remediation issues revocation operations against the identity
// provider and reports partial failures without ever returning an error.
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/offboard/internal/identity"
	"github.com/onnwee/offboard/internal/tracing"
	"golang.org/x/sync/errgroup"
)

// Action names a remediation operation.
type Action string

const (
	ActionRevokeAllGrants       Action = "revoke_all_grants"
	ActionRevokeGrantsForApp    Action = "revoke_grants_for_app"
	ActionRevokeSessions        Action = "revoke_sessions"
	ActionRemoveRoleAssignments Action = "remove_role_assignments"
	ActionFullRemediation       Action = "full_remediation"
)

// Detail keys.
const (
	DetailSkipped     = "skipped"
	DetailReason      = "reason"
	DetailTotalGrants = "totalGrants"
	DetailRevoked     = "revoked"
	DetailFailed      = "failed"
	DetailPerGrant    = "perGrant"
	DetailTotalRoles  = "totalAssignments"
	DetailRemoved     = "removed"
	DetailPerRole     = "perAssignment"
	DetailClientID    = "clientId"
	DetailResolvedApp = "resolvedApp"
	DetailGrants      = "grants"
	DetailRoles       = "roleAssignments"
	DetailSessions    = "sessions"
)

// ReasonNotConfigured is reported when no provider is configured.
const ReasonNotConfigured = "not configured"

// DefaultConcurrency bounds concurrent delete calls per action.
const DefaultConcurrency = 5

// Result is the uniform outcome of every orchestrator method.
type Result struct {
	Success           bool           `json:"success"`
	Action            Action         `json:"action"`
	SubjectID         string         `json:"subject_id,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	Error             string         `json:"error,omitempty"`
	IsPermissionError bool           `json:"is_permission_error"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Skipped reports whether the action was a no-op for lack of configuration.
func (r *Result) Skipped() bool {
	skipped, _ := r.Details[DetailSkipped].(bool)
	return skipped
}

// ItemOutcome is the per-item result of a fan-out delete.
type ItemOutcome struct {
	ID                string `json:"id"`
	ClientID          string `json:"client_id,omitempty"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	IsPermissionError bool   `json:"is_permission_error,omitempty"`
}

// Config configures the orchestrator.
type Config struct {
	// Provider performs the revocations. When nil every method returns a
	// skipped success without calling anything.
	Provider    identity.Provider
	Concurrency int
	Logger      *slog.Logger
}

// Orchestrator executes remediation actions.
type Orchestrator struct {
	provider    identity.Provider
	concurrency int
	logger      *slog.Logger
	timeNow     func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		provider:    cfg.Provider,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		timeNow:     time.Now,
	}
}

// Configured reports whether a provider is wired.
func (o *Orchestrator) Configured() bool {
	return o.provider != nil
}

func (o *Orchestrator) newResult(action Action) *Result {
	return &Result{Action: action, Details: map[string]any{}, Timestamp: o.timeNow().UTC()}
}

func (o *Orchestrator) skipped(action Action) *Result {
	res := o.newResult(action)
	res.Success = true
	res.Details[DetailSkipped] = true
	res.Details[DetailReason] = ReasonNotConfigured
	return res
}

func (o *Orchestrator) fail(res *Result, err error) *Result {
	res.Success = false
	res.Error = err.Error()
	res.IsPermissionError = identity.IsPermissionDenied(err)
	o.logger.Warn("remediation action failed",
		"action", res.Action,
		"subject_id", res.SubjectID,
		"permission_error", res.IsPermissionError,
		"error", err)
	return res
}

// resolve looks up the subject for email, filling SubjectID on success.
func (o *Orchestrator) resolve(ctx context.Context, res *Result, email string) (*identity.Subject, bool) {
	subject, err := o.provider.GetSubject(ctx, email)
	if err != nil {
		o.fail(res, fmt.Errorf("failed to resolve subject %s: %w", email, err))
		return nil, false
	}
	res.SubjectID = subject.ID
	return subject, true
}

// RevokeAllGrants deletes every delegated grant the subject holds. Each
// delete is independent; the result counts revoked and failed grants and
// Success is true only when none failed.
func (o *Orchestrator) RevokeAllGrants(ctx context.Context, email string) (res *Result) {
	if !o.Configured() {
		return o.skipped(ActionRevokeAllGrants)
	}
	ctx, endSpan := tracing.StartSpan(ctx, "remediation.revoke_all_grants", tracing.AttrSubjectEmail.String(email))
	res = o.newResult(ActionRevokeAllGrants)
	defer func() { endSpan(resultErr(res)) }()

	subject, ok := o.resolve(ctx, res, email)
	if !ok {
		return res
	}
	return o.revokeGrants(ctx, res, subject, nil)
}

// RevokeGrantsForApp deletes the subject's grants issued to one application.
// The application is resolved first so either its appId or its service
// principal id matches.
func (o *Orchestrator) RevokeGrantsForApp(ctx context.Context, email, clientID string) (res *Result) {
	if !o.Configured() {
		return o.skipped(ActionRevokeGrantsForApp)
	}
	ctx, endSpan := tracing.StartSpan(ctx, "remediation.revoke_grants_for_app", tracing.AttrSubjectEmail.String(email))
	res = o.newResult(ActionRevokeGrantsForApp)
	res.Details[DetailClientID] = clientID
	defer func() { endSpan(resultErr(res)) }()

	subject, ok := o.resolve(ctx, res, email)
	if !ok {
		return res
	}

	match := map[string]bool{clientID: true}
	app, err := o.provider.ResolveApplication(ctx, clientID)
	if err != nil {
		// Fall back to matching the caller's id verbatim.
		o.logger.Warn("application resolution failed, matching client id as given",
			"client_id", clientID,
			"error", err)
	}
	if app != nil {
		match[app.ID] = true
		if app.AppID != "" {
			match[app.AppID] = true
		}
		res.Details[DetailResolvedApp] = app.DisplayName
	}

	return o.revokeGrants(ctx, res, subject, func(g identity.Grant) bool {
		return match[g.ClientID]
	})
}

func (o *Orchestrator) revokeGrants(ctx context.Context, res *Result, subject *identity.Subject, keep func(identity.Grant) bool) *Result {
	grants, err := o.provider.ListOAuthGrants(ctx, subject.ID)
	if err != nil {
		return o.fail(res, fmt.Errorf("failed to list grants: %w", err))
	}
	if keep != nil {
		filtered := grants[:0:0]
		for _, g := range grants {
			if keep(g) {
				filtered = append(filtered, g)
			}
		}
		grants = filtered
	}

	outcomes := make([]ItemOutcome, len(grants))
	o.fanOut(len(grants), func(i int) {
		g := grants[i]
		outcomes[i] = o.outcome(g.ID, g.ClientID, o.provider.DeleteGrant(ctx, g.ID))
	})

	revoked, failed, perm := tally(outcomes)
	res.Details[DetailTotalGrants] = len(grants)
	res.Details[DetailRevoked] = revoked
	res.Details[DetailFailed] = failed
	res.Details[DetailPerGrant] = outcomes
	res.Success = failed == 0
	res.IsPermissionError = perm
	if failed > 0 {
		res.Error = fmt.Sprintf("%d of %d grant revocations failed", failed, len(grants))
	}

	o.logger.Info("grant revocation completed",
		"action", res.Action,
		"subject_id", subject.ID,
		"total", len(grants),
		"revoked", revoked,
		"failed", failed)
	return res
}

// RevokeSessions invalidates the subject's refresh tokens and sessions.
func (o *Orchestrator) RevokeSessions(ctx context.Context, email string) (res *Result) {
	if !o.Configured() {
		return o.skipped(ActionRevokeSessions)
	}
	ctx, endSpan := tracing.StartSpan(ctx, "remediation.revoke_sessions", tracing.AttrSubjectEmail.String(email))
	res = o.newResult(ActionRevokeSessions)
	defer func() { endSpan(resultErr(res)) }()

	subject, ok := o.resolve(ctx, res, email)
	if !ok {
		return res
	}
	return o.revokeSessions(ctx, res, subject)
}

func (o *Orchestrator) revokeSessions(ctx context.Context, res *Result, subject *identity.Subject) *Result {
	ok, err := o.provider.RevokeSessions(ctx, subject.ID)
	if err != nil {
		return o.fail(res, fmt.Errorf("failed to revoke sessions: %w", err))
	}
	res.Success = ok
	if !ok {
		res.Error = "provider did not acknowledge session revocation"
	}
	return res
}

// RemoveRoleAssignments deletes every app-role assignment the subject holds.
func (o *Orchestrator) RemoveRoleAssignments(ctx context.Context, email string) (res *Result) {
	if !o.Configured() {
		return o.skipped(ActionRemoveRoleAssignments)
	}
	ctx, endSpan := tracing.StartSpan(ctx, "remediation.remove_role_assignments", tracing.AttrSubjectEmail.String(email))
	res = o.newResult(ActionRemoveRoleAssignments)
	defer func() { endSpan(resultErr(res)) }()

	subject, ok := o.resolve(ctx, res, email)
	if !ok {
		return res
	}
	return o.removeRoles(ctx, res, subject)
}

func (o *Orchestrator) removeRoles(ctx context.Context, res *Result, subject *identity.Subject) *Result {
	res.SubjectID = subject.ID
	roles, err := o.provider.ListRoleAssignments(ctx, subject.ID)
	if err != nil {
		return o.fail(res, fmt.Errorf("failed to list role assignments: %w", err))
	}

	outcomes := make([]ItemOutcome, len(roles))
	o.fanOut(len(roles), func(i int) {
		r := roles[i]
		outcomes[i] = o.outcome(r.ID, r.ResourceID, o.provider.DeleteRoleAssignment(ctx, subject.ID, r.ID))
	})

	removed, failed, perm := tally(outcomes)
	res.Details[DetailTotalRoles] = len(roles)
	res.Details[DetailRemoved] = removed
	res.Details[DetailFailed] = failed
	res.Details[DetailPerRole] = outcomes
	res.Success = failed == 0
	res.IsPermissionError = perm
	if failed > 0 {
		res.Error = fmt.Sprintf("%d of %d role assignment removals failed", failed, len(roles))
	}
	return res
}

// FullRemediation revokes all grants, removes all app role assignments and
// then revokes sessions. Success reflects only whether the subject could be
// resolved; sub-action failures are reported under Details.
func (o *Orchestrator) FullRemediation(ctx context.Context, email string) (res *Result) {
	if !o.Configured() {
		return o.skipped(ActionFullRemediation)
	}
	ctx, endSpan := tracing.StartSpan(ctx, "remediation.full", tracing.AttrSubjectEmail.String(email))
	res = o.newResult(ActionFullRemediation)
	defer func() { endSpan(resultErr(res)) }()

	subject, ok := o.resolve(ctx, res, email)
	if !ok {
		return res
	}

	grants := o.newResult(ActionRevokeAllGrants)
	grants.SubjectID = subject.ID
	grants = o.revokeGrants(ctx, grants, subject, nil)

	roles := o.removeRoles(ctx, o.newResult(ActionRemoveRoleAssignments), subject)

	sessions := o.newResult(ActionRevokeSessions)
	sessions.SubjectID = subject.ID
	sessions = o.revokeSessions(ctx, sessions, subject)

	res.Success = true
	res.IsPermissionError = grants.IsPermissionError || roles.IsPermissionError || sessions.IsPermissionError
	res.Details[DetailGrants] = grants
	res.Details[DetailRoles] = roles
	res.Details[DetailSessions] = sessions
	return res
}

// fanOut runs fn for each index with bounded concurrency and waits for all.
func (o *Orchestrator) fanOut(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) outcome(id, clientID string, err error) ItemOutcome {
	out := ItemOutcome{ID: id, ClientID: clientID, Success: err == nil}
	if err != nil {
		out.Error = err.Error()
		out.IsPermissionError = identity.IsPermissionDenied(err)
		o.logger.Warn("revocation failed", "id", id, "client_id", clientID, "error", err)
	}
	return out
}

func tally(outcomes []ItemOutcome) (ok, failed int, perm bool) {
	for _, o := range outcomes {
		if o.Success {
			ok++
			continue
		}
		failed++
		perm = perm || o.IsPermissionError
	}
	return ok, failed, perm
}

func resultErr(res *Result) error {
	if res == nil || res.Success {
		return nil
	}
	return fmt.Errorf("%s: %s", res.Action, res.Error)
}
