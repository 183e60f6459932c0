package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/offboard/internal/casestore"
	"github.com/onnwee/offboard/internal/identity"
	"github.com/onnwee/offboard/internal/risk"
	"github.com/onnwee/offboard/internal/tracing"
	"github.com/onnwee/offboard/internal/validate"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Defaults for Config.
const (
	DefaultCategoryTimeout  = 20 * time.Second
	DefaultResolveLimit     = 8
	DefaultBatchConcurrency = 4
)

// Config configures the discovery service.
type Config struct {
	// Provider is the identity provider to read from.
	Provider identity.Provider
	// Cache is the shared application identity cache. A private cache is
	// created when nil.
	Cache *AppCache
	// CategoryTimeout bounds each of the three per-subject category fetches.
	CategoryTimeout time.Duration
	// ResolveLimit bounds concurrent application lookups.
	ResolveLimit int
	// BatchConcurrency bounds subjects discovered in parallel.
	BatchConcurrency int
	Logger           *slog.Logger
}

// Service discovers live access for subjects.
type Service struct {
	provider identity.Provider
	cache    *AppCache
	config   Config
	logger   *slog.Logger
}

// NewService creates a discovery service.
func NewService(cfg Config) *Service {
	if cfg.Cache == nil {
		cfg.Cache = NewAppCache()
	}
	if cfg.CategoryTimeout == 0 {
		cfg.CategoryTimeout = DefaultCategoryTimeout
	}
	if cfg.ResolveLimit == 0 {
		cfg.ResolveLimit = DefaultResolveLimit
	}
	if cfg.BatchConcurrency == 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		provider: cfg.Provider,
		cache:    cfg.Cache,
		config:   cfg,
		logger:   cfg.Logger,
	}
}

// Cache returns the application identity cache in use.
func (s *Service) Cache() *AppCache {
	return s.cache
}

// DiscoverSubjectAccess resolves the subject, fetches grants, role
// assignments and licences concurrently, resolves the applications they
// reference, and derives findings. It never returns a Go error: an
// unresolvable subject is reported through Result.Err and a failed category
// is reported through Result.Degraded.
func (s *Service) DiscoverSubjectAccess(ctx context.Context, email string) *Result {
	ctx, endSpan := tracing.StartSpan(ctx, "discovery.subject", tracing.AttrSubjectEmail.String(casestore.NormalizeEmail(email)))
	res := &Result{
		Email:     casestore.NormalizeEmail(email),
		Artifacts: []Artifact{},
		Findings:  []DerivedFinding{},
	}
	defer func() { endSpan(res.Err) }()

	if s.provider == nil {
		res.Err = identity.ErrNotConfigured
		return res
	}

	subject, err := s.provider.GetSubject(ctx, res.Email)
	if err != nil {
		res.Err = fmt.Errorf("failed to resolve subject %s: %w", res.Email, err)
		s.logger.Warn("discovery subject lookup failed", "email", res.Email, "error", err)
		return res
	}
	res.Subject = subject

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	degrade := func(category string, err error) {
		s.logger.Warn("discovery category degraded",
			"email", res.Email,
			"category", category,
			"error", err)
		mu.Lock()
		res.Degraded = append(res.Degraded, category)
		mu.Unlock()
	}

	g.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, s.config.CategoryTimeout)
		defer cancel()
		grants, err := s.provider.ListOAuthGrants(cctx, subject.ID)
		if err != nil {
			degrade(CategoryGrants, err)
			return nil
		}
		res.Raw.Grants = grants
		return nil
	})
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, s.config.CategoryTimeout)
		defer cancel()
		roles, err := s.provider.ListRoleAssignments(cctx, subject.ID)
		if err != nil {
			degrade(CategoryRoles, err)
			return nil
		}
		res.Raw.Roles = roles
		return nil
	})
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, s.config.CategoryTimeout)
		defer cancel()
		licenses, err := s.provider.ListLicenseDetails(cctx, subject.ID)
		if err != nil {
			degrade(CategoryLicenses, err)
			return nil
		}
		res.Raw.Licenses = licenses
		return nil
	})
	_ = g.Wait()
	sort.Strings(res.Degraded)

	// Application resolution needs the union of ids from all categories.
	ids := make([]string, 0, len(res.Raw.Grants)+len(res.Raw.Roles))
	for _, gr := range res.Raw.Grants {
		ids = append(ids, gr.ClientID)
	}
	for _, r := range res.Raw.Roles {
		ids = append(ids, r.ResourceID)
	}
	res.Raw.Applications = s.cache.Resolve(ctx, s.provider, ids, s.config.ResolveLimit, s.logger)

	res.Artifacts = BuildArtifacts(res.Email, res.Raw)
	res.Findings = DeriveFindings(subject, res.Artifacts)

	tracing.SetAttributes(ctx,
		attribute.Int("discovery.artifacts", len(res.Artifacts)),
		attribute.Int("discovery.findings", len(res.Findings)),
		attribute.Int("discovery.degraded", len(res.Degraded)))
	s.logger.Debug("discovery completed",
		"email", res.Email,
		"artifacts", len(res.Artifacts),
		"findings", len(res.Findings),
		"degraded", res.Degraded)
	return res
}

// DiscoverAllSubjectsAccess discovers each email with bounded parallelism.
// A failure or panic for one subject is recorded on that subject's result.
func (s *Service) DiscoverAllSubjectsAccess(ctx context.Context, emails []string) map[string]*Result {
	results := make(map[string]*Result, len(emails))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.config.BatchConcurrency)

	valid, invalid := validate.Emails(emails)
	for _, raw := range invalid {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		s.logger.Warn("skipping invalid subject email", "email", raw)
		results[raw] = &Result{
			Email:     raw,
			Artifacts: []Artifact{},
			Findings:  []DerivedFinding{},
			Err:       fmt.Errorf("%w: %q", validate.ErrInvalidEmail, raw),
		}
	}

	for _, email := range valid {
		g.Go(func() error {
			res := s.discoverIsolated(ctx, email)
			mu.Lock()
			results[email] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) discoverIsolated(ctx context.Context, email string) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("discovery panicked", "email", email, "panic", r)
			res = &Result{
				Email:     email,
				Artifacts: []Artifact{},
				Findings:  []DerivedFinding{},
				Err:       fmt.Errorf("discovery panicked: %v", r),
			}
		}
	}()
	return s.DiscoverSubjectAccess(ctx, email)
}

// BuildArtifacts maps a raw snapshot into artifacts in a stable order.
func BuildArtifacts(email string, raw RawSnapshot) []Artifact {
	artifacts := make([]Artifact, 0, len(raw.Grants)+len(raw.Roles))

	for _, g := range raw.Grants {
		scopes := g.Scopes()
		sort.Strings(scopes)
		a := Artifact{
			Kind:         KindOAuthGrant,
			SubjectEmail: email,
			AppName:      g.ClientID,
			ClientID:     g.ClientID,
			Status:       StatusActive,
			Risk:         risk.Classify(scopes),
			Scopes:       scopes,
			Metadata: map[string]string{
				MetaGrantID:     g.ID,
				MetaConsentType: g.ConsentType,
				MetaResourceID:  g.ResourceID,
			},
		}
		if app := raw.Applications[g.ClientID]; app != nil {
			a.AppName = app.DisplayName
			if app.AppID != "" {
				a.ClientID = app.AppID
			}
		}
		artifacts = append(artifacts, a)
	}

	for _, r := range raw.Roles {
		a := Artifact{
			Kind:         KindAppRoleAssignment,
			SubjectEmail: email,
			AppName:      r.ResourceDisplayName,
			ClientID:     r.ResourceID,
			Status:       StatusActive,
			Risk:         risk.Medium,
			Metadata: map[string]string{
				MetaAssignmentID: r.ID,
				MetaResourceID:   r.ResourceID,
			},
		}
		if !r.CreatedAt.IsZero() {
			t := r.CreatedAt
			a.CreatedAt = &t
		}
		if app := raw.Applications[r.ResourceID]; app != nil {
			if a.AppName == "" {
				a.AppName = app.DisplayName
			}
			if app.AppID != "" {
				a.ClientID = app.AppID
			}
		}
		if a.AppName == "" {
			a.AppName = r.ResourceID
		}
		artifacts = append(artifacts, a)
	}

	seenApps := make(map[string]bool)
	for _, l := range raw.Licenses {
		for _, plan := range l.ServicePlans {
			if !plan.Provisioned() {
				continue
			}
			app, ok := firstPartyApp(plan.Name)
			if !ok || seenApps[app] {
				continue
			}
			seenApps[app] = true
			artifacts = append(artifacts, Artifact{
				Kind:         KindLicensedApp,
				SubjectEmail: email,
				AppName:      app,
				ClientID:     plan.ID,
				Status:       StatusActive,
				Risk:         risk.Low,
				Metadata: map[string]string{
					MetaSkuPartName: l.SkuPartNumber,
					MetaServicePlan: plan.Name,
				},
			})
		}
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		a, b := artifacts[i], artifacts[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.AppName != b.AppName {
			return a.AppName < b.AppName
		}
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		return a.Metadata[MetaGrantID]+a.Metadata[MetaAssignmentID] < b.Metadata[MetaGrantID]+b.Metadata[MetaAssignmentID]
	})
	return artifacts
}

// DeriveFindings applies the detection policy to an artifact set. The output
// depends only on the subject's enabled flag and the artifacts. Licensed
// apps alone never produce a finding.
func DeriveFindings(subject *identity.Subject, artifacts []Artifact) []DerivedFinding {
	findings := []DerivedFinding{}
	access := 0
	for _, a := range artifacts {
		if a.Kind.Revocable() {
			access++
		}
	}
	if subject == nil || access == 0 {
		return findings
	}

	if !subject.Enabled {
		findings = append(findings, DerivedFinding{
			Kind:              casestore.KindLingeringDisabledAccount,
			Severity:          risk.High,
			Summary:           fmt.Sprintf("%d active access artifact(s) remain on disabled account %s", access, subject.Email),
			RecommendedAction: "Run the full remediation bundle to revoke all grants and sessions.",
		})
	} else if grants := countKind(artifacts, KindOAuthGrant); grants > 0 {
		findings = append(findings, DerivedFinding{
			Kind:              casestore.KindLingeringOAuthGrant,
			Severity:          risk.Medium,
			Summary:           fmt.Sprintf("%d OAuth grant(s) remain for offboarded subject %s", grants, subject.Email),
			RecommendedAction: "Disable the account and revoke the remaining grants.",
		})
	}

	var risky []string
	seen := make(map[string]bool)
	for _, a := range artifacts {
		if a.Risk < risk.High || seen[a.AppName] {
			continue
		}
		seen[a.AppName] = true
		risky = append(risky, a.AppName)
	}
	if len(risky) > 0 {
		sort.Strings(risky)
		findings = append(findings, DerivedFinding{
			Kind:              casestore.KindHighRiskLingeringAccess,
			Severity:          risk.Critical,
			Summary:           "High-risk access remains for: " + strings.Join(risky, ", "),
			RecommendedAction: "Revoke tokens for the listed applications immediately.",
		})
	}
	return findings
}

func countKind(artifacts []Artifact, kind ArtifactKind) int {
	n := 0
	for _, a := range artifacts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
