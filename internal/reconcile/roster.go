package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/offboard/internal/casestore"
	"github.com/onnwee/offboard/internal/hr"
	"github.com/onnwee/offboard/internal/identity"
	"golang.org/x/sync/errgroup"
)

// Roster source names.
const (
	SourceIdentity  = "identity"
	SourceCaseStore = "case_store"
)

// DefaultRosterConcurrency bounds concurrent identity lookups.
const DefaultRosterConcurrency = 8

// RosterEntry is one subject merged from every source that knows about it.
type RosterEntry struct {
	Email         string
	Name          string
	EmployeeID    string
	SubjectID     string
	Enabled       *bool
	RelievingDate *time.Time
	Case          *casestore.Case

	// Sources lists the sources that contributed to this entry.
	Sources []string
	// Degraded lists sources that failed while building this entry.
	Degraded []string
}

// RosterReport is the result of a roster build.
type RosterReport struct {
	Entries  []RosterEntry
	Sources  []string
	Degraded []string
}

// RosterConfig configures a Roster.
type RosterConfig struct {
	// HR supplies offboarded employees. Optional.
	HR hr.Directory
	// Provider supplies account state. Optional.
	Provider    identity.Provider
	Store       casestore.Store
	Concurrency int
	Logger      *slog.Logger
}

// Roster unifies HR, identity-provider and case-store views of the subjects
// being offboarded. Only the case store is required; the other sources
// degrade gracefully.
type Roster struct {
	hr          hr.Directory
	provider    identity.Provider
	store       casestore.Store
	concurrency int
	logger      *slog.Logger
}

// NewRoster creates a roster.
func NewRoster(cfg RosterConfig) *Roster {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultRosterConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Roster{
		hr:          cfg.HR,
		provider:    cfg.Provider,
		store:       cfg.Store,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

var openStatuses = []casestore.Status{
	casestore.StatusDraft,
	casestore.StatusScheduled,
	casestore.StatusAllClear,
	casestore.StatusGapsFound,
}

// Build merges all sources into entries ordered by email. Only a case store
// failure is returned as an error.
func (r *Roster) Build(ctx context.Context) (*RosterReport, error) {
	cases, err := r.store.ListCases(ctx, casestore.CaseFilter{Statuses: openStatuses})
	if err != nil {
		return nil, fmt.Errorf("failed to list open cases: %w", err)
	}

	report := &RosterReport{Sources: []string{SourceCaseStore}}
	byEmail := make(map[string]*RosterEntry)
	entry := func(email string) *RosterEntry {
		e, ok := byEmail[email]
		if !ok {
			e = &RosterEntry{Email: email}
			byEmail[email] = e
		}
		return e
	}

	if r.hr != nil {
		employees, source, err := hr.ListWithSource(ctx, r.hr)
		switch {
		case err != nil:
			r.logger.Warn("hr source degraded, using case store only", "source", source, "error", err)
			report.Degraded = append(report.Degraded, source)
		default:
			report.Sources = append(report.Sources, source)
			if source == hr.SourceHRFallback {
				report.Degraded = append(report.Degraded, hr.SourceHRPrimary)
			}
			for _, emp := range employees {
				email := casestore.NormalizeEmail(emp.Email)
				if email == "" {
					continue
				}
				e := entry(email)
				e.Name = emp.Name
				e.EmployeeID = emp.ID
				e.RelievingDate = emp.RelievingDate
				e.Sources = append(e.Sources, source)
			}
		}
	}

	for _, c := range cases {
		e := entry(casestore.NormalizeEmail(c.SubjectEmail))
		e.Case = c
		if e.Name == "" {
			e.Name = c.SubjectName
		}
		if e.SubjectID == "" {
			e.SubjectID = c.SubjectID
		}
		e.Sources = append(e.Sources, SourceCaseStore)
	}

	entries := make([]*RosterEntry, 0, len(byEmail))
	for _, e := range byEmail {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Email < entries[j].Email })

	if r.provider != nil {
		if r.enrichIdentity(ctx, entries) {
			report.Degraded = append(report.Degraded, SourceIdentity)
		} else {
			report.Sources = append(report.Sources, SourceIdentity)
		}
	}

	report.Entries = make([]RosterEntry, len(entries))
	for i, e := range entries {
		report.Entries[i] = *e
	}
	sort.Strings(report.Sources)
	sort.Strings(report.Degraded)
	report.Sources = slices.Compact(report.Sources)
	report.Degraded = slices.Compact(report.Degraded)

	r.logger.Debug("roster built",
		"entries", len(report.Entries),
		"sources", report.Sources,
		"degraded", report.Degraded)
	return report, nil
}

// enrichIdentity fills account state best effort and reports whether any
// lookup failed for a reason other than the subject not existing.
func (r *Roster) enrichIdentity(ctx context.Context, entries []*RosterEntry) (degraded bool) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.concurrency)
	for _, e := range entries {
		g.Go(func() error {
			subject, err := r.provider.GetSubject(ctx, e.Email)
			switch {
			case err == nil:
				enabled := subject.Enabled
				e.SubjectID = subject.ID
				e.Enabled = &enabled
				if e.Name == "" {
					e.Name = subject.DisplayName
				}
				e.Sources = append(e.Sources, SourceIdentity)
			case identity.IsNotFound(err):
				// Account already deleted; nothing to merge.
			default:
				r.logger.Warn("identity lookup failed during roster build", "email", e.Email, "error", err)
				e.Degraded = append(e.Degraded, SourceIdentity)
				mu.Lock()
				degraded = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return degraded
}
