package casestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/offboard/internal/audit"
	"github.com/onnwee/offboard/internal/validate"
)

// InMemoryStore is an in-memory implementation of Store.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryStore struct {
	mu       sync.RWMutex
	cases    map[string]*Case
	order    []string // case ids in creation order
	findings map[string]*Finding
	byCase   map[string][]string // case id -> finding ids in creation order
	settings Settings
	audit    *audit.InMemoryRepository
	timeNow  func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		cases:    make(map[string]*Case),
		findings: make(map[string]*Finding),
		byCase:   make(map[string][]string),
		settings: DefaultSettings(),
		audit:    audit.NewInMemoryRepository(),
		timeNow:  time.Now,
	}
}

// Audit exposes the underlying audit repository.
func (s *InMemoryStore) Audit() *audit.InMemoryRepository {
	return s.audit
}

// ListCases returns cases matching the filter in creation order.
func (s *InMemoryStore) ListCases(ctx context.Context, filter CaseFilter) ([]*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Case, 0)
	for _, id := range s.order {
		c := s.cases[id]
		if filter.Matches(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetCase retrieves a case by id.
func (s *InMemoryStore) GetCase(ctx context.Context, id string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *c
	return &cp, nil
}

// CreateCase creates a draft case.
func (s *InMemoryStore) CreateCase(ctx context.Context, in NewCase) (*Case, error) {
	email, err := validate.Email(in.SubjectEmail)
	if err != nil {
		return nil, fmt.Errorf("invalid subject email %q: %w", in.SubjectEmail, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openCaseLocked(email) != nil {
		return nil, ErrOpenCaseExists
	}

	now := s.timeNow().UTC()
	c := &Case{
		ID:                     uuid.New().String(),
		SubjectID:              in.SubjectID,
		SubjectName:            in.SubjectName,
		SubjectEmail:           email,
		EventType:              in.EventType,
		EffectiveDate:          in.EffectiveDate,
		Status:                 StatusDraft,
		ScheduledRemediationAt: in.ScheduledRemediationAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if c.EventType == "" {
		c.EventType = EventOffboarding
	}
	s.cases[c.ID] = c
	s.order = append(s.order, c.ID)

	cp := *c
	return &cp, nil
}

// UpdateCase applies a partial update.
func (s *InMemoryStore) UpdateCase(ctx context.Context, id string, patch CasePatch) (*Case, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	ApplyPatch(c, patch, s.timeNow())

	cp := *c
	return &cp, nil
}

// FindCaseByEmail returns the open case for email, or nil.
func (s *InMemoryStore) FindCaseByEmail(ctx context.Context, email string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.openCaseLocked(NormalizeEmail(email))
	if c == nil {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// openCaseLocked returns the most recent open case. Caller must hold s.mu.
func (s *InMemoryStore) openCaseLocked(email string) *Case {
	for i := len(s.order) - 1; i >= 0; i-- {
		c := s.cases[s.order[i]]
		if c.SubjectEmail == email && c.Status.IsOpen() {
			return c
		}
	}
	return nil
}

// ListFindings returns findings matching the filter, oldest first.
func (s *InMemoryStore) ListFindings(ctx context.Context, filter FindingFilter) ([]*Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Finding, 0)
	for _, caseID := range s.order {
		for _, id := range s.byCase[caseID] {
			f := s.findings[id]
			if filter.Matches(f) {
				cp := *f
				out = append(out, &cp)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateFinding attaches a new open finding to an existing case.
func (s *InMemoryStore) CreateFinding(ctx context.Context, in NewFinding) (*Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[in.CaseID]; !ok {
		return nil, ErrCaseNotFound
	}

	f := &Finding{
		ID:                uuid.New().String(),
		CaseID:            in.CaseID,
		Kind:              in.Kind,
		Severity:          in.Severity,
		Summary:           in.Summary,
		RecommendedAction: in.RecommendedAction,
		CreatedAt:         s.timeNow().UTC(),
	}
	s.findings[f.ID] = f
	s.byCase[f.CaseID] = append(s.byCase[f.CaseID], f.ID)

	cp := *f
	return &cp, nil
}

// CloseFinding stamps ClosedAt on an open finding.
func (s *InMemoryStore) CloseFinding(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.findings[id]
	if !ok {
		return ErrFindingNotFound
	}
	if f.ClosedAt == nil {
		now := s.timeNow().UTC()
		f.ClosedAt = &now
	}
	return nil
}

// FindingsForCase returns every finding of a case in creation order.
func (s *InMemoryStore) FindingsForCase(ctx context.Context, caseID string) ([]*Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byCase[caseID]
	out := make([]*Finding, 0, len(ids))
	for _, id := range ids {
		cp := *s.findings[id]
		out = append(out, &cp)
	}
	return out, nil
}

// ListAuditLogs queries the audit trail, newest first.
func (s *InMemoryStore) ListAuditLogs(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	return s.audit.Query(ctx, filter)
}

// LogAction appends to the audit trail.
func (s *InMemoryStore) LogAction(ctx context.Context, entry audit.LogEntry) (*audit.Entry, error) {
	return s.audit.Append(ctx, entry)
}

// GetSettings returns a copy of the current settings.
func (s *InMemoryStore) GetSettings(ctx context.Context) (*Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := s.settings
	cp.ReminderDays = append([]int(nil), s.settings.ReminderDays...)
	return &cp, nil
}

// UpdateSettings applies a partial settings update.
func (s *InMemoryStore) UpdateSettings(ctx context.Context, patch SettingsPatch) (*Settings, error) {
	if patch.AlertRecipient != nil && *patch.AlertRecipient != "" {
		email, err := validate.Email(*patch.AlertRecipient)
		if err != nil {
			return nil, fmt.Errorf("invalid alert recipient: %w", err)
		}
		patch.AlertRecipient = &email
	}

	s.mu.Lock()
	if patch.AlertRecipient != nil {
		s.settings.AlertRecipient = *patch.AlertRecipient
	}
	if patch.AutoRemediate != nil {
		s.settings.AutoRemediate = *patch.AutoRemediate
	}
	s.settings.UpdatedAt = s.timeNow().UTC()
	s.mu.Unlock()

	return s.GetSettings(ctx)
}
