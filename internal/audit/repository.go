package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to Export.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidAction is returned when an entry has no action.
	ErrInvalidAction = errors.New("action cannot be empty")
)

// Repository defines the interface for audit log operations.
// Implementations never update or delete entries.
type Repository interface {
	// Append records an entry, chaining it to the previous one.
	Append(ctx context.Context, entry LogEntry) (*Entry, error)

	// Query retrieves entries matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]*Entry, error)

	// LastHash returns the hash of the most recent entry, or "" when empty.
	LastHash(ctx context.Context) (string, error)
}

// NewEntry validates a LogEntry and builds the Entry that follows prevHash.
func NewEntry(le LogEntry, prevHash string, now time.Time) (*Entry, error) {
	if le.Action == "" {
		return nil, ErrInvalidAction
	}
	if le.Actor == "" {
		le.Actor = ActorSystem
	}
	if le.Result == "" {
		le.Result = OutcomeSuccess
	}

	req, err := marshalPayload(le.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit request: %w", err)
	}
	resp, err := marshalPayload(le.Response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit response: %w", err)
	}

	return &Entry{
		ID:           uuid.New().String(),
		Actor:        le.Actor,
		Action:       le.Action,
		TargetEmail:  le.TargetEmail,
		CaseID:       le.CaseID,
		Result:       le.Result,
		Request:      req,
		Response:     resp,
		CreatedAt:    now.UTC(),
		PreviousHash: prevHash,
	}, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu       sync.RWMutex
	entries  []*Entry
	lastHash string
	timeNow  func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{timeNow: time.Now}
}

// Append records an entry.
func (r *InMemoryRepository) Append(ctx context.Context, le LogEntry) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := NewEntry(le, r.lastHash, r.timeNow())
	if err != nil {
		return nil, err
	}
	r.entries = append(r.entries, e)
	r.lastHash = ComputeHash(e)

	// Return a copy to prevent external modification
	cp := *e
	return &cp, nil
}

// Query retrieves entries matching the filter, newest first.
func (r *InMemoryRepository) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*Entry, 0)
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !filter.Matches(e) {
			continue
		}
		cp := *e
		results = append(results, &cp)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// LastHash returns the hash of the most recent entry.
func (r *InMemoryRepository) LastHash(ctx context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHash, nil
}

// Chain returns copies of all entries, oldest first, for VerifyChain.
func (r *InMemoryRepository) Chain() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, len(r.entries))
	for i, e := range r.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}
