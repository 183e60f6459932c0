package hr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Source names for roster provenance.
const (
	SourceHR         = "hr"
	SourceHRPrimary  = "hr_primary"
	SourceHRFallback = "hr_fallback"
)

// Defaults for FallbackConfig.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 5 * time.Minute
)

// BreakerState is the circuit state for the primary directory.
type BreakerState string

const (
	BreakerHealthy   BreakerState = "healthy"
	BreakerUnhealthy BreakerState = "unhealthy"
)

// FallbackConfig configures a Fallback directory.
type FallbackConfig struct {
	Primary  Directory
	Fallback Directory
	// FailureThreshold is the number of consecutive primary failures that
	// open the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before the primary is
	// retried.
	Cooldown time.Duration
	Logger   *slog.Logger
}

// Fallback serves from Primary while it is healthy and from Fallback while
// the breaker is open. Every state switch is logged.
type Fallback struct {
	primary   Directory
	fallback  Directory
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	timeNow   func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewFallback creates a fallback directory. Fallback may be nil, in which
// case primary errors are returned once the breaker is open.
func NewFallback(cfg FallbackConfig) (*Fallback, error) {
	if cfg.Primary == nil {
		return nil, errors.New("primary directory is required")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fallback{
		primary:   cfg.Primary,
		fallback:  cfg.Fallback,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		logger:    cfg.Logger,
		timeNow:   time.Now,
		state:     BreakerHealthy,
	}, nil
}

// State returns the breaker state.
func (f *Fallback) State() BreakerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// usePrimary reports whether the next call should go to the primary. An
// open breaker whose cooldown has elapsed lets one attempt through.
func (f *Fallback) usePrimary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == BreakerHealthy {
		return true
	}
	return f.timeNow().Sub(f.openedAt) >= f.cooldown
}

func (f *Fallback) recordSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = 0
	if f.state != BreakerHealthy {
		f.state = BreakerHealthy
		f.logger.Info("hr directory switched to primary", "state", f.state)
	}
}

func (f *Fallback) recordFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	if f.state == BreakerUnhealthy {
		// A failed retry after cooldown restarts the cooldown.
		f.openedAt = f.timeNow()
		f.logger.Warn("hr primary retry failed, staying on fallback", "error", err)
		return
	}
	if f.failures >= f.threshold {
		f.state = BreakerUnhealthy
		f.openedAt = f.timeNow()
		f.logger.Warn("hr directory switched to fallback",
			"state", f.state,
			"consecutive_failures", f.failures,
			"cooldown", f.cooldown,
			"error", err)
	}
}

// ListOffboarded implements Directory.
func (f *Fallback) ListOffboarded(ctx context.Context) ([]Employee, error) {
	employees, _, err := f.ListOffboardedWithSource(ctx)
	return employees, err
}

// ListOffboardedWithSource lists offboarded employees and reports which
// directory served them.
func (f *Fallback) ListOffboardedWithSource(ctx context.Context) ([]Employee, string, error) {
	var primaryErr error
	if f.usePrimary() {
		employees, err := f.primary.ListOffboarded(ctx)
		if err == nil {
			f.recordSuccess()
			return employees, SourceHRPrimary, nil
		}
		f.recordFailure(err)
		primaryErr = err
	}
	if f.fallback == nil {
		if primaryErr == nil {
			primaryErr = errors.New("hr primary unavailable")
		}
		return nil, SourceHRPrimary, primaryErr
	}

	employees, err := f.fallback.ListOffboarded(ctx)
	if err != nil {
		if primaryErr != nil {
			return nil, SourceHRFallback, fmt.Errorf("hr primary and fallback failed: %w", errors.Join(primaryErr, err))
		}
		return nil, SourceHRFallback, fmt.Errorf("hr fallback failed: %w", err)
	}
	return employees, SourceHRFallback, nil
}

// GetEmployee implements Directory. Not-found answers from the primary are
// authoritative and do not count as failures.
func (f *Fallback) GetEmployee(ctx context.Context, idOrEmail string) (*Employee, error) {
	var primaryErr error
	if f.usePrimary() {
		e, err := f.primary.GetEmployee(ctx, idOrEmail)
		if err == nil || errors.Is(err, ErrEmployeeNotFound) {
			f.recordSuccess()
			return e, err
		}
		f.recordFailure(err)
		primaryErr = err
	}
	if f.fallback == nil {
		if primaryErr == nil {
			primaryErr = errors.New("hr primary unavailable")
		}
		return nil, primaryErr
	}
	return f.fallback.GetEmployee(ctx, idOrEmail)
}

type sourcedLister interface {
	ListOffboardedWithSource(ctx context.Context) ([]Employee, string, error)
}

// ListWithSource lists offboarded employees from d, naming the source that
// served them. Plain directories report SourceHR.
func ListWithSource(ctx context.Context, d Directory) ([]Employee, string, error) {
	if s, ok := d.(sourcedLister); ok {
		return s.ListOffboardedWithSource(ctx)
	}
	employees, err := d.ListOffboarded(ctx)
	return employees, SourceHR, err
}
