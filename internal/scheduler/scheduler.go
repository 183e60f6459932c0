// Package scheduler runs the periodic offboarding tasks: roster scans,
// scheduled remediations, daily rescans and reminder notifications.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/offboard/internal/audit"
	"github.com/onnwee/offboard/internal/casestore"
	"github.com/onnwee/offboard/internal/jobs"
	"github.com/onnwee/offboard/internal/notify"
	"github.com/onnwee/offboard/internal/reconcile"
	"github.com/onnwee/offboard/internal/tracing"
)

// Task names a scheduled task.
type Task string

const (
	TaskBackgroundScan   Task = jobs.JobTypeBackgroundScan
	TaskRemediationCheck Task = jobs.JobTypeRemediationCheck
	TaskDailyScan        Task = jobs.JobTypeDailyScan
	TaskNotifications    Task = jobs.JobTypeNotifications
)

// ErrLockHeld is returned by RunOnce when another instance holds the
// scheduler lock.
var ErrLockHeld = errors.New("scheduler: lock held by another instance")

// Tasks lists every task in execution order.
var Tasks = []Task{TaskBackgroundScan, TaskRemediationCheck, TaskDailyScan, TaskNotifications}

// Default intervals.
const (
	DefaultTick                     = time.Minute
	DefaultBackgroundScanInterval   = 15 * time.Minute
	DefaultRemediationCheckInterval = 5 * time.Minute
	DefaultDailyScanInterval        = 24 * time.Hour
	DefaultNotificationInterval     = time.Hour
	DefaultTaskTimeout              = 10 * time.Minute
)

// Engine is the subset of the reconciliation engine the scheduler drives.
type Engine interface {
	SystemScan(ctx context.Context) (*reconcile.SystemScanSummary, error)
	ScanOpenCases(ctx context.Context) (*reconcile.SystemScanSummary, error)
	ExecuteRemediation(ctx context.Context, caseID string, action reconcile.Action) (*reconcile.RemediationOutcome, error)
}

// Config configures the scheduler.
type Config struct {
	Engine   Engine
	Store    casestore.Store
	Notifier notify.Notifier
	// State defaults to an InMemoryState.
	State State
	// Lock, when set, guards every tick so only one instance runs tasks.
	Lock Locker

	Tick                     time.Duration
	BackgroundScanInterval   time.Duration
	RemediationCheckInterval time.Duration
	DailyScanInterval        time.Duration
	NotificationInterval     time.Duration
	TaskTimeout              time.Duration

	Logger     *slog.Logger
	JobMetrics jobs.Reporter
}

// Scheduler runs tasks whose interval has elapsed.
type Scheduler struct {
	config    Config
	intervals map[Task]time.Duration
	timeNow   func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a scheduler. Engine and Store are required.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Engine == nil || cfg.Store == nil {
		return nil, errors.New("scheduler: engine and store are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	if cfg.State == nil {
		cfg.State = NewInMemoryState()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.BackgroundScanInterval <= 0 {
		cfg.BackgroundScanInterval = DefaultBackgroundScanInterval
	}
	if cfg.RemediationCheckInterval <= 0 {
		cfg.RemediationCheckInterval = DefaultRemediationCheckInterval
	}
	if cfg.DailyScanInterval <= 0 {
		cfg.DailyScanInterval = DefaultDailyScanInterval
	}
	if cfg.NotificationInterval <= 0 {
		cfg.NotificationInterval = DefaultNotificationInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		config: cfg,
		intervals: map[Task]time.Duration{
			TaskBackgroundScan:   cfg.BackgroundScanInterval,
			TaskRemediationCheck: cfg.RemediationCheckInterval,
			TaskDailyScan:        cfg.DailyScanInterval,
			TaskNotifications:    cfg.NotificationInterval,
		},
		timeNow: time.Now,
	}, nil
}

// Start begins the periodic scheduler loop.
// Returns immediately; the loop runs in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop signals the loop to stop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	s.config.Logger.Info("scheduler started", "tick", s.config.Tick)
	s.tickLocked(ctx)
	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.config.Logger.Info("scheduler stopping due to stop signal")
			return
		case <-ticker.C:
			s.tickLocked(ctx)
		}
	}
}

// tickLocked runs one tick under the distributed lock, if configured.
func (s *Scheduler) tickLocked(ctx context.Context) {
	release, err := s.acquire(ctx)
	switch {
	case errors.Is(err, ErrLockHeld):
		s.config.Logger.Debug("scheduler lock held by another instance, skipping tick")
		return
	case err != nil:
		s.config.Logger.Warn("scheduler lock unavailable, skipping tick", "error", err)
		return
	}
	defer release()
	_ = s.Tick(ctx)
}

// acquire takes the distributed lock when one is configured. The returned
// func releases it.
func (s *Scheduler) acquire(ctx context.Context) (func(), error) {
	if s.config.Lock == nil {
		return func() {}, nil
	}
	ok, err := s.config.Lock.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		if err := s.config.Lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.config.Logger.Warn("failed to release scheduler lock", "error", err)
		}
	}, nil
}

// Tick runs every task whose interval has elapsed, in task order. The last
// run is recorded before a task body runs so a failing task is not retried
// until its next interval.
func (s *Scheduler) Tick(ctx context.Context) map[Task]error {
	ran := make(map[Task]error)
	for _, task := range Tasks {
		if ctx.Err() != nil {
			break
		}
		now := s.timeNow()
		due, err := s.due(ctx, task, now)
		if err != nil {
			s.config.Logger.Error("failed to read scheduler state", "task", task, "error", err)
			s.incJobErrors(task, "state_error")
			continue
		}
		if !due {
			continue
		}
		if err := s.config.State.MarkRun(ctx, task, now); err != nil {
			s.config.Logger.Error("failed to record task run", "task", task, "error", err)
			s.incJobErrors(task, "state_error")
			continue
		}
		ran[task] = s.runTask(ctx, task)
	}
	return ran
}

func (s *Scheduler) due(ctx context.Context, task Task, now time.Time) (bool, error) {
	last, ok, err := s.config.State.LastRun(ctx, task)
	if err != nil {
		return false, err
	}
	return !ok || now.Sub(last) >= s.intervals[task], nil
}

// RunOnce resets the state and runs all four tasks synchronously. It holds
// the distributed lock for the whole run, so a shared state is never reset
// under a running instance; ErrLockHeld is returned when another instance
// owns it.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.config.State.Reset(ctx); err != nil {
		return err
	}
	var errs []error
	for task, err := range s.Tick(ctx) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runTask(parent context.Context, task Task) (err error) {
	ctx, cancel := context.WithTimeout(parent, s.config.TaskTimeout)
	defer cancel()
	ctx, endSpan := tracing.StartJobSpan(ctx, string(task))
	done := jobs.Track(s.config.JobMetrics, string(task), s.timeNow)

	start := s.timeNow()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		endSpan(err)
		done(err)
		duration := s.timeNow().Sub(start).Seconds()
		if err != nil {
			s.config.Logger.Error("scheduled task failed", "task", task, "duration_seconds", duration, "error", err)
			return
		}
		s.config.Logger.Info("scheduled task completed", "task", task, "duration_seconds", duration)
	}()

	switch task {
	case TaskBackgroundScan:
		_, err = s.config.Engine.SystemScan(ctx)
	case TaskRemediationCheck:
		err = s.remediationCheck(ctx)
	case TaskDailyScan:
		_, err = s.config.Engine.ScanOpenCases(ctx)
	case TaskNotifications:
		err = s.sendReminders(ctx)
	default:
		err = fmt.Errorf("unknown task %q", task)
	}
	return err
}

func (s *Scheduler) incJobErrors(task Task, errorType string) {
	if s.config.JobMetrics != nil {
		s.config.JobMetrics.IncJobErrors(string(task), errorType)
	}
}

// remediationCheck runs the full bundle on every scheduled case whose date
// has passed. A failure on one case does not stop the others.
func (s *Scheduler) remediationCheck(ctx context.Context) error {
	cases, err := s.config.Store.ListCases(ctx, casestore.CaseFilter{
		Statuses: []casestore.Status{casestore.StatusScheduled},
	})
	if err != nil {
		return fmt.Errorf("failed to list scheduled cases: %w", err)
	}

	now := s.timeNow()
	var failed int
	for _, c := range cases {
		if c.ScheduledRemediationAt == nil || c.ScheduledRemediationAt.After(now) {
			continue
		}
		out, err := s.config.Engine.ExecuteRemediation(ctx, c.ID, reconcile.FullBundle{})
		if err != nil {
			failed++
			s.config.Logger.Error("scheduled remediation failed", "case_id", c.ID, "error", err)
			continue
		}
		s.config.Logger.Info("scheduled remediation executed",
			"case_id", c.ID,
			"email", c.SubjectEmail,
			"success", out.Result.Success,
			"status", out.Status)
	}
	if failed > 0 {
		return fmt.Errorf("%d scheduled remediation(s) failed", failed)
	}
	return nil
}

// reminderWindow is a half-open (0, days] window before remediation.
type reminderWindow struct {
	days int
	sent func(*casestore.Case) bool
}

var reminderWindows = []reminderWindow{
	{days: 1, sent: func(c *casestore.Case) bool { return c.Reminder1dSent }},
	{days: 7, sent: func(c *casestore.Case) bool { return c.Reminder7dSent }},
}

// sendReminders notifies about scheduled remediations due within 7 days or
// 1 day. A reminder flag is set only after a successful send, and reaching
// the 1-day window marks both reminders as sent.
func (s *Scheduler) sendReminders(ctx context.Context) error {
	cases, err := s.config.Store.ListCases(ctx, casestore.CaseFilter{
		Statuses: []casestore.Status{casestore.StatusScheduled},
	})
	if err != nil {
		return fmt.Errorf("failed to list scheduled cases: %w", err)
	}

	settings, err := s.config.Store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	now := s.timeNow()
	for _, c := range cases {
		if c.ScheduledRemediationAt == nil {
			continue
		}
		until := c.ScheduledRemediationAt.Sub(now)
		if until <= 0 {
			continue
		}
		for _, w := range reminderWindows {
			if until > time.Duration(w.days)*24*time.Hour || w.sent(c) {
				continue
			}
			if err := s.remind(ctx, c, w.days, settings.AlertRecipient); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

func (s *Scheduler) remind(ctx context.Context, c *casestore.Case, days int, recipient string) error {
	name := c.SubjectName
	if name == "" {
		name = c.SubjectEmail
	}
	sent := s.config.Notifier.SendReminder(ctx, notify.Reminder{
		CaseID:       c.ID,
		CaseName:     name,
		SubjectEmail: c.SubjectEmail,
		Recipient:    recipient,
		DaysUntil:    days,
		ScheduledAt:  *c.ScheduledRemediationAt,
	})
	if !sent {
		s.config.Logger.Warn("reminder not delivered", "case_id", c.ID, "days", days)
		return nil
	}

	patch := casestore.CasePatch{Reminder7dSent: casestore.BoolPtr(true)}
	if days == 1 {
		patch.Reminder1dSent = casestore.BoolPtr(true)
	}
	if _, err := s.config.Store.UpdateCase(ctx, c.ID, patch); err != nil {
		return fmt.Errorf("failed to record reminder for case %s: %w", c.ID, err)
	}
	if _, err := s.config.Store.LogAction(ctx, audit.LogEntry{
		Actor:       audit.ActorSystem,
		Action:      audit.ActionReminder,
		TargetEmail: c.SubjectEmail,
		CaseID:      c.ID,
		Result:      audit.OutcomeSuccess,
		Request:     map[string]any{"days_until": days, "recipient": recipient},
	}); err != nil {
		return fmt.Errorf("failed to audit reminder: %w", err)
	}
	return nil
}
