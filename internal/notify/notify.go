// Package notify delivers alert and reminder messages. Delivery failures are
// logged and reported as false; they are never returned as errors.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Alert describes a newly opened finding worth telling a human about.
type Alert struct {
	FindingName  string `json:"finding_name"`
	Severity     string `json:"severity"`
	FindingType  string `json:"finding_type"`
	Summary      string `json:"summary"`
	CaseName     string `json:"case_name"`
	SubjectEmail string `json:"subject_email"`
}

// Reminder announces an upcoming scheduled remediation.
type Reminder struct {
	CaseID       string    `json:"case_id"`
	CaseName     string    `json:"case_name"`
	SubjectEmail string    `json:"subject_email"`
	Recipient    string    `json:"recipient"`
	DaysUntil    int       `json:"days_until"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// Notifier sends alerts and reminders.
type Notifier interface {
	SendAlert(ctx context.Context, alert Alert, recipient string) bool
	SendReminder(ctx context.Context, reminder Reminder) bool
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendAlert(ctx context.Context, alert Alert, recipient string) bool {
	n.logger.InfoContext(ctx, "alert",
		"recipient", recipient,
		"finding", alert.FindingName,
		"severity", alert.Severity,
		"type", alert.FindingType,
		"case", alert.CaseName,
		"subject_email", alert.SubjectEmail,
		"summary", alert.Summary)
	return true
}

func (n *LogNotifier) SendReminder(ctx context.Context, reminder Reminder) bool {
	n.logger.InfoContext(ctx, "remediation reminder",
		"recipient", reminder.Recipient,
		"case_id", reminder.CaseID,
		"subject_email", reminder.SubjectEmail,
		"days_until", reminder.DaysUntil,
		"scheduled_at", reminder.ScheduledAt)
	return true
}

// Multi fans a notification out to every notifier. It reports success when
// at least one delivery succeeded.
type Multi []Notifier

func (m Multi) SendAlert(ctx context.Context, alert Alert, recipient string) bool {
	ok := false
	for _, n := range m {
		if n.SendAlert(ctx, alert, recipient) {
			ok = true
		}
	}
	return ok
}

func (m Multi) SendReminder(ctx context.Context, reminder Reminder) bool {
	ok := false
	for _, n := range m {
		if n.SendReminder(ctx, reminder) {
			ok = true
		}
	}
	return ok
}

// Nop discards every notification and reports failure.
type Nop struct{}

func (Nop) SendAlert(context.Context, Alert, string) bool { return false }
func (Nop) SendReminder(context.Context, Reminder) bool  { return false }
