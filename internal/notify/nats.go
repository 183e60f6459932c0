package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects a mail worker subscribes to.
const (
	SubjectAlerts    = "offboard.alerts"
	SubjectReminders = "offboard.reminders"
)

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// alertMessage is the wire form of an alert.
type alertMessage struct {
	Alert
	Recipient string    `json:"recipient"`
	SentAt    time.Time `json:"sent_at"`
}

type reminderMessage struct {
	Reminder
	SentAt time.Time `json:"sent_at"`
}

// NATSNotifier publishes notifications as JSON for an out-of-process mailer.
type NATSNotifier struct {
	pub     Publisher
	logger  *slog.Logger
	timeNow func() time.Time
}

// NewNATSNotifier creates a notifier over an established publisher.
func NewNATSNotifier(pub Publisher, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{pub: pub, logger: logger, timeNow: time.Now}
}

// Connect dials NATS with reconnect behaviour suited to a long-running daemon.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

func (n *NATSNotifier) SendAlert(ctx context.Context, alert Alert, recipient string) bool {
	if recipient == "" {
		n.logger.WarnContext(ctx, "alert dropped: no recipient configured", "finding", alert.FindingName)
		return false
	}
	return n.publish(ctx, SubjectAlerts, alertMessage{Alert: alert, Recipient: recipient, SentAt: n.timeNow().UTC()})
}

func (n *NATSNotifier) SendReminder(ctx context.Context, reminder Reminder) bool {
	if reminder.Recipient == "" {
		n.logger.WarnContext(ctx, "reminder dropped: no recipient configured", "case_id", reminder.CaseID)
		return false
	}
	return n.publish(ctx, SubjectReminders, reminderMessage{Reminder: reminder, SentAt: n.timeNow().UTC()})
}

func (n *NATSNotifier) publish(ctx context.Context, subject string, v any) bool {
	if n.pub == nil {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.ErrorContext(ctx, "failed to encode notification", "subject", subject, "error", err)
		return false
	}
	if err := n.pub.Publish(subject, data); err != nil {
		n.logger.WarnContext(ctx, "failed to publish notification", "subject", subject, "error", err)
		return false
	}
	return true
}
