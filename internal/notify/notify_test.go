package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[subj] = append(p.msgs[subj], data)
	return nil
}

func TestNATSNotifier_SendAlert(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, nil)
	n.timeNow = func() time.Time { return time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC) }

	alert := Alert{
		FindingName:  "High-risk access",
		Severity:     "critical",
		FindingType:  "high_risk_lingering_access",
		Summary:      "High-risk access remains for: Mail Sync",
		CaseName:     "Offboarding: Alice",
		SubjectEmail: "alice@co.example",
	}
	if !n.SendAlert(context.Background(), alert, "secops@co.example") {
		t.Fatal("expected SendAlert to succeed")
	}

	msgs := pub.msgs[SubjectAlerts]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 alert message, got %d", len(msgs))
	}
	var got map[string]any
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got["recipient"] != "secops@co.example" {
		t.Errorf("recipient = %v", got["recipient"])
	}
	if got["finding_type"] != "high_risk_lingering_access" {
		t.Errorf("finding_type = %v", got["finding_type"])
	}
	if got["sent_at"] != "2026-10-01T09:00:00Z" {
		t.Errorf("sent_at = %v", got["sent_at"])
	}
}

func TestNATSNotifier_Failures(t *testing.T) {
	tests := []struct {
		name string
		pub  Publisher
		send func(n *NATSNotifier) bool
	}{
		{
			name: "alert without recipient",
			pub:  &fakePublisher{},
			send: func(n *NATSNotifier) bool { return n.SendAlert(context.Background(), Alert{}, "") },
		},
		{
			name: "reminder without recipient",
			pub:  &fakePublisher{},
			send: func(n *NATSNotifier) bool { return n.SendReminder(context.Background(), Reminder{CaseID: "c"}) },
		},
		{
			name: "publish error",
			pub:  &fakePublisher{err: errors.New("nats: connection closed")},
			send: func(n *NATSNotifier) bool {
				return n.SendReminder(context.Background(), Reminder{CaseID: "c", Recipient: "it@co.example"})
			},
		},
		{
			name: "nil publisher",
			pub:  nil,
			send: func(n *NATSNotifier) bool { return n.SendAlert(context.Background(), Alert{}, "it@co.example") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.send(NewNATSNotifier(tt.pub, nil)) {
				t.Error("expected send to report failure")
			}
		})
	}
}

func TestMulti(t *testing.T) {
	pub := &fakePublisher{}
	m := Multi{Nop{}, NewLogNotifier(nil), NewNATSNotifier(pub, nil)}

	r := Reminder{CaseID: "c-1", Recipient: "it@co.example", DaysUntil: 7}
	if !m.SendReminder(context.Background(), r) {
		t.Fatal("expected multi send to succeed")
	}
	if len(pub.msgs[SubjectReminders]) != 1 {
		t.Errorf("expected reminder published once")
	}

	if (Multi{Nop{}}).SendAlert(context.Background(), Alert{}, "x") {
		t.Error("expected all-failed multi to report false")
	}
}

func TestConnectRequiresURL(t *testing.T) {
	if _, err := Connect("", "offboard", nil); err == nil {
		t.Error("expected error for empty url")
	}
}
