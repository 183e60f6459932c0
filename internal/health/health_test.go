package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nats-io/nats.go"
)

func okChecker() Checker { return CheckerFunc(func(context.Context) error { return nil }) }

func failingChecker() Checker {
	return CheckerFunc(func(context.Context) error { return errors.New("connection refused") })
}

func TestHealth(t *testing.T) {
	h := NewHandlers(HandlersConfig{Dependencies: []Dependency{{Name: "database", Checker: failingChecker()}}})

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	var resp Response
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusHealthy || resp.Checks["runtime"] != CheckOK || resp.Timestamp == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		deps       []Dependency
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:       "no dependencies",
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name: "all healthy",
			deps: []Dependency{
				{Name: "database", Checker: okChecker()},
				{Name: "identity", Checker: okChecker()},
			},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"database": CheckOK, "identity": CheckOK},
		},
		{
			name: "required dependency down",
			deps: []Dependency{
				{Name: "database", Checker: failingChecker()},
				{Name: "identity", Checker: okChecker()},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": CheckError, "identity": CheckOK},
		},
		{
			name: "optional dependency down",
			deps: []Dependency{
				{Name: "database", Checker: okChecker()},
				{Name: "hr", Checker: failingChecker(), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"database": CheckOK, "hr": CheckError},
		},
		{
			name:       "nil checker skipped",
			deps:       []Dependency{{Name: "redis"}},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(HandlersConfig{Dependencies: tt.deps})
			rr := httptest.NewRecorder()
			h.Ready(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			var resp Response
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if resp.Checks[name] != want {
					t.Errorf("check %s = %q, want %q", name, resp.Checks[name], want)
				}
			}
		})
	}
}

func TestHandlers_RejectNonGet(t *testing.T) {
	h := NewHandlers(HandlersConfig{})
	for _, handler := range []http.HandlerFunc{h.Health, h.Ready} {
		rr := httptest.NewRecorder()
		handler(rr, httptest.NewRequest(http.MethodPost, "/", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	}
}

func TestDBChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("db down"))

	checker := NewDBChecker(db)
	if err := checker.HealthCheck(context.Background()); err != nil {
		t.Errorf("first ping error = %v", err)
	}
	if err := checker.HealthCheck(context.Background()); err == nil {
		t.Error("expected second ping to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestNATSChecker(t *testing.T) {
	tests := []struct {
		status  nats.Status
		wantErr bool
	}{
		{nats.CONNECTED, false},
		{nats.RECONNECTING, true},
		{nats.CLOSED, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			c := &NATSChecker{status: func() nats.Status { return tt.status }}
			err := c.HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
