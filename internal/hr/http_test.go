package hr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func newTestDirectory(t *testing.T, h http.HandlerFunc, pageSize int) *HTTPDirectory {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	d, err := NewHTTPDirectory(HTTPConfig{
		BaseURL:    srv.URL,
		APIKey:     "key",
		APISecret:  "secret",
		HTTPClient: srv.Client(),
		PageSize:   pageSize,
	})
	if err != nil {
		t.Fatalf("NewHTTPDirectory() error = %v", err)
	}
	return d
}

func TestNewHTTPDirectory_RequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPDirectory(HTTPConfig{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
}

func TestHTTPDirectory_ListOffboardedPaginates(t *testing.T) {
	all := []map[string]string{
		{"name": "HR-2", "employee_name": "Bob", "company_email": "bob@co.example", "status": "Left"},
		{"name": "HR-1", "employee_name": "Alice", "company_email": "Alice@co.example", "status": "Left", "relieving_date": "2026-09-30"},
		{"name": "HR-3", "employee_name": "Carol", "personal_email": "carol@home.example", "status": "Active", "relieving_date": "2026-11-01"},
		{"name": "HR-4", "employee_name": "No Mail", "status": "Left"},
	}

	var requests int
	d := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if got := r.Header.Get("Authorization"); got != "token key:secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/api/resource/Employee" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("or_filters") == "" {
			t.Error("expected or_filters")
		}
		start, _ := strconv.Atoi(r.URL.Query().Get("limit_start"))
		size, _ := strconv.Atoi(r.URL.Query().Get("limit_page_length"))
		end := min(start+size, len(all))
		page := []map[string]string{}
		if start < len(all) {
			page = all[start:end]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": page})
	}, 2)

	got, err := d.ListOffboarded(context.Background())
	if err != nil {
		t.Fatalf("ListOffboarded() error = %v", err)
	}
	if requests != 3 {
		t.Errorf("expected 3 page requests, got %d", requests)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 employees (one without email skipped), got %d", len(got))
	}
	if got[0].Email != "alice@co.example" {
		t.Errorf("first email = %q", got[0].Email)
	}
	if got[0].RelievingDate == nil || got[0].RelievingDate.Format("2006-01-02") != "2026-09-30" {
		t.Errorf("relieving date not parsed: %v", got[0].RelievingDate)
	}
	if got[2].Email != "carol@home.example" {
		t.Errorf("personal email fallback = %q", got[2].Email)
	}
}

func TestHTTPDirectory_GetEmployee(t *testing.T) {
	d := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/resource/Employee/HR-1":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{
				"name": "HR-1", "company_email": "alice@co.example", "status": "Left",
			}})
		case "/api/resource/Employee":
			if r.URL.Query().Get("filters") == "" {
				t.Error("expected filters for email lookup")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		default:
			http.Error(w, `{"exc_type":"DoesNotExistError"}`, http.StatusNotFound)
		}
	}, 0)

	e, err := d.GetEmployee(context.Background(), "HR-1")
	if err != nil {
		t.Fatalf("GetEmployee(id) error = %v", err)
	}
	if e.Email != "alice@co.example" {
		t.Errorf("email = %q", e.Email)
	}

	if _, err := d.GetEmployee(context.Background(), "HR-404"); !errors.Is(err, ErrEmployeeNotFound) {
		t.Errorf("expected ErrEmployeeNotFound for missing id, got %v", err)
	}
	if _, err := d.GetEmployee(context.Background(), "ghost@co.example"); !errors.Is(err, ErrEmployeeNotFound) {
		t.Errorf("expected ErrEmployeeNotFound for missing email, got %v", err)
	}
}

func TestHTTPDirectory_ServerError(t *testing.T) {
	d := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}, 0)

	_, err := d.ListOffboarded(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", statusErr.StatusCode)
	}
	if err := d.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check failure")
	}
}
