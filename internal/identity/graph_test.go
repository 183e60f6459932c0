package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestClient(t *testing.T, handler http.Handler) (*GraphClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewGraphClient(GraphConfig{
		BaseURL:           srv.URL,
		Token:             StaticToken("test-token"),
		HTTPClient:        srv.Client(),
		RequestsPerSecond: 1000,
	})
	if err != nil {
		t.Fatalf("NewGraphClient() error = %v", err)
	}
	return client, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewGraphClient_RequiresToken(t *testing.T) {
	if _, err := NewGraphClient(GraphConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NewGraphClient() error = %v, want ErrNotConfigured", err)
	}
}

func TestGraphClient_GetSubject(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization header = %q", got)
		}
		switch r.URL.Path {
		case "/users/alice@co.example":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"id":                "u-1",
				"displayName":       "Alice",
				"mail":              "Alice@Co.Example",
				"userPrincipalName": "alice@co.example",
				"accountEnabled":    false,
			})
		default:
			writeJSON(t, w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "Request_ResourceNotFound", "message": "not found"},
			})
		}
	}))

	subject, err := client.GetSubject(context.Background(), "alice@co.example")
	if err != nil {
		t.Fatalf("GetSubject() error = %v", err)
	}
	if subject.ID != "u-1" || subject.Email != "alice@co.example" || subject.Enabled {
		t.Errorf("GetSubject() = %+v", subject)
	}

	_, err = client.GetSubject(context.Background(), "nobody@co.example")
	if !IsNotFound(err) {
		t.Errorf("GetSubject(missing) error = %v, want not found", err)
	}
}

func TestGraphClient_ListOAuthGrants_FollowsNextLink(t *testing.T) {
	var srvURL string
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/u-1/oauth2PermissionGrants" && r.URL.Query().Get("page") == "":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value":           []map[string]string{{"id": "g-1", "clientId": "c-1", "scope": "User.Read"}},
				"@odata.nextLink": srvURL + "/users/u-1/oauth2PermissionGrants?page=2",
			})
		case r.URL.Query().Get("page") == "2":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value":           []map[string]string{{"id": "g-2", "clientId": "c-2", "scope": "Mail.ReadWrite"}},
				"@odata.nextLink": srvURL + "/users/u-1/oauth2PermissionGrants?page=3",
			})
		case r.URL.Query().Get("page") == "3":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value": []map[string]string{{"id": "g-3", "clientId": "c-3", "scope": "openid profile"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	srvURL = srv.URL

	grants, err := client.ListOAuthGrants(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("ListOAuthGrants() error = %v", err)
	}
	if len(grants) != 3 {
		t.Fatalf("ListOAuthGrants() returned %d grants, want 3", len(grants))
	}
	if grants[2].ID != "g-3" || len(grants[2].Scopes()) != 2 {
		t.Errorf("unexpected last grant: %+v", grants[2])
	}
}

func TestGraphClient_ListEmptyCollection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"value": []any{}})
	}))

	roles, err := client.ListRoleAssignments(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("ListRoleAssignments() error = %v", err)
	}
	if roles == nil || len(roles) != 0 {
		t.Errorf("ListRoleAssignments() = %v, want empty non-nil slice", roles)
	}
}

func TestGraphClient_DeletesAreIdempotent(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		writeJSON(t, w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"code": "Request_ResourceNotFound"},
		})
	}))

	if err := client.DeleteGrant(context.Background(), "gone"); err != nil {
		t.Errorf("DeleteGrant(missing) error = %v, want nil", err)
	}
	if err := client.DeleteRoleAssignment(context.Background(), "u-1", "gone"); err != nil {
		t.Errorf("DeleteRoleAssignment(missing) error = %v, want nil", err)
	}
}

func TestGraphClient_PermissionDenied(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusForbidden, map[string]any{
			"error": map[string]string{
				"code":    "Authorization_RequestDenied",
				"message": "Insufficient privileges to complete the operation.",
			},
		})
	}))

	err := client.DeleteGrant(context.Background(), "g-1")
	if err == nil {
		t.Fatal("DeleteGrant() expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Op != OpDeleteGrant || apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "Authorization_RequestDenied" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !IsPermissionDenied(err) {
		t.Error("IsPermissionDenied() = false, want true")
	}
	if IsTransient(err) {
		t.Error("IsTransient() = true, want false")
	}
}

func TestGraphClient_ServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.ListLicenseDetails(context.Background(), "u-1")
	if !IsTransient(err) {
		t.Errorf("IsTransient(%v) = false, want true", err)
	}
	if IsPermissionDenied(err) {
		t.Error("IsPermissionDenied() = true, want false")
	}
}

func TestGraphClient_RevokeSessions(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/u-1/revokeSignInSessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"value": true})
	}))

	ok, err := client.RevokeSessions(context.Background(), "u-1")
	if err != nil || !ok {
		t.Errorf("RevokeSessions() = %v, %v; want true, nil", ok, err)
	}
}

func TestGraphClient_ResolveApplication_FallsBackToAppID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/servicePrincipals/client-123":
			w.WriteHeader(http.StatusNotFound)
		case "/servicePrincipals":
			filter := r.URL.Query().Get("$filter")
			if !strings.Contains(filter, "appId eq 'client-123'") {
				t.Errorf("filter = %q", filter)
			}
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value": []map[string]string{{"id": "sp-9", "appId": "client-123", "displayName": "Notes App"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	app, err := client.ResolveApplication(context.Background(), "client-123")
	if err != nil {
		t.Fatalf("ResolveApplication() error = %v", err)
	}
	if app == nil || app.ID != "sp-9" || app.DisplayName != "Notes App" {
		t.Errorf("ResolveApplication() = %+v", app)
	}
}

func TestGraphClient_ResolveApplication_Unknown(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/servicePrincipals" {
			writeJSON(t, w, http.StatusOK, map[string]any{"value": []any{}})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	app, err := client.ResolveApplication(context.Background(), "nope")
	if err != nil || app != nil {
		t.Errorf("ResolveApplication() = %v, %v; want nil, nil", app, err)
	}
}

func TestGraphClient_RecordsMetrics(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	client, err := NewGraphClient(GraphConfig{
		BaseURL:    srv.URL,
		Token:      StaticToken("t"),
		HTTPClient: srv.Client(),
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("NewGraphClient() error = %v", err)
	}

	if err := client.DeleteGrant(context.Background(), "g-1"); err != nil {
		t.Fatalf("DeleteGrant() error = %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == MetricIdentityRequestsTotal {
			found = true
		}
	}
	if !found {
		t.Errorf("metric %s not gathered", MetricIdentityRequestsTotal)
	}
}
