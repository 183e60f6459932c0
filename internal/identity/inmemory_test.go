package identity

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryProvider_GetSubjectByEmailOrID(t *testing.T) {
	p := NewInMemoryProvider()
	p.AddSubject(Subject{ID: "u-1", Email: "Alice@Co.Example", DisplayName: "Alice", Enabled: true})

	for _, key := range []string{"u-1", "alice@co.example", " ALICE@co.example "} {
		s, err := p.GetSubject(context.Background(), key)
		if err != nil {
			t.Fatalf("GetSubject(%q) error = %v", key, err)
		}
		if s.ID != "u-1" {
			t.Errorf("GetSubject(%q).ID = %q, want u-1", key, s.ID)
		}
	}

	if _, err := p.GetSubject(context.Background(), "bob@co.example"); !IsNotFound(err) {
		t.Errorf("GetSubject(missing) error = %v, want not found", err)
	}
}

func TestInMemoryProvider_DeleteIsIdempotent(t *testing.T) {
	p := NewInMemoryProvider()
	p.AddSubject(Subject{ID: "u-1", Email: "alice@co.example"})
	p.AddGrant("u-1", Grant{ID: "g-1", ClientID: "c-1"})
	p.AddRoleAssignment("u-1", RoleAssignment{ID: "r-1", ResourceID: "sp-1"})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := p.DeleteGrant(ctx, "g-1"); err != nil {
			t.Errorf("DeleteGrant() attempt %d error = %v", i+1, err)
		}
		if err := p.DeleteRoleAssignment(ctx, "u-1", "r-1"); err != nil {
			t.Errorf("DeleteRoleAssignment() attempt %d error = %v", i+1, err)
		}
	}

	grants, _ := p.ListOAuthGrants(ctx, "u-1")
	roles, _ := p.ListRoleAssignments(ctx, "u-1")
	if len(grants) != 0 || len(roles) != 0 {
		t.Errorf("expected no remaining access, got %d grants and %d roles", len(grants), len(roles))
	}
}

func TestInMemoryProvider_FailureInjection(t *testing.T) {
	p := NewInMemoryProvider()
	p.AddSubject(Subject{ID: "u-1", Email: "alice@co.example"})
	p.AddGrant("u-1", Grant{ID: "g-1"})
	p.AddGrant("u-1", Grant{ID: "g-2"})

	denied := &APIError{Op: OpDeleteGrant, StatusCode: 403, Code: "Authorization_RequestDenied"}
	p.FailOnID(OpDeleteGrant, "g-2", denied)

	ctx := context.Background()
	if err := p.DeleteGrant(ctx, "g-1"); err != nil {
		t.Errorf("DeleteGrant(g-1) error = %v", err)
	}
	if err := p.DeleteGrant(ctx, "g-2"); !errors.Is(err, denied) {
		t.Errorf("DeleteGrant(g-2) error = %v, want injected error", err)
	}
	if p.Calls(OpDeleteGrant) != 2 {
		t.Errorf("Calls(delete_grant) = %d, want 2", p.Calls(OpDeleteGrant))
	}

	p.FailOnID(OpDeleteGrant, "g-2", nil)
	if err := p.DeleteGrant(ctx, "g-2"); err != nil {
		t.Errorf("DeleteGrant(g-2) after clear error = %v", err)
	}
}

func TestInMemoryProvider_ResolveApplication(t *testing.T) {
	p := NewInMemoryProvider()
	p.AddApplication(AppIdentity{ID: "sp-1", AppID: "client-1", DisplayName: "Notes"})

	ctx := context.Background()
	for _, key := range []string{"sp-1", "client-1"} {
		app, err := p.ResolveApplication(ctx, key)
		if err != nil || app == nil || app.DisplayName != "Notes" {
			t.Errorf("ResolveApplication(%q) = %+v, %v", key, app, err)
		}
	}
	app, err := p.ResolveApplication(ctx, "unknown")
	if err != nil || app != nil {
		t.Errorf("ResolveApplication(unknown) = %+v, %v; want nil, nil", app, err)
	}
}

func TestInMemoryProvider_CancelledContext(t *testing.T) {
	p := NewInMemoryProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.ListOAuthGrants(ctx, "u-1"); err == nil {
		t.Error("ListOAuthGrants() with cancelled context should fail")
	}
}
