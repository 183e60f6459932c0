package risk

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   Tier
	}{
		{"nil set", nil, Low},
		{"empty strings", []string{"", "  "}, Low},
		{"read only", []string{"User.Read", "openid", "profile"}, Low},
		{"write token", []string{"Tasks.Write"}, Medium},
		{"manage token", []string{"Channel.Manage"}, Medium},
		{"mail readwrite", []string{"Mail.ReadWrite"}, High},
		{"files readwrite all", []string{"Files.ReadWrite.All"}, High},
		{"sites readwrite", []string{"Sites.ReadWrite.All"}, High},
		{"directory readwrite", []string{"Directory.ReadWrite.All"}, High},
		{"user readwrite", []string{"User.ReadWrite"}, High},
		{"full mailbox", []string{"full_access_as_app"}, Critical},
		{"role management", []string{"RoleManagement.ReadWrite.Directory"}, Critical},
		{"case insensitive", []string{"MAIL.READWRITE.ALL"}, Critical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.scopes); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.scopes, got, tt.want)
			}
		})
	}
}

func TestClassify_CriticalIsMonotonic(t *testing.T) {
	lowerScopes := [][]string{
		{},
		{"User.Read"},
		{"Tasks.Write", "openid"},
		{"Mail.ReadWrite", "Files.ReadWrite", "User.Read"},
	}

	for _, extra := range lowerScopes {
		scopes := append([]string{"Directory.AccessAsUser.All"}, extra...)
		if got := Classify(scopes); got != Critical {
			t.Errorf("Classify(%v) = %s, want critical", scopes, got)
		}
		reversed := append(append([]string{}, extra...), "Directory.AccessAsUser.All")
		if got := Classify(reversed); got != Critical {
			t.Errorf("Classify(%v) = %s, want critical", reversed, got)
		}
	}
}

func TestClassify_OrderIndependent(t *testing.T) {
	a := []string{"User.Read", "Tasks.Write", "Mail.ReadWrite"}
	b := []string{"Mail.ReadWrite", "User.Read", "Tasks.Write", "User.Read"}
	if Classify(a) != Classify(b) {
		t.Errorf("Classify should not depend on order: %s vs %s", Classify(a), Classify(b))
	}
}

func TestClassifyScopeString(t *testing.T) {
	if got := ClassifyScopeString("openid profile Mail.ReadWrite offline_access"); got != High {
		t.Errorf("ClassifyScopeString() = %s, want high", got)
	}
}

func TestParseTier(t *testing.T) {
	for _, tier := range []Tier{Low, Medium, High, Critical} {
		parsed, err := ParseTier(tier.String())
		if err != nil {
			t.Fatalf("ParseTier(%q) error = %v", tier.String(), err)
		}
		if parsed != tier {
			t.Errorf("ParseTier(%q) = %s, want %s", tier.String(), parsed, tier)
		}
	}

	if _, err := ParseTier("severe"); err != ErrInvalidTier {
		t.Errorf("ParseTier(severe) error = %v, want ErrInvalidTier", err)
	}
}

func TestMax(t *testing.T) {
	if got := Max(); got != Low {
		t.Errorf("Max() = %s, want low", got)
	}
	if got := Max(Medium, Critical, High); got != Critical {
		t.Errorf("Max() = %s, want critical", got)
	}
}
