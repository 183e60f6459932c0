// Package discovery turns one subject's live identity-provider state into a
// normalised artifact set and the findings derived from it.
package discovery

import (
	"time"

	"github.com/onnwee/offboard/internal/casestore"
	"github.com/onnwee/offboard/internal/identity"
	"github.com/onnwee/offboard/internal/risk"
)

// ArtifactKind classifies a discovered unit of access.
type ArtifactKind string

const (
	KindOAuthGrant        ArtifactKind = "oauth_grant"
	KindAppRoleAssignment ArtifactKind = "app_role_assignment"
	KindLicensedApp       ArtifactKind = "licensed_app"
	KindLoginEvent        ArtifactKind = "login_event"
)

// Revocable reports whether the identity provider can take this kind of
// access away. Licensed apps are entitlement inventory: they disappear when
// the licence is unassigned, which no remediation action does.
func (k ArtifactKind) Revocable() bool {
	return k != KindLicensedApp
}

// ArtifactStatus is the provider-acknowledged state of an artifact.
type ArtifactStatus string

const (
	StatusActive       ArtifactStatus = "active"
	StatusRevoked      ArtifactStatus = "revoked"
	StatusDeleted      ArtifactStatus = "deleted"
	StatusAcknowledged ArtifactStatus = "acknowledged"
	StatusHidden       ArtifactStatus = "hidden"
)

// Metadata keys recorded on artifacts.
const (
	MetaGrantID      = "grant_id"
	MetaAssignmentID = "assignment_id"
	MetaConsentType  = "consent_type"
	MetaResourceID   = "resource_id"
	MetaSkuPartName  = "sku_part_number"
	MetaServicePlan  = "service_plan"
)

// Category names used in Result.Degraded.
const (
	CategoryGrants   = "oauth_grants"
	CategoryRoles    = "role_assignments"
	CategoryLicenses = "licenses"
)

// Artifact is a discovered unit of live access. Artifacts are recomputed on
// every scan and are never mutated locally.
type Artifact struct {
	Kind         ArtifactKind      `json:"kind"`
	SubjectEmail string            `json:"subject_email"`
	AppName      string            `json:"app_name"`
	ClientID     string            `json:"client_id"`
	Status       ArtifactStatus    `json:"status"`
	Risk         risk.Tier         `json:"risk"`
	Scopes       []string          `json:"scopes,omitempty"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DerivedFinding is a finding produced by discovery, not yet persisted.
type DerivedFinding struct {
	Kind              casestore.FindingKind `json:"kind"`
	Severity          risk.Tier             `json:"severity"`
	Summary           string                `json:"summary"`
	RecommendedAction string                `json:"recommended_action"`
}

// RawSnapshot keeps the provider payloads a scan was computed from.
type RawSnapshot struct {
	Grants       []identity.Grant                 `json:"grants"`
	Roles        []identity.RoleAssignment        `json:"roles"`
	Licenses     []identity.LicenseDetail         `json:"licenses"`
	Applications map[string]*identity.AppIdentity `json:"applications"`
}

// Result is the outcome of discovering one subject. Err is set instead of
// returning a Go error when the subject cannot be resolved.
type Result struct {
	Email     string            `json:"email"`
	Subject   *identity.Subject `json:"subject,omitempty"`
	Artifacts []Artifact        `json:"artifacts"`
	Findings  []DerivedFinding  `json:"findings"`
	Raw       RawSnapshot       `json:"raw"`
	Degraded  []string          `json:"degraded,omitempty"`
	Err       error             `json:"-"`
}

// ActiveArtifacts counts live access: active artifacts of a revocable kind.
// This is the count case status and reopening are decided on.
func (r *Result) ActiveArtifacts() int {
	return countAccess(r.Artifacts)
}

// Entitlements counts active licensed-app artifacts.
func (r *Result) Entitlements() int {
	n := 0
	for _, a := range r.Artifacts {
		if a.Status == StatusActive && !a.Kind.Revocable() {
			n++
		}
	}
	return n
}

func countAccess(artifacts []Artifact) int {
	n := 0
	for _, a := range artifacts {
		if a.Status == StatusActive && a.Kind.Revocable() {
			n++
		}
	}
	return n
}

// MaxRisk returns the highest artifact risk, or Low when there are none.
func (r *Result) MaxRisk() risk.Tier {
	max := risk.Low
	for _, a := range r.Artifacts {
		max = risk.Max(max, a.Risk)
	}
	return max
}
