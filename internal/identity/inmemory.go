package identity

import (
	"context"
	"strings"
	"sync"
)

// InMemoryProvider is an in-memory implementation of Provider.
// Used for testing and for the "memory" provider mode. Thread-safe via RWMutex.
type InMemoryProvider struct {
	mu sync.RWMutex

	subjects     map[string]*Subject         // subjectID -> subject
	emailIndex   map[string]string           // lowercase email -> subjectID
	grants       map[string][]Grant          // subjectID -> grants
	roles        map[string][]RoleAssignment // subjectID -> role assignments
	licenses     map[string][]LicenseDetail  // subjectID -> licence details
	apps         map[string]*AppIdentity     // object id -> app
	appIDIndex   map[string]string           // appId -> object id
	sessionsSeen map[string]int              // subjectID -> revoke count

	failures   map[string]error // op -> error
	idFailures map[string]error // op + "/" + id -> error
	calls      map[string]int   // op -> call count
}

// NewInMemoryProvider creates an empty in-memory provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		subjects:     make(map[string]*Subject),
		emailIndex:   make(map[string]string),
		grants:       make(map[string][]Grant),
		roles:        make(map[string][]RoleAssignment),
		licenses:     make(map[string][]LicenseDetail),
		apps:         make(map[string]*AppIdentity),
		appIDIndex:   make(map[string]string),
		sessionsSeen: make(map[string]int),
		failures:     make(map[string]error),
		idFailures:   make(map[string]error),
		calls:        make(map[string]int),
	}
}

// AddSubject registers a subject.
func (p *InMemoryProvider) AddSubject(s Subject) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.Email = strings.ToLower(s.Email)
	p.subjects[s.ID] = &s
	p.emailIndex[s.Email] = s.ID
}

// SetEnabled toggles a subject's account state.
func (p *InMemoryProvider) SetEnabled(subjectID string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subjects[subjectID]; ok {
		s.Enabled = enabled
	}
}

// AddGrant attaches a delegated grant to a subject.
func (p *InMemoryProvider) AddGrant(subjectID string, g Grant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g.PrincipalID = subjectID
	p.grants[subjectID] = append(p.grants[subjectID], g)
}

// AddRoleAssignment attaches an app-role assignment to a subject.
func (p *InMemoryProvider) AddRoleAssignment(subjectID string, r RoleAssignment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r.PrincipalID = subjectID
	p.roles[subjectID] = append(p.roles[subjectID], r)
}

// AddLicense attaches a licence SKU to a subject.
func (p *InMemoryProvider) AddLicense(subjectID string, l LicenseDetail) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.licenses[subjectID] = append(p.licenses[subjectID], l)
}

// AddApplication registers a service principal.
func (p *InMemoryProvider) AddApplication(a AppIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apps[a.ID] = &a
	if a.AppID != "" {
		p.appIDIndex[a.AppID] = a.ID
	}
}

// FailOn makes every call of op return err. Pass nil to clear.
func (p *InMemoryProvider) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// FailOnID makes calls of op targeting id return err. Pass nil to clear.
func (p *InMemoryProvider) FailOnID(op, id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := op + "/" + id
	if err == nil {
		delete(p.idFailures, key)
		return
	}
	p.idFailures[key] = err
}

// Calls returns how many times op was invoked.
func (p *InMemoryProvider) Calls(op string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (p *InMemoryProvider) TotalCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// SessionRevocations returns how many times sessions were revoked for a subject.
func (p *InMemoryProvider) SessionRevocations(subjectID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionsSeen[subjectID]
}

// enter records a call and returns any injected failure. Caller must hold p.mu.
func (p *InMemoryProvider) enter(ctx context.Context, op, id string) error {
	p.calls[op]++
	if err := ctx.Err(); err != nil {
		return &APIError{Op: op, Message: err.Error(), Err: err}
	}
	if err, ok := p.idFailures[op+"/"+id]; ok {
		return err
	}
	return p.failures[op]
}

// resolve finds a subject id from an id or email. Caller must hold p.mu.
func (p *InMemoryProvider) resolve(emailOrID string) (string, bool) {
	if _, ok := p.subjects[emailOrID]; ok {
		return emailOrID, true
	}
	id, ok := p.emailIndex[strings.ToLower(strings.TrimSpace(emailOrID))]
	return id, ok
}

// GetSubject looks up a subject by id or email.
func (p *InMemoryProvider) GetSubject(ctx context.Context, emailOrID string) (*Subject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpGetSubject, emailOrID); err != nil {
		return nil, err
	}
	id, ok := p.resolve(emailOrID)
	if !ok {
		return nil, notFound(OpGetSubject)
	}
	s := *p.subjects[id]
	return &s, nil
}

// ListOAuthGrants returns a copy of the subject's grants.
func (p *InMemoryProvider) ListOAuthGrants(ctx context.Context, subjectID string) ([]Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListOAuthGrants, subjectID); err != nil {
		return nil, err
	}
	return append([]Grant{}, p.grants[subjectID]...), nil
}

// ListRoleAssignments returns a copy of the subject's role assignments.
func (p *InMemoryProvider) ListRoleAssignments(ctx context.Context, subjectID string) ([]RoleAssignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListRoleAssignments, subjectID); err != nil {
		return nil, err
	}
	return append([]RoleAssignment{}, p.roles[subjectID]...), nil
}

// ListLicenseDetails returns a copy of the subject's licences.
func (p *InMemoryProvider) ListLicenseDetails(ctx context.Context, emailOrID string) ([]LicenseDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListLicenseDetails, emailOrID); err != nil {
		return nil, err
	}
	id, ok := p.resolve(emailOrID)
	if !ok {
		return nil, notFound(OpListLicenseDetails)
	}
	out := make([]LicenseDetail, 0, len(p.licenses[id]))
	for _, l := range p.licenses[id] {
		l.ServicePlans = append([]ServicePlan{}, l.ServicePlans...)
		out = append(out, l)
	}
	return out, nil
}

// DeleteGrant removes a grant from whichever subject holds it. Absent grants succeed.
func (p *InMemoryProvider) DeleteGrant(ctx context.Context, grantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpDeleteGrant, grantID); err != nil {
		return err
	}
	for sid, grants := range p.grants {
		for i, g := range grants {
			if g.ID == grantID {
				p.grants[sid] = append(grants[:i:i], grants[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// DeleteRoleAssignment removes an assignment. Absent assignments succeed.
func (p *InMemoryProvider) DeleteRoleAssignment(ctx context.Context, subjectID, assignmentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpDeleteRoleAssignment, assignmentID); err != nil {
		return err
	}
	roles := p.roles[subjectID]
	for i, r := range roles {
		if r.ID == assignmentID {
			p.roles[subjectID] = append(roles[:i:i], roles[i+1:]...)
			return nil
		}
	}
	return nil
}

// RevokeSessions records a session revocation.
func (p *InMemoryProvider) RevokeSessions(ctx context.Context, subjectID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpRevokeSessions, subjectID); err != nil {
		return false, err
	}
	p.sessionsSeen[subjectID]++
	return true, nil
}

// ResolveApplication finds an application by object id or appId.
func (p *InMemoryProvider) ResolveApplication(ctx context.Context, clientOrAppID string) (*AppIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpResolveApplication, clientOrAppID); err != nil {
		return nil, err
	}
	if a, ok := p.apps[clientOrAppID]; ok {
		cp := *a
		return &cp, nil
	}
	if id, ok := p.appIDIndex[clientOrAppID]; ok {
		cp := *p.apps[id]
		return &cp, nil
	}
	return nil, nil
}

// HealthCheck reports any injected "health_check" failure.
func (p *InMemoryProvider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enter(ctx, "health_check", "")
}
