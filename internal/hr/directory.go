// Package hr reads the HR system of record for offboarded employees.
package hr

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrEmployeeNotFound is returned when an employee does not exist.
var ErrEmployeeNotFound = errors.New("employee not found")

// Status is an employee's HR status.
type Status string

const (
	StatusActive    Status = "Active"
	StatusLeft      Status = "Left"
	StatusSuspended Status = "Suspended"
	StatusInactive  Status = "Inactive"
)

// Employee is a record from the HR system.
type Employee struct {
	ID            string     `json:"name"`
	Name          string     `json:"employee_name"`
	Email         string     `json:"company_email"`
	PersonalEmail string     `json:"personal_email,omitempty"`
	Department    string     `json:"department,omitempty"`
	Status        Status     `json:"status"`
	RelievingDate *time.Time `json:"-"`
}

// Offboarded reports whether the employee has left or is leaving.
func (e Employee) Offboarded() bool {
	return e.Status == StatusLeft || e.RelievingDate != nil
}

// Directory lists employees from an HR system.
type Directory interface {
	// ListOffboarded returns employees who have left or have a relieving
	// date set, ordered by email.
	ListOffboarded(ctx context.Context) ([]Employee, error)
	// GetEmployee returns an employee by id or email.
	GetEmployee(ctx context.Context, idOrEmail string) (*Employee, error)
}

// InMemoryDirectory is a thread-safe Directory for tests and demo mode.
type InMemoryDirectory struct {
	mu        sync.RWMutex
	employees map[string]Employee
	err       error
}

// NewInMemoryDirectory creates a directory seeded with employees.
func NewInMemoryDirectory(employees ...Employee) *InMemoryDirectory {
	d := &InMemoryDirectory{employees: make(map[string]Employee)}
	for _, e := range employees {
		d.Put(e)
	}
	return d
}

// Put inserts or replaces an employee.
func (d *InMemoryDirectory) Put(e Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.Email = strings.ToLower(strings.TrimSpace(e.Email))
	d.employees[e.ID] = e
}

// SetError makes every call fail with err until cleared with nil.
func (d *InMemoryDirectory) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// ListOffboarded implements Directory.
func (d *InMemoryDirectory) ListOffboarded(ctx context.Context) ([]Employee, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]Employee, 0, len(d.employees))
	for _, e := range d.employees {
		if e.Offboarded() {
			out = append(out, e)
		}
	}
	sortByEmail(out)
	return out, nil
}

// GetEmployee implements Directory.
func (d *InMemoryDirectory) GetEmployee(ctx context.Context, idOrEmail string) (*Employee, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return nil, d.err
	}
	if e, ok := d.employees[idOrEmail]; ok {
		return &e, nil
	}
	email := strings.ToLower(strings.TrimSpace(idOrEmail))
	for _, e := range d.employees {
		if e.Email == email {
			return &e, nil
		}
	}
	return nil, ErrEmployeeNotFound
}

func sortByEmail(employees []Employee) {
	sort.Slice(employees, func(i, j int) bool {
		if employees[i].Email != employees[j].Email {
			return employees[i].Email < employees[j].Email
		}
		return employees[i].ID < employees[j].ID
	})
}
