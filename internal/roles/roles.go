// Package roles defines the capability tags used to gate payroll
// operations and the directory that answers role-membership queries.
//
// The directory is an external collaborator: the engine only consumes the
// Directory interface. The in-memory implementation in this package backs
// single-process deployments and tests.
package roles

import (
	"context"
	"fmt"
	"sync"
)

// Role is a capability tag attached to a principal.
type Role uint8

const (
	Moderator Role = iota + 1
	Admin
	Observer
	Accountant
)

func (r Role) String() string {
	switch r {
	case Moderator:
		return "moderator"
	case Admin:
		return "admin"
	case Observer:
		return "observer"
	case Accountant:
		return "accountant"
	default:
		return "unknown"
	}
}

// All lists every role the directory knows about.
var All = []Role{Moderator, Admin, Observer, Accountant}

// Parse maps a role name to its Role value.
func Parse(s string) (Role, error) {
	for _, r := range All {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Directory answers "does principal hold role" and records grants.
// Implementations must be safe for concurrent use.
type Directory interface {
	HasRole(ctx context.Context, role Role, principal string) (bool, error)
	GrantRole(ctx context.Context, role Role, principal string) error
	RevokeRole(ctx context.Context, role Role, principal string) error
}

// Memory is an in-memory Directory.
type Memory struct {
	mu     sync.RWMutex
	grants map[string]map[Role]struct{}
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{grants: make(map[string]map[Role]struct{})}
}

func (m *Memory) HasRole(ctx context.Context, role Role, principal string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.grants[principal][role]
	return ok, nil
}

// GrantRole records the grant. Granting an already-held role is a no-op.
func (m *Memory) GrantRole(ctx context.Context, role Role, principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.grants[principal]
	if !ok {
		set = make(map[Role]struct{})
		m.grants[principal] = set
	}
	set[role] = struct{}{}
	return nil
}

// RevokeRole removes the grant. Revoking a role the principal does not
// hold is a no-op.
func (m *Memory) RevokeRole(ctx context.Context, role Role, principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.grants[principal]
	if !ok {
		return nil
	}
	delete(set, role)
	if len(set) == 0 {
		delete(m.grants, principal)
	}
	return nil
}
