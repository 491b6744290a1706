// Package registry tracks the set of active run identities.
package registry

import "sync"

// RunRegistry is the active-run set. The interface exists so a distributed
// mutual-exclusion backend (for example a conditional key-value write) can
// replace the in-memory set in a multi-replica deployment; the memory
// implementation is process-local and a restart clears all entries.
type RunRegistry interface {
	// InsertIfAbsent adds the identity and reports whether it was inserted.
	// A false return means a run is already active for the identity.
	InsertIfAbsent(id string) bool
	// Remove deletes the identity and reports whether it was present.
	Remove(id string) bool
	// Contains reports whether the identity is active.
	Contains(id string) bool
}

// Memory is a mutex-guarded in-memory RunRegistry.
type Memory struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{active: make(map[string]struct{})}
}

func (m *Memory) InsertIfAbsent(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return false
	}
	m.active[id] = struct{}{}
	return true
}

func (m *Memory) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; !ok {
		return false
	}
	delete(m.active, id)
	return true
}

func (m *Memory) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}
