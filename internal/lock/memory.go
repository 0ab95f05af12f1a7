package lock

import (
	"context"
	"sync"
)

type memKey struct {
	ns  Namespace
	key int64
}

// MemoryLocker mimics advisory-lock semantics inside one process. It backs tests and
// single-process development setups.
type MemoryLocker struct {
	mu     sync.Mutex
	held   map[memKey]uint64
	nextID uint64
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[memKey]uint64)}
}

func (m *MemoryLocker) TryLock(_ context.Context, ns Namespace, key int64) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{ns: ns, key: key}
	if _, taken := m.held[k]; taken {
		return nil, false, nil
	}
	m.nextID++
	m.held[k] = m.nextID
	return &memSession{owner: m, k: k, id: m.nextID}, true, nil
}

// Held reports whether any session holds the lock.
func (m *MemoryLocker) Held(ns Namespace, key int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[memKey{ns: ns, key: key}]
	return ok
}

// Drop simulates the death of whichever session holds the lock.
func (m *MemoryLocker) Drop(ns Namespace, key int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, memKey{ns: ns, key: key})
}

type memSession struct {
	owner *MemoryLocker
	k     memKey
	id    uint64
}

func (s *memSession) Unlock(context.Context) error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.owner.held[s.k] == s.id {
		delete(s.owner.held, s.k)
	}
	return nil
}
