// Package lock implements cross-process signaling on top of database advisory locks.
//
// Two namespaces share the same key (the job id). WORK is held by the worker executing a
// job for as long as the execution lasts. CANCEL is acquired by a canceller and never
// released by it; a handler probes CANCEL with a non-blocking acquire and reads failure
// as "cancellation requested". Locks are session scoped, so a crashed holder releases
// them implicitly.
package lock

import (
	"context"
	"errors"
)

// Namespace separates independent lock families on the same key.
type Namespace int32

const (
	Work   Namespace = 1
	Cancel Namespace = 2
)

func (n Namespace) String() string {
	switch n {
	case Work:
		return "work"
	case Cancel:
		return "cancel"
	}
	return "unknown"
}

// ErrHeld is returned when a lock is owned by another session.
var ErrHeld = errors.New("advisory lock held by another session")

// ErrSaturated is returned when no lock session could be opened in time.
var ErrSaturated = errors.New("no lock session available")

// Session is one held advisory lock bound to its own database session.
type Session interface {
	Unlock(ctx context.Context) error
}

// Locker performs non-blocking acquire attempts. Every successful attempt owns a
// distinct session, so two attempts in one process contend like two processes.
type Locker interface {
	TryLock(ctx context.Context, ns Namespace, key int64) (Session, bool, error)
}
