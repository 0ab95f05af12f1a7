package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWorkLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	sig := NewSignaler(NewMemoryLocker(), 0, 0)

	first, err := sig.AcquireWork(ctx, 7)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := sig.AcquireWork(ctx, 7); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld for double dispatch, got %v", err)
	}
	if _, err := sig.AcquireWork(ctx, 8); err != nil {
		t.Fatalf("other jobs must not contend: %v", err)
	}
	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := sig.AcquireWork(ctx, 7); err != nil {
		t.Fatalf("reacquire after unlock: %v", err)
	}
}

func TestCancelSignalRoundTrip(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	canceller := NewSignaler(locker, 2, time.Millisecond)
	handler := NewSignaler(locker, 0, 0)

	requested, err := handler.CancelRequested(ctx, 42)
	if err != nil || requested {
		t.Fatalf("no signal yet: requested=%v err=%v", requested, err)
	}
	if locker.Held(Cancel, 42) {
		t.Fatal("probe must release the cancel lock")
	}

	if err := canceller.SignalCancel(ctx, 42); err != nil {
		t.Fatalf("signal: %v", err)
	}
	requested, err = handler.CancelRequested(ctx, 42)
	if err != nil || !requested {
		t.Fatalf("expected signal observed: requested=%v err=%v", requested, err)
	}
	// Signalling twice is idempotent.
	if err := canceller.SignalCancel(ctx, 42); err != nil {
		t.Fatalf("second signal: %v", err)
	}
	if len(canceller.HeldSignals()) != 1 {
		t.Fatalf("expected one held signal, got %v", canceller.HeldSignals())
	}
}

func TestSignalCancelWhenLockBusyIsTreatedAsRaised(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	other := NewSignaler(locker, 0, 0)
	if err := other.SignalCancel(ctx, 5); err != nil {
		t.Fatalf("signal: %v", err)
	}

	sig := NewSignaler(locker, 3, time.Millisecond)
	start := time.Now()
	if err := sig.SignalCancel(ctx, 5); err != nil {
		t.Fatalf("busy lock must not error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("signalling must not block")
	}
	if len(sig.HeldSignals()) != 0 {
		t.Fatal("signaler must not claim a lock it did not get")
	}
}

func TestCrashedCancellerReleasesSignal(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	sig := NewSignaler(locker, 0, 0)
	if err := sig.SignalCancel(ctx, 9); err != nil {
		t.Fatalf("signal: %v", err)
	}
	locker.Drop(Cancel, 9)

	requested, err := sig.CancelRequested(ctx, 9)
	if err != nil || requested {
		t.Fatalf("dead session must not strand the job: requested=%v err=%v", requested, err)
	}
}

func TestWorkOrphaned(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	sig := NewSignaler(locker, 0, 0)

	if _, err := sig.AcquireWork(ctx, 3); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	orphaned, err := sig.WorkOrphaned(ctx, 3)
	if err != nil || orphaned {
		t.Fatalf("owned job reported orphaned=%v err=%v", orphaned, err)
	}
	locker.Drop(Work, 3)
	orphaned, err = sig.WorkOrphaned(ctx, 3)
	if err != nil || !orphaned {
		t.Fatalf("dropped owner should orphan job: %v %v", orphaned, err)
	}
	if locker.Held(Work, 3) {
		t.Fatal("probe must not keep the work lock")
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	sig := NewSignaler(locker, 0, 0)
	for _, id := range []int64{1, 2, 3} {
		if err := sig.SignalCancel(ctx, id); err != nil {
			t.Fatalf("signal %d: %v", id, err)
		}
	}
	released, err := sig.Prune(ctx, func(_ context.Context, id int64) (bool, error) {
		return id != 2, nil
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if released != 2 {
		t.Fatalf("expected 2 released, got %d", released)
	}
	if locker.Held(Cancel, 1) || !locker.Held(Cancel, 2) || locker.Held(Cancel, 3) {
		t.Fatal("prune released the wrong signals")
	}
}

// slotLocker hands out at most cap sessions, like a bounded connection pool.
type slotLocker struct {
	inner *MemoryLocker
	mu    sync.Mutex
	used  int
	cap   int
}

func (l *slotLocker) TryLock(ctx context.Context, ns Namespace, key int64) (Session, bool, error) {
	l.mu.Lock()
	if l.used >= l.cap {
		l.mu.Unlock()
		return nil, false, ErrSaturated
	}
	l.used++
	l.mu.Unlock()
	sess, ok, err := l.inner.TryLock(ctx, ns, key)
	if err != nil || !ok {
		l.release()
		return nil, ok, err
	}
	return slotSession{Session: sess, owner: l}, true, nil
}

func (l *slotLocker) release() {
	l.mu.Lock()
	l.used--
	l.mu.Unlock()
}

type slotSession struct {
	Session
	owner *slotLocker
}

func (s slotSession) Unlock(ctx context.Context) error {
	defer s.owner.release()
	return s.Session.Unlock(ctx)
}

func TestHeldSignalsLeaveSessionsFree(t *testing.T) {
	ctx := context.Background()
	locker := &slotLocker{inner: NewMemoryLocker(), cap: 4}
	sig := NewSignaler(locker, 0, 0).LimitHeld(3)

	for id := int64(1); id <= 10; id++ {
		if err := sig.SignalCancel(ctx, id); err != nil {
			t.Fatalf("signal %d: %v", id, err)
		}
	}
	if got := len(sig.HeldSignals()); got != 3 {
		t.Fatalf("expected 3 pinned signals, got %d", got)
	}

	requested, err := sig.CancelRequested(ctx, 1)
	if err != nil || !requested {
		t.Fatalf("held signal not visible: requested=%v err=%v", requested, err)
	}
	if _, err := sig.AcquireWork(ctx, 99); err != nil {
		t.Fatalf("work lock starved by cancel signals: %v", err)
	}

	released, err := sig.Prune(ctx, func(context.Context, int64) (bool, error) { return true, nil })
	if err != nil || released != 3 {
		t.Fatalf("prune: released=%d err=%v", released, err)
	}
}

func TestSignalCancelWhenSessionsExhausted(t *testing.T) {
	ctx := context.Background()
	locker := &slotLocker{inner: NewMemoryLocker(), cap: 2}
	sig := NewSignaler(locker, 3, time.Millisecond)

	for id := int64(1); id <= 3; id++ {
		if err := sig.SignalCancel(ctx, id); err != nil {
			t.Fatalf("signal %d must degrade, got %v", id, err)
		}
	}
	if got := len(sig.HeldSignals()); got != 2 {
		t.Fatalf("expected 2 pinned signals, got %d", got)
	}
}
