package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Signaler implements the WORK/CANCEL protocol over a Locker.
type Signaler struct {
	locker     Locker
	retries    int
	retryDelay time.Duration
	maxHeld    int

	mu   sync.Mutex
	held map[int64]Session
}

// NewSignaler builds a signaler. retries bounds the extra CANCEL acquire attempts
// made by SignalCancel; each is spaced by retryDelay.
func NewSignaler(locker Locker, retries int, retryDelay time.Duration) *Signaler {
	if retries < 0 {
		retries = 0
	}
	return &Signaler{
		locker:     locker,
		retries:    retries,
		retryDelay: retryDelay,
		held:       make(map[int64]Session),
	}
}

// LimitHeld caps how many cancel signals this process pins at once. Signals over the
// cap rely on the row flag and the signal bus alone.
func (s *Signaler) LimitHeld(n int) *Signaler {
	s.maxHeld = n
	return s
}

// AcquireWork claims the WORK lock for a job. ErrHeld means another worker owns it.
func (s *Signaler) AcquireWork(ctx context.Context, jobID int64) (Session, error) {
	sess, ok, err := s.locker.TryLock(ctx, Work, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return sess, nil
}

// WorkOrphaned reports whether nobody holds the WORK lock of a job. The probe
// releases the lock again immediately.
func (s *Signaler) WorkOrphaned(ctx context.Context, jobID int64) (bool, error) {
	sess, ok, err := s.locker.TryLock(ctx, Work, jobID)
	if err != nil || !ok {
		return false, err
	}
	return true, sess.Unlock(ctx)
}

// SignalCancel raises the cancel flag for jobID and returns without waiting for the
// job to stop. If the lock stays busy after the retries the flag is considered
// already raised by someone else.
func (s *Signaler) SignalCancel(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	_, already := s.held[jobID]
	full := s.maxHeld > 0 && len(s.held) >= s.maxHeld
	s.mu.Unlock()
	if already {
		return nil
	}
	if full {
		log.Warn().Int64("job_id", jobID).Int("held", s.maxHeld).Msg("cancel signal cap reached; skipping lock")
		return nil
	}

	for attempt := 0; attempt <= s.retries; attempt++ {
		sess, ok, err := s.locker.TryLock(ctx, Cancel, jobID)
		if errors.Is(err, ErrSaturated) {
			log.Warn().Err(err).Int64("job_id", jobID).Msg("no lock session free; skipping lock")
			return nil
		}
		if err != nil {
			return err
		}
		if ok {
			s.mu.Lock()
			s.held[jobID] = sess
			s.mu.Unlock()
			return nil
		}
		if attempt == s.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	log.Debug().Int64("job_id", jobID).Msg("cancel lock busy; treating signal as already raised")
	return nil
}

// CancelRequested is the handler-side probe: acquiring CANCEL means nobody is
// signalling, so the lock is released at once and false is returned.
func (s *Signaler) CancelRequested(ctx context.Context, jobID int64) (bool, error) {
	sess, ok, err := s.locker.TryLock(ctx, Cancel, jobID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return false, sess.Unlock(ctx)
}

// HeldSignals lists the jobs this process is currently signalling.
func (s *Signaler) HeldSignals() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	return ids
}

// Prune releases held cancel signals whose job no longer needs them.
func (s *Signaler) Prune(ctx context.Context, finished func(ctx context.Context, jobID int64) (bool, error)) (int, error) {
	released := 0
	for _, id := range s.HeldSignals() {
		done, err := finished(ctx, id)
		if err != nil {
			return released, err
		}
		if !done {
			continue
		}
		s.mu.Lock()
		sess := s.held[id]
		delete(s.held, id)
		s.mu.Unlock()
		if sess != nil {
			if err := sess.Unlock(ctx); err != nil {
				log.Warn().Err(err).Int64("job_id", id).Msg("release cancel signal")
			}
		}
		released++
	}
	return released, nil
}
