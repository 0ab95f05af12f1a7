package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Pacer enforces a fixed delay between consecutive calls on a paginated path and,
// when a bucket is attached, also takes one token per call.
type Pacer struct {
	delay  time.Duration
	bucket *TokenBucket
	key    string

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewPacer builds a pacer. bucket may be nil.
func NewPacer(delay time.Duration, bucket *TokenBucket, key string) *Pacer {
	return &Pacer{delay: delay, bucket: bucket, key: key, now: time.Now}
}

// Wait blocks until the next call may start. The first call never waits on the delay.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.last.IsZero() && p.delay > 0 {
		if remaining := p.delay - p.now().Sub(p.last); remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	if p.bucket != nil {
		if err := p.bucket.Wait(ctx, p.key, p.delay/4); err != nil {
			return err
		}
	}
	p.last = p.now()
	return nil
}
