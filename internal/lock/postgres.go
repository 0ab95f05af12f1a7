package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLocker takes session-level advisory locks on connections of its own pool. Held
// sessions pin a connection each, so the pool must not be shared with query traffic.
type PGLocker struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPGLocker wraps an existing pool. acquireTimeout bounds the wait for a free
// connection; zero waits as long as ctx allows.
func NewPGLocker(pool *pgxpool.Pool, acquireTimeout time.Duration) *PGLocker {
	return &PGLocker{pool: pool, acquireTimeout: acquireTimeout}
}

// OpenPGLocker connects a dedicated pool of at most maxConns lock sessions.
func OpenPGLocker(ctx context.Context, dsn string, maxConns int32, acquireTimeout time.Duration) (*PGLocker, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse lock dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 0
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect lock pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping lock pool: %w", err)
	}
	return NewPGLocker(pool, acquireTimeout), nil
}

func (l *PGLocker) Close() {
	l.pool.Close()
}

// TryLock runs pg_try_advisory_lock(namespace, key) on a connection that stays checked
// out until the session is unlocked. ErrSaturated means no connection freed up within
// the acquire timeout.
func (l *PGLocker) TryLock(ctx context.Context, ns Namespace, key int64) (Session, bool, error) {
	acquireCtx := ctx
	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}
	conn, err := l.pool.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("%w: %s/%d", ErrSaturated, ns, key)
		}
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, int32(ns), objectID(key)).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %s/%d: %w", ns, key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &pgSession{conn: conn, ns: ns, key: key}, true, nil
}

type pgSession struct {
	conn *pgxpool.Conn
	ns   Namespace
	key  int64
}

func (s *pgSession) Unlock(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	defer func() {
		s.conn.Release()
		s.conn = nil
	}()
	var released bool
	if err := s.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1, $2)`, int32(s.ns), objectID(s.key)).Scan(&released); err != nil {
		// Dropping the connection releases the lock server-side.
		_ = s.conn.Conn().Close(ctx)
		return fmt.Errorf("advisory unlock %s/%d: %w", s.ns, s.key, err)
	}
	return nil
}

// objectID folds a bigint job id into the int4 object slot of the two-key lock form.
func objectID(key int64) int32 {
	return int32(key ^ (key >> 32))
}
