package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bher20/aquabill/internal/metrics"
)

// PostgresLocker takes session-level advisory locks. pg_advisory_unlock must
// run on the session that took the lock, so each held key pins one pool
// connection until it is released.
type PostgresLocker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[int64]*pgxpool.Conn
}

func OpenPostgresLocker(ctx context.Context, dsn string) (*PostgresLocker, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &PostgresLocker{pool: pool, held: make(map[int64]*pgxpool.Conn)}, nil
}

func (l *PostgresLocker) Close() {
	l.mu.Lock()
	for key, conn := range l.held {
		conn.Release()
		delete(l.held, key)
	}
	l.mu.Unlock()
	l.pool.Close()
}

// Acquire tries pg_try_advisory_lock without blocking. A key already held by
// this process reports false.
func (l *PostgresLocker) Acquire(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.held[key] = conn
	return true, nil
}

func (l *PostgresLocker) Release(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	defer conn.Release()

	var released bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		return false, err
	}
	return released, nil
}

func (l *PostgresLocker) ReportPoolStats() {
	st := l.pool.Stat()
	metrics.UpdateDBPoolMetrics("pgxpool",
		float64(st.TotalConns()), float64(st.IdleConns()), float64(st.AcquiredConns()), st.AcquireCount())
}
