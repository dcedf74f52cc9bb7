// Package store wraps the external relational store (sessions table) with
// transparent retry and connection-pool healing, per spec.md §4.B.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	code VARCHAR(6) PRIMARY KEY,
	save_state BYTEA,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Pair is a (code, blob) tuple for batch upserts.
type Pair struct {
	Code string
	Blob []byte
}

// Store is the persistent-store client. It is safe for concurrent use.
type Store struct {
	dsn      string
	attempts int
	logger   *logrus.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool

	recreateMu   sync.Mutex
	recreateDone chan struct{} // non-nil while a recreation is in flight
}

// New connects to dsn, ensures the sessions table exists, and returns a
// ready Store. attempts is R from spec.md §4.B (default 4 if <= 0).
func New(ctx context.Context, dsn string, attempts int, logger *logrus.Logger) (*Store, error) {
	if attempts <= 0 {
		attempts = 4
	}
	s := &Store{dsn: dsn, attempts: attempts, logger: logger}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	s.pool = pool

	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.pool.Close()
}

func (s *Store) currentPool() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Upsert writes or updates a single (code, blob) row.
// INSERT … ON DUPLICATE KEY UPDATE semantics, per spec.md §6.
func (s *Store) Upsert(ctx context.Context, code string, blob []byte) error {
	return s.withRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO sessions (code, save_state, updated_at)
				VALUES ($1, $2, now())
				ON CONFLICT (code) DO UPDATE
				SET save_state = EXCLUDED.save_state, updated_at = now()`,
				code, blob)
			return err
		})
	})
}

// UpsertBatch writes many rows in one transaction, best-effort atomic.
func (s *Store) UpsertBatch(ctx context.Context, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	return s.withRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, p := range pairs {
				batch.Queue(`
					INSERT INTO sessions (code, save_state, updated_at)
					VALUES ($1, $2, now())
					ON CONFLICT (code) DO UPDATE
					SET save_state = EXCLUDED.save_state, updated_at = now()`,
					p.Code, p.Blob)
			}
			br := tx.SendBatch(ctx, batch)
			defer br.Close()
			for range pairs {
				if _, err := br.Exec(); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Load fetches the blob for code. ok is false on a clean miss.
func (s *Store) Load(ctx context.Context, code string) (blob []byte, ok bool, err error) {
	retryErr := s.withRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		row := pool.QueryRow(ctx, `SELECT save_state FROM sessions WHERE code = $1`, code)
		scanErr := row.Scan(&blob)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			ok = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		ok = true
		return nil
	})
	if retryErr != nil {
		return nil, false, retryErr
	}
	return blob, ok, nil
}

// withRetry runs op against the current pool, retrying up to s.attempts
// total times on transient failures, recreating the pool as needed.
func (s *Store) withRetry(ctx context.Context, op func(context.Context, *pgxpool.Pool) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err := op(ctx, s.currentPool())
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return err
		}
		if attempt == s.attempts {
			break
		}

		if recreateErr := s.recreatePool(ctx); recreateErr != nil {
			s.logger.Warnf("store: pool recreation failed: %v", recreateErr)
		}

		backoff := queryBackoff(attempt)
		s.logger.Warnf("store: transient error (attempt %d/%d), retrying in %s: %v", attempt, s.attempts, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// recreatePool is a singleton: concurrent callers deduplicate onto one
// in-flight attempt and all await its outcome, per spec.md §5.
func (s *Store) recreatePool(ctx context.Context) error {
	s.recreateMu.Lock()
	if s.recreateDone != nil {
		done := s.recreateDone
		s.recreateMu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	s.recreateDone = done
	s.recreateMu.Unlock()

	defer func() {
		close(done)
		s.recreateMu.Lock()
		s.recreateDone = nil
		s.recreateMu.Unlock()
	}()

	old := s.currentPool()
	old.Close() // errors ignored, per spec.md §4.B

	newPool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("store: cannot recreate pool: %w", err)
	}

	const maxProbes = 5
	var probeErr error
	for probe := 1; probe <= maxProbes; probe++ {
		probeErr = probeConnection(ctx, newPool)
		if probeErr == nil {
			break
		}
		sleep := probeBackoff(probe)
		select {
		case <-ctx.Done():
			newPool.Close()
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	if probeErr != nil {
		newPool.Close()
		return fmt.Errorf("store: cannot recreate pool, probe exhausted: %w", probeErr)
	}

	s.mu.Lock()
	s.pool = newPool
	s.mu.Unlock()
	return nil
}

func probeConnection(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// queryBackoff is min(200ms * 2^(attempt-1), 5s), per spec.md §4.B step 3.
func queryBackoff(attempt int) time.Duration {
	return capped(attempt, 200*time.Millisecond, 5*time.Second)
}

// probeBackoff is min(200ms * 2^(attempt-1), 10s), per spec.md §4.B step 2.
func probeBackoff(attempt int) time.Duration {
	return capped(attempt, 200*time.Millisecond, 10*time.Second)
}

func capped(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// transientMarkers are substrings of driver/network errors treated as
// transient per spec.md §4.B.
var transientMarkers = []string{
	"connection lost",
	"connection reset",
	"connection refused",
	"broken pipe",
	"enqueue-after-fatal",
	"timed out",
	"too many connections",
	"conn closed",
	"unexpected eof",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53300", "53400": // too_many_connections, configuration_limit_exceeded
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
