// Package storage establishes and owns the single connection to the backing
// Postgres store. Connect either returns a ready handle or a ConnectError;
// there is no partially-connected state and no retry loop. Termination policy
// on failure belongs to the caller.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable matches any ConnectError via errors.Is.
var ErrStoreUnavailable = errors.New("store unavailable")

// ConnectError reports a failed connection establishment. It wraps the
// underlying cause and never includes credentials.
type ConnectError struct {
	Database string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to store database %q: %v", e.Database, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrStoreUnavailable }

// Store is the live connection handle. It owns the pool exclusively; other
// components observe readiness through Ping and Stats but never receive the
// pool itself.
type Store struct {
	pool     *pgxpool.Pool
	database string
}

// Connect parses the DSN, applies pool options, and verifies reachability
// with a ping bounded by the configured connect timeout. The logical database
// defaults to DefaultDatabaseName when the DSN omits one.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := newConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, &ConnectError{Database: cfg.DatabaseName, Err: errors.New("store DSN required")}
	}

	poolCfg, err := buildPoolConfig(cfg)
	if err != nil {
		return nil, &ConnectError{Database: cfg.DatabaseName, Err: err}
	}

	database := poolCfg.ConnConfig.Database

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &ConnectError{Database: database, Err: fmt.Errorf("open pool: %w", err)}
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, &ConnectError{Database: database, Err: fmt.Errorf("ping: %w", err)}
	}

	return &Store{pool: pool, database: database}, nil
}

func buildPoolConfig(cfg Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if poolCfg.ConnConfig.Database == "" {
		poolCfg.ConnConfig.Database = cfg.DatabaseName
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolCfg, nil
}

// Database reports the logical database this store is connected to.
func (s *Store) Database() string {
	if s == nil {
		return ""
	}
	return s.database
}

// Ping verifies the connection is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return &ConnectError{Err: errors.New("store not connected")}
	}
	if err := s.pool.Ping(ctx); err != nil {
		return &ConnectError{Database: s.database, Err: err}
	}
	return nil
}

// Stats exposes pool counters for the status endpoint.
func (s *Store) Stats() *pgxpool.Stat {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Stat()
}

// Close releases the pool, bounded by the provided context.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// WaitClosed is a helper for shutdown paths that want a deadline expressed as
// a duration rather than a context.
func (s *Store) WaitClosed(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Close(ctx)
}
