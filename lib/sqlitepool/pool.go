// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// MemoryPath opens a private in-memory database. Open gives each such
// pool its own named shared-cache database and clamps the pool to a
// single connection; the database lives until the pool is closed.
const MemoryPath = ":memory:"

var memorySequence atomic.Uint64

// memoryURI names a fresh in-memory database. sqlitex refuses the bare
// ":memory:" path.
func memoryURI() string {
	return fmt.Sprintf("file:sqlitepool-memory-%d?mode=memory&cache=shared", memorySequence.Add(1))
}

// DefaultPoolSize is used when Config.PoolSize is zero or negative.
const DefaultPoolSize = 4

// Config holds the parameters for opening a SQLite connection pool.
type Config struct {
	// Path is the database file, or MemoryPath. The parent directory
	// must exist; the file is created if missing.
	Path string

	// PoolSize is the number of connections. SQLite serializes
	// writers regardless, so extra connections only help concurrent
	// readers.
	PoolSize int

	// Migrations are schema scripts applied in order. Migration i
	// brings the database to user_version i+1. Scripts already
	// recorded in user_version are skipped, so the slice may only
	// ever be appended to.
	Migrations []string

	// Logger receives pool lifecycle messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. Connections are not
// safe for concurrent use; each goroutine takes its own and puts it
// back.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool, applies pending migrations and returns it
// ready for use. The caller must call Close.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	uri := cfg.Path
	if cfg.Path == MemoryPath {
		uri = memoryURI()
		if poolSize != 1 {
			logger.Debug("clamping in-memory sqlite pool to one connection", "requested", poolSize)
			poolSize = 1
		}
	}

	inner, err := sqlitex.NewPool(uri, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	pool := &Pool{inner: inner, logger: logger, path: cfg.Path}

	version, err := pool.migrate(ctx, cfg.Migrations)
	if err != nil {
		inner.Close()
		return nil, err
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
		"schema_version", version,
	)
	return pool, nil
}

// Take borrows a connection, blocking until one is free or ctx is
// done. Pair every successful Take with Put.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Nil is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Transact runs fn on a borrowed connection inside a savepoint. The
// savepoint is released if fn returns nil and rolled back otherwise,
// including when fn panics.
func (p *Pool) Transact(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	defer sqlitex.Save(conn)(&err)
	return fn(conn)
}

// Close closes every connection, waiting for borrowed ones to be put
// back.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// SchemaVersion reports the database's current user_version.
func (p *Pool) SchemaVersion(ctx context.Context) (int, error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer p.Put(conn)
	return userVersion(conn)
}

func (p *Pool) migrate(ctx context.Context, migrations []string) (int, error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer p.Put(conn)

	current, err := userVersion(conn)
	if err != nil {
		return 0, err
	}
	if current > len(migrations) {
		return current, fmt.Errorf("sqlitepool: %s has schema version %d, this build knows %d",
			p.path, current, len(migrations))
	}

	for index := current; index < len(migrations); index++ {
		if err := applyMigration(conn, index+1, migrations[index]); err != nil {
			return index, fmt.Errorf("sqlitepool: migration %d: %w", index+1, err)
		}
		p.logger.Debug("applied sqlite migration", "path", p.path, "version", index+1)
	}
	return len(migrations), nil
}

func applyMigration(conn *sqlite.Conn, version int, script string) (err error) {
	defer sqlitex.Save(conn)(&err)
	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", version), nil)
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitepool: reading user_version: %w", err)
	}
	return version, nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-4096",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}
	return nil
}
