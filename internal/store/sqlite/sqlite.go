// Package sqlite is the production store.Driver adapter: a pure-Go SQLite
// database reached through ncruces/go-sqlite3's wazero-compiled engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/riverforge/queuert/internal/store"
)

func init() {
	_ = setupWASMCache()
}

// setupWASMCache points go-sqlite3's wazero runtime at a persistent
// compilation cache under the user's cache dir, avoiding the ~200ms WASM
// JIT cost on every process start. Falls back to an in-memory cache if the
// directory can't be created.
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "queuert", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

// Driver is the sqlite-backed store.Driver.
type Driver struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with a 30s busy
// timeout, enables WAL mode for file-backed databases, and applies pending
// migrations.
func Open(path string) (*Driver, error) {
	return OpenWithTimeout(path, 30*time.Second)
}

// OpenWithTimeout is Open with a configurable SQLite busy_timeout.
func OpenWithTimeout(path string, busyTimeout time.Duration) (*Driver, error) {
	timeoutMs := int64(busyTimeout / time.Millisecond)

	isMemory := path == ":memory:"
	var connStr string
	if isMemory {
		connStr = fmt.Sprintf("file:queuertmem?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite", timeoutMs)
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("queuert/sqlite: create directory: %w", err)
			}
		}
		connStr = fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite", path, timeoutMs)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("queuert/sqlite: open: %w", err)
	}

	if isMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxConns := runtime.NumCPU() + 1
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("queuert/sqlite: enable WAL: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queuert/sqlite: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Driver{db: db}, nil
}

// tx wraps a *sql.Tx to satisfy store.Tx.
type tx struct{ sqlTx *sql.Tx }

func (tx) txMarker() {}

func asTx(t store.Tx) *sql.Tx {
	return t.(tx).sqlTx
}

// Begin starts a transaction. SQLite allows only one writer at a time
// regardless of isolation level, which already gives every write
// transaction the exclusive-access semantics the engine's row-locking
// contract needs; busy_timeout (set at Open) makes a writer that arrives
// while another is active wait rather than fail immediately.
func (d *Driver) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := d.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	return tx{sqlTx: sqlTx}, nil
}

func (d *Driver) Commit(_ context.Context, t store.Tx) error {
	return asTx(t).Commit()
}

func (d *Driver) Rollback(_ context.Context, t store.Tx) error {
	return asTx(t).Rollback()
}

func (d *Driver) Close() error {
	return d.db.Close()
}
