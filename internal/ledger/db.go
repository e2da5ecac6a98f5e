package ledger

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go driver
)

// DBConfig mirrors the operational PRAGMAs a production SQLite-backed
// kernel needs: WAL mode so ledger appends don't block concurrent readers,
// a busy timeout so lease contention doesn't surface as SQLITE_BUSY, and
// foreign keys on.
//
// Grounded on ManuGH-xg2g/internal/persistence/sqlite.Config.
type DBConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultDBConfig returns sane defaults for a single-node orchestrator.
func DefaultDBConfig() DBConfig {
	return DBConfig{BusyTimeout: 5 * time.Second, MaxOpenConns: 1}
}

// OpenDB opens (or creates) the SQLite database backing every ledger
// Family. path may be ":memory:" for tests.
func OpenDB(path string, cfg DBConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds())
	if path == ":memory:" {
		// WAL is meaningless for :memory: and multiple conns would each see
		// a distinct in-memory database; pin the pool to one connection.
		dsn = "file::memory:?_pragma=foreign_keys(ON)&cache=shared"
		cfg.MaxOpenConns = 1
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping sqlite: %w", err)
	}
	return db, nil
}
