package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by catalog lookups for missing rows.
var ErrNotFound = errors.New("not found")

// Catalog is the shared relational store. Every service opens it on
// boot and runs the self-heal migration before touching any table.
type Catalog struct {
	db *sqlx.DB
}

// OpenCatalog opens (and if necessary creates) the SQLite catalog at
// the given location and self-heals the schema. The URL may carry a
// sqlite:/// prefix, which is stripped; ":memory:" is accepted for
// tests.
func OpenCatalog(databaseURL string) (*Catalog, error) {
	path := strings.TrimPrefix(databaseURL, "sqlite:///")

	// WAL mode and the busy timeout go into the DSN so every pooled
	// connection gets them, not just the one that ran a PRAGMA.
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// modernc.org/sqlite serializes writes per connection; a single
	// connection sidesteps SQLITE_BUSY between claimers in one process.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := SelfHeal(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

// DB exposes the underlying handle for services that run their own
// queries (jobs, search, reconciler).
func (c *Catalog) DB() *sqlx.DB {
	return c.db
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
