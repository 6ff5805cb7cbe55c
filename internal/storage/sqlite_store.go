package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"

	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: sqliteSchema,
	isDuplicate: func(err error) bool {
		var sErr sqlite3.Error
		return errors.As(err, &sErr) &&
			(sErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sErr.ExtendedCode == sqlite3.ErrConstraintUnique)
	},
}

// NewSQLiteStore opens (or creates) a SQLite database. Useful for local runs
// and tests; path may be a file: URI such as "file:x?mode=memory&cache=shared".
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = "dispatch.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// journal_mode may not be supported in some contexts (e.g., in-memory). Ignore errors.
	_, _ = db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, d: sqliteDialect}, nil
}
