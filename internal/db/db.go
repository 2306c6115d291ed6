package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the text layout of every created_at/updated_at column.
// Lexical order matches chronological order, so range filters compare strings.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in UTC using TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Query is a single parameterized statement
type Query struct {
	SQL  string
	Args []any
}

// Executor runs parameterized SQL against the content store
type Executor interface {
	Execute(ctx context.Context, q Query) (*ResultSet, error)
	ExecuteQueries(ctx context.Context, qs []Query) error
}

// DB wraps a SQLite database connection
type DB struct {
	conn *sql.DB
	Path string
}

var _ Executor = (*DB)(nil)

// OpenDB opens a SQLite database with WAL mode and foreign keys enabled
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// In-memory databases are per connection
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return &DB{conn: conn, Path: path}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying sql.DB for custom queries
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Execute runs q and collects every returned row. Statements that return no
// rows yield an empty ResultSet.
func (d *DB) Execute(ctx context.Context, q Query) (*ResultSet, error) {
	rows, err := d.conn.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	rs, err := collectRows(rows)
	if err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	return rs, nil
}

// ExecuteQueries runs qs in order inside one transaction
func (d *DB) ExecuteQueries(ctx context.Context, qs []Query) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	for i, q := range qs {
		if _, err := tx.ExecContext(ctx, q.SQL, q.Args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}
