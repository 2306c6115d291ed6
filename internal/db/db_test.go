package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB opens an in-memory database with the full schema.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.InitSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d
}

func strPtr(s string) *string { return &s }

func TestFormatTime_UTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2024, 3, 10, 7, 30, 5, 0, loc)
	got := FormatTime(ts)
	if got != "2024-03-10 05:30:05" {
		t.Errorf("got %q, want %q", got, "2024-03-10 05:30:05")
	}
}

func TestOpenDB_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer d.Close()
	if d.Path != path {
		t.Errorf("got path %q, want %q", d.Path, path)
	}
	if err := d.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	// Idempotent
	if err := d.InitSchema(context.Background()); err != nil {
		t.Fatalf("second InitSchema: %v", err)
	}
}

func TestExecute_ReturnsTypedRows(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	err := d.ExecuteQueries(ctx, []Query{
		{SQL: `INSERT INTO leads (id, email, created_at) VALUES (?, ?, ?)`, Args: []any{"l1", "a@example.com", "2024-03-10 05:00:00"}},
		{SQL: `INSERT INTO fingerprints (id, lead_id, created_at) VALUES (?, ?, ?)`, Args: []any{"f1", "l1", "2024-03-10 05:00:00"}},
		{SQL: `INSERT INTO fingerprints (id, lead_id, created_at) VALUES (?, NULL, ?)`, Args: []any{"f2", "2024-03-10 05:00:00"}},
	})
	if err != nil {
		t.Fatalf("ExecuteQueries: %v", err)
	}

	rs, err := d.Execute(ctx, Query{SQL: `SELECT id, lead_id, COUNT(*) OVER () AS n FROM fingerprints ORDER BY id`})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rs.Rows))
	}
	if got := rs.Rows[0].String("lead_id"); got != "l1" {
		t.Errorf("got lead_id %q, want %q", got, "l1")
	}
	if !rs.Rows[1].IsNull("lead_id") {
		t.Error("f2 lead_id should be NULL")
	}
	if got := rs.Rows[1].Int("n"); got != 2 {
		t.Errorf("got n=%d, want 2", got)
	}
	if len(rs.Columns) != 3 || rs.Columns[2] != "n" {
		t.Errorf("unexpected columns %v", rs.Columns)
	}
}

func TestExecuteQueries_RollsBackOnError(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	err := d.ExecuteQueries(ctx, []Query{
		{SQL: `INSERT INTO beliefs (id, title, slug) VALUES ('b1', 'One', 'one')`},
		{SQL: `INSERT INTO beliefs (id, title, slug) VALUES ('b2', 'Two', 'one')`}, // duplicate slug
	})
	if err == nil {
		t.Fatal("expected unique constraint error")
	}

	rs, err := d.Execute(ctx, Query{SQL: `SELECT COUNT(*) AS n FROM beliefs`})
	if err != nil {
		t.Fatal(err)
	}
	if n := rs.Rows[0].Int("n"); n != 0 {
		t.Errorf("got %d beliefs after rollback, want 0", n)
	}
}

func TestRow_Conversions(t *testing.T) {
	r := Row{"s": "12", "b": []byte("x"), "f": 2.5, "i": int64(7), "nil": nil}
	if r.Int("s") != 12 {
		t.Errorf("Int(s) = %d", r.Int("s"))
	}
	if r.String("b") != "x" {
		t.Errorf("String(b) = %q", r.String("b"))
	}
	if r.Int("f") != 2 {
		t.Errorf("Int(f) = %d", r.Int("f"))
	}
	if r.String("i") != "7" {
		t.Errorf("String(i) = %q", r.String("i"))
	}
	if r.String("nil") != "" || r.Int("missing") != 0 {
		t.Error("NULL and missing columns should be zero values")
	}
}
