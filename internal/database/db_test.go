package database

import (
	"path/filepath"
	"testing"
)

// TestOpen_ReturnsDBForAnyURL はsql.Openが接続を試行しないため、
// 不正なURLでもDBオブジェクトが返ることを検証する。
func TestOpen_ReturnsDBForAnyURL(t *testing.T) {
	db, err := Open("postgres://invalid")
	if err != nil {
		t.Fatalf("Open returned unexpected error: %v", err)
	}
	if db == nil {
		t.Fatal("expected non-nil db")
	}
	defer db.Close()
}

func TestOpen_SQLite_PingSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.db")
	db, err := Open("sqlite://" + path)
	if err != nil {
		t.Fatalf("Open returned unexpected error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		t.Fatalf("PRAGMA foreign_keys failed: %v", err)
	}
	if enabled != 1 {
		t.Errorf("foreign_keys = %d, want 1", enabled)
	}
}

func TestDetectDialect(t *testing.T) {
	tests := []struct {
		url  string
		want Dialect
	}{
		{"postgres://u:p@localhost:5432/db?sslmode=disable", DialectPostgres},
		{"postgresql://localhost/db", DialectPostgres},
		{"sqlite:///var/lib/notifylink.db", DialectSQLite},
		{"sqlite://notifylink.db", DialectSQLite},
	}
	for _, tt := range tests {
		if got := DetectDialect(tt.url); got != tt.want {
			t.Errorf("DetectDialect(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestSQLiteDSN_AppendsPragmas(t *testing.T) {
	got := sqliteDSN("sqlite:///tmp/a.db")
	want := "/tmp/a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if got != want {
		t.Errorf("sqliteDSN = %q, want %q", got, want)
	}

	got = sqliteDSN("sqlite:///tmp/a.db?cache=shared")
	if got != "/tmp/a.db?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" {
		t.Errorf("sqliteDSN with query = %q", got)
	}
}
