package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var expectedTables = []string{"bindings", "messages", "delivery_statuses"}

// setupSQLiteDB はテスト用の一時SQLiteファイルを準備する。
func setupSQLiteDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "notifylink.db")
	db, err := Open(dbURL)
	if err != nil {
		t.Fatalf("データベースのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, dbURL
}

// setupPostgresDB はテスト用PostgreSQLを準備する。
// TEST_DATABASE_URL が未設定、または接続できない場合はスキップする。
func setupPostgresDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}

	cleanupSQL := `
		DROP TABLE IF EXISTS delivery_statuses CASCADE;
		DROP TABLE IF EXISTS messages CASCADE;
		DROP TABLE IF EXISTS bindings CASCADE;
		DROP TABLE IF EXISTS schema_migrations CASCADE;
	`
	if _, err := db.Exec(cleanupSQL); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	return db, dbURL
}

func sqliteTableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n); err != nil {
		t.Fatalf("テーブル存在確認クエリに失敗: %v", err)
	}
	return n == 1
}

func TestRunMigrations_SQLite_Up(t *testing.T) {
	db, dbURL := setupSQLiteDB(t)

	if err := RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	for _, table := range expectedTables {
		if !sqliteTableExists(t, db, table) {
			t.Errorf("テーブル %q が存在しません", table)
		}
	}
}

func TestMigrate_SQLite_ReportsStatus(t *testing.T) {
	_, dbURL := setupSQLiteDB(t)

	first, err := Migrate(dbURL)
	if err != nil {
		t.Fatalf("1回目のマイグレーション実行に失敗: %v", err)
	}
	if !first.Changed || first.Version != 2 || first.Dirty {
		t.Errorf("1回目の状態 = %+v, want Changed=true Version=2 Dirty=false", first)
	}

	second, err := Migrate(dbURL)
	if err != nil {
		t.Fatalf("2回目のマイグレーション実行に失敗（冪等性の問題）: %v", err)
	}
	if second.Changed || second.Version != 2 {
		t.Errorf("2回目の状態 = %+v, want Changed=false Version=2", second)
	}
}

func TestRollback_SQLite(t *testing.T) {
	db, dbURL := setupSQLiteDB(t)
	if err := RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	status, err := Rollback(dbURL, 1)
	if err != nil {
		t.Fatalf("1件のロールバックに失敗: %v", err)
	}
	if status.Version != 1 {
		t.Errorf("Version = %d, want 1", status.Version)
	}
	if sqliteTableExists(t, db, "messages") || sqliteTableExists(t, db, "delivery_statuses") {
		t.Error("ロールバック後もメッセージ関連のテーブルが残っています")
	}
	if !sqliteTableExists(t, db, "bindings") {
		t.Error("bindingsテーブルは残っているはずです")
	}

	status, err = Rollback(dbURL, 1)
	if err != nil {
		t.Fatalf("2件目のロールバックに失敗: %v", err)
	}
	if status.Version != 0 {
		t.Errorf("全件ロールバック後のVersion = %d, want 0", status.Version)
	}
	for _, table := range expectedTables {
		if sqliteTableExists(t, db, table) {
			t.Errorf("ロールバック後もテーブル %q が残っています", table)
		}
	}
}

func TestRollback_InvalidSteps(t *testing.T) {
	if _, err := Rollback("sqlite:///tmp/unused.db", 0); err == nil {
		t.Fatal("0件のロールバックはエラーになるべきです")
	}
}

// TestSQLite_CascadeDeleteMessage はメッセージ削除で配信記録が連鎖削除されることを検証する。
func TestSQLite_CascadeDeleteMessage(t *testing.T) {
	db, dbURL := setupSQLiteDB(t)
	if err := RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	now := time.Now().UnixMilli()
	mustExec(t, db, `INSERT INTO bindings (sub, created_at, updated_at) VALUES ('U1', ?, ?)`, now, now)
	mustExec(t, db, `INSERT INTO messages (message_text, created_at) VALUES ('hello', ?)`, now)
	mustExec(t, db, `INSERT INTO delivery_statuses (message_id, sub, status, created_at, updated_at) VALUES (1, 'U1', 'pending', ?, ?)`, now, now)

	mustExec(t, db, `DELETE FROM messages WHERE id = 1`)

	var n int
	if err := db.QueryRow(`SELECT count(*) FROM delivery_statuses`).Scan(&n); err != nil {
		t.Fatalf("件数取得に失敗: %v", err)
	}
	if n != 0 {
		t.Errorf("delivery_statuses 件数 = %d, want 0", n)
	}
}

// TestSQLite_ForeignKeyRejectsUnknownSubject は未登録subjectの配信記録を拒否することを検証する。
func TestSQLite_ForeignKeyRejectsUnknownSubject(t *testing.T) {
	db, dbURL := setupSQLiteDB(t)
	if err := RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	now := time.Now().UnixMilli()
	mustExec(t, db, `INSERT INTO messages (message_text, created_at) VALUES ('hello', ?)`, now)
	_, err := db.Exec(`INSERT INTO delivery_statuses (message_id, sub, status, created_at, updated_at) VALUES (1, 'nobody', 'pending', ?, ?)`, now, now)
	if err == nil {
		t.Fatal("外部キー違反がエラーになりませんでした")
	}
}

func TestSQLite_StatusCheckConstraint(t *testing.T) {
	db, dbURL := setupSQLiteDB(t)
	if err := RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	now := time.Now().UnixMilli()
	mustExec(t, db, `INSERT INTO bindings (sub, created_at, updated_at) VALUES ('U1', ?, ?)`, now, now)
	mustExec(t, db, `INSERT INTO messages (message_text, created_at) VALUES ('hello', ?)`, now)
	_, err := db.Exec(`INSERT INTO delivery_statuses (message_id, sub, status, created_at, updated_at) VALUES (1, 'U1', 'sent', ?, ?)`, now, now)
	if err == nil {
		t.Fatal("不正なstatusがエラーになりませんでした")
	}
}

func TestRunMigrations_Postgres_Up(t *testing.T) {
	db, dbURL := setupPostgresDB(t)

	if err := RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if err := RunMigrations(dbURL); err != nil {
		t.Fatalf("2回目のマイグレーション実行に失敗（冪等性の問題）: %v", err)
	}

	for _, table := range expectedTables {
		t.Run("テーブル存在確認_"+table, func(t *testing.T) {
			var exists bool
			err := db.QueryRow(
				"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
				table,
			).Scan(&exists)
			if err != nil {
				t.Fatalf("テーブル存在確認クエリに失敗: %v", err)
			}
			if !exists {
				t.Errorf("テーブル %q が存在しません", table)
			}
		})
	}
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
