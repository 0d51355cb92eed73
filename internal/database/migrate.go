package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// 方言ごとにディレクトリを分け、同じ番号のファイルが同じスキーマを表すようにする。
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// MigrationStatus はマイグレーション実行後のスキーマの状態。
type MigrationStatus struct {
	// Version は適用済みの最新バージョン。未適用なら0。
	Version uint
	// Dirty は前回のマイグレーションが途中で失敗したことを表す。手動での修復が必要。
	Dirty bool
	// Changed は今回の実行でスキーマが変更されたかどうか。
	Changed bool
}

// NewMigrator はURLの方言に対応するマイグレーションを読み込んだmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	dialect := DetectDialect(databaseURL)
	source, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migration source: %w", dialect, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// Migrate は未適用のマイグレーションをすべて適用し、適用後の状態を返す。
func Migrate(databaseURL string) (MigrationStatus, error) {
	return apply(databaseURL, func(m *migrate.Migrate) error { return m.Up() })
}

// Rollback は直近のマイグレーションをsteps件だけ戻す。
func Rollback(databaseURL string, steps int) (MigrationStatus, error) {
	if steps <= 0 {
		return MigrationStatus{}, fmt.Errorf("rollback steps must be positive: %d", steps)
	}
	return apply(databaseURL, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

// RunMigrations はすべてのマイグレーションを適用する。すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	_, err := Migrate(databaseURL)
	return err
}

func apply(databaseURL string, run func(m *migrate.Migrate) error) (MigrationStatus, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer m.Close()

	status := MigrationStatus{Changed: true}
	if err := run(m); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return MigrationStatus{}, fmt.Errorf("failed to run migrations: %w", err)
		}
		status.Changed = false
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		// すべて戻した直後はバージョンが存在しない
	case err != nil:
		return MigrationStatus{}, fmt.Errorf("failed to read migration version: %w", err)
	default:
		status.Version = version
		status.Dirty = dirty
	}
	return status, nil
}
