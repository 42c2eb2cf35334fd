package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

var ErrMissingDB = errors.New("missing db")

// ParseDriver maps a config value onto a supported driver.
func ParseDriver(s string) (DBDriver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DBSQLite, nil
	case "postgres", "postgresql", "pg":
		return DBPostgres, nil
	default:
		return "", fmt.Errorf("unsupported db driver: %q", s)
	}
}

// Migrate applies the embedded migrations for driver in lexical order.
// Each file runs in its own transaction together with its bookkeeping row,
// so a partially applied file is never recorded.
func Migrate(ctx context.Context, db *sql.DB, driver DBDriver) error {
	if db == nil {
		return ErrMissingDB
	}
	dir, table, err := migrationConfig(driver)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db, driver, table); err != nil {
		return err
	}

	files, err := listMigrationFiles(dir)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")
		contents, err := migrationsFS.ReadFile(file)
		if err != nil {
			return err
		}
		if err := applyMigration(ctx, db, driver, table, version, string(contents), now); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, driver DBDriver, table, version, contents string, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	applied, err := tryInsertMigration(ctx, tx, driver, table, version, now)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !applied {
		return tx.Rollback()
	}
	if _, err := tx.ExecContext(ctx, contents); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	return tx.Commit()
}

func migrationConfig(driver DBDriver) (dir string, table string, err error) {
	switch driver {
	case DBSQLite:
		return "migrations/sqlite", "schema_migrations", nil
	case DBPostgres:
		return "migrations/postgres", "tollgate_schema_migrations", nil
	default:
		return "", "", fmt.Errorf("unsupported db driver: %s", driver)
	}
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, driver DBDriver, table string) error {
	var ddl string
	switch driver {
	case DBSQLite:
		ddl = `CREATE TABLE IF NOT EXISTS %s (
  version TEXT PRIMARY KEY,
  applied_at TEXT NOT NULL
)`
	case DBPostgres:
		ddl = `CREATE TABLE IF NOT EXISTS %s (
  version TEXT PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL
)`
	default:
		return fmt.Errorf("unsupported db driver: %s", driver)
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(ddl, table))
	return err
}

func tryInsertMigration(ctx context.Context, tx *sql.Tx, driver DBDriver, table string, version string, now time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch driver {
	case DBSQLite:
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING`, table), version, now.Format(time.RFC3339))
	case DBPostgres:
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING`, table), version, now)
	default:
		return false, fmt.Errorf("unsupported db driver: %s", driver)
	}
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func listMigrationFiles(dir string) ([]string, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, path.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
