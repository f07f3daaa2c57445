package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	// migrationLockKey serializes migrations across processes sharing a database.
	migrationLockKey = 0x776f7264
)

// Migrator applies the numbered *.up.sql / *.down.sql pairs in dir. Applied
// versions are recorded in schema_migrations under their up file name.
type Migrator struct {
	db  *sql.DB
	fs  afero.Fs
	dir string
}

func NewMigrator(db *sql.DB, fs afero.Fs, dir string) *Migrator {
	return &Migrator{db: db, fs: fs, dir: dir}
}

// ApplyMigrations runs every pending up migration found on disk.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	_, err := NewMigrator(db, afero.NewOsFs(), migrationsDir).Up(ctx)
	return err
}

// Up applies pending migrations in file name order and returns the versions it applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if err := ensureMigrationsTable(ctx, m.db); err != nil {
		return nil, err
	}
	files, err := migrationFiles(m.fs, m.dir, upSuffix)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, version := range files {
		ran, err := m.apply(ctx, version, func(ctx context.Context, tx *sql.Tx) (bool, error) {
			migrated, err := isMigrated(ctx, tx, version)
			if err != nil || migrated {
				return false, err
			}
			if err := m.exec(ctx, tx, version); err != nil {
				return false, err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
				return false, fmt.Errorf("record migration %s: %w", version, err)
			}
			return true, nil
		})
		if err != nil {
			return applied, err
		}
		if ran {
			log.Printf("store: applied migration %s", version)
			applied = append(applied, version)
		}
	}
	return applied, nil
}

// Down reverts every applied migration, newest first.
func (m *Migrator) Down(ctx context.Context) error {
	if err := ensureMigrationsTable(ctx, m.db); err != nil {
		return err
	}
	files, err := migrationFiles(m.fs, m.dir, upSuffix)
	if err != nil {
		return err
	}
	for i := len(files) - 1; i >= 0; i-- {
		version := files[i]
		downFile := strings.TrimSuffix(version, upSuffix) + downSuffix
		ran, err := m.apply(ctx, version, func(ctx context.Context, tx *sql.Tx) (bool, error) {
			migrated, err := isMigrated(ctx, tx, version)
			if err != nil || !migrated {
				return false, err
			}
			if err := m.exec(ctx, tx, downFile); err != nil {
				return false, err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, version); err != nil {
				return false, fmt.Errorf("unrecord migration %s: %w", version, err)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		if ran {
			log.Printf("store: reverted migration %s", version)
		}
	}
	return nil
}

// apply runs step inside a transaction holding the migration lock.
func (m *Migrator) apply(ctx context.Context, version string, step func(context.Context, *sql.Tx) (bool, error)) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	ran, err := step(ctx, tx)
	if err != nil || !ran {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", version, err)
	}
	return true, nil
}

func (m *Migrator) exec(ctx context.Context, tx *sql.Tx, name string) error {
	contents, err := afero.ReadFile(m.fs, path.Join(m.dir, name))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	statement := strings.TrimSpace(string(contents))
	if statement == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("execute migration %s: %w", name, err)
	}
	return nil
}

// migrationFiles lists file names in dir ending in suffix, sorted.
func migrationFiles(fs afero.Fs, dir, suffix string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, tx *sql.Tx, version string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
