package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is a single SQL migration file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus reports whether a known migration has been applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies numbered SQL files ("001_appointments.sql") in order and
// records them in the schema_migrations table.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

// NewMigrator creates a Migrator reading *.sql files from the root of files.
func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func (m *Migrator) ensureTable(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// LoadMigrations returns the migrations found in the file system sorted by
// version. Files without a numeric prefix are skipped; duplicate versions
// are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by both %s and %s", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.pool.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		out[v] = at
	}
	return out, rows.Err()
}

// Up applies every pending migration, each in its own transaction, and
// returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if _, ok := done[mig.Version]; ok {
			continue
		}
		err := WithTx(ctx, m.pool, func(ctx context.Context) error {
			tx := TxFromContext(ctx)
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	return statusOf(migrations, done), nil
}

func statusOf(migrations []Migration, done map[int]time.Time) []MigrationStatus {
	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := done[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses
}
