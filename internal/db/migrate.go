package db

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ApplyMigrations runs every embedded .sql file not yet recorded in
// schema_migrations, in filename order.
func ApplyMigrations(ctx context.Context, pool Pool) error {
	log := zap.L().With(zap.String("component", "db.migrate"))

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return eris.Wrap(err, "db: ensure schema_migrations table")
	}

	names, err := migrationFiles()
	if err != nil {
		return err
	}

	applied := 0
	for _, name := range names {
		var alreadyApplied bool
		err := pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name).Scan(&alreadyApplied)
		if err != nil {
			return eris.Wrapf(err, "db: check migration %s", name)
		}
		if alreadyApplied {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "db: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return eris.Wrapf(err, "db: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			return eris.Wrapf(err, "db: record migration %s", name)
		}
		applied++
	}

	log.Info("migrations up to date", zap.Int("applied", applied), zap.Int("total", len(names)))
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: read embedded migrations")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
