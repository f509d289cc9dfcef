package sqlstore

import (
	"context"
	"embed"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Migrate applies every embedded migration for the dialect that has not been
// recorded in schema_migrations yet. Each migration runs in its own transaction.
func (db *DB) Migrate(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := path.Join("migrations", db.dialect.Name)

	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var count int
		if err := db.QueryRowContext(ctx,
			db.dialect.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version,
		).Scan(&count); err != nil {
			return errors.Wrapf(err, "check %s", filename)
		}
		if count > 0 {
			logger.Debug("Skipping migration (already applied)", zap.String("migration", filename))
			continue
		}

		body, err := migrations.ReadFile(path.Join(dir, filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		logger.Info("Applying migration", zap.String("migration", filename), zap.String("dialect", db.dialect.Name))

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.ExecContext(ctx,
			db.dialect.Rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		applied++
	}

	logger.Info("Migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
	return nil
}
