// Package migrate applies numbered *.sql migrations to PostgreSQL. It uses
// the same schema_migrations table format as golang-migrate (bigint version
// plus dirty flag) so the two tools are interchangeable.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migration is one numbered schema file.
type Migration struct {
	Version int64
	Name    string
}

// List returns the *.sql files of fsys in version order.
func List(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	seen := make(map[int64]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") || strings.HasSuffix(e.Name(), ".down.sql") {
			continue
		}
		ver, err := VersionFromFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", e.Name(), err)
		}
		if prev, dup := seen[ver]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), ver)
		}
		seen[ver] = e.Name()
		out = append(out, Migration{Version: ver, Name: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// VersionFromFile extracts the leading integer from a migration filename.
// "001_ledger_state.up.sql" → 1
func VersionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format %q", filename)
	}
	return strconv.ParseInt(prefix, 10, 64)
}

// Apply runs every migration of fsys not yet recorded as clean and returns
// how many were applied.
func Apply(ctx context.Context, db *pgxpool.Pool, fsys fs.FS, logger *zap.Logger) (int, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := List(fsys)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		var dirty bool
		err := db.QueryRow(ctx, `SELECT dirty FROM schema_migrations WHERE version = $1`, m.Version).Scan(&dirty)
		switch {
		case err == nil && !dirty:
			logger.Debug("migration already applied", zap.String("file", m.Name))
			continue
		case err == nil && dirty:
			logger.Warn("re-applying dirty migration", zap.String("file", m.Name))
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("check %s: %w", m.Name, err)
		}

		sql, err := fs.ReadFile(fsys, m.Name)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", m.Name, err)
		}

		// Marked dirty first so that a crash mid-file is visible.
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, m.Version,
		); err != nil {
			return applied, fmt.Errorf("mark dirty %s: %w", m.Name, err)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := db.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, m.Version,
		); err != nil {
			return applied, fmt.Errorf("mark clean %s: %w", m.Name, err)
		}

		logger.Info("migration applied", zap.String("file", m.Name), zap.Int64("version", m.Version))
		applied++
	}
	return applied, nil
}
