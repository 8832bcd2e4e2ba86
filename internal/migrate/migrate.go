// Package migrate applies the *.sql files in a migrations directory in
// filename order. It records progress in the same schema_migrations
// table format as golang-migrate (bigint version plus dirty flag), so
// either tool can take over a database the other initialised.
package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Report summarises one migration run.
type Report struct {
	Applied []string
	Skipped []string
}

// Apply connects to dbURL and applies every pending migration in dir.
func Apply(ctx context.Context, dbURL, dir string) (*Report, error) {
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	report := &Report{}
	for _, f := range files {
		ver, err := versionFromFile(f)
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", f, err)
		}

		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			ver,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check %s: %w", f, err)
		}
		if exists {
			report.Skipped = append(report.Skipped, f)
			continue
		}

		sql, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}

		// Dirty goes in first so a crash mid-apply is visible.
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, ver,
		); err != nil {
			return nil, fmt.Errorf("mark dirty %s: %w", f, err)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", f, err)
		}
		if _, err := db.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, ver,
		); err != nil {
			return nil, fmt.Errorf("mark clean %s: %w", f, err)
		}
		report.Applied = append(report.Applied, f)
	}
	return report, nil
}

// versionFromFile extracts the leading integer from a migration
// filename: "001_init.up.sql" yields 1.
func versionFromFile(filename string) (int64, error) {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) == 0 {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(parts[0], 10, 64)
}
