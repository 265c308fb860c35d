// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package migrate applies the raw embedded SQL files under
// internal/store/migrations in lexical order, tracking progress in a
// schema_migrations table. It is a from-scratch implementation grounded
// on the raw SQL migration engine pattern rather than a copy of any one
// file: read the directory, sort by filename, run each one not already
// recorded, inside its own transaction.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
)

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	id VARCHAR(255) PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Run applies every *.sql file in dir, in lexical order, that is not yet
// recorded in schema_migrations.
func Run(ctx context.Context, db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading migration directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		applied, err := isApplied(ctx, db, entry.Name())
		if err != nil {
			return fmt.Errorf("checking migration status for %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}
		if err := applyOne(ctx, db, dir, entry.Name()); err != nil {
			return err
		}
		logrus.WithField("migration", entry.Name()).Info("applied migration")
	}
	return nil
}

func isApplied(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM schema_migrations WHERE id = $1`, id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func applyOne(ctx context.Context, db *sql.DB, dir, name string) error {
	// nolint:gosec // migration files are read from a controlled, packaged directory
	content, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("reading migration file %s: %w", name, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction for %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("executing migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("recording migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", name, err)
	}
	return nil
}
