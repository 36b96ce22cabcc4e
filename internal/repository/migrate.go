package repository

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/featured-placement/pkg/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockKey serializes concurrent Migrate calls across replicas
const migrationLockKey = 0x66706c6163

// Migrate applies the embedded schema files in name order. Every file is
// idempotent, so Migrate runs on each start when AutoMigrate is enabled.
func Migrate(ctx context.Context, db *database.PostgresDB) error {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	return db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockKey)); err != nil {
			return fmt.Errorf("failed to take migration lock: %w", err)
		}
		for _, name := range names {
			script, err := migrationFiles.ReadFile(name)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, string(script)); err != nil {
				return fmt.Errorf("failed to apply %s: %w", name, err)
			}
		}
		return nil
	})
}
