package database

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"visual-novel-server/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator возвращает мигратор, работающий со встроенными SQL файлами.
func NewMigrator(pool *pgxpool.Pool, logger zerolog.Logger) *migration.Migrator {
	return migration.NewMigrator(migration.Config{
		MigrationsPath: "migrations",
		MigrationsFS:   migrationsFS,
	}, pool, logger)
}

// ApplyMigrations применяет миграции к базе данных
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	return NewMigrator(pool, logger).Up(ctx)
}
