package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"visual-novel-server/internal/database"
	"visual-novel-server/pkg/migration"
)

// migrateConfig - настройки подключения для утилиты миграций.
type migrateConfig struct {
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName     string `envconfig:"DB_NAME" default:"visual_novel"`
	DBSSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
}

func (c migrateConfig) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func main() {
	command := flag.String("command", "up", "Migration command: up, down, steps, version, force")
	version := flag.Uint("version", 0, "Target version for the force command")
	steps := flag.Int("steps", 0, "Number of migrations for the steps command, negative rolls back")
	flag.Parse()

	_ = godotenv.Load()

	var cfg migrateConfig
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("app", "migrate").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.dsn())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create connection pool")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("host", cfg.DBHost).Msg("Failed to ping database")
	}

	migrator := database.NewMigrator(pool, logger)

	switch *command {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "steps":
		err = migrator.Steps(ctx, *steps)
	case "force":
		err = migrator.ForceVersion(ctx, *version)
	case "version":
		var st migration.Status
		st, err = migrator.Status(ctx)
		if err == nil {
			logger.Info().Uint("version", st.Version).Bool("dirty", st.Dirty).Bool("empty", st.Empty).Msg("Current schema version")
		}
	default:
		logger.Fatal().Str("command", *command).Msg("Unknown command")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", *command).Msg("Migration command failed")
	}
	logger.Info().Str("command", *command).Msg("Migration command completed")
}
