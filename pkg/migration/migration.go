package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

const (
	defaultTable       = "schema_migrations"
	defaultLockTimeout = 30 * time.Second
)

// ErrDirtySchema - предыдущая миграция прервалась, нужен force.
var ErrDirtySchema = errors.New("schema is dirty, force a version before migrating")

// Config описывает источник миграций.
type Config struct {
	MigrationsPath string
	MigrationsFS   fs.FS

	// Table - таблица версий, по умолчанию schema_migrations.
	Table       string
	LockTimeout time.Duration
}

// Status - текущее состояние схемы.
type Status struct {
	Version uint
	Dirty   bool
	// Empty - ни одна миграция еще не применялась.
	Empty bool
}

// Migrator применяет встроенные миграции к пулу pgx.
type Migrator struct {
	config Config
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewMigrator(config Config, pool *pgxpool.Pool, logger zerolog.Logger) *Migrator {
	if config.Table == "" {
		config.Table = defaultTable
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaultLockTimeout
	}
	return &Migrator{
		config: config,
		pool:   pool,
		logger: logger.With().Str("component", "migrator").Logger(),
	}
}

// Up применяет все новые миграции. Грязная схема не трогается.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", func(mg *migrate.Migrate) error {
		if st, err := status(mg); err != nil {
			return err
		} else if st.Dirty {
			return fmt.Errorf("%w (version %d)", ErrDirtySchema, st.Version)
		}
		return mg.Up()
	})
}

// Down откатывает все миграции.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mg *migrate.Migrate) error {
		return mg.Down()
	})
}

// Steps применяет (n > 0) или откатывает (n < 0) n миграций.
func (m *Migrator) Steps(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	return m.run(ctx, fmt.Sprintf("steps %+d", n), func(mg *migrate.Migrate) error {
		return mg.Steps(n)
	})
}

// ForceVersion помечает схему версией version и снимает флаг dirty.
func (m *Migrator) ForceVersion(ctx context.Context, version uint) error {
	return m.run(ctx, "force", func(mg *migrate.Migrate) error {
		return mg.Force(int(version))
	})
}

// Status возвращает версию схемы.
func (m *Migrator) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.withMigrate(ctx, func(mg *migrate.Migrate) error {
		var err error
		st, err = status(mg)
		return err
	})
	return st, err
}

// run выполняет операцию и логирует версию до и после. ErrNoChange не ошибка.
func (m *Migrator) run(ctx context.Context, op string, fn func(*migrate.Migrate) error) error {
	return m.withMigrate(ctx, func(mg *migrate.Migrate) error {
		before, err := status(mg)
		if err != nil {
			return err
		}
		if err := fn(mg); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				m.logger.Info().Str("op", op).Uint("version", before.Version).Msg("Schema already up to date")
				return nil
			}
			return fmt.Errorf("migration %s failed: %w", op, err)
		}
		after, err := status(mg)
		if err != nil {
			return err
		}
		m.logger.Info().
			Str("op", op).
			Uint("from_version", before.Version).
			Uint("to_version", after.Version).
			Bool("dirty", after.Dirty).
			Msg("Database migration finished")
		return nil
	})
}

func (m *Migrator) withMigrate(ctx context.Context, fn func(*migrate.Migrate) error) error {
	if err := m.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database is not reachable: %w", err)
	}

	driver, err := postgres.WithInstance(stdlib.OpenDBFromPool(m.pool), &postgres.Config{
		MigrationsTable: m.config.Table,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	source, err := iofs.New(m.config.MigrationsFS, m.config.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to open migrations at %q: %w", m.config.MigrationsPath, err)
	}

	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := mg.Close(); srcErr != nil || dbErr != nil {
			m.logger.Warn().AnErr("source_error", srcErr).AnErr("db_error", dbErr).Msg("Failed to close migrator")
		}
	}()
	mg.LockTimeout = m.config.LockTimeout

	return fn(mg)
}

func status(mg *migrate.Migrate) (Status, error) {
	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Empty: true}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("failed to read schema version: %w", err)
	}
	return Status{Version: uint(version), Dirty: dirty}, nil
}
