package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"visual-novel-server/pkg/database"
)

// Repositories - набор репозиториев, привязанных к одной транзакции.
type Repositories struct {
	Stories  StoryRepository
	Segments SegmentRepository
}

// UnitOfWork выполняет fn атомарно.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(repos Repositories) error) error
}

type pgUnitOfWork struct {
	db     database.TxBeginner
	logger *zap.Logger
}

// NewPgUnitOfWork создает UnitOfWork поверх транзакций PostgreSQL.
func NewPgUnitOfWork(db database.TxBeginner, logger *zap.Logger) UnitOfWork {
	return &pgUnitOfWork{db: db, logger: logger}
}

func (u *pgUnitOfWork) Do(ctx context.Context, fn func(repos Repositories) error) error {
	return database.WithTx(ctx, u.db, func(tx pgx.Tx) error {
		return fn(Repositories{
			Stories:  NewPgStoryRepository(tx, u.logger),
			Segments: NewPgSegmentRepository(tx, u.logger),
		})
	})
}

type directUnitOfWork struct {
	repos Repositories
}

// NewDirectUnitOfWork вызывает fn с переданными репозиториями без транзакции.
// Используется с хранилищем в памяти.
func NewDirectUnitOfWork(stories StoryRepository, segments SegmentRepository) UnitOfWork {
	return &directUnitOfWork{repos: Repositories{Stories: stories, Segments: segments}}
}

func (u *directUnitOfWork) Do(_ context.Context, fn func(repos Repositories) error) error {
	return fn(u.repos)
}
