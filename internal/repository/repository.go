package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"visual-novel-server/internal/domain"
)

// DBTX - общий интерфейс пула и транзакции pgx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoryRepository определяет методы для работы с историями.
type StoryRepository interface {
	// Create сохраняет новую историю.
	Create(ctx context.Context, story *domain.Story) error
	// GetByID возвращает историю или domain.ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Story, error)
	// ListByOwner возвращает истории владельца, новые первыми.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Story, error)
	// Touch обновляет updated_at.
	Touch(ctx context.Context, id string) error
}

// SegmentRepository определяет методы для работы с сегментами истории.
type SegmentRepository interface {
	Create(ctx context.Context, segment *domain.StorySegment) error
	GetByID(ctx context.Context, id string) (*domain.StorySegment, error)
	// ListByStory возвращает сегменты в порядке Position.
	ListByStory(ctx context.Context, storyID string) ([]*domain.StorySegment, error)
	UpdateChoices(ctx context.Context, id string, choices []string) error
	UpdateSelectedChoice(ctx context.Context, id string, choice string) error
}
