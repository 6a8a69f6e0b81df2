package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"visual-novel-server/internal/domain"
)

const (
	createStoryQuery = `
        INSERT INTO stories (id, owner_id, title, initial_prompt, model, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	getStoryByIDQuery = `
        SELECT id, owner_id, title, initial_prompt, model, created_at, updated_at
        FROM stories WHERE id = $1`
	listStoriesByOwnerQuery = `
        SELECT id, owner_id, title, initial_prompt, model, created_at, updated_at
        FROM stories WHERE owner_id = $1
        ORDER BY created_at DESC, id
        LIMIT $2 OFFSET $3`
	touchStoryQuery = `UPDATE stories SET updated_at = NOW() WHERE id = $1`
)

var _ StoryRepository = (*pgStoryRepository)(nil)

type pgStoryRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgStoryRepository создает PostgreSQL-репозиторий историй.
func NewPgStoryRepository(db DBTX, logger *zap.Logger) StoryRepository {
	return &pgStoryRepository{
		db:     db,
		logger: logger.Named("PgStoryRepo"),
	}
}

func (r *pgStoryRepository) Create(ctx context.Context, story *domain.Story) error {
	_, err := r.db.Exec(ctx, createStoryQuery,
		story.ID, story.OwnerID, story.Title, story.InitialPrompt, story.Model, story.CreatedAt, story.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.logger.Warn("Story already exists", zap.String("story_id", story.ID))
			return fmt.Errorf("story %s already exists: %w", story.ID, domain.ErrInvalidInput)
		}
		r.logger.Error("Failed to create story", zap.String("story_id", story.ID), zap.Error(err))
		return fmt.Errorf("failed to create story %s: %w", story.ID, err)
	}
	r.logger.Debug("Story created", zap.String("story_id", story.ID))
	return nil
}

func (r *pgStoryRepository) GetByID(ctx context.Context, id string) (*domain.Story, error) {
	var story domain.Story
	if err := pgxscan.Get(ctx, r.db, &story, getStoryByIDQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("Failed to get story", zap.String("story_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get story %s: %w", id, err)
	}
	return &story, nil
}

func (r *pgStoryRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Story, error) {
	stories := make([]*domain.Story, 0)
	if err := pgxscan.Select(ctx, r.db, &stories, listStoriesByOwnerQuery, ownerID, limit, offset); err != nil {
		r.logger.Error("Failed to list stories", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, fmt.Errorf("failed to list stories for %s: %w", ownerID, err)
	}
	return stories, nil
}

func (r *pgStoryRepository) Touch(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, touchStoryQuery, id)
	if err != nil {
		return fmt.Errorf("failed to touch story %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
