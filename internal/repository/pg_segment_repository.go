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
	segmentColumns = `id, story_id, position, prompt, model, video_url, mime_type, metadata, choices,
        selected_choice, created_at, updated_at`
	createSegmentQuery = `
        INSERT INTO story_segments (id, story_id, position, prompt, model, video_url, mime_type,
            metadata, choices, selected_choice, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	getSegmentByIDQuery      = `SELECT ` + segmentColumns + ` FROM story_segments WHERE id = $1`
	listSegmentsByStoryQuery = `SELECT ` + segmentColumns + ` FROM story_segments WHERE story_id = $1 ORDER BY position`
	updateChoicesQuery       = `UPDATE story_segments SET choices = $2, updated_at = NOW() WHERE id = $1`
	updateSelectedQuery      = `UPDATE story_segments SET selected_choice = $2, updated_at = NOW() WHERE id = $1`
)

var _ SegmentRepository = (*pgSegmentRepository)(nil)

type pgSegmentRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgSegmentRepository создает PostgreSQL-репозиторий сегментов.
func NewPgSegmentRepository(db DBTX, logger *zap.Logger) SegmentRepository {
	return &pgSegmentRepository{
		db:     db,
		logger: logger.Named("PgSegmentRepo"),
	}
}

func (r *pgSegmentRepository) Create(ctx context.Context, s *domain.StorySegment) error {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	choices := s.Choices
	if choices == nil {
		choices = []string{}
	}

	_, err := r.db.Exec(ctx, createSegmentQuery,
		s.ID, s.StoryID, s.Position, s.Prompt, s.Model, s.VideoURL, s.MIMEType,
		metadata, choices, s.SelectedChoice, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				r.logger.Warn("Segment position already taken",
					zap.String("story_id", s.StoryID), zap.Int("position", s.Position))
				return fmt.Errorf("segment %d of story %s already exists: %w", s.Position, s.StoryID, domain.ErrTaskConflict)
			case "23503":
				return fmt.Errorf("story %s: %w", s.StoryID, domain.ErrNotFound)
			}
		}
		r.logger.Error("Failed to create segment", zap.String("segment_id", s.ID), zap.Error(err))
		return fmt.Errorf("failed to create segment %s: %w", s.ID, err)
	}
	return nil
}

func (r *pgSegmentRepository) GetByID(ctx context.Context, id string) (*domain.StorySegment, error) {
	var segment domain.StorySegment
	if err := pgxscan.Get(ctx, r.db, &segment, getSegmentByIDQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("Failed to get segment", zap.String("segment_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get segment %s: %w", id, err)
	}
	return &segment, nil
}

func (r *pgSegmentRepository) ListByStory(ctx context.Context, storyID string) ([]*domain.StorySegment, error) {
	segments := make([]*domain.StorySegment, 0)
	if err := pgxscan.Select(ctx, r.db, &segments, listSegmentsByStoryQuery, storyID); err != nil {
		r.logger.Error("Failed to list segments", zap.String("story_id", storyID), zap.Error(err))
		return nil, fmt.Errorf("failed to list segments of story %s: %w", storyID, err)
	}
	return segments, nil
}

func (r *pgSegmentRepository) UpdateChoices(ctx context.Context, id string, choices []string) error {
	if choices == nil {
		choices = []string{}
	}
	return r.update(ctx, updateChoicesQuery, id, choices)
}

func (r *pgSegmentRepository) UpdateSelectedChoice(ctx context.Context, id string, choice string) error {
	return r.update(ctx, updateSelectedQuery, id, choice)
}

func (r *pgSegmentRepository) update(ctx context.Context, query, id string, value any) error {
	tag, err := r.db.Exec(ctx, query, id, value)
	if err != nil {
		r.logger.Error("Failed to update segment", zap.String("segment_id", id), zap.Error(err))
		return fmt.Errorf("failed to update segment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
