package repository

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"go.uber.org/zap"

	"visual-novel-server/pkg/taskmanager"
)

const (
	upsertTaskQuery = `
        INSERT INTO generation_tasks (id, owner_id, story_id, segment_id, prompt, model, image_data, image_model,
            intent, status, error, suppressed, attempt, created_at, started_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            created_at = EXCLUDED.created_at,
            error = EXCLUDED.error,
            suppressed = EXCLUDED.suppressed,
            attempt = EXCLUDED.attempt,
            started_at = EXCLUDED.started_at,
            completed_at = EXCLUDED.completed_at`
	deleteTaskQuery   = `DELETE FROM generation_tasks WHERE id = $1`
	loadAllTasksQuery = `
        SELECT id, owner_id, story_id, segment_id, prompt, model, image_data, image_model, intent, status,
            error, suppressed, attempt, created_at, started_at, completed_at
        FROM generation_tasks
        ORDER BY created_at, id`
)

var _ taskmanager.TaskStore = (*PgTaskRepository)(nil)

// PgTaskRepository хранит задачи генерации в PostgreSQL.
type PgTaskRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgTaskRepository создает PostgreSQL-хранилище задач.
func NewPgTaskRepository(db DBTX, logger *zap.Logger) *PgTaskRepository {
	return &PgTaskRepository{
		db:     db,
		logger: logger.Named("PgTaskRepo"),
	}
}

// Save создает или обновляет запись задачи.
func (r *PgTaskRepository) Save(ctx context.Context, t *taskmanager.Task) error {
	_, err := r.db.Exec(ctx, upsertTaskQuery,
		t.ID, t.OwnerID, t.StoryID, t.SegmentID, t.Prompt, t.Model, t.ImageData, t.ImageModel,
		string(t.Intent), string(t.Status), t.Error, t.Suppressed, t.Attempt,
		t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		r.logger.Error("Failed to save task", zap.String("task_id", t.ID), zap.String("status", string(t.Status)), zap.Error(err))
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	return nil
}

// Delete удаляет задачу. Отсутствие записи ошибкой не считается.
func (r *PgTaskRepository) Delete(ctx context.Context, taskID string) error {
	if _, err := r.db.Exec(ctx, deleteTaskQuery, taskID); err != nil {
		r.logger.Error("Failed to delete task", zap.String("task_id", taskID), zap.Error(err))
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	return nil
}

// LoadAll возвращает все задачи в порядке создания.
func (r *PgTaskRepository) LoadAll(ctx context.Context) ([]*taskmanager.Task, error) {
	tasks := make([]*taskmanager.Task, 0)
	if err := pgxscan.Select(ctx, r.db, &tasks, loadAllTasksQuery); err != nil {
		r.logger.Error("Failed to load tasks", zap.Error(err))
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	r.logger.Debug("Tasks loaded", zap.Int("count", len(tasks)))
	return tasks, nil
}
