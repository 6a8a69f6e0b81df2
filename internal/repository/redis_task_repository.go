package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"visual-novel-server/pkg/taskmanager"
)

var _ taskmanager.TaskStore = (*RedisTaskRepository)(nil)

// RedisTaskRepository хранит задачи генерации в хэше Redis (task_id -> JSON).
type RedisTaskRepository struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisTaskRepository создает Redis-хранилище задач.
func NewRedisTaskRepository(client *redis.Client, key string, logger *zap.Logger) *RedisTaskRepository {
	return &RedisTaskRepository{
		client: client,
		key:    key,
		logger: logger.Named("RedisTaskRepo"),
	}
}

// Save сериализует задачу и записывает её в хэш.
func (r *RedisTaskRepository) Save(ctx context.Context, t *taskmanager.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
	}
	if err := r.client.HSet(ctx, r.key, t.ID, data).Err(); err != nil {
		r.logger.Error("Failed to save task to redis", zap.String("task_id", t.ID), zap.Error(err))
		return fmt.Errorf("failed to save task %s to redis: %w", t.ID, err)
	}
	return nil
}

// Delete удаляет задачу из хэша.
func (r *RedisTaskRepository) Delete(ctx context.Context, taskID string) error {
	if err := r.client.HDel(ctx, r.key, taskID).Err(); err != nil {
		r.logger.Error("Failed to delete task from redis", zap.String("task_id", taskID), zap.Error(err))
		return fmt.Errorf("failed to delete task %s from redis: %w", taskID, err)
	}
	return nil
}

// LoadAll читает все задачи. Поврежденные записи удаляются и пропускаются.
func (r *RedisTaskRepository) LoadAll(ctx context.Context) ([]*taskmanager.Task, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		if err == redis.Nil {
			return []*taskmanager.Task{}, nil
		}
		r.logger.Error("Failed to load tasks from redis", zap.Error(err))
		return nil, fmt.Errorf("failed to load tasks from redis: %w", err)
	}

	tasks := make([]*taskmanager.Task, 0, len(raw))
	var corrupted []string
	for id, value := range raw {
		var t taskmanager.Task
		if err := json.Unmarshal([]byte(value), &t); err != nil {
			r.logger.Warn("Dropping corrupted task record", zap.String("task_id", id), zap.Error(err))
			corrupted = append(corrupted, id)
			continue
		}
		tasks = append(tasks, &t)
	}

	if len(corrupted) > 0 {
		pipe := r.client.Pipeline()
		pipe.HDel(ctx, r.key, corrupted...)
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn("Failed to remove corrupted task records", zap.Error(err))
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}
