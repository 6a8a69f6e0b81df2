package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"visual-novel-server/internal/domain"
	"visual-novel-server/pkg/taskmanager"
)

// QueueStatus - активная задача и длина очереди.
type QueueStatus struct {
	Active  *taskmanager.Task `json:"active"`
	Pending int               `json:"pending"`
}

// ListTasks возвращает задачи, относящиеся к историям владельца.
func (s *StoryService) ListTasks(ctx context.Context, ownerID string) ([]taskmanager.Task, error) {
	owners := make(map[string]bool)
	var out []taskmanager.Task
	for _, t := range s.queue.Tasks() {
		owned, seen := owners[t.StoryID]
		if !seen {
			story, err := s.stories.GetByID(ctx, t.StoryID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				owned = false
			case err != nil:
				return nil, err
			default:
				owned = story.OwnerID == ownerID
			}
			owners[t.StoryID] = owned
		}
		if owned {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTask возвращает задачу владельца.
func (s *StoryService) GetTask(ctx context.Context, ownerID, taskID string) (taskmanager.Task, error) {
	task, err := s.queue.GetTask(taskID)
	if err != nil {
		if errors.Is(err, taskmanager.ErrTaskNotFound) {
			return taskmanager.Task{}, domain.ErrNotFound
		}
		return taskmanager.Task{}, err
	}
	if _, err := s.ownedStory(ctx, ownerID, task.StoryID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return taskmanager.Task{}, domain.ErrForbidden
		}
		return taskmanager.Task{}, err
	}
	return task, nil
}

// QueueStatus возвращает состояние очереди.
func (s *StoryService) QueueStatus() QueueStatus {
	return QueueStatus{Active: s.queue.ActiveTask(), Pending: s.queue.PendingCount()}
}

// CancelTask отменяет задачу в очереди или выполняющуюся.
func (s *StoryService) CancelTask(ctx context.Context, ownerID, taskID string) error {
	return s.taskTransition(ctx, ownerID, taskID, "cancel", s.queue.Cancel)
}

// RetryTask повторно ставит в очередь неудавшуюся или отмененную задачу.
// Повтор разрешен, только если история с тех пор не продвинулась и в ней
// нет другой генерации.
func (s *StoryService) RetryTask(ctx context.Context, ownerID, taskID string) error {
	task, err := s.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return err
	}
	segments, err := s.segments.ListByStory(ctx, task.StoryID)
	if err != nil {
		return err
	}
	if err := checkSegmentAnchor(task, segments); err != nil {
		return err
	}
	if s.hasPendingTask(task.StoryID) {
		return fmt.Errorf("%w: story already has a generation in progress", domain.ErrTaskConflict)
	}
	return s.taskTransition(ctx, ownerID, taskID, "retry", s.queue.Retry)
}

// DismissTask удаляет завершенную задачу из списка.
func (s *StoryService) DismissTask(ctx context.Context, ownerID, taskID string) error {
	return s.taskTransition(ctx, ownerID, taskID, "dismiss", s.queue.Dismiss)
}

func (s *StoryService) taskTransition(
	ctx context.Context,
	ownerID, taskID, op string,
	fn func(context.Context, string) (bool, error),
) error {
	if _, err := s.GetTask(ctx, ownerID, taskID); err != nil {
		return err
	}
	ok, err := fn(ctx, taskID)
	if err != nil {
		s.logger.Error("Task operation failed", zap.String("op", op), zap.String("task_id", taskID), zap.Error(err))
		return err
	}
	if !ok {
		return domain.ErrTaskConflict
	}
	s.logger.Info("Task operation applied", zap.String("op", op), zap.String("task_id", taskID))
	return nil
}
