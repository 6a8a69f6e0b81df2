package taskmanager

import (
	"context"
	"time"
)

// TaskStatus представляет статус задачи генерации
type TaskStatus string

// Возможные статусы задач
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Intent определяет, начинает ли задача историю или продолжает ее
type Intent string

const (
	IntentInitial      Intent = "initial"
	IntentContinuation Intent = "continuation"
)

// Task представляет единицу работы по генерации видео-сегмента.
// Параметры генерации неизменяемы после создания, статус меняет только Manager.
type Task struct {
	ID         string     `json:"id" db:"id"`
	OwnerID    string     `json:"owner_id" db:"owner_id"`
	StoryID    string     `json:"story_id" db:"story_id"`
	SegmentID  string     `json:"segment_id" db:"segment_id"`
	Prompt     string     `json:"prompt" db:"prompt"`
	Model      string     `json:"model" db:"model"`
	ImageData  []byte     `json:"image_data,omitempty" db:"image_data"`
	ImageModel string     `json:"image_model,omitempty" db:"image_model"`
	Intent     Intent     `json:"intent" db:"intent"`
	Status     TaskStatus `json:"status" db:"status"`
	Error      string     `json:"error,omitempty" db:"error"`
	// Suppressed выставляется при отмене выполняющейся задачи: результат ее
	// текущего запуска будет отброшен.
	Suppressed bool `json:"suppressed" db:"suppressed"`
	// Attempt увеличивается при каждом переводе в running.
	Attempt     int        `json:"attempt" db:"attempt"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal сообщает, находится ли задача в конечном (видимом пользователю) состоянии.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusFailed || t.Status == TaskStatusCancelled || t.Status == TaskStatusSucceeded
}

// clone возвращает независимую копию задачи.
func (t *Task) clone() Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.ImageData != nil {
		c.ImageData = append([]byte(nil), t.ImageData...)
	}
	return c
}

// EnqueueInput содержит параметры новой задачи генерации.
type EnqueueInput struct {
	// OwnerID - владелец задачи, события видны только ему.
	OwnerID    string
	StoryID    string
	SegmentID  string
	Prompt     string
	Model      string
	ImageData  []byte
	ImageModel string
	Intent     Intent
}

// VideoRequest - запрос к внешнему генератору видео.
type VideoRequest struct {
	Prompt     string
	Model      string
	ImageData  []byte
	ImageModel string
}

// VideoResult - результат генерации видео.
type VideoResult struct {
	Video    []byte
	MIMEType string
	Metadata map[string]string
}

// VideoGenerator - единый интерфейс генерации видео поверх конкретных провайдеров.
type VideoGenerator interface {
	Generate(ctx context.Context, req VideoRequest) (*VideoResult, error)
}

// TaskStore - постоянное хранилище задач.
// Save должен надежно сохранить запись до возврата.
type TaskStore interface {
	Save(ctx context.Context, task *Task) error
	Delete(ctx context.Context, taskID string) error
	LoadAll(ctx context.Context) ([]*Task, error)
}

// SuccessHandler вызывается один раз для успешно завершенного запуска задачи.
// Ошибка переводит задачу в failed.
type SuccessHandler func(ctx context.Context, task Task, result *VideoResult) error

// ErrorHandler вызывается, когда генерация завершилась ошибкой.
type ErrorHandler func(ctx context.Context, task Task, err error)
