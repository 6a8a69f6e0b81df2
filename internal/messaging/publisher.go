package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"visual-novel-server/pkg/taskmanager"
)

const (
	publishTimeout = 5 * time.Second
	eventBuffer    = 512
)

// Типы событий задач
const (
	EventTaskUpdated = "task.updated"
	EventTaskRemoved = "task.removed"
)

// TaskEvent - событие жизненного цикла задачи генерации.
type TaskEvent struct {
	Type       string                 `json:"type"`
	TaskID     string                 `json:"task_id"`
	OwnerID    string                 `json:"owner_id,omitempty"`
	StoryID    string                 `json:"story_id,omitempty"`
	SegmentID  string                 `json:"segment_id,omitempty"`
	Intent     taskmanager.Intent     `json:"intent,omitempty"`
	Status     taskmanager.TaskStatus `json:"status,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Attempt    int                    `json:"attempt,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Channel - часть *amqp.Channel, используемая публикатором.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// TaskEventPublisher публикует события очереди в fanout exchange.
// Методы Notifier не блокируются: события буферизуются и отправляются из Run.
type TaskEventPublisher struct {
	channel  Channel
	exchange string
	log      zerolog.Logger
	now      func() time.Time
	events   chan TaskEvent

	mu     sync.Mutex
	closed bool
}

var _ taskmanager.Notifier = (*TaskEventPublisher)(nil)

// NewTaskEventPublisher объявляет exchange и создает публикатор.
func NewTaskEventPublisher(ch Channel, exchange string, logger zerolog.Logger) (*TaskEventPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	return &TaskEventPublisher{
		channel:  ch,
		exchange: exchange,
		log:      logger.With().Str("component", "TaskEventPublisher").Str("exchange", exchange).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		events:   make(chan TaskEvent, eventBuffer),
	}, nil
}

// TaskUpdated ставит в буфер событие об изменении задачи.
func (p *TaskEventPublisher) TaskUpdated(task taskmanager.Task) {
	p.enqueue(TaskEvent{
		Type:       EventTaskUpdated,
		TaskID:     task.ID,
		OwnerID:    task.OwnerID,
		StoryID:    task.StoryID,
		SegmentID:  task.SegmentID,
		Intent:     task.Intent,
		Status:     task.Status,
		Error:      task.Error,
		Attempt:    task.Attempt,
		OccurredAt: p.now(),
	})
}

// TaskRemoved ставит в буфер событие об удалении задачи.
func (p *TaskEventPublisher) TaskRemoved(taskID string) {
	p.enqueue(TaskEvent{Type: EventTaskRemoved, TaskID: taskID, OccurredAt: p.now()})
}

func (p *TaskEventPublisher) enqueue(ev TaskEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warn().Str("task_id", ev.TaskID).Str("type", ev.Type).Msg("Event buffer is full, event dropped")
	}
}

// Run публикует события до отмены ctx или вызова Close.
func (p *TaskEventPublisher) Run(ctx context.Context) {
	p.log.Info().Msg("Task event publisher started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Task event publisher stopped")
			return
		case ev, ok := <-p.events:
			if !ok {
				p.log.Info().Msg("Task event publisher drained")
				return
			}
			if err := p.publish(ctx, ev); err != nil {
				p.log.Error().Err(err).Str("task_id", ev.TaskID).Str("type", ev.Type).Msg("Failed to publish task event")
			}
		}
	}
}

func (p *TaskEventPublisher) publish(ctx context.Context, ev TaskEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.channel.PublishWithContext(ctx, p.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	})
}

// Close прекращает прием событий. Run завершится после отправки буфера.
func (p *TaskEventPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	return nil
}

// Connect подключается к RabbitMQ с повторными попытками.
func Connect(ctx context.Context, url string, maxTries uint, delay time.Duration, logger zerolog.Logger) (*amqp.Connection, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (*amqp.Connection, error) {
		attempt++
		conn, err := amqp.Dial(url)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Failed to connect to RabbitMQ")
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(delay)), backoff.WithMaxTries(maxTries))
}
