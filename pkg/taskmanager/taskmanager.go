package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrTaskNotFound - задача с указанным ID отсутствует в очереди.
	ErrTaskNotFound = errors.New("task not found")
	// ErrManagerClosed - менеджер остановлен и не принимает новые задачи.
	ErrManagerClosed = errors.New("task manager is closed")
)

// Queue определяет интерфейс очереди генерации для потребителей
type Queue interface {
	Enqueue(ctx context.Context, in EnqueueInput) (Task, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	Retry(ctx context.Context, taskID string) (bool, error)
	Dismiss(ctx context.Context, taskID string) (bool, error)
	GetTask(taskID string) (Task, error)
	Tasks() []Task
	ActiveTask() *Task
	PendingCount() int
}

var _ Queue = (*Manager)(nil)

// Config содержит зависимости и обработчики Manager
type Config struct {
	// OnSuccess вызывается под внутренней блокировкой менеджера и не должен
	// обращаться к методам Manager.
	OnSuccess SuccessHandler
	OnError   ErrorHandler
	Notifier  Notifier
	Logger    *zerolog.Logger
	// RescheduleDelay - начальная пауза перед повторным продвижением очереди,
	// если хранилище не приняло запись.
	RescheduleDelay time.Duration
	// Clock и NewID переопределяются в тестах.
	Clock func() time.Time
	NewID func() string
}

const defaultRescheduleDelay = time.Second

// execution описывает запуск генерации, выполняющийся в этом процессе.
type execution struct {
	attempt int
	cancel  context.CancelFunc
}

type event struct {
	task    *Task
	removed string
}

// Manager - очередь генерации с единственной выполняющейся задачей.
// Задачи продвигаются строго в порядке FIFO, каждый переход состояния
// сначала записывается в TaskStore, затем применяется в памяти.
type Manager struct {
	store     TaskStore
	generator VideoGenerator
	onSuccess SuccessHandler
	onError   ErrorHandler
	notifier  Notifier
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string

	mu         sync.Mutex
	tasks      []*Task // порядок очереди
	executions map[string]*execution
	events     []event
	closed     bool

	rescheduleBackoff *backoff.ExponentialBackOff
	rescheduleTimer   *time.Timer

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// New создает новый экземпляр Manager. Сохраненные задачи загружаются через Load.
func New(cfg Config, store TaskStore, generator VideoGenerator) (*Manager, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if generator == nil {
		return nil, errors.New("video generator is required")
	}

	m := &Manager{
		store:      store,
		generator:  generator,
		onSuccess:  cfg.OnSuccess,
		onError:    cfg.OnError,
		notifier:   cfg.Notifier,
		now:        cfg.Clock,
		newID:      cfg.NewID,
		executions: make(map[string]*execution),
	}
	delay := cfg.RescheduleDelay
	if delay <= 0 {
		delay = defaultRescheduleDelay
	}
	m.rescheduleBackoff = backoff.NewExponentialBackOff()
	m.rescheduleBackoff.InitialInterval = delay
	m.rescheduleBackoff.MaxInterval = 30 * delay
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "GenerationQueue").Logger()
	} else {
		m.log = zerolog.Nop()
	}
	if m.notifier == nil {
		m.notifier = noopNotifier{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	m.baseCtx, m.cancelAll = context.WithCancel(m.log.WithContext(context.Background()))
	return m, nil
}

// Load загружает все сохраненные задачи как есть и запускает планировщик.
// Задача, сохраненная в статусе running, будет запущена повторно.
func (m *Manager) Load(ctx context.Context) error {
	stored, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load generation tasks: %w", err)
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].CreatedAt.Before(stored[j].CreatedAt) })

	m.mu.Lock()
	known := make(map[string]struct{}, len(m.tasks))
	for _, t := range m.tasks {
		known[t.ID] = struct{}{}
	}

	seenRunning := m.runningLocked() != nil
	for _, t := range stored {
		if _, ok := known[t.ID]; ok {
			continue
		}
		if t.Status == TaskStatusSucceeded {
			// Успешные задачи не должны оставаться в хранилище.
			if err := m.store.Delete(ctx, t.ID); err != nil {
				m.log.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to delete stale succeeded task")
			}
			continue
		}
		if t.Status == TaskStatusRunning {
			if seenRunning {
				requeued := t.clone()
				requeued.Status = TaskStatusQueued
				requeued.StartedAt = nil
				if err := m.store.Save(ctx, &requeued); err != nil {
					m.mu.Unlock()
					return fmt.Errorf("failed to requeue task %s: %w", t.ID, err)
				}
				m.log.Warn().Str("task_id", t.ID).Msg("Second running task found on load, moved back to queue")
				t = &requeued
			}
			seenRunning = true
		}
		m.tasks = append(m.tasks, t)
		m.emitLocked(t)
	}
	m.log.Info().Int("tasks", len(stored)).Msg("Generation tasks loaded")
	m.scheduleLocked(ctx)
	events := m.drainLocked()
	m.mu.Unlock()

	m.dispatch(events)
	return nil
}

// Enqueue создает задачу в статусе queued, сохраняет ее и сразу возвращает.
func (m *Manager) Enqueue(ctx context.Context, in EnqueueInput) (Task, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Task{}, ErrManagerClosed
	}

	intent := in.Intent
	if intent == "" {
		intent = IntentInitial
	}
	task := &Task{
		ID:         m.newID(),
		OwnerID:    in.OwnerID,
		StoryID:    in.StoryID,
		SegmentID:  in.SegmentID,
		Prompt:     in.Prompt,
		Model:      in.Model,
		ImageData:  in.ImageData,
		ImageModel: in.ImageModel,
		Intent:     intent,
		Status:     TaskStatusQueued,
		CreatedAt:  m.now(),
	}
	if err := m.store.Save(ctx, task); err != nil {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("failed to save task: %w", err)
	}
	created := task.clone()
	m.tasks = append(m.tasks, task)
	m.emitLocked(task)
	taskTransitionsTotal.WithLabelValues(string(TaskStatusQueued)).Inc()

	m.log.Info().Str("task_id", task.ID).Str("segment_id", task.SegmentID).Str("model", task.Model).Msg("Task enqueued")

	m.scheduleLocked(ctx)
	events := m.drainLocked()
	m.mu.Unlock()

	m.dispatch(events)
	return created, nil
}

// Cancel отменяет задачу. Задача в очереди удаляется, у выполняющейся задачи
// результат будет отброшен. Возвращает false, если задача не найдена или
// уже находится в конечном состоянии.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer func() {
		events := m.drainLocked()
		m.mu.Unlock()
		m.dispatch(events)
	}()

	idx, task := m.findLocked(taskID)
	if task == nil {
		return false, nil
	}

	switch task.Status {
	case TaskStatusQueued:
		if err := m.store.Delete(ctx, taskID); err != nil {
			return false, fmt.Errorf("failed to delete cancelled task: %w", err)
		}
		m.removeAtLocked(idx)
		m.log.Info().Str("task_id", taskID).Msg("Queued task cancelled and removed")
	case TaskStatusRunning:
		updated := task.clone()
		now := m.now()
		updated.Status = TaskStatusCancelled
		updated.Suppressed = true
		updated.CompletedAt = &now
		if err := m.store.Save(ctx, &updated); err != nil {
			return false, fmt.Errorf("failed to save cancelled task: %w", err)
		}
		*task = updated
		if exec, ok := m.executions[taskID]; ok {
			exec.cancel()
		}
		m.emitLocked(task)
		m.log.Info().Str("task_id", taskID).Int("attempt", task.Attempt).Msg("Running task cancelled, result will be discarded")
	default:
		return false, nil
	}

	taskTransitionsTotal.WithLabelValues(string(TaskStatusCancelled)).Inc()
	m.scheduleLocked(ctx)
	return true, nil
}

// Retry возвращает failed или cancelled задачу в конец очереди.
func (m *Manager) Retry(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer func() {
		events := m.drainLocked()
		m.mu.Unlock()
		m.dispatch(events)
	}()

	if m.closed {
		return false, ErrManagerClosed
	}
	idx, task := m.findLocked(taskID)
	if task == nil || (task.Status != TaskStatusFailed && task.Status != TaskStatusCancelled) {
		return false, nil
	}

	updated := task.clone()
	updated.Status = TaskStatusQueued
	updated.Error = ""
	updated.StartedAt = nil
	updated.CompletedAt = nil
	updated.Suppressed = false
	updated.CreatedAt = m.now()
	if err := m.store.Save(ctx, &updated); err != nil {
		return false, fmt.Errorf("failed to save retried task: %w", err)
	}
	*task = updated
	m.removeAtLocked(idx)
	m.tasks = append(m.tasks, task)
	m.emitLocked(task)
	taskTransitionsTotal.WithLabelValues(string(TaskStatusQueued)).Inc()

	m.log.Info().Str("task_id", taskID).Msg("Task requeued for retry")
	m.scheduleLocked(ctx)
	return true, nil
}

// Dismiss удаляет failed или cancelled задачу из очереди и хранилища.
func (m *Manager) Dismiss(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer func() {
		events := m.drainLocked()
		m.mu.Unlock()
		m.dispatch(events)
	}()

	idx, task := m.findLocked(taskID)
	if task == nil || (task.Status != TaskStatusFailed && task.Status != TaskStatusCancelled) {
		return false, nil
	}
	if err := m.store.Delete(ctx, taskID); err != nil {
		return false, fmt.Errorf("failed to delete dismissed task: %w", err)
	}
	m.removeAtLocked(idx)
	m.log.Info().Str("task_id", taskID).Msg("Task dismissed")
	m.scheduleLocked(ctx)
	return true, nil
}

// GetTask возвращает снимок задачи по ID
func (m *Manager) GetTask(taskID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, task := m.findLocked(taskID)
	if task == nil {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.clone(), nil
}

// Tasks возвращает снимки всех задач в порядке очереди
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	return out
}

// ActiveTask возвращает выполняющуюся задачу или nil
func (m *Manager) ActiveTask() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t := m.runningLocked(); t != nil {
		c := t.clone()
		return &c
	}
	return nil
}

// PendingCount возвращает количество задач в статусах queued и running
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

// Shutdown прекращает продвижение очереди и ожидает завершения текущих запусков.
// Прерванная по таймауту задача остается в хранилище как running и
// будет возобновлена при следующем Load.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.stopRescheduleLocked()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancelAll()
		return nil
	case <-ctx.Done():
		m.cancelAll()
		return errors.New("timeout waiting for generation tasks to finish")
	}
}

// Close немедленно прерывает текущие запуски и ожидает их завершения
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.stopRescheduleLocked()
	m.mu.Unlock()

	m.cancelAll()
	m.wg.Wait()
}

// scheduleLocked продвигает очередь: если нет выполняющейся задачи, старейшая
// queued задача переводится в running. Выполняющаяся задача без запуска в этом
// процессе (загруженная из хранилища) запускается повторно.
func (m *Manager) scheduleLocked(ctx context.Context) {
	taskPending.Set(float64(m.pendingLocked()))
	if m.closed {
		return
	}

	if running := m.runningLocked(); running != nil {
		if _, ok := m.executions[running.ID]; !ok {
			m.resumeLocked(ctx, running)
		}
		return
	}

	for _, t := range m.tasks {
		if t.Status != TaskStatusQueued {
			continue
		}
		updated := t.clone()
		now := m.now()
		updated.Status = TaskStatusRunning
		updated.StartedAt = &now
		updated.Attempt++
		if err := m.store.Save(ctx, &updated); err != nil {
			m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist task promotion")
			m.rescheduleLaterLocked()
			return
		}
		m.rescheduleBackoff.Reset()
		*t = updated
		m.emitLocked(t)
		taskTransitionsTotal.WithLabelValues(string(TaskStatusRunning)).Inc()
		m.log.Info().Str("task_id", t.ID).Int("attempt", t.Attempt).Msg("Task promoted to running")
		m.startLocked(t)
		return
	}
}

func (m *Manager) resumeLocked(ctx context.Context, task *Task) {
	updated := task.clone()
	updated.Attempt++
	if updated.StartedAt == nil {
		now := m.now()
		updated.StartedAt = &now
	}
	if err := m.store.Save(ctx, &updated); err != nil {
		m.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist resumed task")
		m.rescheduleLaterLocked()
		return
	}
	m.rescheduleBackoff.Reset()
	*task = updated
	m.emitLocked(task)
	m.log.Warn().Str("task_id", task.ID).Int("attempt", task.Attempt).Msg("Resuming task that was running before restart")
	m.startLocked(task)
}

// rescheduleLaterLocked повторяет продвижение очереди после паузы, чтобы
// однократный сбой хранилища не оставил очередь без выполняющейся задачи.
func (m *Manager) rescheduleLaterLocked() {
	if m.closed || m.rescheduleTimer != nil {
		return
	}
	delay := m.rescheduleBackoff.NextBackOff()
	m.log.Warn().Dur("delay", delay).Msg("Queue promotion postponed")
	m.rescheduleTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.rescheduleTimer = nil
		m.scheduleLocked(m.baseCtx)
		events := m.drainLocked()
		m.mu.Unlock()
		m.dispatch(events)
	})
}

func (m *Manager) stopRescheduleLocked() {
	if m.rescheduleTimer != nil {
		m.rescheduleTimer.Stop()
		m.rescheduleTimer = nil
	}
}

// startLocked запускает генерацию для задачи в отдельной горутине.
func (m *Manager) startLocked(task *Task) {
	execCtx, cancel := context.WithCancel(m.baseCtx)
	m.executions[task.ID] = &execution{attempt: task.Attempt, cancel: cancel}

	snapshot := task.clone()
	req := VideoRequest{
		Prompt:     snapshot.Prompt,
		Model:      snapshot.Model,
		ImageData:  snapshot.ImageData,
		ImageModel: snapshot.ImageModel,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		startedAt := time.Now()
		result, err := m.generate(execCtx, req)
		if err == nil && result == nil {
			err = errors.New("video generator returned no result")
		}
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())

		m.complete(snapshot, result, err)
	}()
}

// generate вызывает генератор, превращая панику в ошибку.
func (m *Manager) generate(ctx context.Context, req VideoRequest) (result *VideoResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("video generator panicked: %v", r)
		}
	}()
	return m.generator.Generate(ctx, req)
}

// complete применяет результат запуска. Результат отбрасывается, если задача
// удалена, отменена или уже перезапущена.
func (m *Manager) complete(snapshot Task, result *VideoResult, genErr error) {
	ctx := m.log.WithContext(context.Background())
	var notifyErr *Task

	m.mu.Lock()
	if exec, ok := m.executions[snapshot.ID]; ok && exec.attempt == snapshot.Attempt {
		delete(m.executions, snapshot.ID)
	}

	_, task := m.findLocked(snapshot.ID)
	switch {
	case task == nil || task.Status != TaskStatusRunning || task.Suppressed || task.Attempt != snapshot.Attempt:
		taskResultsDiscarded.Inc()
		m.log.Info().Str("task_id", snapshot.ID).Int("attempt", snapshot.Attempt).Msg("Discarding result of cancelled or superseded run")
	case genErr != nil && m.closed && errors.Is(genErr, context.Canceled):
		m.log.Warn().Str("task_id", snapshot.ID).Msg("Generation interrupted by shutdown, task stays running")
	default:
		if genErr == nil && m.onSuccess != nil {
			if cbErr := m.onSuccess(ctx, task.clone(), result); cbErr != nil {
				genErr = fmt.Errorf("failed to apply generation result: %w", cbErr)
			}
		}
		if genErr == nil {
			m.finishSucceededLocked(ctx, task)
		} else {
			failed := m.finishFailedLocked(ctx, task, genErr)
			notifyErr = &failed
		}
	}

	m.scheduleLocked(ctx)
	events := m.drainLocked()
	m.mu.Unlock()

	m.dispatch(events)
	if notifyErr != nil && m.onError != nil {
		m.onError(ctx, *notifyErr, genErr)
	}
}

// finishSucceededLocked удаляет задачу из хранилища. Если удалить не удалось,
// запись помечается succeeded: Load не запустит ее повторно.
func (m *Manager) finishSucceededLocked(ctx context.Context, task *Task) {
	if err := m.store.Delete(ctx, task.ID); err != nil {
		m.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to delete succeeded task from store")
		done := task.clone()
		now := m.now()
		done.Status = TaskStatusSucceeded
		done.CompletedAt = &now
		if err := m.store.Save(ctx, &done); err != nil {
			m.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to mark succeeded task in store")
		}
	}
	idx, _ := m.findLocked(task.ID)
	m.removeAtLocked(idx)
	taskTransitionsTotal.WithLabelValues(string(TaskStatusSucceeded)).Inc()
	m.log.Info().Str("task_id", task.ID).Msg("Task succeeded")
}

func (m *Manager) finishFailedLocked(ctx context.Context, task *Task, genErr error) Task {
	updated := task.clone()
	now := m.now()
	updated.Status = TaskStatusFailed
	updated.Error = genErr.Error()
	updated.CompletedAt = &now
	if err := m.store.Save(ctx, &updated); err != nil {
		m.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist failed task")
	}
	*task = updated
	m.emitLocked(task)
	taskTransitionsTotal.WithLabelValues(string(TaskStatusFailed)).Inc()
	m.log.Error().Err(genErr).Str("task_id", task.ID).Msg("Task failed")
	return updated.clone()
}

func (m *Manager) findLocked(taskID string) (int, *Task) {
	for i, t := range m.tasks {
		if t.ID == taskID {
			return i, t
		}
	}
	return -1, nil
}

func (m *Manager) removeAtLocked(idx int) {
	if idx < 0 || idx >= len(m.tasks) {
		return
	}
	id := m.tasks[idx].ID
	m.tasks = append(m.tasks[:idx], m.tasks[idx+1:]...)
	m.events = append(m.events, event{removed: id})
}

func (m *Manager) runningLocked() *Task {
	for _, t := range m.tasks {
		if t.Status == TaskStatusRunning {
			return t
		}
	}
	return nil
}

func (m *Manager) pendingLocked() int {
	n := 0
	for _, t := range m.tasks {
		if t.Status == TaskStatusQueued || t.Status == TaskStatusRunning {
			n++
		}
	}
	return n
}

func (m *Manager) emitLocked(task *Task) {
	c := task.clone()
	m.events = append(m.events, event{task: &c})
}

func (m *Manager) drainLocked() []event {
	events := m.events
	m.events = nil
	return events
}

func (m *Manager) dispatch(events []event) {
	for _, e := range events {
		if e.task != nil {
			m.notifier.TaskUpdated(*e.task)
		} else {
			m.notifier.TaskRemoved(e.removed)
		}
	}
}
