package taskmanager_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visual-novel-server/pkg/taskmanager"
)

const waitTimeout = 2 * time.Second

type genOutcome struct {
	result *taskmanager.VideoResult
	err    error
}

type genCall struct {
	req  taskmanager.VideoRequest
	done chan genOutcome
}

func (c *genCall) succeed(video string) {
	c.done <- genOutcome{result: &taskmanager.VideoResult{Video: []byte(video), MIMEType: "video/mp4"}}
}

func (c *genCall) fail(err error) {
	c.done <- genOutcome{err: err}
}

// fakeGenerator отдает управление тесту: каждый вызов Generate публикуется
// в канал calls и ждет исхода, заданного тестом.
type fakeGenerator struct {
	calls        chan *genCall
	stop         chan struct{}
	ignoreCancel bool
}

func newFakeGenerator(ignoreCancel bool) *fakeGenerator {
	return &fakeGenerator{
		calls:        make(chan *genCall, 16),
		stop:         make(chan struct{}),
		ignoreCancel: ignoreCancel,
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, req taskmanager.VideoRequest) (*taskmanager.VideoResult, error) {
	c := &genCall{req: req, done: make(chan genOutcome, 1)}
	g.calls <- c

	cancelled := ctx.Done()
	if g.ignoreCancel {
		cancelled = nil
	}
	select {
	case out := <-c.done:
		return out.result, out.err
	case <-cancelled:
		return nil, ctx.Err()
	case <-g.stop:
		return nil, context.Canceled
	}
}

func (g *fakeGenerator) next(t *testing.T) *genCall {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("video generator was not called")
		return nil
	}
}

func (g *fakeGenerator) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case c := <-g.calls:
		t.Fatalf("unexpected generator call for prompt %q", c.req.Prompt)
	case <-time.After(50 * time.Millisecond):
	}
}

// successRecorder запоминает вызовы OnSuccess/OnError.
type successRecorder struct {
	mu        sync.Mutex
	successes []taskmanager.Task
	results   []*taskmanager.VideoResult
	failures  []taskmanager.Task
	failWith  error
}

func (r *successRecorder) onSuccess(_ context.Context, task taskmanager.Task, result *taskmanager.VideoResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, task)
	r.results = append(r.results, result)
	return r.failWith
}

func (r *successRecorder) onError(_ context.Context, task taskmanager.Task, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, task)
}

func (r *successRecorder) successCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes)
}

func (r *successRecorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

// singleFlightStore проверяет инвариант "не более одной running задачи"
// после каждой записи в хранилище.
type singleFlightStore struct {
	*taskmanager.MemoryStore
	t *testing.T
}

func (s *singleFlightStore) Save(ctx context.Context, task *taskmanager.Task) error {
	if err := s.MemoryStore.Save(ctx, task); err != nil {
		return err
	}
	all, _ := s.MemoryStore.LoadAll(ctx)
	running := 0
	for _, t := range all {
		if t.Status == taskmanager.TaskStatusRunning {
			running++
		}
	}
	if running > 1 {
		s.t.Errorf("single-flight violated: %d running tasks in store", running)
	}
	return nil
}

type fixture struct {
	manager  *taskmanager.Manager
	store    *taskmanager.MemoryStore
	gen      *fakeGenerator
	recorder *successRecorder
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Second)
		return base
	}
}

func newFixture(t *testing.T, ignoreCancel bool) *fixture {
	t.Helper()
	store := taskmanager.NewMemoryStore()
	return newFixtureWithStore(t, store, &singleFlightStore{MemoryStore: store, t: t}, ignoreCancel)
}

func newFixtureWithStore(t *testing.T, mem *taskmanager.MemoryStore, store taskmanager.TaskStore, ignoreCancel bool) *fixture {
	t.Helper()
	gen := newFakeGenerator(ignoreCancel)
	rec := &successRecorder{}
	m, err := taskmanager.New(taskmanager.Config{
		OnSuccess: rec.onSuccess,
		OnError:   rec.onError,
		Clock:     steppingClock(),
	}, store, gen)
	require.NoError(t, err)

	t.Cleanup(func() {
		close(gen.stop)
		m.Close()
	})
	return &fixture{manager: m, store: mem, gen: gen, recorder: rec}
}

func (f *fixture) enqueue(t *testing.T, prompt string) taskmanager.Task {
	t.Helper()
	task, err := f.manager.Enqueue(context.Background(), taskmanager.EnqueueInput{
		StoryID:   "story-1",
		SegmentID: "segment-" + prompt,
		Prompt:    prompt,
		Model:     "m",
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) status(t *testing.T, id string) taskmanager.TaskStatus {
	t.Helper()
	task, err := f.manager.GetTask(id)
	require.NoError(t, err)
	return task.Status
}

func (f *fixture) waitStatus(t *testing.T, id string, status taskmanager.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := f.manager.GetTask(id)
		return err == nil && task.Status == status
	}, waitTimeout, 5*time.Millisecond, "task %s did not reach %s", id, status)
}

func (f *fixture) waitGone(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := f.manager.GetTask(id)
		return errors.Is(err, taskmanager.ErrTaskNotFound)
	}, waitTimeout, 5*time.Millisecond, "task %s was not removed", id)
}

func TestManager_EndToEndTwoTasks(t *testing.T) {
	f := newFixture(t, false)

	a := f.enqueue(t, "P1")
	assert.Equal(t, taskmanager.TaskStatusQueued, a.Status, "Enqueue returns the task as created")
	b := f.enqueue(t, "P2")

	assert.Equal(t, taskmanager.TaskStatusRunning, f.status(t, a.ID))
	assert.Equal(t, taskmanager.TaskStatusQueued, f.status(t, b.ID))
	require.NotNil(t, f.manager.ActiveTask())
	assert.Equal(t, a.ID, f.manager.ActiveTask().ID)
	assert.Equal(t, 2, f.manager.PendingCount())

	callA := f.gen.next(t)
	assert.Equal(t, "P1", callA.req.Prompt)
	assert.Equal(t, "m", callA.req.Model)
	f.gen.assertIdle(t)

	callA.succeed("video-A")

	f.waitGone(t, a.ID)
	f.waitStatus(t, b.ID, taskmanager.TaskStatusRunning)

	_, stored := f.store.Get(a.ID)
	assert.False(t, stored, "succeeded task must be removed from storage")
	require.Equal(t, 1, f.recorder.successCount())
	assert.Equal(t, a.ID, f.recorder.successes[0].ID)
	assert.Equal(t, []byte("video-A"), f.recorder.results[0].Video)

	callB := f.gen.next(t)
	assert.Equal(t, "P2", callB.req.Prompt)
	callB.succeed("video-B")
	f.waitGone(t, b.ID)
	assert.Equal(t, 0, f.manager.PendingCount())
	assert.Nil(t, f.manager.ActiveTask())
}

func TestManager_FIFOPromotion(t *testing.T) {
	f := newFixture(t, false)

	ids := []string{
		f.enqueue(t, "t1").ID,
		f.enqueue(t, "t2").ID,
		f.enqueue(t, "t3").ID,
	}

	var order []string
	for i := range ids {
		call := f.gen.next(t)
		order = append(order, call.req.Prompt)
		call.succeed(fmt.Sprintf("video-%d", i))
		f.waitGone(t, ids[i])
	}

	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
	assert.Equal(t, 3, f.recorder.successCount())
}

func TestManager_SingleFlightAcrossOperations(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assertSingleFlight := func() {
		t.Helper()
		running := 0
		for _, task := range f.manager.Tasks() {
			if task.Status == taskmanager.TaskStatusRunning {
				running++
			}
		}
		assert.LessOrEqual(t, running, 1)
	}

	a := f.enqueue(t, "a")
	b := f.enqueue(t, "b")
	c := f.enqueue(t, "c")
	assertSingleFlight()

	callA := f.gen.next(t)
	ok, err := f.manager.Cancel(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assertSingleFlight()
	assert.Equal(t, taskmanager.TaskStatusRunning, f.status(t, b.ID))

	ok, err = f.manager.Retry(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assertSingleFlight()
	assert.Equal(t, taskmanager.TaskStatusQueued, f.status(t, a.ID))

	callA.succeed("stale")
	callB := f.gen.next(t)
	callB.fail(errors.New("provider down"))
	f.waitStatus(t, b.ID, taskmanager.TaskStatusFailed)
	assertSingleFlight()

	f.waitStatus(t, c.ID, taskmanager.TaskStatusRunning)
	ok, err = f.manager.Retry(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assertSingleFlight()

	callC := f.gen.next(t)
	assert.Equal(t, "c", callC.req.Prompt)
	callC.succeed("video-c")
	f.waitGone(t, c.ID)

	// После c очередь: a (повтор), затем b (повтор).
	callA2 := f.gen.next(t)
	assert.Equal(t, "a", callA2.req.Prompt)
	assertSingleFlight()
	callA2.succeed("video-a")
	f.waitGone(t, a.ID)

	callB2 := f.gen.next(t)
	assert.Equal(t, "b", callB2.req.Prompt)
	callB2.succeed("video-b")
	f.waitGone(t, b.ID)

	assert.Equal(t, 3, f.recorder.successCount(), "stale result of the first run of a must not be applied")
}

func TestManager_CancelRunningSuppressesResult(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a := f.enqueue(t, "P1")
	b := f.enqueue(t, "P2")
	callA := f.gen.next(t)

	ok, err := f.manager.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	cancelled, err := f.manager.GetTask(a.ID)
	require.NoError(t, err)
	assert.Equal(t, taskmanager.TaskStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.Suppressed)
	assert.NotNil(t, cancelled.CompletedAt)

	// Следующая задача продвигается сразу после отмены.
	assert.Equal(t, taskmanager.TaskStatusRunning, f.status(t, b.ID))
	f.gen.next(t)

	callA.succeed("late video")

	require.Never(t, func() bool { return f.recorder.successCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	stored, ok := f.store.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, taskmanager.TaskStatusCancelled, stored.Status, "stale result must not resurrect the task")
	assert.Equal(t, taskmanager.TaskStatusCancelled, f.status(t, a.ID))
}

func TestManager_CancelRunningSuppressesFailure(t *testing.T) {
	f := newFixture(t, true)

	a := f.enqueue(t, "P1")
	callA := f.gen.next(t)

	ok, err := f.manager.Cancel(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	callA.fail(errors.New("boom"))
	require.Never(t, func() bool { return f.recorder.failureCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	task, err := f.manager.GetTask(a.ID)
	require.NoError(t, err)
	assert.Equal(t, taskmanager.TaskStatusCancelled, task.Status)
	assert.Empty(t, task.Error)
}

func TestManager_CancelQueuedRemovesTask(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a := f.enqueue(t, "P1")
	b := f.enqueue(t, "P2")

	ok, err := f.manager.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.manager.GetTask(b.ID)
	assert.ErrorIs(t, err, taskmanager.ErrTaskNotFound)
	_, stored := f.store.Get(b.ID)
	assert.False(t, stored)

	f.gen.next(t).succeed("video-A")
	f.waitGone(t, a.ID)
	f.gen.assertIdle(t)
}

func TestManager_CancelUnknownOrTerminal(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	ok, err := f.manager.Cancel(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	a := f.enqueue(t, "P1")
	f.gen.next(t).fail(errors.New("quota exceeded"))
	f.waitStatus(t, a.ID, taskmanager.TaskStatusFailed)

	ok, err = f.manager.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "failed task cannot be cancelled")
}

func TestManager_FailureIsRecorded(t *testing.T) {
	f := newFixture(t, false)

	a := f.enqueue(t, "P1")
	f.gen.next(t).fail(errors.New("quota exceeded"))
	f.waitStatus(t, a.ID, taskmanager.TaskStatusFailed)

	task, err := f.manager.GetTask(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "quota exceeded", task.Error)
	assert.NotNil(t, task.CompletedAt)

	stored, ok := f.store.Get(a.ID)
	require.True(t, ok, "failed task stays in storage")
	assert.Equal(t, taskmanager.TaskStatusFailed, stored.Status)
	assert.Equal(t, "quota exceeded", stored.Error)

	require.Eventually(t, func() bool { return f.recorder.failureCount() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 0, f.recorder.successCount())
	assert.Equal(t, 0, f.manager.PendingCount())
}

func TestManager_RetryResetsTerminalState(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a := f.enqueue(t, "P1")
	f.gen.next(t).fail(errors.New("timeout"))
	f.waitStatus(t, a.ID, taskmanager.TaskStatusFailed)
	failed, err := f.manager.GetTask(a.ID)
	require.NoError(t, err)

	b := f.enqueue(t, "P2")
	callB := f.gen.next(t)
	c := f.enqueue(t, "P3")

	ok, err := f.manager.Retry(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	retried, err := f.manager.GetTask(a.ID)
	require.NoError(t, err)
	assert.Equal(t, taskmanager.TaskStatusQueued, retried.Status)
	assert.Empty(t, retried.Error)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.True(t, retried.CreatedAt.After(failed.CreatedAt), "createdAt is refreshed")

	tasks := f.manager.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{b.ID, c.ID, a.ID}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID}, "retried task goes to the back")

	ok, err = f.manager.Retry(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok, "queued task cannot be retried")
	ok, err = f.manager.Retry(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok, "running task cannot be retried")

	callB.succeed("video-B")
	f.waitGone(t, b.ID)
	ok, err = f.manager.Retry(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok, "succeeded task is gone and cannot be retried")

	assert.Equal(t, "P3", f.gen.next(t).req.Prompt)
}

func TestManager_DismissRemovesTerminalTask(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a := f.enqueue(t, "P1")
	f.gen.next(t).fail(errors.New("bad prompt"))
	f.waitStatus(t, a.ID, taskmanager.TaskStatusFailed)

	ok, err := f.manager.Dismiss(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, stored := f.store.Get(a.ID)
	assert.False(t, stored)

	b := f.enqueue(t, "P2")
	ok, err = f.manager.Dismiss(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok, "running task cannot be dismissed")
}

func TestManager_SuccessHandlerErrorFailsTask(t *testing.T) {
	f := newFixture(t, false)
	f.recorder.failWith = errors.New("segment store unavailable")

	a := f.enqueue(t, "P1")
	f.gen.next(t).succeed("video")
	f.waitStatus(t, a.ID, taskmanager.TaskStatusFailed)

	task, err := f.manager.GetTask(a.ID)
	require.NoError(t, err)
	assert.Contains(t, task.Error, "segment store unavailable")
}

func TestManager_GeneratorPanicFailsTask(t *testing.T) {
	store := taskmanager.NewMemoryStore()
	m, err := taskmanager.New(taskmanager.Config{}, store, panicGenerator{})
	require.NoError(t, err)
	defer m.Close()

	task, err := m.Enqueue(context.Background(), taskmanager.EnqueueInput{Prompt: "P", Model: "m"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.GetTask(task.ID)
		return err == nil && got.Status == taskmanager.TaskStatusFailed
	}, waitTimeout, 5*time.Millisecond)
}

type panicGenerator struct{}

func (panicGenerator) Generate(context.Context, taskmanager.VideoRequest) (*taskmanager.VideoResult, error) {
	panic("provider client bug")
}

func TestManager_LoadResumesRunningTask(t *testing.T) {
	ctx := context.Background()
	store := taskmanager.NewMemoryStore()
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, &taskmanager.Task{
		ID: "queued-1", Prompt: "second", Model: "m", Status: taskmanager.TaskStatusQueued,
		CreatedAt: started.Add(time.Minute),
	}))
	require.NoError(t, store.Save(ctx, &taskmanager.Task{
		ID: "running-1", Prompt: "first", Model: "m", Status: taskmanager.TaskStatusRunning,
		CreatedAt: started, StartedAt: &started, Attempt: 1,
	}))
	require.NoError(t, store.Save(ctx, &taskmanager.Task{
		ID: "failed-1", Prompt: "old", Model: "m", Status: taskmanager.TaskStatusFailed,
		Error: "quota", CreatedAt: started.Add(-time.Hour),
	}))

	f := newFixtureWithStore(t, store, store, false)
	require.NoError(t, f.manager.Load(ctx))

	call := f.gen.next(t)
	assert.Equal(t, "first", call.req.Prompt, "running task is resumed before queued ones")
	resumed, err := f.manager.GetTask("running-1")
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.Attempt)
	assert.Equal(t, taskmanager.TaskStatusQueued, f.status(t, "queued-1"))
	assert.Equal(t, taskmanager.TaskStatusFailed, f.status(t, "failed-1"))
	assert.Equal(t, 2, f.manager.PendingCount())

	call.succeed("video")
	f.waitGone(t, "running-1")
	assert.Equal(t, "second", f.gen.next(t).req.Prompt)
}

func TestManager_ShutdownKeepsInterruptedTaskRunning(t *testing.T) {
	ctx := context.Background()
	store := taskmanager.NewMemoryStore()
	gen := newFakeGenerator(false)
	m, err := taskmanager.New(taskmanager.Config{}, store, gen)
	require.NoError(t, err)

	task, err := m.Enqueue(ctx, taskmanager.EnqueueInput{Prompt: "P", Model: "m"})
	require.NoError(t, err)
	gen.next(t)

	shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Shutdown(shutdownCtx))
	m.Close()

	stored, ok := store.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, taskmanager.TaskStatusRunning, stored.Status)

	_, err = m.Enqueue(ctx, taskmanager.EnqueueInput{Prompt: "late"})
	assert.ErrorIs(t, err, taskmanager.ErrManagerClosed)
}

// faultyStore отказывает в удалении задач и в первых failRunningSaves
// записях со статусом running.
type faultyStore struct {
	*taskmanager.MemoryStore
	failDelete bool

	mu               sync.Mutex
	failRunningSaves int
}

func (s *faultyStore) Save(ctx context.Context, task *taskmanager.Task) error {
	s.mu.Lock()
	if task.Status == taskmanager.TaskStatusRunning && s.failRunningSaves > 0 {
		s.failRunningSaves--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, task)
}

func (s *faultyStore) Delete(ctx context.Context, taskID string) error {
	if s.failDelete {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Delete(ctx, taskID)
}

func TestManager_SucceededTaskNotReappliedWhenDeleteFails(t *testing.T) {
	ctx := context.Background()
	mem := taskmanager.NewMemoryStore()
	store := &faultyStore{MemoryStore: mem, failDelete: true}

	f := newFixtureWithStore(t, mem, store, false)
	task := f.enqueue(t, "P1")
	f.gen.next(t).succeed("video")
	f.waitGone(t, task.ID)
	assert.Equal(t, 1, f.recorder.successCount())

	stored, ok := mem.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, taskmanager.TaskStatusSucceeded, stored.Status)

	restarted := newFixtureWithStore(t, mem, store, false)
	require.NoError(t, restarted.manager.Load(ctx))
	restarted.gen.assertIdle(t)
	assert.Zero(t, restarted.recorder.successCount())
	assert.Zero(t, restarted.manager.PendingCount())
}

func TestManager_PromotionRetriedAfterStoreFailure(t *testing.T) {
	mem := taskmanager.NewMemoryStore()
	store := &faultyStore{MemoryStore: mem, failRunningSaves: 1}
	gen := newFakeGenerator(false)
	m, err := taskmanager.New(taskmanager.Config{RescheduleDelay: 10 * time.Millisecond}, store, gen)
	require.NoError(t, err)
	t.Cleanup(func() {
		close(gen.stop)
		m.Close()
	})

	task, err := m.Enqueue(context.Background(), taskmanager.EnqueueInput{Prompt: "P1", Model: "m"})
	require.NoError(t, err)

	call := gen.next(t)
	assert.Equal(t, "P1", call.req.Prompt)
	active := m.ActiveTask()
	require.NotNil(t, active)
	assert.Equal(t, task.ID, active.ID)

	stored, ok := mem.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, taskmanager.TaskStatusRunning, stored.Status)
}

func TestManager_EnqueueKeepsOwner(t *testing.T) {
	f := newFixture(t, false)
	task, err := f.manager.Enqueue(context.Background(), taskmanager.EnqueueInput{
		OwnerID: "user-1", StoryID: "story-1", Prompt: "P1", Model: "m",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", task.OwnerID)

	stored, ok := f.store.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, "user-1", stored.OwnerID)
}
