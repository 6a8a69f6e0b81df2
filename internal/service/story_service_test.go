package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"visual-novel-server/internal/choices"
	"visual-novel-server/internal/domain"
	"visual-novel-server/internal/mocks"
	"visual-novel-server/internal/repository"
	"visual-novel-server/internal/service"
	"visual-novel-server/pkg/taskmanager"
)

const owner = "player-1"

type stubResolver struct {
	err error
}

func (r stubResolver) Resolve(model string, _ bool) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if model == "" {
		return "veo-3-fast", nil
	}
	return model, nil
}

type fixture struct {
	svc      *service.StoryService
	stories  *repository.MemoryStoryRepository
	segments *repository.MemorySegmentRepository
	queue    *mocks.MockQueue
	media    *mocks.MockMediaStore
	choices  *mocks.MockChoiceGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stories:  repository.NewMemoryStoryRepository(),
		segments: repository.NewMemorySegmentRepository(),
		queue:    mocks.NewMockQueue(t),
		media:    mocks.NewMockMediaStore(t),
		choices:  mocks.NewMockChoiceGenerator(t),
	}
	f.svc = service.NewStoryService(
		f.stories,
		f.segments,
		repository.NewDirectUnitOfWork(f.stories, f.segments),
		f.media,
		f.choices,
		stubResolver{},
		zap.NewNop(),
	)
	f.svc.AttachQueue(f.queue)
	return f
}

// seedStory создает историю с n сегментами.
func (f *fixture) seedStory(t *testing.T, n int) (*domain.Story, []*domain.StorySegment) {
	t.Helper()
	ctx := context.Background()
	story := &domain.Story{ID: "story-1", OwnerID: owner, Title: "Tower", InitialPrompt: "A knight at the gate", Model: "veo-3-fast"}
	require.NoError(t, f.stories.Create(ctx, story))
	segs := make([]*domain.StorySegment, 0, n)
	for i := 0; i < n; i++ {
		seg := &domain.StorySegment{
			ID:       "seg-" + string(rune('a'+i)),
			StoryID:  story.ID,
			Position: i,
			Prompt:   "scene " + string(rune('a'+i)),
			VideoURL: "/media/x.mp4",
		}
		require.NoError(t, f.segments.Create(ctx, seg))
		segs = append(segs, seg)
	}
	return story, segs
}

func TestStartStory_EnqueuesInitialTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(in taskmanager.EnqueueInput) bool {
		return in.Intent == taskmanager.IntentInitial && in.Prompt == "A lighthouse keeper finds a map" &&
			in.Model == "veo-3-fast" && in.OwnerID == owner
	})).Return(taskmanager.Task{ID: "task-1", Status: taskmanager.TaskStatusQueued}, nil).Once()

	story, task, err := f.svc.StartStory(ctx, owner, service.StartStoryInput{Prompt: "  A lighthouse keeper finds a map "})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "A lighthouse keeper finds a map", story.Title)
	assert.Equal(t, owner, story.OwnerID)

	stored, err := f.stories.GetByID(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, "veo-3-fast", stored.Model)
}

func TestStartStory_Validation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.StartStory(context.Background(), owner, service.StartStoryInput{Prompt: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	bad := service.NewStoryService(f.stories, f.segments, repository.NewDirectUnitOfWork(f.stories, f.segments),
		f.media, f.choices, stubResolver{err: errors.New("unknown model")}, zap.NewNop())
	bad.AttachQueue(f.queue)
	_, _, err = bad.StartStory(context.Background(), owner, service.StartStoryInput{Prompt: "p", Model: "nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHandleGenerationSuccess_AppendsSegments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, _ := f.seedStory(t, 0)

	f.media.On("Save", mock.Anything, mock.AnythingOfType("string"), []byte("video"), "video/mp4").
		Return("/media/clip.mp4", nil).Twice()

	task := taskmanager.Task{ID: "task-1", StoryID: story.ID, Prompt: "opening", Model: "veo-3-fast", Intent: taskmanager.IntentInitial}
	result := &taskmanager.VideoResult{Video: []byte("video"), MIMEType: "video/mp4", Metadata: map[string]string{"provider": "veo"}}
	require.NoError(t, f.svc.HandleGenerationSuccess(ctx, task, result))

	opening, err := f.segments.ListByStory(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, opening, 1)

	task.ID = "task-2"
	task.Intent = taskmanager.IntentContinuation
	task.SegmentID = opening[0].ID
	require.NoError(t, f.svc.HandleGenerationSuccess(ctx, task, result))

	segs, err := f.segments.ListByStory(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, 0, segs[0].Position)
	assert.Equal(t, 1, segs[1].Position)
	assert.Equal(t, "/media/clip.mp4", segs[0].VideoURL)
	assert.Equal(t, "task-1", segs[0].Metadata["task_id"])
	assert.Equal(t, "veo", segs[0].Metadata["provider"])
}

func TestHandleGenerationSuccess_RejectsStaleAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, segs := f.seedStory(t, 2)
	result := &taskmanager.VideoResult{Video: []byte("video"), MIMEType: "video/mp4"}

	stale := taskmanager.Task{ID: "t1", StoryID: story.ID, SegmentID: segs[0].ID, Intent: taskmanager.IntentContinuation}
	assert.ErrorIs(t, f.svc.HandleGenerationSuccess(ctx, stale, result), domain.ErrTaskConflict)

	opening := taskmanager.Task{ID: "t2", StoryID: story.ID, Intent: taskmanager.IntentInitial}
	assert.ErrorIs(t, f.svc.HandleGenerationSuccess(ctx, opening, result), domain.ErrTaskConflict)

	stored, err := f.segments.ListByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	f.media.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryTask_ContinuationGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, segs := f.seedStory(t, 2)

	// Продолжение от сегмента, который уже не последний.
	f.queue.On("GetTask", "stale").Return(taskmanager.Task{
		ID: "stale", StoryID: story.ID, SegmentID: segs[0].ID,
		Intent: taskmanager.IntentContinuation, Status: taskmanager.TaskStatusFailed,
	}, nil)
	assert.ErrorIs(t, f.svc.RetryTask(ctx, owner, "stale"), domain.ErrTaskConflict)

	latest := taskmanager.Task{
		ID: "latest", StoryID: story.ID, SegmentID: segs[1].ID,
		Intent: taskmanager.IntentContinuation, Status: taskmanager.TaskStatusFailed,
	}
	f.queue.On("GetTask", "latest").Return(latest, nil)

	f.queue.On("Tasks").Return([]taskmanager.Task{
		latest,
		{ID: "other", StoryID: story.ID, Status: taskmanager.TaskStatusQueued},
	}).Once()
	assert.ErrorIs(t, f.svc.RetryTask(ctx, owner, "latest"), domain.ErrTaskConflict)

	f.queue.On("Tasks").Return([]taskmanager.Task{latest}).Once()
	f.queue.On("Retry", mock.Anything, "latest").Return(true, nil).Once()
	assert.NoError(t, f.svc.RetryTask(ctx, owner, "latest"))
	f.queue.AssertNumberOfCalls(t, "Retry", 1)
}

func TestHandleGenerationSuccess_MissingStory(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleGenerationSuccess(context.Background(),
		taskmanager.Task{ID: "t", StoryID: "gone"},
		&taskmanager.VideoResult{Video: []byte("v"), MIMEType: "video/mp4"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestContinueStory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, segs := f.seedStory(t, 2)

	f.queue.On("Tasks").Return([]taskmanager.Task{
		{ID: "old", StoryID: story.ID, Status: taskmanager.TaskStatusSucceeded},
	})
	f.queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(in taskmanager.EnqueueInput) bool {
		return in.Intent == taskmanager.IntentContinuation &&
			in.SegmentID == segs[1].ID &&
			in.Model == story.Model
	})).Return(taskmanager.Task{ID: "task-2"}, nil).Once()

	task, err := f.svc.ContinueStory(ctx, owner, story.ID, segs[1].ID, service.ContinueInput{Choice: "Climb the tower"})
	require.NoError(t, err)
	assert.Equal(t, "task-2", task.ID)

	stored, err := f.segments.GetByID(ctx, segs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Climb the tower", stored.SelectedChoice)
}

func TestContinueStory_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, segs := f.seedStory(t, 2)

	_, err := f.svc.ContinueStory(ctx, "intruder", story.ID, segs[1].ID, service.ContinueInput{Choice: "x"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.ContinueStory(ctx, owner, story.ID, segs[1].ID, service.ContinueInput{Choice: " "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.ContinueStory(ctx, owner, story.ID, segs[0].ID, service.ContinueInput{Choice: "x"})
	assert.ErrorIs(t, err, domain.ErrTaskConflict)

	_, err = f.svc.ContinueStory(ctx, owner, story.ID, "missing", service.ContinueInput{Choice: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.queue.On("Tasks").Return([]taskmanager.Task{
		{ID: "busy", StoryID: story.ID, Status: taskmanager.TaskStatusRunning},
	}).Once()
	_, err = f.svc.ContinueStory(ctx, owner, story.ID, segs[1].ID, service.ContinueInput{Choice: "x"})
	assert.ErrorIs(t, err, domain.ErrTaskConflict)
}

func TestGenerateChoices_PersistsAndReuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, segs := f.seedStory(t, 1)

	generated := []string{"Run", "Climb to the distant crumbling tower", "Sneak past the guards"}
	f.choices.On("Generate", mock.Anything, mock.MatchedBy(func(req choices.Request) bool {
		return req.StoryPhase == service.PhaseOpening &&
			len(req.ProgressionHints) > 0 &&
			strings.Contains(req.StoryContext, "A knight at the gate")
	})).Return(generated, nil).Once()

	got, err := f.svc.GenerateChoices(ctx, owner, story.ID, segs[0].ID, false)
	require.NoError(t, err)
	assert.Equal(t, generated, got)

	// Сохраненные варианты возвращаются без повторной генерации.
	again, err := f.svc.GenerateChoices(ctx, owner, story.ID, segs[0].ID, false)
	require.NoError(t, err)
	assert.Equal(t, generated, again)
}

func TestGenerateChoices_RegenerateUsesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, segs := f.seedStory(t, 3)
	require.NoError(t, f.segments.UpdateChoices(ctx, segs[2].ID, []string{"Open the door"}))
	require.NoError(t, f.segments.UpdateSelectedChoice(ctx, segs[1].ID, "Fight the guard"))

	f.choices.On("Generate", mock.Anything, mock.MatchedBy(func(req choices.Request) bool {
		return req.StoryPhase == service.PhaseRising &&
			len(req.PreviousChoices) == 1 && req.PreviousChoices[0] == "Open the door" &&
			len(req.RecentChoiceTypes) == 1
	})).Return([]string{"a", "b", "c"}, nil).Once()

	got, err := f.svc.GenerateChoices(ctx, owner, story.ID, segs[2].ID, true)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestGenerateChoices_Exhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, segs := f.seedStory(t, 1)

	f.choices.On("Generate", mock.Anything, mock.Anything).Return(nil, choices.ErrChoiceGenerationExhausted).Once()

	_, err := f.svc.GenerateChoices(ctx, owner, story.ID, segs[0].ID, false)
	assert.ErrorIs(t, err, choices.ErrChoiceGenerationExhausted)

	stored, err := f.segments.GetByID(ctx, segs[0].ID)
	require.NoError(t, err)
	assert.False(t, stored.HasChoices())
}

func TestExportImport_AssignsFreshIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, segs := f.seedStory(t, 2)
	require.NoError(t, f.segments.UpdateChoices(ctx, segs[1].ID, []string{"x", "y"}))

	doc, err := f.svc.ExportStory(ctx, owner, story.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StoryExportVersion, doc.Version)
	require.Len(t, doc.Segments, 2)

	imported, err := f.svc.ImportStory(ctx, "player-2", doc)
	require.NoError(t, err)
	assert.NotEqual(t, story.ID, imported.Story.ID)
	assert.Equal(t, "player-2", imported.Story.OwnerID)
	require.Len(t, imported.Segments, 2)
	for i, seg := range imported.Segments {
		assert.Equal(t, imported.Story.ID, seg.StoryID)
		assert.Equal(t, i, seg.Position)
		assert.NotEqual(t, segs[i].ID, seg.ID)
	}
	assert.Equal(t, []string{"x", "y"}, imported.Segments[1].Choices)

	full, err := f.svc.GetStory(ctx, "player-2", imported.Story.ID)
	require.NoError(t, err)
	assert.Len(t, full.Segments, 2)

	_, err = f.svc.GetStory(ctx, owner, imported.Story.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestImportStory_RejectsUnknownVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ImportStory(context.Background(), owner, &domain.StoryExport{Version: 99})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTaskTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, _ := f.seedStory(t, 0)
	task := taskmanager.Task{ID: "task-1", StoryID: story.ID, Status: taskmanager.TaskStatusSucceeded}

	f.queue.On("GetTask", "task-1").Return(task, nil)
	f.queue.On("GetTask", "missing").Return(taskmanager.Task{}, taskmanager.ErrTaskNotFound)
	f.queue.On("Cancel", mock.Anything, "task-1").Return(false, nil).Once()
	f.queue.On("Dismiss", mock.Anything, "task-1").Return(true, nil).Once()

	assert.ErrorIs(t, f.svc.CancelTask(ctx, owner, "task-1"), domain.ErrTaskConflict)
	assert.NoError(t, f.svc.DismissTask(ctx, owner, "task-1"))
	assert.ErrorIs(t, f.svc.RetryTask(ctx, owner, "missing"), domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.RetryTask(ctx, "intruder", "task-1"), domain.ErrForbidden)
}

func TestListTasks_FiltersByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story, _ := f.seedStory(t, 0)
	require.NoError(t, f.stories.Create(ctx, &domain.Story{ID: "other", OwnerID: "player-2", InitialPrompt: "p"}))

	f.queue.On("Tasks").Return([]taskmanager.Task{
		{ID: "a", StoryID: story.ID},
		{ID: "b", StoryID: "other"},
		{ID: "c", StoryID: story.ID},
	})

	tasks, err := f.svc.ListTasks(ctx, owner)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "c", tasks[1].ID)
}

func TestStoryPhase(t *testing.T) {
	assert.Equal(t, service.PhaseOpening, service.StoryPhase(0))
	assert.Equal(t, service.PhaseOpening, service.StoryPhase(1))
	assert.Equal(t, service.PhaseRising, service.StoryPhase(2))
	assert.Equal(t, service.PhaseRising, service.StoryPhase(4))
	assert.Equal(t, service.PhaseClimax, service.StoryPhase(5))
}
