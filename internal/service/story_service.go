package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"visual-novel-server/internal/choices"
	"visual-novel-server/internal/domain"
	"visual-novel-server/internal/media"
	"visual-novel-server/internal/repository"
	"visual-novel-server/pkg/taskmanager"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxTitleRunes    = 80
	// recentChoiceWindow - сколько последних выборов игрока учитывается при подсказке архетипов.
	recentChoiceWindow = 3
)

// Фазы истории
const (
	PhaseOpening = "opening"
	PhaseRising  = "rising"
	PhaseClimax  = "climax"
)

// ChoiceGenerator генерирует проверенный набор вариантов выбора.
type ChoiceGenerator interface {
	Generate(ctx context.Context, req choices.Request) ([]string, error)
}

// ModelResolver проверяет модель генерации видео.
type ModelResolver interface {
	Resolve(model string, withImage bool) (string, error)
}

// StartStoryInput - параметры новой истории.
type StartStoryInput struct {
	Title      string
	Prompt     string
	Model      string
	ImageData  []byte
	ImageModel string
}

// ContinueInput - выбор игрока и параметры генерации следующего сегмента.
type ContinueInput struct {
	Choice     string
	Model      string
	ImageData  []byte
	ImageModel string
}

// StoryService связывает истории, очередь генерации видео и генератор вариантов.
type StoryService struct {
	stories   repository.StoryRepository
	segments  repository.SegmentRepository
	uow       repository.UnitOfWork
	queue     taskmanager.Queue
	media     media.Store
	choiceGen ChoiceGenerator
	models    ModelResolver
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// NewStoryService создает сервис. Очередь подключается отдельно через AttachQueue,
// так как её обработчики ссылаются на сервис.
func NewStoryService(
	stories repository.StoryRepository,
	segments repository.SegmentRepository,
	uow repository.UnitOfWork,
	mediaStore media.Store,
	choiceGen ChoiceGenerator,
	models ModelResolver,
	logger *zap.Logger,
) *StoryService {
	return &StoryService{
		stories:   stories,
		segments:  segments,
		uow:       uow,
		media:     mediaStore,
		choiceGen: choiceGen,
		models:    models,
		logger:    logger.Named("StoryService"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// AttachQueue подключает очередь генерации.
func (s *StoryService) AttachQueue(q taskmanager.Queue) {
	s.queue = q
}

// StartStory создает историю и ставит в очередь генерацию первого сегмента.
func (s *StoryService) StartStory(ctx context.Context, ownerID string, in StartStoryInput) (*domain.Story, taskmanager.Task, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, taskmanager.Task{}, fmt.Errorf("%w: prompt is required", domain.ErrInvalidInput)
	}
	model, err := s.resolveModel(in.Model, len(in.ImageData) > 0)
	if err != nil {
		return nil, taskmanager.Task{}, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = truncateRunes(prompt, maxTitleRunes)
	}
	now := s.now()
	story := &domain.Story{
		ID:            s.newID(),
		OwnerID:       ownerID,
		Title:         title,
		InitialPrompt: prompt,
		Model:         model,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.stories.Create(ctx, story); err != nil {
		return nil, taskmanager.Task{}, err
	}

	task, err := s.queue.Enqueue(ctx, taskmanager.EnqueueInput{
		OwnerID:    ownerID,
		StoryID:    story.ID,
		Prompt:     prompt,
		Model:      model,
		ImageData:  in.ImageData,
		ImageModel: in.ImageModel,
		Intent:     taskmanager.IntentInitial,
	})
	if err != nil {
		s.logger.Error("Failed to enqueue initial generation", zap.String("story_id", story.ID), zap.Error(err))
		return nil, taskmanager.Task{}, fmt.Errorf("failed to enqueue generation: %w", err)
	}

	s.logger.Info("Story started", zap.String("story_id", story.ID), zap.String("task_id", task.ID), zap.String("model", model))
	return story, task, nil
}

// ContinueStory фиксирует выбор игрока на последнем сегменте и ставит в очередь генерацию продолжения.
func (s *StoryService) ContinueStory(ctx context.Context, ownerID, storyID, segmentID string, in ContinueInput) (taskmanager.Task, error) {
	choice := strings.TrimSpace(in.Choice)
	if choice == "" {
		return taskmanager.Task{}, fmt.Errorf("%w: choice is required", domain.ErrInvalidInput)
	}

	story, err := s.ownedStory(ctx, ownerID, storyID)
	if err != nil {
		return taskmanager.Task{}, err
	}
	segments, err := s.segments.ListByStory(ctx, storyID)
	if err != nil {
		return taskmanager.Task{}, err
	}
	if len(segments) == 0 {
		return taskmanager.Task{}, domain.ErrStoryNotReady
	}
	idx := indexOfSegment(segments, segmentID)
	if idx < 0 {
		return taskmanager.Task{}, domain.ErrNotFound
	}
	if idx != len(segments)-1 {
		return taskmanager.Task{}, fmt.Errorf("%w: only the latest segment can be continued", domain.ErrTaskConflict)
	}
	if s.hasPendingTask(storyID) {
		return taskmanager.Task{}, fmt.Errorf("%w: story already has a generation in progress", domain.ErrTaskConflict)
	}

	requested := in.Model
	if requested == "" {
		requested = story.Model
	}
	model, err := s.resolveModel(requested, len(in.ImageData) > 0)
	if err != nil {
		return taskmanager.Task{}, err
	}

	if err := s.segments.UpdateSelectedChoice(ctx, segmentID, choice); err != nil {
		return taskmanager.Task{}, err
	}
	segments[idx].SelectedChoice = choice

	task, err := s.queue.Enqueue(ctx, taskmanager.EnqueueInput{
		OwnerID:    ownerID,
		StoryID:    storyID,
		SegmentID:  segmentID,
		Prompt:     BuildContinuationPrompt(story, segments, choice),
		Model:      model,
		ImageData:  in.ImageData,
		ImageModel: in.ImageModel,
		Intent:     taskmanager.IntentContinuation,
	})
	if err != nil {
		s.logger.Error("Failed to enqueue continuation", zap.String("story_id", storyID), zap.Error(err))
		return taskmanager.Task{}, fmt.Errorf("failed to enqueue generation: %w", err)
	}

	s.logger.Info("Story continuation enqueued",
		zap.String("story_id", storyID),
		zap.String("segment_id", segmentID),
		zap.String("task_id", task.ID),
	)
	return task, nil
}

// HandleGenerationSuccess сохраняет видео и добавляет сегмент в историю.
// Вызывается очередью под её блокировкой, поэтому к очереди не обращается.
func (s *StoryService) HandleGenerationSuccess(ctx context.Context, task taskmanager.Task, result *taskmanager.VideoResult) error {
	log := s.logger.With(zap.String("task_id", task.ID), zap.String("story_id", task.StoryID))
	if result == nil || len(result.Video) == 0 {
		return errors.New("generation returned no video")
	}

	if _, err := s.stories.GetByID(ctx, task.StoryID); err != nil {
		log.Warn("Generated video belongs to a missing story", zap.Error(err))
		return fmt.Errorf("story %s: %w", task.StoryID, err)
	}
	existing, err := s.segments.ListByStory(ctx, task.StoryID)
	if err != nil {
		return err
	}
	if err := checkSegmentAnchor(task, existing); err != nil {
		log.Warn("Generated video no longer fits the story", zap.Error(err))
		return err
	}

	segmentID := s.newID()
	url, err := s.media.Save(ctx, segmentID, result.Video, result.MIMEType)
	if err != nil {
		log.Error("Failed to store generated video", zap.Error(err))
		return fmt.Errorf("failed to store video: %w", err)
	}

	metadata := make(map[string]string, len(result.Metadata)+1)
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	metadata["task_id"] = task.ID

	now := s.now()
	segment := &domain.StorySegment{
		ID:        segmentID,
		StoryID:   task.StoryID,
		Position:  len(existing),
		Prompt:    task.Prompt,
		Model:     task.Model,
		VideoURL:  url,
		MIMEType:  result.MIMEType,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.segments.Create(ctx, segment); err != nil {
		log.Error("Failed to create segment", zap.Error(err))
		return err
	}
	if err := s.stories.Touch(ctx, task.StoryID); err != nil {
		log.Warn("Failed to touch story", zap.Error(err))
	}

	segmentsCreatedTotal.WithLabelValues(string(task.Intent)).Inc()
	log.Info("Segment created", zap.String("segment_id", segmentID), zap.Int("position", segment.Position), zap.String("video_url", url))
	return nil
}

// HandleGenerationError фиксирует неудачную генерацию.
func (s *StoryService) HandleGenerationError(_ context.Context, task taskmanager.Task, err error) {
	reason := "other"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, media.ErrNotVideo):
		reason = "invalid_media"
	}
	generationFailuresTotal.WithLabelValues(reason).Inc()
	s.logger.Warn("Video generation failed",
		zap.String("task_id", task.ID),
		zap.String("story_id", task.StoryID),
		zap.String("model", task.Model),
		zap.Int("attempt", task.Attempt),
		zap.Error(err),
	)
}

// GenerateChoices возвращает варианты выбора для сегмента. Уже сохраненные
// варианты возвращаются как есть, если не запрошена повторная генерация.
func (s *StoryService) GenerateChoices(ctx context.Context, ownerID, storyID, segmentID string, regenerate bool) ([]string, error) {
	story, err := s.ownedStory(ctx, ownerID, storyID)
	if err != nil {
		return nil, err
	}
	segments, err := s.segments.ListByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	idx := indexOfSegment(segments, segmentID)
	if idx < 0 {
		return nil, domain.ErrNotFound
	}
	target := segments[idx]
	if target.HasChoices() && !regenerate {
		return target.Choices, nil
	}

	phase := StoryPhase(len(segments))
	req := choices.Request{
		StoryContext:      BuildStoryContext(story, segments[:idx+1]),
		PreviousChoices:   choiceHistory(segments),
		ProgressionHints:  progressionHints(phase),
		RecentChoiceTypes: recentChoiceTypes(segments[:idx+1]),
		StoryPhase:        phase,
	}

	generated, err := s.choiceGen.Generate(ctx, req)
	if err != nil {
		s.logger.Warn("Choice generation failed", zap.String("segment_id", segmentID), zap.Error(err))
		return nil, err
	}
	if err := s.segments.UpdateChoices(ctx, segmentID, generated); err != nil {
		return nil, err
	}

	s.logger.Info("Choices generated", zap.String("story_id", storyID), zap.String("segment_id", segmentID), zap.String("phase", phase))
	return generated, nil
}

// GetStory возвращает историю с сегментами.
func (s *StoryService) GetStory(ctx context.Context, ownerID, storyID string) (*domain.StoryWithSegments, error) {
	story, err := s.ownedStory(ctx, ownerID, storyID)
	if err != nil {
		return nil, err
	}
	segments, err := s.segments.ListByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	out := &domain.StoryWithSegments{Story: *story, Segments: make([]domain.StorySegment, 0, len(segments))}
	for _, seg := range segments {
		out.Segments = append(out.Segments, *seg)
	}
	return out, nil
}

// ListStories возвращает истории владельца.
func (s *StoryService) ListStories(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Story, error) {
	SanitizeLimit(&limit, defaultListLimit, maxListLimit)
	if offset < 0 {
		offset = 0
	}
	return s.stories.ListByOwner(ctx, ownerID, limit, offset)
}

// ExportStory формирует переносимый документ истории.
func (s *StoryService) ExportStory(ctx context.Context, ownerID, storyID string) (*domain.StoryExport, error) {
	full, err := s.GetStory(ctx, ownerID, storyID)
	if err != nil {
		return nil, err
	}
	return &domain.StoryExport{
		Version:    domain.StoryExportVersion,
		ExportedAt: s.now(),
		Story:      full.Story,
		Segments:   full.Segments,
	}, nil
}

// ImportStory создает копию истории из документа экспорта с новыми идентификаторами.
func (s *StoryService) ImportStory(ctx context.Context, ownerID string, doc *domain.StoryExport) (*domain.StoryWithSegments, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: empty export document", domain.ErrInvalidInput)
	}
	if doc.Version != domain.StoryExportVersion {
		return nil, fmt.Errorf("%w: unsupported export version %d", domain.ErrInvalidInput, doc.Version)
	}
	if strings.TrimSpace(doc.Story.InitialPrompt) == "" {
		return nil, fmt.Errorf("%w: story prompt is missing", domain.ErrInvalidInput)
	}

	now := s.now()
	story := doc.Story
	story.ID = s.newID()
	story.OwnerID = ownerID
	story.CreatedAt = now
	story.UpdatedAt = now
	if story.Title == "" {
		story.Title = truncateRunes(story.InitialPrompt, maxTitleRunes)
	}

	segments := append([]domain.StorySegment(nil), doc.Segments...)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Position < segments[j].Position })

	out := &domain.StoryWithSegments{Story: story, Segments: make([]domain.StorySegment, 0, len(segments))}
	err := s.uow.Do(ctx, func(repos repository.Repositories) error {
		if err := repos.Stories.Create(ctx, &story); err != nil {
			return err
		}
		for i, seg := range segments {
			seg.ID = s.newID()
			seg.StoryID = story.ID
			seg.Position = i
			if seg.CreatedAt.IsZero() {
				seg.CreatedAt = now
			}
			seg.UpdatedAt = now
			if err := repos.Segments.Create(ctx, &seg); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			out.Segments = append(out.Segments, seg)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to import story", zap.Error(err))
		return nil, err
	}

	s.logger.Info("Story imported", zap.String("story_id", story.ID), zap.Int("segments", len(out.Segments)))
	return out, nil
}

func (s *StoryService) ownedStory(ctx context.Context, ownerID, storyID string) (*domain.Story, error) {
	story, err := s.stories.GetByID(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.OwnerID != ownerID {
		return nil, domain.ErrForbidden
	}
	return story, nil
}

func (s *StoryService) resolveModel(model string, withImage bool) (string, error) {
	resolved, err := s.models.Resolve(model, withImage)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return resolved, nil
}

func (s *StoryService) hasPendingTask(storyID string) bool {
	for _, t := range s.queue.Tasks() {
		if t.StoryID == storyID && (t.Status == taskmanager.TaskStatusQueued || t.Status == taskmanager.TaskStatusRunning) {
			return true
		}
	}
	return false
}

// checkSegmentAnchor проверяет, что история не изменилась с момента постановки
// задачи: начальная генерация идет в пустую историю, продолжение - от последнего сегмента.
func checkSegmentAnchor(task taskmanager.Task, segments []*domain.StorySegment) error {
	if task.Intent == taskmanager.IntentContinuation {
		if len(segments) == 0 || segments[len(segments)-1].ID != task.SegmentID {
			return fmt.Errorf("%w: segment %s is no longer the latest in story %s", domain.ErrTaskConflict, task.SegmentID, task.StoryID)
		}
		return nil
	}
	if len(segments) > 0 {
		return fmt.Errorf("%w: story %s already has an opening segment", domain.ErrTaskConflict, task.StoryID)
	}
	return nil
}

func indexOfSegment(segments []*domain.StorySegment, id string) int {
	for i, seg := range segments {
		if seg.ID == id {
			return i
		}
	}
	return -1
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
