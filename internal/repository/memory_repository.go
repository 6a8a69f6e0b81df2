package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"visual-novel-server/internal/domain"
)

var (
	_ StoryRepository   = (*MemoryStoryRepository)(nil)
	_ SegmentRepository = (*MemorySegmentRepository)(nil)
)

// MemoryStoryRepository - хранилище историй в памяти процесса.
type MemoryStoryRepository struct {
	mu      sync.RWMutex
	stories map[string]domain.Story
}

// NewMemoryStoryRepository создает пустое хранилище историй.
func NewMemoryStoryRepository() *MemoryStoryRepository {
	return &MemoryStoryRepository{stories: make(map[string]domain.Story)}
}

func (r *MemoryStoryRepository) Create(_ context.Context, story *domain.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stories[story.ID]; ok {
		return fmt.Errorf("story %s already exists: %w", story.ID, domain.ErrInvalidInput)
	}
	r.stories[story.ID] = *story
	return nil
}

func (r *MemoryStoryRepository) GetByID(_ context.Context, id string) (*domain.Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	story, ok := r.stories[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &story, nil
}

func (r *MemoryStoryRepository) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*domain.Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := make([]*domain.Story, 0)
	for _, s := range r.stories {
		if s.OwnerID == ownerID {
			story := s
			owned = append(owned, &story)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID < owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	if offset >= len(owned) {
		return []*domain.Story{}, nil
	}
	owned = owned[offset:]
	if limit > 0 && limit < len(owned) {
		owned = owned[:limit]
	}
	return owned, nil
}

func (r *MemoryStoryRepository) Touch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	story, ok := r.stories[id]
	if !ok {
		return domain.ErrNotFound
	}
	story.UpdatedAt = time.Now().UTC()
	r.stories[id] = story
	return nil
}

// MemorySegmentRepository - хранилище сегментов в памяти процесса.
type MemorySegmentRepository struct {
	mu       sync.RWMutex
	segments map[string]domain.StorySegment
}

// NewMemorySegmentRepository создает пустое хранилище сегментов.
func NewMemorySegmentRepository() *MemorySegmentRepository {
	return &MemorySegmentRepository{segments: make(map[string]domain.StorySegment)}
}

func (r *MemorySegmentRepository) Create(_ context.Context, segment *domain.StorySegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.segments {
		if s.StoryID == segment.StoryID && s.Position == segment.Position {
			return fmt.Errorf("segment %d of story %s already exists: %w", segment.Position, segment.StoryID, domain.ErrTaskConflict)
		}
	}
	r.segments[segment.ID] = copySegment(*segment)
	return nil
}

func (r *MemorySegmentRepository) GetByID(_ context.Context, id string) (*domain.StorySegment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.segments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := copySegment(s)
	return &c, nil
}

func (r *MemorySegmentRepository) ListByStory(_ context.Context, storyID string) ([]*domain.StorySegment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.StorySegment, 0)
	for _, s := range r.segments {
		if s.StoryID == storyID {
			c := copySegment(s)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *MemorySegmentRepository) UpdateChoices(_ context.Context, id string, choices []string) error {
	return r.update(id, func(s *domain.StorySegment) {
		s.Choices = append([]string(nil), choices...)
	})
}

func (r *MemorySegmentRepository) UpdateSelectedChoice(_ context.Context, id string, choice string) error {
	return r.update(id, func(s *domain.StorySegment) {
		s.SelectedChoice = choice
	})
}

func (r *MemorySegmentRepository) update(id string, fn func(*domain.StorySegment)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segments[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&s)
	s.UpdatedAt = time.Now().UTC()
	r.segments[id] = s
	return nil
}

func copySegment(s domain.StorySegment) domain.StorySegment {
	if s.Choices != nil {
		s.Choices = append([]string(nil), s.Choices...)
	}
	if s.Metadata != nil {
		m := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			m[k] = v
		}
		s.Metadata = m
	}
	return s
}
