package http

import (
	"time"

	"visual-novel-server/pkg/taskmanager"
)

// image_data передается в JSON как base64 строка.
type startStoryRequest struct {
	Title      string `json:"title"`
	Prompt     string `json:"prompt" binding:"required"`
	Model      string `json:"model"`
	ImageData  []byte `json:"image_data"`
	ImageModel string `json:"image_model"`
}

type continueRequest struct {
	Choice     string `json:"choice" binding:"required"`
	Model      string `json:"model"`
	ImageData  []byte `json:"image_data"`
	ImageModel string `json:"image_model"`
}

type modelResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsImage bool   `json:"supports_image"`
}

// taskResponse - задача без исходного изображения.
type taskResponse struct {
	ID          string                 `json:"id"`
	StoryID     string                 `json:"story_id"`
	SegmentID   string                 `json:"segment_id,omitempty"`
	Prompt      string                 `json:"prompt"`
	Model       string                 `json:"model"`
	Intent      taskmanager.Intent     `json:"intent"`
	Status      taskmanager.TaskStatus `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Attempt     int                    `json:"attempt"`
	HasImage    bool                   `json:"has_image"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

type queueStatusResponse struct {
	Active  *taskResponse `json:"active"`
	Pending int           `json:"pending"`
}

func toTaskResponse(t taskmanager.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		StoryID:     t.StoryID,
		SegmentID:   t.SegmentID,
		Prompt:      t.Prompt,
		Model:       t.Model,
		Intent:      t.Intent,
		Status:      t.Status,
		Error:       t.Error,
		Attempt:     t.Attempt,
		HasImage:    len(t.ImageData) > 0,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}
