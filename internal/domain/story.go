package domain

import "time"

// Story - интерактивная история, составленная из видео-сегментов.
type Story struct {
	ID            string    `json:"id" db:"id"`
	OwnerID       string    `json:"owner_id" db:"owner_id"`
	Title         string    `json:"title" db:"title"`
	InitialPrompt string    `json:"initial_prompt" db:"initial_prompt"`
	Model         string    `json:"model" db:"model"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// StorySegment - один сгенерированный шаг истории: промпт, видео и варианты выбора.
type StorySegment struct {
	ID             string            `json:"id" db:"id"`
	StoryID        string            `json:"story_id" db:"story_id"`
	Position       int               `json:"position" db:"position"`
	Prompt         string            `json:"prompt" db:"prompt"`
	Model          string            `json:"model" db:"model"`
	VideoURL       string            `json:"video_url" db:"video_url"`
	MIMEType       string            `json:"mime_type" db:"mime_type"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
	Choices        []string          `json:"choices,omitempty" db:"choices"`
	SelectedChoice string            `json:"selected_choice,omitempty" db:"selected_choice"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// HasChoices сообщает, были ли уже сгенерированы варианты для сегмента.
func (s *StorySegment) HasChoices() bool {
	return len(s.Choices) > 0
}

// StoryWithSegments - история вместе с упорядоченными сегментами.
type StoryWithSegments struct {
	Story    Story          `json:"story"`
	Segments []StorySegment `json:"segments"`
}

// StoryExportVersion - версия формата экспорта.
const StoryExportVersion = 1

// StoryExport - документ экспорта истории.
type StoryExport struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exported_at"`
	Story      Story          `json:"story"`
	Segments   []StorySegment `json:"segments"`
}

// AnonymousOwner используется, когда аутентификация отключена.
const AnonymousOwner = "anonymous"
