package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// ModelCatalog описывает доступные модели генерации видео и их провайдеров.
type ModelCatalog struct {
	DefaultModel string      `toml:"default_model"`
	Models       []ModelSpec `toml:"model"`
}

// ModelSpec - настройки одной модели.
type ModelSpec struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Provider  string `toml:"provider"`
	BaseURL   string `toml:"base_url"`
	APIKeyEnv string `toml:"api_key_env"`
	// SupportsImage - модель принимает начальный кадр.
	SupportsImage   bool `toml:"supports_image"`
	PollIntervalSec int  `toml:"poll_interval_sec"`
	MaxPolls        int  `toml:"max_polls"`
}

// PollInterval возвращает интервал опроса провайдера.
func (m ModelSpec) PollInterval() time.Duration {
	if m.PollIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.PollIntervalSec) * time.Second
}

// LoadModelCatalog читает каталог моделей из TOML файла.
func LoadModelCatalog(path string) (*ModelCatalog, error) {
	var catalog ModelCatalog
	if _, err := toml.DecodeFile(path, &catalog); err != nil {
		return nil, fmt.Errorf("failed to decode model catalog %s: %w", path, err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// ParseModelCatalog разбирает каталог из строки (используется в тестах).
func ParseModelCatalog(data string) (*ModelCatalog, error) {
	var catalog ModelCatalog
	if _, err := toml.Decode(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to decode model catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// Validate проверяет уникальность идентификаторов и обязательные поля.
func (c *ModelCatalog) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("model catalog is empty")
	}
	seen := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return errors.New("model catalog entry without id")
		}
		if m.Provider == "" || m.BaseURL == "" {
			return fmt.Errorf("model %q: provider and base_url are required", m.ID)
		}
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("model %q is declared twice", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	if c.DefaultModel != "" {
		if _, ok := seen[c.DefaultModel]; !ok {
			return fmt.Errorf("default model %q is not in the catalog", c.DefaultModel)
		}
	}
	return nil
}

// Lookup ищет модель по идентификатору.
func (c *ModelCatalog) Lookup(id string) (ModelSpec, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSpec{}, false
}
