package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"visual-novel-server/shared/logger"
)

// Допустимые драйверы хранилищ
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"

	MediaDriverLocal = "local"
	MediaDriverGCS   = "gcs"
)

// Config структура для хранения всей конфигурации приложения.
type Config struct {
	AppEnv     string `env:"APP_ENV" env-default:"development"`
	ServerPort string `env:"SERVER_PORT" env-default:"8080"`
	Logger     logger.Config

	// StorageDriver - хранилище историй и сегментов (postgres или memory).
	StorageDriver string `env:"STORAGE_DRIVER" env-default:"postgres"`
	// TaskStoreDriver - хранилище задач генерации (postgres, redis или memory).
	TaskStoreDriver    string `env:"TASK_STORE_DRIVER" env-default:"postgres"`
	ModelCatalogPath   string `env:"MODEL_CATALOG_PATH" env-default:"configs/models.toml"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" env-default:""`

	Database DatabaseConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	AI       AIConfig
	Media    MediaConfig
	Auth     AuthConfig
	Queue    QueueConfig
}

// DatabaseConfig содержит конфигурацию базы данных
type DatabaseConfig struct {
	Host     string `env:"DB_HOST" env-default:"localhost"`
	Port     int    `env:"DB_PORT" env-default:"5432"`
	User     string `env:"DB_USER" env-default:"postgres"`
	Password string `env:"DB_PASSWORD" env-default:"postgres"`
	Name     string `env:"DB_NAME" env-default:"visual_novel"`
	SSLMode  string `env:"DB_SSL_MODE" env-default:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNECTIONS" env-default:"10"`
}

// DSN возвращает строку подключения в формате URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// RedisConfig конфигурация Redis для хранилища задач.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	DB       int    `env:"REDIS_DB" env-default:"0"`
	TasksKey string `env:"REDIS_TASKS_KEY" env-default:"generation_tasks"`
}

// RabbitMQConfig конфигурация для публикации событий задач. Пустой URL отключает публикацию.
type RabbitMQConfig struct {
	URL      string `env:"RABBITMQ_URL" env-default:""`
	Exchange string `env:"RABBITMQ_TASK_EVENTS_EXCHANGE" env-default:"generation_task_events"`
}

// AIConfig содержит конфигурацию клиента LLM для генерации вариантов выбора
type AIConfig struct {
	ClientType         string        `env:"AI_CLIENT_TYPE" env-default:"openai"`
	APIKey             string        `env:"AI_API_KEY" env-default:""`
	BaseURL            string        `env:"AI_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model              string        `env:"AI_MODEL" env-default:"gpt-4o-mini"`
	Timeout            time.Duration `env:"AI_TIMEOUT" env-default:"60s"`
	MaxTokens          int           `env:"AI_MAX_TOKENS" env-default:"400"`
	ContextTokenBudget int           `env:"AI_CONTEXT_TOKEN_BUDGET" env-default:"2000"`
	RequestsPerMinute  int           `env:"AI_REQUESTS_PER_MINUTE" env-default:"30"`
}

// MediaConfig конфигурация хранилища сгенерированных видео.
type MediaConfig struct {
	Driver        string `env:"MEDIA_DRIVER" env-default:"local"`
	SavePath      string `env:"MEDIA_SAVE_PATH" env-default:"./data/media"`
	PublicBaseURL string `env:"MEDIA_PUBLIC_BASE_URL" env-default:"/media"`
	GCSBucket     string `env:"MEDIA_GCS_BUCKET" env-default:""`
	GCSPrefix     string `env:"MEDIA_GCS_PREFIX" env-default:"segments"`
	MaxVideoBytes int64  `env:"MEDIA_MAX_VIDEO_BYTES" env-default:"209715200"`
}

// AuthConfig - пустой секрет отключает проверку JWT.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET" env-default:""`
}

// QueueConfig настройки очереди генерации.
type QueueConfig struct {
	ShutdownTimeout time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

// Load загружает конфигурацию из переменных окружения и .env файла.
func Load() (*Config, error) {
	// Загружаем .env файл (игнорируем ошибку, если файла нет)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.TaskStoreDriver {
	case DriverPostgres, DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unsupported TASK_STORE_DRIVER %q", c.TaskStoreDriver)
	}
	switch c.Media.Driver {
	case MediaDriverLocal:
	case MediaDriverGCS:
		if c.Media.GCSBucket == "" {
			return errors.New("MEDIA_GCS_BUCKET is required when MEDIA_DRIVER=gcs")
		}
	default:
		return fmt.Errorf("unsupported MEDIA_DRIVER %q", c.Media.Driver)
	}
	if c.AI.ClientType == "openai" && c.AI.APIKey == "" {
		return errors.New("AI_API_KEY is required for the openai client")
	}
	return nil
}

// UsesPostgres сообщает, нужен ли пул PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.StorageDriver == DriverPostgres || c.TaskStoreDriver == DriverPostgres
}

// GetAllowedOrigins возвращает список разрешенных CORS origin.
func (c *Config) GetAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
