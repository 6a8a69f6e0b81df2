package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/zap"

	"visual-novel-server/internal/ai"
	"visual-novel-server/internal/choices"
	"visual-novel-server/internal/config"
	"visual-novel-server/internal/database"
	deliveryhttp "visual-novel-server/internal/delivery/http"
	"visual-novel-server/internal/delivery/http/middleware"
	"visual-novel-server/internal/delivery/websocket"
	"visual-novel-server/internal/media"
	"visual-novel-server/internal/messaging"
	"visual-novel-server/internal/provider"
	"visual-novel-server/internal/repository"
	"visual-novel-server/internal/service"
	pgdatabase "visual-novel-server/pkg/database"
	"visual-novel-server/pkg/taskmanager"
	"visual-novel-server/shared/logger"
)

const (
	httpShutdownTimeout = 10 * time.Second
	providerHTTPTimeout = 2 * time.Minute
	rabbitMaxTries      = 5
	rabbitRetryDelay    = 5 * time.Second
)

// closer - ресурс, который закрывается при остановке.
type closer struct {
	name string
	fn   func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	zap.ReplaceGlobals(zapLogger)
	zl := logger.NewZerolog(cfg.Logger)

	zapLogger.Info("Starting visual-novel-server",
		zap.String("env", cfg.AppEnv),
		zap.String("storage_driver", cfg.StorageDriver),
		zap.String("task_store_driver", cfg.TaskStoreDriver),
		zap.String("media_driver", cfg.Media.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger, zl); err != nil {
		zapLogger.Fatal("Server terminated with error", zap.Error(err))
	}
	zapLogger.Info("Server exiting")
}

func run(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger, zl zerolog.Logger) error {
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				zapLogger.Warn("Failed to close resource", zap.String("resource", closers[i].name), zap.Error(err))
			}
		}
	}()

	catalog, err := config.LoadModelCatalog(cfg.ModelCatalogPath)
	if err != nil {
		return err
	}

	var db *pgdatabase.Database
	if cfg.UsesPostgres() {
		db, err = pgdatabase.New(ctx, pgdatabase.Config{DSN: cfg.Database.DSN(), MaxConns: cfg.Database.MaxConns}, zapLogger)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"postgres", func() error { db.Close(); return nil }})
		if err := database.ApplyMigrations(ctx, db.Pool, zl); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	// --- Хранилища ---
	var (
		stories  repository.StoryRepository
		segments repository.SegmentRepository
		uow      repository.UnitOfWork
	)
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		stories = repository.NewPgStoryRepository(db.Pool, zapLogger)
		segments = repository.NewPgSegmentRepository(db.Pool, zapLogger)
		uow = repository.NewPgUnitOfWork(db.Pool, zapLogger)
	default:
		memStories, memSegments := repository.NewMemoryStoryRepository(), repository.NewMemorySegmentRepository()
		stories, segments = memStories, memSegments
		uow = repository.NewDirectUnitOfWork(memStories, memSegments)
	}

	taskStore, err := newTaskStore(ctx, cfg, db, zapLogger, &closers)
	if err != nil {
		return err
	}

	mediaStore, err := newMediaStore(ctx, cfg, zapLogger, &closers)
	if err != nil {
		return err
	}

	// --- Генерация ---
	videoRouter := provider.NewRouter(catalog, &http.Client{Timeout: providerHTTPTimeout}, zapLogger)

	aiClient, err := ai.NewAIClient(cfg.AI, zapLogger)
	if err != nil {
		return fmt.Errorf("failed to create AI client: %w", err)
	}
	choiceGen := choices.NewGenerator(ai.NewChoiceSuggester(aiClient, cfg.AI, zapLogger), zapLogger)

	storyService := service.NewStoryService(stories, segments, uow, mediaStore, choiceGen, videoRouter, zapLogger)

	// --- Уведомления ---
	var verifier *middleware.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		if verifier, err = middleware.NewJWTVerifier(cfg.Auth.JWTSecret); err != nil {
			return err
		}
	} else {
		zapLogger.Warn("JWT_SECRET is empty, API runs without authentication")
	}

	var wsVerifier websocket.TokenVerifier
	if verifier != nil {
		wsVerifier = verifier
	}
	hub := websocket.NewHub(wsVerifier, cfg.GetAllowedOrigins(), zl)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	closers = append(closers, closer{"websocket hub", func() error { stopHub(); return nil }})

	notifiers := taskmanager.MultiNotifier{hub}
	if cfg.RabbitMQ.URL != "" {
		publisher, err := newEventPublisher(ctx, cfg.RabbitMQ, zl, &closers)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, publisher)
	}

	// --- Очередь генерации ---
	manager, err := taskmanager.New(taskmanager.Config{
		OnSuccess: storyService.HandleGenerationSuccess,
		OnError:   storyService.HandleGenerationError,
		Notifier:  notifiers,
		Logger:    &zl,
	}, taskStore, videoRouter)
	if err != nil {
		return fmt.Errorf("failed to create task manager: %w", err)
	}
	storyService.AttachQueue(manager)
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("failed to load persisted tasks: %w", err)
	}

	// --- HTTP ---
	mediaDir, mediaPrefix := "", ""
	if cfg.Media.Driver == config.MediaDriverLocal && strings.HasPrefix(cfg.Media.PublicBaseURL, "/") {
		mediaDir, mediaPrefix = cfg.Media.SavePath, cfg.Media.PublicBaseURL
	}
	router := deliveryhttp.NewRouter(deliveryhttp.RouterConfig{
		Handler:        deliveryhttp.NewHandler(storyService, videoRouter, zapLogger),
		Logger:         zapLogger,
		AllowedOrigins: cfg.GetAllowedOrigins(),
		Verifier:       verifier,
		WebSocket:      hub,
		MediaDir:       mediaDir,
		MediaPrefix:    mediaPrefix,
		Metrics:        true,
		Debug:          cfg.AppEnv == "development",
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting HTTP server", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down server...")
	case err := <-serverErr:
		if err != nil {
			manager.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTP()
	if err := server.Shutdown(httpCtx); err != nil {
		zapLogger.Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	queueCtx, cancelQueue := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer cancelQueue()
	if err := manager.Shutdown(queueCtx); err != nil {
		zapLogger.Warn("Generation queue did not stop in time, running task will resume on next start", zap.Error(err))
	}
	return nil
}

func newTaskStore(ctx context.Context, cfg *config.Config, db *pgdatabase.Database, zapLogger *zap.Logger, closers *[]closer) (taskmanager.TaskStore, error) {
	switch cfg.TaskStoreDriver {
	case config.DriverPostgres:
		return repository.NewPgTaskRepository(db.Pool, zapLogger), nil
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		zapLogger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
		*closers = append(*closers, closer{"redis", client.Close})
		return repository.NewRedisTaskRepository(client, cfg.Redis.TasksKey, zapLogger), nil
	default:
		zapLogger.Warn("Using in-memory task store, tasks will not survive a restart")
		return taskmanager.NewMemoryStore(), nil
	}
}

func newMediaStore(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger, closers *[]closer) (media.Store, error) {
	if cfg.Media.Driver == config.MediaDriverGCS {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		*closers = append(*closers, closer{"gcs", client.Close})
		return media.NewGCSStore(client, cfg.Media.GCSBucket, cfg.Media.GCSPrefix, cfg.Media.MaxVideoBytes, zapLogger), nil
	}
	local, err := media.NewLocalStore(cfg.Media.SavePath, cfg.Media.PublicBaseURL, cfg.Media.MaxVideoBytes, zapLogger)
	if err != nil {
		return nil, err
	}
	return local, nil
}

func newEventPublisher(ctx context.Context, cfg config.RabbitMQConfig, zl zerolog.Logger, closers *[]closer) (*messaging.TaskEventPublisher, error) {
	conn, err := messaging.Connect(ctx, cfg.URL, rabbitMaxTries, rabbitRetryDelay, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	*closers = append(*closers, closer{"rabbitmq connection", conn.Close})

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	*closers = append(*closers, closer{"rabbitmq channel", ch.Close})

	publisher, err := messaging.NewTaskEventPublisher(ch, cfg.Exchange, zl)
	if err != nil {
		return nil, err
	}
	pubCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		publisher.Run(pubCtx)
		close(done)
	}()
	*closers = append(*closers, closer{"task event publisher", func() error {
		_ = publisher.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		cancel()
		return nil
	}})
	return publisher, nil
}
