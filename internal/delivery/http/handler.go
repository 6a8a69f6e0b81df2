package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"visual-novel-server/internal/config"
	"visual-novel-server/internal/delivery/http/middleware"
	"visual-novel-server/internal/domain"
	"visual-novel-server/internal/service"
	"visual-novel-server/pkg/taskmanager"
)

// StoryService - операции сервиса историй, доступные через HTTP.
type StoryService interface {
	StartStory(ctx context.Context, ownerID string, in service.StartStoryInput) (*domain.Story, taskmanager.Task, error)
	ContinueStory(ctx context.Context, ownerID, storyID, segmentID string, in service.ContinueInput) (taskmanager.Task, error)
	GenerateChoices(ctx context.Context, ownerID, storyID, segmentID string, regenerate bool) ([]string, error)
	GetStory(ctx context.Context, ownerID, storyID string) (*domain.StoryWithSegments, error)
	ListStories(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Story, error)
	ExportStory(ctx context.Context, ownerID, storyID string) (*domain.StoryExport, error)
	ImportStory(ctx context.Context, ownerID string, doc *domain.StoryExport) (*domain.StoryWithSegments, error)
	ListTasks(ctx context.Context, ownerID string) ([]taskmanager.Task, error)
	GetTask(ctx context.Context, ownerID, taskID string) (taskmanager.Task, error)
	QueueStatus() service.QueueStatus
	CancelTask(ctx context.Context, ownerID, taskID string) error
	RetryTask(ctx context.Context, ownerID, taskID string) error
	DismissTask(ctx context.Context, ownerID, taskID string) error
}

// ModelLister возвращает каталог моделей генерации видео.
type ModelLister interface {
	DefaultModel() string
	Models() []config.ModelSpec
}

var _ StoryService = (*service.StoryService)(nil)

// Handler обрабатывает HTTP запросы API историй.
type Handler struct {
	service StoryService
	models  ModelLister
	logger  *zap.Logger
}

// NewHandler создает Handler.
func NewHandler(s StoryService, models ModelLister, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		models:  models,
		logger:  logger.Named("StoryHandler"),
	}
}

// RegisterRoutes регистрирует маршруты API.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/models", h.listModels)

	stories := rg.Group("/stories")
	{
		stories.POST("", h.startStory)
		stories.GET("", h.listStories)
		stories.POST("/import", h.importStory)
		stories.GET("/:id", h.getStory)
		stories.GET("/:id/export", h.exportStory)
		stories.POST("/:id/segments/:segmentId/choices", h.generateChoices)
		stories.POST("/:id/segments/:segmentId/continue", h.continueStory)
	}

	tasks := rg.Group("/tasks")
	{
		tasks.GET("", h.listTasks)
		tasks.GET("/active", h.queueStatus)
		tasks.GET("/:id", h.getTask)
		tasks.POST("/:id/cancel", h.cancelTask)
		tasks.POST("/:id/retry", h.retryTask)
		tasks.DELETE("/:id", h.dismissTask)
	}
}

func (h *Handler) listModels(c *gin.Context) {
	specs := h.models.Models()
	out := make([]modelResponse, 0, len(specs))
	for _, m := range specs {
		out = append(out, modelResponse{ID: m.ID, Name: m.Name, Provider: m.Provider, SupportsImage: m.SupportsImage})
	}
	c.JSON(http.StatusOK, gin.H{"default_model": h.models.DefaultModel(), "models": out})
}

func (h *Handler) startStory(c *gin.Context) {
	var req startStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body for startStory", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, middleware.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	story, task, err := h.service.StartStory(c.Request.Context(), middleware.Owner(c), service.StartStoryInput{
		Title:      req.Title,
		Prompt:     req.Prompt,
		Model:      req.Model,
		ImageData:  req.ImageData,
		ImageModel: req.ImageModel,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"story": story, "task": toTaskResponse(task)})
}

func (h *Handler) listStories(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	stories, err := h.service.ListStories(c.Request.Context(), middleware.Owner(c), limit, offset)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stories": stories})
}

func (h *Handler) getStory(c *gin.Context) {
	story, err := h.service.GetStory(c.Request.Context(), middleware.Owner(c), c.Param("id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *Handler) exportStory(c *gin.Context) {
	doc, err := h.service.ExportStory(c.Request.Context(), middleware.Owner(c), c.Param("id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\"story-"+doc.Story.ID+".json\"")
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) importStory(c *gin.Context) {
	var doc domain.StoryExport
	if err := c.ShouldBindJSON(&doc); err != nil {
		h.logger.Warn("Invalid export document", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, middleware.ErrorResponse{Error: "invalid export document: " + err.Error()})
		return
	}
	story, err := h.service.ImportStory(c.Request.Context(), middleware.Owner(c), &doc)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, story)
}

func (h *Handler) generateChoices(c *gin.Context) {
	regenerate, _ := strconv.ParseBool(c.Query("regenerate"))
	choices, err := h.service.GenerateChoices(c.Request.Context(), middleware.Owner(c), c.Param("id"), c.Param("segmentId"), regenerate)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"choices": choices})
}

func (h *Handler) continueStory(c *gin.Context) {
	var req continueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body for continueStory", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, middleware.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	task, err := h.service.ContinueStory(c.Request.Context(), middleware.Owner(c), c.Param("id"), c.Param("segmentId"), service.ContinueInput{
		Choice:     req.Choice,
		Model:      req.Model,
		ImageData:  req.ImageData,
		ImageModel: req.ImageModel,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toTaskResponse(task))
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks, err := h.service.ListTasks(c.Request.Context(), middleware.Owner(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (h *Handler) queueStatus(c *gin.Context) {
	status := h.service.QueueStatus()
	resp := queueStatusResponse{Pending: status.Pending}
	if status.Active != nil {
		active := toTaskResponse(*status.Active)
		resp.Active = &active
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), middleware.Owner(c), c.Param("id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

func (h *Handler) cancelTask(c *gin.Context) {
	h.taskOperation(c, h.service.CancelTask)
}

func (h *Handler) retryTask(c *gin.Context) {
	h.taskOperation(c, h.service.RetryTask)
}

func (h *Handler) dismissTask(c *gin.Context) {
	h.taskOperation(c, h.service.DismissTask)
}

func (h *Handler) taskOperation(c *gin.Context, fn func(ctx context.Context, ownerID, taskID string) error) {
	if err := fn(c.Request.Context(), middleware.Owner(c), c.Param("id")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
