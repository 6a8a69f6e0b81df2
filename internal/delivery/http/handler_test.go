package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"visual-novel-server/internal/choices"
	"visual-novel-server/internal/config"
	deliveryhttp "visual-novel-server/internal/delivery/http"
	"visual-novel-server/internal/delivery/http/middleware"
	"visual-novel-server/internal/domain"
	"visual-novel-server/internal/mocks"
	"visual-novel-server/internal/repository"
	"visual-novel-server/internal/service"
	"visual-novel-server/pkg/taskmanager"
)

type staticModels struct{}

func (staticModels) DefaultModel() string { return "veo-3-fast" }

func (staticModels) Models() []config.ModelSpec {
	return []config.ModelSpec{{ID: "veo-3-fast", Name: "Veo", Provider: "veo", SupportsImage: true}}
}

func (staticModels) Resolve(model string, _ bool) (string, error) {
	if model == "" {
		return "veo-3-fast", nil
	}
	return model, nil
}

type testEnv struct {
	router   *gin.Engine
	stories  *repository.MemoryStoryRepository
	segments *repository.MemorySegmentRepository
	queue    *mocks.MockQueue
	choices  *mocks.MockChoiceGenerator
}

func newTestEnv(t *testing.T, verifier *middleware.JWTVerifier) *testEnv {
	t.Helper()
	return newTestEnvWithMetrics(t, verifier, false)
}

func newTestEnvWithMetrics(t *testing.T, verifier *middleware.JWTVerifier, metrics bool) *testEnv {
	t.Helper()
	env := &testEnv{
		stories:  repository.NewMemoryStoryRepository(),
		segments: repository.NewMemorySegmentRepository(),
		queue:    mocks.NewMockQueue(t),
		choices:  mocks.NewMockChoiceGenerator(t),
	}
	svc := service.NewStoryService(
		env.stories,
		env.segments,
		repository.NewDirectUnitOfWork(env.stories, env.segments),
		mocks.NewMockMediaStore(t),
		env.choices,
		staticModels{},
		zap.NewNop(),
	)
	svc.AttachQueue(env.queue)

	env.router = deliveryhttp.NewRouter(deliveryhttp.RouterConfig{
		Handler:  deliveryhttp.NewHandler(svc, staticModels{}, zap.NewNop()),
		Logger:   zap.NewNop(),
		Verifier: verifier,
		Metrics:  metrics,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seed(t *testing.T, owner string) (storyID, segmentID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.stories.Create(ctx, &domain.Story{ID: "s1", OwnerID: owner, Title: "T", InitialPrompt: "p", Model: "veo-3-fast"}))
	require.NoError(t, e.segments.Create(ctx, &domain.StorySegment{ID: "g1", StoryID: "s1", Position: 0, Prompt: "p"}))
	return "s1", "g1"
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestMetricsRecorded(t *testing.T) {
	env := newTestEnvWithMetrics(t, nil, true)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/models", nil).Code)
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var apiLines, healthLines int
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "gin_requests_total{") {
			continue
		}
		if strings.Contains(line, `url="/api/v1/models"`) {
			apiLines++
		}
		if strings.Contains(line, `url="/health"`) {
			healthLines++
		}
	}
	assert.Equal(t, 1, apiLines, rec.Body.String())
	assert.Equal(t, 1, healthLines)
}

func TestStartStory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(in taskmanager.EnqueueInput) bool {
		return in.Prompt == "A detective in the rain" && string(in.ImageData) == "frame"
	})).Return(taskmanager.Task{ID: "task-1", Status: taskmanager.TaskStatusQueued, ImageData: []byte("frame")}, nil).Once()

	rec := env.do(t, http.MethodPost, "/api/v1/stories", map[string]any{
		"prompt":     "A detective in the rain",
		"image_data": []byte("frame"),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		Story domain.Story `json:"story"`
		Task  struct {
			ID       string `json:"id"`
			HasImage bool   `json:"has_image"`
		} `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task-1", resp.Task.ID)
	assert.True(t, resp.Task.HasImage)
	assert.Equal(t, domain.AnonymousOwner, resp.Story.OwnerID)
	assert.NotContains(t, rec.Body.String(), "image_data")
}

func TestStartStory_BadRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/stories", map[string]any{"title": "no prompt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	storyID, segmentID := env.seed(t, domain.AnonymousOwner)

	rec := env.do(t, http.MethodGet, "/api/v1/stories/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.choices.On("Generate", mock.Anything, mock.Anything).Return(nil, choices.ErrChoiceGenerationExhausted).Once()
	rec = env.do(t, http.MethodPost, "/api/v1/stories/"+storyID+"/segments/"+segmentID+"/choices", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.queue.On("Tasks").Return([]taskmanager.Task{{ID: "busy", StoryID: storyID, Status: taskmanager.TaskStatusQueued}}).Once()
	rec = env.do(t, http.MethodPost, "/api/v1/stories/"+storyID+"/segments/"+segmentID+"/continue", map[string]string{"choice": "Run"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.queue.On("GetTask", "t1").Return(taskmanager.Task{
		ID: "t1", StoryID: storyID, SegmentID: segmentID,
		Intent: taskmanager.IntentContinuation, Status: taskmanager.TaskStatusFailed,
	}, nil)
	env.queue.On("Tasks").Return([]taskmanager.Task{}).Once()
	env.queue.On("Retry", mock.Anything, "t1").Return(false, nil).Once()
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/t1/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.queue.On("Cancel", mock.Anything, "t1").Return(true, nil).Once()
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/t1/cancel", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGenerateChoices(t *testing.T) {
	env := newTestEnv(t, nil)
	storyID, segmentID := env.seed(t, domain.AnonymousOwner)
	env.choices.On("Generate", mock.Anything, mock.Anything).
		Return([]string{"Run", "Climb to the distant crumbling tower", "Sneak past the guards"}, nil).Once()

	rec := env.do(t, http.MethodPost, "/api/v1/stories/"+storyID+"/segments/"+segmentID+"/choices", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Choices []string `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Choices, 3)
}

func TestQueueStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queue.On("ActiveTask").Return(&taskmanager.Task{ID: "running", Status: taskmanager.TaskStatusRunning})
	env.queue.On("PendingCount").Return(2)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"running"`, mustField(t, rec.Body.Bytes(), "active", "id"))
	assert.JSONEq(t, `2`, mustField(t, rec.Body.Bytes(), "pending"))
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"veo-3-fast"`, mustField(t, rec.Body.Bytes(), "default_model"))
}

func TestJWTAuth(t *testing.T) {
	verifier, err := middleware.NewJWTVerifier("secret")
	require.NoError(t, err)
	env := newTestEnv(t, verifier)
	storyID, _ := env.seed(t, "alice")

	rec := env.do(t, http.MethodGet, "/api/v1/stories/"+storyID, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stories/"+storyID, nil, "Authorization", "Bearer "+signToken(t, "secret", "alice", time.Hour))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stories/"+storyID, nil, "Authorization", "Bearer "+signToken(t, "secret", "bob", time.Hour))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stories/"+storyID, nil, "Authorization", "Bearer "+signToken(t, "secret", "alice", -time.Minute))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stories/"+storyID, nil, "Authorization", "Bearer "+signToken(t, "other", "alice", time.Hour))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signToken(t *testing.T, secret, subject string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func mustField(t *testing.T, body []byte, path ...string) string {
	t.Helper()
	var cur any
	require.NoError(t, json.Unmarshal(body, &cur))
	for _, p := range path {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "field %s is not an object", p)
		cur = m[p]
	}
	out, err := json.Marshal(cur)
	require.NoError(t, err)
	return string(out)
}
