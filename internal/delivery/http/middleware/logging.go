package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDKey - ключ gin.Context с идентификатором запроса.
const RequestIDKey = "request_id"

// ZapLogging логирует запросы через zap: шаблон маршрута, параметры пути
// (story, segment, task), владельца и идентификатор запроса.
// Запросы к /health и /metrics не логируются, токен в query скрывается.
func ZapLogging(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", requestID),
		}
		if route := c.FullPath(); route != "" {
			fields = append(fields, zap.String("route", route))
		}
		if query := redactQuery(c.Request.URL.Query()); query != "" {
			fields = append(fields, zap.String("query", query))
		}
		if owner := c.GetString(OwnerKey); owner != "" {
			fields = append(fields, zap.String("owner_id", owner))
		}
		for _, p := range c.Params {
			switch p.Key {
			case "id":
				fields = append(fields, zap.String(routeResource(c.FullPath())+"_id", p.Value))
			case "segmentId":
				fields = append(fields, zap.String("segment_id", p.Value))
			}
		}

		if len(c.Errors) > 0 {
			for _, ginErr := range c.Errors.ByType(gin.ErrorTypeAny) {
				log.Error("Request error", append(fields, zap.Error(ginErr.Err))...)
			}
			return
		}

		switch {
		case status >= http.StatusInternalServerError:
			log.Error("Server error", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("Client error", fields...)
		default:
			log.Info("Request completed", fields...)
		}
	}
}

// routeResource определяет, к чему относится параметр :id.
func routeResource(route string) string {
	if strings.HasPrefix(route, "/api/v1/tasks/") {
		return "task"
	}
	return "story"
}

func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	if q.Has("token") {
		q.Set("token", "REDACTED")
	}
	return q.Encode()
}
