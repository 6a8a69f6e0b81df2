package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"visual-novel-server/internal/delivery/http/middleware"
)

// RouterConfig - параметры сборки HTTP роутера.
type RouterConfig struct {
	Handler        *Handler
	Logger         *zap.Logger
	AllowedOrigins []string
	// Verifier == nil отключает проверку JWT.
	Verifier *middleware.JWTVerifier
	// WebSocket обслуживает /ws, если задан.
	WebSocket http.Handler
	// MediaDir раздается по MediaPrefix, если задан (локальное хранилище видео).
	MediaDir    string
	MediaPrefix string
	// Metrics включает gin метрики и /metrics.
	Metrics bool
	Debug   bool
}

var (
	ginMetricsOnce sync.Once
	ginMetrics     *ginprometheus.Prometheus
)

// requestMetrics возвращает общий для процесса набор gin метрик:
// коллекторы регистрируются в глобальном реестре только один раз.
func requestMetrics() *ginprometheus.Prometheus {
	ginMetricsOnce.Do(func() {
		ginMetrics = ginprometheus.NewPrometheus("gin")
	})
	return ginMetrics
}

// NewRouter собирает gin.Engine со всеми middleware и маршрутами.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(middleware.ZapLogging(cfg.Logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
		cfg.Logger.Info("CORSAllowedOrigins not set, allowing default", zap.String("origin", "http://localhost:3000"))
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Middleware метрик должен стоять до маршрутов, иначе gin не включит его в цепочки.
	if cfg.Metrics {
		requestMetrics().Use(router)
	}

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	if cfg.MediaDir != "" && cfg.MediaPrefix != "" {
		router.Static(cfg.MediaPrefix, cfg.MediaDir)
	}
	if cfg.WebSocket != nil {
		router.GET("/ws", gin.WrapH(cfg.WebSocket))
	}

	api := router.Group("/api/v1", middleware.Auth(cfg.Verifier, cfg.Logger))
	cfg.Handler.RegisterRoutes(api)

	return router
}
