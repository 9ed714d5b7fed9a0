package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/application/usecase"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/infrastructure/monitoring"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/interfaces/http/handlers"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host    string
	Port    int
	Mode    string // local, production
	ModelID string
	OwnedBy string
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, uc *usecase.ProcessChatUseCase, monitor *monitoring.Monitor, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	// 初始化处理器
	openaiHandler := handlers.NewOpenAIHandler(uc, cfg.ModelID, cfg.OwnedBy, logger)
	responsesHandler := handlers.NewResponsesHandler(uc, cfg.ModelID, logger)

	// 注册路由
	setupRoutes(router, openaiHandler, responsesHandler, monitor)

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, openaiHandler *handlers.OpenAIHandler, responsesHandler *handlers.ResponsesHandler, monitor *monitoring.Monitor) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"time":    time.Now().Unix(),
			"metrics": monitor.GetSnapshot(),
		})
	})

	// OpenAI-compatible API
	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.POST("/responses", responsesHandler.CreateResponse)
		v1.GET("/models", openaiHandler.ListModels)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
