// Package server exposes the operational HTTP API: health, session and lane
// inspection, message injection, session reset, and the per-channel event
// stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/common/httpmw"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/orchestrator"
	"github.com/agentloop/agentloop/internal/server/streaming"
)

// Server wraps the gin engine and its http.Server lifecycle.
type Server struct {
	cfg     config.ServerConfig
	engine  *gin.Engine
	httpSrv *http.Server
	hub     *streaming.Hub
	logger  *logger.Logger
}

// New builds the router. The hub may be nil to disable streaming.
func New(cfg config.ServerConfig, service *orchestrator.Service, hub *streaming.Hub, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "api"))
	engine.Use(httpmw.OtelTracing("api"))
	engine.Use(corsMiddleware())

	s := &Server{
		cfg:    cfg,
		engine: engine,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "http-server")),
	}

	handler := newHandler(service, hub, log)

	engine.GET("/health", handler.health)
	v1 := engine.Group("/api/v1")
	{
		v1.GET("/sessions", handler.listSessions)
		v1.GET("/lanes", handler.laneStats)

		channels := v1.Group("/channels/:source/:id")
		{
			channels.POST("/messages", handler.postMessage)
			channels.POST("/reset", handler.resetSession)
			channels.GET("/stream", handler.stream)
		}
	}

	return s
}

// Start listens in a background goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	s.logger.Info("http server listening", zap.String("addr", addr))
	return nil
}

// Shutdown drains connections and closes the stream hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
