// Package main runs the agent orchestrator with only the MCP surface
// exposed. Useful when agentloop is a tool backend for another MCP host
// and the HTTP API, chat gateway and cron ingester are not wanted.
//
// The server supports two transports:
//   - SSE (Server-Sent Events) at /sse
//   - Streamable HTTP at /mcp
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/db"
	"github.com/agentloop/agentloop/internal/events"
	"github.com/agentloop/agentloop/internal/mcpserver"
	"github.com/agentloop/agentloop/internal/memory"
	"github.com/agentloop/agentloop/internal/orchestrator"
	"github.com/agentloop/agentloop/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Open(&cfg.Database, cfg.Agent.Home)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer pool.Close()

	store, err := memory.Provide(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("initialize memory store", zap.Error(err))
	}

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	executor := tools.NewExecutor(tools.Options{
		Home:          cfg.Agent.Home,
		BashTimeout:   cfg.Tools.BashTimeoutDuration(),
		BashMaxOutput: cfg.Tools.BashMaxOutput,
		Store:         func() (memory.Store, error) { return store, nil },
	}, log)

	service, err := orchestrator.NewService(orchestrator.Deps{
		Config:   cfg,
		Store:    store,
		Bus:      providedBus.Bus,
		Executor: executor,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("build orchestrator", zap.Error(err))
	}
	if err := service.Start(ctx); err != nil {
		log.Fatal("start orchestrator", zap.Error(err))
	}
	defer service.Stop()

	mcpCfg := mcpserver.DefaultConfig()
	if cfg.MCP.Port != 0 {
		mcpCfg.Port = cfg.MCP.Port
	}
	srv, mcpCleanup, err := mcpserver.Provide(ctx, mcpCfg, service, log)
	if err != nil {
		log.Fatal("start MCP server", zap.Error(err))
	}
	defer mcpCleanup()

	log.Info("MCP server running",
		zap.String("sse", srv.SSEEndpoint()),
		zap.String("http", srv.StreamableHTTPEndpoint()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	cancel()
}
