// Package main is the entry point for the agentloop daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/agent"
	"github.com/agentloop/agentloop/internal/browser"
	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
	"github.com/agentloop/agentloop/internal/cron"
	"github.com/agentloop/agentloop/internal/db"
	"github.com/agentloop/agentloop/internal/events"
	"github.com/agentloop/agentloop/internal/gateway"
	"github.com/agentloop/agentloop/internal/mcpserver"
	"github.com/agentloop/agentloop/internal/memory"
	"github.com/agentloop/agentloop/internal/orchestrator"
	"github.com/agentloop/agentloop/internal/server"
	"github.com/agentloop/agentloop/internal/server/streaming"
	"github.com/agentloop/agentloop/internal/subprocess/install"
	"github.com/agentloop/agentloop/internal/telemetry"
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

	if err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		log.Warn("telemetry disabled", zap.Error(err))
	}
	defer telemetry.Shutdown(context.Background())

	// Memory store backing mem_* tools and the cross-cutting handlers.
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

	// Provision the runner CLI up front so the first message does not pay
	// the install cost.
	if command, err := install.EnsureRunner(ctx, cfg.Agent.Runner, cfg.Agent.Command, cfg.Agent.Home, log); err != nil {
		log.Warn("runner binary not provisioned, deferring to process lookup", zap.Error(err))
	} else {
		cfg.Agent.Command = command
	}

	// Chat gateway: inbound messages run the loop, the response goes back
	// to the originating channel. The service does not exist yet, so the
	// handler closes over the variable and the gateway connects only after
	// the service is up.
	var service *orchestrator.Service
	var chat gateway.Gateway = gateway.Nop{}
	var discord *gateway.Discord
	if cfg.Discord.Enabled {
		discord, err = gateway.NewDiscord(gateway.DiscordConfig{Token: cfg.Discord.Token},
			func(ctx context.Context, channelKey string, blocks []conversation.ContentBlock) {
				handleInbound(ctx, service, chat, channelKey, blocks, log)
			}, log)
		if err != nil {
			log.Fatal("build discord gateway", zap.Error(err))
		}
		chat = discord
	}

	executor := buildExecutor(cfg, store, chat, log)

	service, err = orchestrator.NewService(orchestrator.Deps{
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

	if discord != nil {
		if err := discord.Start(ctx); err != nil {
			log.Fatal("start discord gateway", zap.Error(err))
		}
		defer discord.Stop()
	}

	hub := streaming.NewHub(log)
	if err := hub.AttachBus(providedBus.Bus); err != nil {
		log.Warn("event stream hub not attached", zap.Error(err))
	}

	httpSrv := server.New(cfg.Server, service, hub, log)
	if err := httpSrv.Start(); err != nil {
		log.Fatal("start http server", zap.Error(err))
	}
	defer httpSrv.Shutdown(context.Background())

	if cfg.MCP.Enabled {
		_, mcpCleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, service, log)
		if err != nil {
			log.Fatal("start MCP server", zap.Error(err))
		}
		defer mcpCleanup()
	}

	ingester := cron.NewIngester(cfg.Cron, func(ctx context.Context, channelKey string, blocks []conversation.ContentBlock) error {
		_, err := service.HandleMessage(ctx, channelKey, blocks, agent.RunOptions{})
		return err
	}, log)
	ingester.Start(ctx)
	defer ingester.Stop()

	log.Info("agentloop running",
		zap.String("home", cfg.Agent.Home),
		zap.String("runner", cfg.Agent.Runner))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	cancel()
}

// buildExecutor assembles the tool executor with its optional collaborators.
func buildExecutor(cfg *config.Config, store memory.Store, chat gateway.Gateway, log *logger.Logger) *tools.Executor {
	opts := tools.Options{
		Home:          cfg.Agent.Home,
		BashTimeout:   cfg.Tools.BashTimeoutDuration(),
		BashMaxOutput: cfg.Tools.BashMaxOutput,
		Store:         func() (memory.Store, error) { return store, nil },
		Gateway:       chat,
	}

	if cfg.Browser.Enabled {
		opts.Browser = browser.NewRod(browser.Options{
			Headless:   cfg.Browser.Headless,
			ControlURL: cfg.Browser.ControlURL,
		}, log)
	}

	if cfg.Tools.Sandbox.Enabled {
		shell, err := tools.NewContainerShell(tools.SandboxConfig{
			Host:        cfg.Tools.Sandbox.Host,
			APIVersion:  cfg.Tools.Sandbox.APIVersion,
			Image:       cfg.Tools.Sandbox.Image,
			NetworkMode: cfg.Tools.Sandbox.NetworkMode,
			MemoryLimit: cfg.Tools.Sandbox.MemoryLimit,
		}, log)
		if err != nil {
			log.Warn("container sandbox unavailable, using host shell", zap.Error(err))
		} else {
			opts.Shell = shell
		}
	}

	return tools.NewExecutor(opts, log)
}

// handleInbound runs one chat message through the loop and writes the
// response back to the channel.
func handleInbound(ctx context.Context, service *orchestrator.Service, chat gateway.Gateway, channelKey string, blocks []conversation.ContentBlock, log *logger.Logger) {
	result, err := service.HandleMessage(ctx, channelKey, blocks, agent.RunOptions{})

	// Channel keys are "<source>:<transport id>"; the transport only needs
	// its own id back.
	channelID := channelKey
	if idx := len("discord:"); len(channelKey) > idx && channelKey[:idx] == "discord:" {
		channelID = channelKey[idx:]
	}

	if err != nil {
		log.Error("message failed", zap.String("channel", channelKey), zap.Error(err))
		if sendErr := chat.SendMessage(ctx, channelID, "Something went wrong handling that message."); sendErr != nil {
			log.Warn("error notice not delivered", zap.Error(sendErr))
		}
		return
	}
	if result.Response == "" {
		return
	}
	if err := chat.SendMessage(ctx, channelID, result.Response); err != nil {
		log.Error("response not delivered", zap.String("channel", channelKey), zap.Error(err))
	}
}
