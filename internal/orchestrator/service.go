// Package orchestrator ties the loop subsystems together behind one
// HandleMessage entry point. It owns:
//
//   - the session pool and its cleanup timers
//   - the lane scheduler
//   - the subprocess pool
//   - the agent loop and its hooks
//   - system prompt composition at startup
//   - lifecycle event publication
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/agent"
	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
	"github.com/agentloop/agentloop/internal/events"
	"github.com/agentloop/agentloop/internal/events/bus"
	"github.com/agentloop/agentloop/internal/hooks"
	"github.com/agentloop/agentloop/internal/lane"
	"github.com/agentloop/agentloop/internal/memory"
	"github.com/agentloop/agentloop/internal/prompt"
	"github.com/agentloop/agentloop/internal/session"
	"github.com/agentloop/agentloop/internal/subprocess"
	"github.com/agentloop/agentloop/internal/tools"
)

var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// Deps carries the externally constructed subsystems.
type Deps struct {
	Config   *config.Config
	Store    memory.Store
	Bus      bus.EventBus
	Executor *tools.Executor
	Logger   *logger.Logger
}

// Service is the process-wide coordinator. Instantiate once at startup and
// tear down in the shutdown handler.
type Service struct {
	cfg      *config.Config
	sessions *session.Pool
	lanes    *lane.Scheduler
	procs    *subprocess.Pool
	loop     *agent.Loop
	composer *prompt.Composer
	bus      bus.EventBus
	logger   *logger.Logger

	mu           sync.Mutex
	running      bool
	systemPrompt string
}

// NewService wires the subsystems in dependency order.
func NewService(deps Deps) (*Service, error) {
	cfg := deps.Config
	log := deps.Logger

	sessions := session.NewPool(session.Config{
		Timeout:         cfg.Session.TimeoutDuration(),
		MaxSessions:     cfg.Session.MaxSessions,
		CleanupInterval: cfg.Session.CleanupIntervalDuration(),
		ContextTokens:   int64(cfg.Session.ContextThresholdTokens),
	}, log)

	var lanes *lane.Scheduler
	if cfg.Lanes.Enabled {
		lanes = lane.NewScheduler(map[string]int64{
			lane.ClassDefault: int64(cfg.Lanes.DefaultConcurrency),
			lane.ClassCron:    int64(cfg.Lanes.CronConcurrency),
		}, log)
	}

	procs := subprocess.NewPool(subprocess.Options{
		Protocol:        protocolFor(cfg.Agent.Runner),
		Command:         cfg.Agent.Command,
		WorkDir:         cfg.Agent.Home,
		Model:           cfg.Agent.Model,
		SkipPermissions: cfg.Agent.SkipPermissions,
		RequestTimeout:  cfg.Agent.RequestTimeoutDuration(),
		InitTimeout:     cfg.Agent.InitTimeoutDuration(),
	}, nil, log)

	loopHooks := agent.Hooks{
		PreTool:      hooks.NewPreTool(deps.Store, log),
		PostTool:     hooks.NewPostTool(deps.Store, cfg.Agent.ContractSaveLimit, log),
		PreCompact:   hooks.NewPreCompact(deps.Store, 0, log),
		Continuation: hooks.NewContinuation(nil, cfg.Agent.ContinuationRetries, log),
	}

	loop := agent.NewLoop(agent.Config{
		MaxTurns:     cfg.Agent.MaxTurns,
		WorkspaceDir: cfg.Agent.Home,
		LanesEnabled: cfg.Lanes.Enabled,
		PreCompact:   true,
		Continuation: true,
		ToolMode:     toolModeFor(cfg.Agent),
		CodeAct:      cfg.Agent.CodeAct,
	}, sessions, lanes, procs, deps.Executor, loopHooks, log)

	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		lanes:    lanes,
		procs:    procs,
		loop:     loop,
		composer: prompt.NewComposer(cfg.Agent.Home, log),
		bus:      deps.Bus,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
	}

	sessions.SetLifecycle(func(event, channelKey, sessionID string) {
		eventType := events.SessionCreated
		if event == "evicted" {
			eventType = events.SessionEvicted
		}
		s.publish(context.Background(), eventType, events.ChannelData(channelKey, map[string]any{
			"session_id": sessionID,
		}))
	})
	procs.SetLifecycle(func(event, channelKey string) {
		eventType := events.ProcessStarted
		if event == "exited" {
			eventType = events.ProcessExited
		}
		s.publish(context.Background(), eventType, events.ChannelData(channelKey, nil))
	})

	return s, nil
}

func protocolFor(runner string) string {
	if runner == "codex" {
		return subprocess.ProtocolMCP
	}
	return subprocess.ProtocolStreamJSON
}

func toolModeFor(cfg config.AgentConfig) prompt.ToolMode {
	if cfg.CodeAct {
		return prompt.ToolModeCodeAct
	}
	if cfg.GatewayTools {
		return prompt.ToolModeGateway
	}
	return prompt.ToolModeProtocol
}

// promptTools maps the executor catalogue into the prompt's tool reference
// layer. Only gateway and code-act prompts render it; the composer drops the
// layer in protocol mode.
func promptTools() []prompt.ToolSpec {
	specs := tools.Catalogue()
	out := make([]prompt.ToolSpec, len(specs))
	for i, spec := range specs {
		out[i] = prompt.ToolSpec{
			Name:        spec.Name,
			Description: spec.Description,
			InputHint:   spec.InputHint,
		}
	}
	return out
}

// Start composes the system prompt once and marks the service running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServiceAlreadyRunning
	}

	layers := s.composer.Compose(prompt.ComposeOptions{
		Runner:   s.cfg.Agent.Runner,
		ToolMode: toolModeFor(s.cfg.Agent),
		Tools:    promptTools(),
	})
	kept, report, dropped := prompt.Enforce(layers, 0)
	if report.Warning {
		s.logger.Warn("system prompt exceeds the soft limit",
			zap.Int("chars", report.TotalChars),
			zap.Strings("dropped_layers", dropped))
	}
	s.systemPrompt = prompt.Render(kept)
	s.running = true

	s.logger.Info("orchestrator started",
		zap.String("runner", s.cfg.Agent.Runner),
		zap.Bool("lanes", s.cfg.Lanes.Enabled),
		zap.Int("system_prompt_chars", len(s.systemPrompt)))
	return nil
}

// HandleMessage drives one inbound message through the loop and publishes
// lifecycle events around it.
func (s *Service) HandleMessage(ctx context.Context, channelKey string, blocks []conversation.ContentBlock, opts agent.RunOptions) (*agent.Result, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrServiceNotRunning
	}
	systemPrompt := s.systemPrompt
	s.mu.Unlock()

	if len(blocks) == 0 {
		return nil, fmt.Errorf("empty message for %s", channelKey)
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = systemPrompt
	}

	s.publish(ctx, events.MessageQueued, events.ChannelData(channelKey, nil))

	opts.Callbacks = s.wrapCallbacks(ctx, channelKey, opts.Callbacks)

	result, err := s.loop.Run(ctx, channelKey, blocks, opts)
	if err != nil {
		s.logger.Error("message failed",
			zap.String("channel", channelKey),
			zap.String("code", agent.CodeOf(err)),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("message handled",
		zap.String("channel", channelKey),
		zap.Int("turns", result.Turns),
		zap.String("stop_reason", result.StopReason))
	return result, nil
}

// wrapCallbacks layers lifecycle event publication over the caller's
// callbacks. Every wrapped callback still invokes the caller's own handler
// afterwards.
func (s *Service) wrapCallbacks(ctx context.Context, channelKey string, cb agent.Callbacks) agent.Callbacks {
	wrapped := cb
	wrapped.OnTurnStart = func(turn int) {
		s.publish(ctx, events.TurnStarted, events.ChannelData(channelKey, map[string]any{
			"turn": turn,
		}))
		if cb.OnTurnStart != nil {
			cb.OnTurnStart(turn)
		}
	}
	wrapped.OnTurn = func(turn int, msg conversation.Message) {
		s.publish(ctx, events.TurnCompleted, events.ChannelData(channelKey, map[string]any{
			"turn": turn,
		}))
		if cb.OnTurn != nil {
			cb.OnTurn(turn, msg)
		}
	}
	wrapped.OnToolResult = func(name string, isError bool) {
		s.publish(ctx, events.ToolExecuted, events.ChannelData(channelKey, map[string]any{
			"tool":     name,
			"is_error": isError,
		}))
		if cb.OnToolResult != nil {
			cb.OnToolResult(name, isError)
		}
	}
	wrapped.OnCompaction = func() {
		s.publish(ctx, events.CompactionInjected, events.ChannelData(channelKey, nil))
		if cb.OnCompaction != nil {
			cb.OnCompaction()
		}
	}
	wrapped.OnContinuation = func() {
		s.publish(ctx, events.ContinuationInjected, events.ChannelData(channelKey, nil))
		if cb.OnContinuation != nil {
			cb.OnContinuation()
		}
	}
	return wrapped
}

// ResetSession drops the channel's session and subprocess, returning the
// fresh session id.
func (s *Service) ResetSession(ctx context.Context, channelKey string) string {
	id := s.sessions.Reset(channelKey)
	s.procs.Stop(channelKey)
	s.publish(ctx, events.SessionReset, events.ChannelData(channelKey, map[string]any{
		"session_id": id,
	}))
	return id
}

// Sessions exposes the session pool for the operational surfaces.
func (s *Service) Sessions() *session.Pool { return s.sessions }

// Lanes exposes the lane scheduler; nil when lanes are disabled.
func (s *Service) Lanes() *lane.Scheduler { return s.lanes }

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "orchestrator", data)
	if err := s.bus.Publish(ctx, eventType, ev); err != nil {
		s.logger.Debug("event publish failed",
			zap.String("type", eventType), zap.Error(err))
	}
}

// Stop tears the subsystems down in reverse dependency order.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrServiceNotRunning
	}
	s.running = false

	s.procs.StopAll()
	s.sessions.Close()
	s.logger.Info("orchestrator stopped")
	return nil
}
