package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// Defaults.
const (
	DefaultCommand     = "codex"
	DefaultInitTimeout = 60 * time.Second
	DefaultCallTimeout = 15 * time.Minute

	protocolVersion = "2024-11-05"
	clientName      = "agentloop"
	clientVersion   = "1.0.0"
)

// knownInstallDirs are probed when the binary is neither configured nor on
// PATH.
var knownInstallDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// Process states, matching the stream-json sibling.
const (
	StateDead     = "dead"
	StateStarting = "starting"
	StateIdle     = "idle"
	StateBusy     = "busy"
)

// ErrBusy means a send arrived while another call is outstanding.
var ErrBusy = errors.New("codex: process is busy")

// Options configure one persistent MCP child.
type Options struct {
	Command               string // binary override; else PATH, else known paths
	Args                  []string
	WorkDir               string
	Model                 string
	Sandbox               string
	DeveloperInstructions string
	CompactPrompt         bool
	InitTimeout           time.Duration
	CallTimeout           time.Duration
}

func (o Options) initTimeout() time.Duration {
	if o.InitTimeout > 0 {
		return o.InitTimeout
	}
	return DefaultInitTimeout
}

func (o Options) callTimeout() time.Duration {
	if o.CallTimeout > 0 {
		return o.CallTimeout
	}
	return DefaultCallTimeout
}

// LocateBinary resolves the MCP server binary: explicit override first, then
// PATH, then the known install directories.
func LocateBinary(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if path, err := exec.LookPath(DefaultCommand); err == nil {
		return path, nil
	}
	for _, dir := range knownInstallDirs {
		candidate := filepath.Join(dir, DefaultCommand)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".local", "bin", DefaultCommand)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("codex: binary %q not found on PATH or known install paths", DefaultCommand)
}

// childIO is what a spawned child exposes.
type childIO struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	kill   func()
}

type spawnFunc func(opts Options) (*childIO, error)

func execSpawn(opts Options) (*childIO, error) {
	binary, err := LocateBinary(opts.Command)
	if err != nil {
		return nil, err
	}
	args := append([]string{"mcp-server"}, opts.Args...)
	cmd := exec.Command(binary, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	go func() { _ = cmd.Wait() }()

	return &childIO{
		stdin:  stdin,
		stdout: stdout,
		kill: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		},
	}, nil
}

// Process is one persistent JSON-RPC child. The first SendMessage starts a
// thread through the `codex` tool; replies go through `codex-reply` with the
// captured thread id. Recoverable transport errors restart the child and
// retry exactly once.
type Process struct {
	opts   Options
	logger *logger.Logger
	spawn  spawnFunc

	startMu sync.Mutex

	mu       sync.Mutex
	state    string
	client   *Client
	stdin    io.WriteCloser
	kill     func()
	threadID string
}

// NewProcess creates a process in the dead state.
func NewProcess(opts Options, log *logger.Logger) *Process {
	return &Process{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "codex-process")),
		spawn:  execSpawn,
		state:  StateDead,
	}
}

// State returns the current lifecycle state.
func (p *Process) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setDead() {
	p.mu.Lock()
	p.state = StateDead
	p.mu.Unlock()
}

// ThreadID returns the active thread id, empty before the first exchange.
func (p *Process) ThreadID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threadID
}

// Start spawns the child and runs the initialize handshake. Serialised;
// a no-op when already running.
func (p *Process) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.state != StateDead {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStarting
	p.mu.Unlock()

	child, err := p.spawn(p.opts)
	if err != nil {
		p.setDead()
		return fmt.Errorf("spawn subprocess: %w", err)
	}

	client := NewClient(child.stdin, child.stdout, p.logger)
	client.Start()

	initCtx, cancel := context.WithTimeout(ctx, p.opts.initTimeout())
	defer cancel()

	resp, err := client.Call(initCtx, MethodInitialize, InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: clientName, Version: clientVersion},
	}, p.opts.initTimeout())
	if err != nil {
		client.Stop()
		child.kill()
		p.setDead()
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if resp.Error != nil {
		client.Stop()
		child.kill()
		p.setDead()
		return fmt.Errorf("initialize handshake: %w", resp.Error)
	}

	p.mu.Lock()
	p.client = client
	p.stdin = child.stdin
	p.kill = child.kill
	p.state = StateIdle
	p.mu.Unlock()

	// The child exiting on its own leaves the process dead for the next
	// send to restart.
	go func() {
		<-client.Done()
		p.mu.Lock()
		if p.client == client {
			p.state = StateDead
			p.client = nil
			p.stdin = nil
			p.kill = nil
		}
		p.mu.Unlock()
	}()

	p.logger.Info("subprocess initialised")
	return nil
}

// Stop kills the child and rejects everything pending. The thread id is
// kept so a later Start can resume server-side state if supported.
func (p *Process) Stop() {
	p.mu.Lock()
	client := p.client
	kill := p.kill
	stdin := p.stdin
	p.client = nil
	p.stdin = nil
	p.kill = nil
	p.state = StateDead
	p.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if kill != nil {
		kill()
	}
}

// SendMessage sends one user prompt through the thread, starting the child
// and the thread as needed. On a recoverable transport error the child is
// fully restarted, the thread id cleared, and the call retried exactly once.
func (p *Process) SendMessage(ctx context.Context, prompt string) (*TurnOutput, error) {
	out, err := p.sendOnce(ctx, prompt)
	if err == nil {
		return out, nil
	}
	if !IsRecoverable(err) {
		return nil, err
	}

	p.logger.Warn("recoverable subprocess error, restarting once", zap.Error(err))
	p.Stop()
	p.mu.Lock()
	p.threadID = ""
	p.mu.Unlock()

	return p.sendOnce(ctx, prompt)
}

func (p *Process) sendOnce(ctx context.Context, prompt string) (*TurnOutput, error) {
	if p.State() == StateDead {
		if err := p.Start(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	if p.state == StateBusy {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return nil, fmt.Errorf("codex: cannot send in state %s", state)
	}
	p.state = StateBusy
	client := p.client
	threadID := p.threadID
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.state == StateBusy {
			p.state = StateIdle
		}
		p.mu.Unlock()
	}()

	params := ToolCallParams{Name: ToolCodex, Arguments: CodexArgs{
		Prompt:                prompt,
		Model:                 p.opts.Model,
		Cwd:                   p.opts.WorkDir,
		Sandbox:               p.opts.Sandbox,
		DeveloperInstructions: p.opts.DeveloperInstructions,
		CompactPrompt:         p.opts.CompactPrompt,
	}}
	if threadID != "" {
		params = ToolCallParams{Name: ToolCodexReply, Arguments: ReplyArgs{
			ThreadID: threadID,
			Prompt:   prompt,
		}}
	}

	resp, err := client.Call(ctx, MethodToolsCall, params, p.opts.callTimeout())
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("codex: tool call failed: %w", resp.Error)
	}

	out, err := extractTurn(resp.Result, threadID)
	if err != nil {
		return nil, err
	}

	if out.ThreadID != "" {
		p.mu.Lock()
		p.threadID = out.ThreadID
		p.mu.Unlock()
	}
	return out, nil
}

// recoverableFragments mark transport failures worth one restart+retry.
var recoverableFragments = []string{
	"timed out",
	"not running",
	"closed",
	"connection closed",
	"econnreset",
}

// IsRecoverable reports whether the error warrants the single
// restart-and-retry pass.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range recoverableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// extractTurn pulls `{thread_id, response}` out of a tool call result,
// preferring structured content, then the first text block parsed as JSON,
// then an empty response carrying the existing thread id.
func extractTurn(result json.RawMessage, currentThread string) (*TurnOutput, error) {
	if len(result) == 0 {
		return &TurnOutput{ThreadID: currentThread}, nil
	}

	var call ToolCallResult
	if err := json.Unmarshal(result, &call); err != nil {
		return nil, fmt.Errorf("codex: unparseable tool result: %w", err)
	}
	if call.IsError {
		return nil, fmt.Errorf("codex: tool returned error: %s", firstText(call.Content))
	}

	if len(call.StructuredContent) > 0 {
		var payload structuredPayload
		if err := json.Unmarshal(call.StructuredContent, &payload); err == nil {
			if payload.ThreadID != "" || payload.Content != "" || payload.Response != "" {
				return &TurnOutput{
					ThreadID: orDefault(payload.ThreadID, currentThread),
					Response: orDefault(payload.Content, payload.Response),
				}, nil
			}
		}
	}

	if text := firstText(call.Content); text != "" {
		var payload structuredPayload
		if err := json.Unmarshal([]byte(text), &payload); err == nil &&
			(payload.ThreadID != "" || payload.Content != "" || payload.Response != "") {
			return &TurnOutput{
				ThreadID: orDefault(payload.ThreadID, currentThread),
				Response: orDefault(payload.Content, payload.Response),
			}, nil
		}
	}

	// Defensive last resort: keep the thread alive with an empty response.
	return &TurnOutput{ThreadID: currentThread}, nil
}

func firstText(items []ContentItem) string {
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			return item.Text
		}
	}
	return ""
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
