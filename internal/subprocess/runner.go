// Package subprocess owns the pool of persistent CLI children, one per
// channel key, behind a protocol-neutral Runner.
package subprocess

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/pkg/claudecode"
	"github.com/agentloop/agentloop/pkg/codex"
)

// Protocols.
const (
	ProtocolStreamJSON = "stream-json"
	ProtocolMCP        = "mcp"
)

// Options configure one runner. Zero fields fall back to pool defaults.
type Options struct {
	Protocol        string
	Command         string
	Args            []string
	WorkDir         string
	Model           string
	SystemPrompt    string
	SessionID       string
	SkipPermissions bool
	RequestTimeout  time.Duration
	InitTimeout     time.Duration
}

// merge fills zero fields from defaults.
func (o Options) merge(defaults Options) Options {
	if o.Protocol == "" {
		o.Protocol = defaults.Protocol
	}
	if o.Command == "" {
		o.Command = defaults.Command
	}
	if len(o.Args) == 0 {
		o.Args = defaults.Args
	}
	if o.WorkDir == "" {
		o.WorkDir = defaults.WorkDir
	}
	if o.Model == "" {
		o.Model = defaults.Model
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = defaults.SystemPrompt
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = defaults.RequestTimeout
	}
	if o.InitTimeout == 0 {
		o.InitTimeout = defaults.InitTimeout
	}
	if !o.SkipPermissions {
		o.SkipPermissions = defaults.SkipPermissions
	}
	return o
}

// ToolUse is a tool invocation surfaced by the child.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult feeds one execution outcome back to the child.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Usage is cumulative token accounting for one turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Turn is the protocol-neutral outcome of one exchange.
type Turn struct {
	Response   string
	ToolUses   []ToolUse
	HasToolUse bool
	Usage      *Usage
	SessionID  string
	StopReason string // end_turn or tool_use
}

// Runner is one persistent child the loop borrows per turn.
type Runner interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, text string) (*Turn, error)
	SendToolResults(ctx context.Context, results []ToolResult) (*Turn, error)
	State() string
	Stop()
	// OnClose registers an observer fired when the child exits for any
	// reason; the pool uses it to evict the entry.
	OnClose(fn func(err error))
}

// NewRunner builds a runner for the protocol in opts.
func NewRunner(opts Options, log *logger.Logger) (Runner, error) {
	switch opts.Protocol {
	case "", ProtocolStreamJSON:
		return newClaudeRunner(opts, log), nil
	case ProtocolMCP:
		return newCodexRunner(opts, log), nil
	default:
		return nil, fmt.Errorf("subprocess: unknown protocol %q", opts.Protocol)
	}
}

// claudeRunner adapts the stream-json process.
type claudeRunner struct {
	proc *claudecode.Process
}

var _ Runner = (*claudeRunner)(nil)

func newClaudeRunner(opts Options, log *logger.Logger) *claudeRunner {
	return &claudeRunner{proc: claudecode.NewProcess(claudecode.Options{
		Command:         opts.Command,
		Args:            opts.Args,
		WorkDir:         opts.WorkDir,
		Model:           opts.Model,
		SystemPrompt:    opts.SystemPrompt,
		SessionID:       opts.SessionID,
		SkipPermissions: opts.SkipPermissions,
		RequestTimeout:  opts.RequestTimeout,
	}, log)}
}

func (r *claudeRunner) Start(ctx context.Context) error { return r.proc.Start(ctx) }
func (r *claudeRunner) State() string                   { return r.proc.State() }
func (r *claudeRunner) Stop()                           { r.proc.Stop() }

func (r *claudeRunner) OnClose(fn func(err error)) {
	r.proc.OnClose(claudecode.CloseHandler(fn))
}

func (r *claudeRunner) Send(ctx context.Context, text string) (*Turn, error) {
	res, err := r.proc.Send(ctx, text)
	if err != nil {
		return nil, err
	}
	return claudeTurn(res), nil
}

func (r *claudeRunner) SendToolResults(ctx context.Context, results []ToolResult) (*Turn, error) {
	blocks := make([]claudecode.ToolResultBlock, len(results))
	for i, res := range results {
		blocks[i] = claudecode.ToolResultBlock{
			ToolUseID: res.ToolUseID,
			Content:   res.Content,
			IsError:   res.IsError,
		}
	}
	res, err := r.proc.SendToolResults(ctx, blocks)
	if err != nil {
		return nil, err
	}
	return claudeTurn(res), nil
}

func claudeTurn(res *claudecode.TurnResult) *Turn {
	turn := &Turn{
		Response:   res.Response,
		HasToolUse: res.HasToolUse,
		SessionID:  res.SessionID,
		StopReason: "end_turn",
	}
	if res.Usage != nil {
		turn.Usage = &Usage{
			InputTokens:  res.Usage.InputTokens + res.Usage.CacheReadInputTokens + res.Usage.CacheCreationInputTokens,
			OutputTokens: res.Usage.OutputTokens,
		}
	}
	for _, use := range res.ToolUseBlocks {
		turn.ToolUses = append(turn.ToolUses, ToolUse{ID: use.ID, Name: use.Name, Input: use.Input})
	}
	if turn.HasToolUse {
		turn.StopReason = "tool_use"
	}
	return turn
}

// codexRunner adapts the JSON-RPC process. The MCP child executes its own
// tools server-side, so tool results are rendered back as a labelled text
// prompt.
type codexRunner struct {
	proc *codex.Process
}

var _ Runner = (*codexRunner)(nil)

func newCodexRunner(opts Options, log *logger.Logger) *codexRunner {
	return &codexRunner{proc: codex.NewProcess(codex.Options{
		Command:               opts.Command,
		Args:                  opts.Args,
		WorkDir:               opts.WorkDir,
		Model:                 opts.Model,
		DeveloperInstructions: opts.SystemPrompt,
		InitTimeout:           opts.InitTimeout,
		CallTimeout:           opts.RequestTimeout,
	}, log)}
}

func (r *codexRunner) Start(ctx context.Context) error { return r.proc.Start(ctx) }
func (r *codexRunner) State() string                   { return r.proc.State() }
func (r *codexRunner) Stop()                           { r.proc.Stop() }

// OnClose is a no-op for the MCP child: its process restarts itself on
// recoverable failures, and a dead child is recreated lazily by the next
// send.
func (r *codexRunner) OnClose(func(err error)) {}

func (r *codexRunner) Send(ctx context.Context, text string) (*Turn, error) {
	out, err := r.proc.SendMessage(ctx, text)
	if err != nil {
		return nil, err
	}
	return &Turn{
		Response:   out.Response,
		SessionID:  out.ThreadID,
		StopReason: "end_turn",
	}, nil
}

func (r *codexRunner) SendToolResults(ctx context.Context, results []ToolResult) (*Turn, error) {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for _, res := range results {
		status := "ok"
		if res.IsError {
			status = "error"
		}
		fmt.Fprintf(&b, "[%s %s]\n%s\n", res.ToolUseID, status, res.Content)
	}
	return r.Send(ctx, b.String())
}
