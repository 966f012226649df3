// Package tools dispatches named tool invocations from the agent loop to
// concrete handlers. Handlers return structured results and never panic
// across the boundary; the executor recovers and maps failures to error
// results the model can read.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/browser"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/gateway"
	"github.com/agentloop/agentloop/internal/memory"
)

// ErrUnknownTool reports a tool name outside the valid set.
var ErrUnknownTool = errors.New("unknown tool")

// Spec is one catalogue entry, in the shape the system prompt advertises
// tools in gateway and code-act modes.
type Spec struct {
	Name        string
	Description string
	InputHint   string
}

var catalogue = []Spec{
	{Name: "mem_search", Description: "Search long-term memory by query text", InputHint: "{query: string, limit?: number}"},
	{Name: "mem_save", Description: "Persist a memory entry for later recall", InputHint: "{content: string, tags?: string[]}"},
	{Name: "mem_update", Description: "Replace the content of an existing memory entry", InputHint: "{id: string, content: string}"},
	{Name: "mem_load_checkpoint", Description: "Load the most recent conversation checkpoint", InputHint: "{}"},
	{Name: "Read", Description: "Read a file from the agent home", InputHint: "{file_path: string}"},
	{Name: "Write", Description: "Write a file under the agent home", InputHint: "{file_path: string, content: string}"},
	{Name: "Bash", Description: "Run a shell command in the agent home", InputHint: "{command: string}"},
	{Name: "code_act", Description: "Run a JavaScript snippet with node in the agent home", InputHint: "{code: string}"},
	{Name: "discord_send", Description: "Send a message to the current Discord channel", InputHint: "{content: string}"},
	{Name: "browser_navigate", Description: "Open a URL in the managed browser", InputHint: "{url: string}"},
	{Name: "browser_screenshot", Description: "Capture a screenshot of the current page", InputHint: "{}"},
	{Name: "browser_click", Description: "Click the element matching a selector", InputHint: "{selector: string}"},
	{Name: "browser_type", Description: "Type text into the element matching a selector", InputHint: "{selector: string, text: string}"},
	{Name: "browser_get_text", Description: "Extract the text content of a selector", InputHint: "{selector: string}"},
	{Name: "browser_scroll", Description: "Scroll the page by a pixel offset", InputHint: "{dy: number}"},
	{Name: "browser_wait_for", Description: "Wait until a selector appears", InputHint: "{selector: string, timeout_ms?: number}"},
	{Name: "browser_evaluate", Description: "Evaluate a JavaScript expression on the page", InputHint: "{expression: string}"},
	{Name: "browser_pdf", Description: "Render the current page to PDF", InputHint: "{}"},
	{Name: "browser_close", Description: "Close the managed browser", InputHint: "{}"},
}

// Catalogue returns the tool catalogue in presentation order.
func Catalogue() []Spec {
	out := make([]Spec, len(catalogue))
	copy(out, catalogue)
	return out
}

// ValidTools is the exhaustive set of dispatchable tool names, derived from
// the catalogue so the prompt and the executor never drift apart.
var ValidTools = func() map[string]bool {
	m := make(map[string]bool, len(catalogue))
	for _, s := range catalogue {
		m[s.Name] = true
	}
	return m
}()

// Result is the structured outcome of one tool invocation.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Text renders the result for a tool_result content block.
func (r *Result) Text() string {
	if r.Success {
		return r.Output
	}
	if r.Error != "" {
		return r.Error
	}
	return "tool failed"
}

func okResult(output string) *Result {
	return &Result{Success: true, Output: output}
}

func errResult(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// StoreProvider lazily opens the memory store the first time a mem_* tool
// runs.
type StoreProvider func() (memory.Store, error)

// Options wires the executor's collaborators.
type Options struct {
	// Home is the agent home directory; Read access and the Bash working
	// directory are confined to it.
	Home string

	// BashTimeout bounds one shell command. Zero means 60s.
	BashTimeout time.Duration

	// BashMaxOutput caps captured combined output. Zero means 10 MiB.
	BashMaxOutput int

	// Store lazily provides the memory backend for mem_* tools.
	Store StoreProvider

	// Gateway handles discord_send. Nil disables the tool.
	Gateway gateway.Gateway

	// Browser handles browser_* tools. Nil disables them.
	Browser browser.Browser

	// Shell optionally replaces host execution for Bash (container
	// sandbox). Nil runs on the host.
	Shell ShellRunner
}

// Executor dispatches tool invocations.
type Executor struct {
	opts   Options
	logger *logger.Logger

	storeOnce sync.Once
	store     memory.Store
	storeErr  error
}

// NewExecutor creates the executor. Missing collaborators degrade to
// error results for the tools that need them.
func NewExecutor(opts Options, log *logger.Logger) *Executor {
	if opts.BashTimeout <= 0 {
		opts.BashTimeout = 60 * time.Second
	}
	if opts.BashMaxOutput <= 0 {
		opts.BashMaxOutput = 10 * 1024 * 1024
	}
	if opts.Gateway == nil {
		opts.Gateway = gateway.Nop{}
	}
	if opts.Browser == nil {
		opts.Browser = browser.Nop{}
	}
	return &Executor{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "tool-executor")),
	}
}

// Execute runs the named tool. The error return is non-nil only for names
// outside the valid set; every other failure is expressed in the result so
// the model can react to it.
func (e *Executor) Execute(ctx context.Context, name string, input map[string]any) (result *Result, err error) {
	if !ValidTools[name] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked",
				zap.String("tool", name),
				zap.Any("panic", r))
			result = errResult("tool %s failed: %v", name, r)
			err = nil
		}
	}()

	start := time.Now()
	switch name {
	case "mem_search":
		result = e.memSearch(ctx, input)
	case "mem_save":
		result = e.memSave(ctx, input)
	case "mem_update":
		result = e.memUpdate(ctx, input)
	case "mem_load_checkpoint":
		result = e.memLoadCheckpoint(ctx, input)
	case "Read":
		result = e.readFile(input)
	case "Write":
		result = e.writeFile(input)
	case "Bash":
		result = e.bash(ctx, input)
	case "code_act":
		result = e.codeAct(ctx, input)
	case "discord_send":
		result = e.discordSend(ctx, input)
	default:
		result = e.browserTool(ctx, name, input)
	}

	e.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Bool("success", result.Success),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// memStore opens the memory backend once.
func (e *Executor) memStore() (memory.Store, error) {
	e.storeOnce.Do(func() {
		if e.opts.Store == nil {
			e.storeErr = errors.New("memory store is not configured")
			return
		}
		e.store, e.storeErr = e.opts.Store()
	})
	return e.store, e.storeErr
}

// Input coercion helpers. Model-provided inputs are loosely typed.

func stringArg(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func floatArg(input map[string]any, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func intArg(input map[string]any, key string, def int) int {
	if v, ok := floatArg(input, key); ok {
		return int(v)
	}
	return def
}

func boolArg(input map[string]any, key string) bool {
	v, _ := input[key].(bool)
	return v
}
