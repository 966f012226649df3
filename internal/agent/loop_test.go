package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
	"github.com/agentloop/agentloop/internal/hooks"
	"github.com/agentloop/agentloop/internal/prompt"
	"github.com/agentloop/agentloop/internal/session"
	"github.com/agentloop/agentloop/internal/subprocess"
	"github.com/agentloop/agentloop/internal/tools"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// scriptedRunner replays a fixed sequence of turns and records what the loop
// sent it.
type scriptedRunner struct {
	mu      sync.Mutex
	turns   []*subprocess.Turn
	errs    []error
	sent    []string
	results [][]subprocess.ToolResult
	calls   int
}

func (r *scriptedRunner) next() (*subprocess.Turn, error) {
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if i < len(r.turns) {
		return r.turns[i], nil
	}
	return &subprocess.Turn{Response: "done", StopReason: "end_turn"}, nil
}

func (r *scriptedRunner) Start(context.Context) error { return nil }

func (r *scriptedRunner) Send(_ context.Context, text string) (*subprocess.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return r.next()
}

func (r *scriptedRunner) SendToolResults(_ context.Context, results []subprocess.ToolResult) (*subprocess.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results)
	return r.next()
}

func (r *scriptedRunner) State() string        { return "idle" }
func (r *scriptedRunner) Stop()                {}
func (r *scriptedRunner) OnClose(func(error))  {}

var _ subprocess.Runner = (*scriptedRunner)(nil)

func newTestLoop(t *testing.T, cfg Config, runner subprocess.Runner) (*Loop, *session.Pool) {
	t.Helper()
	log := testLogger(t)

	sessions := session.NewPool(session.Config{}, log)
	t.Cleanup(sessions.Close)

	procs := subprocess.NewPool(subprocess.Options{}, func(string, subprocess.Options) (subprocess.Runner, error) {
		return runner, nil
	}, log)

	executor := tools.NewExecutor(tools.Options{Home: t.TempDir()}, log)
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = t.TempDir()
	}
	return NewLoop(cfg, sessions, nil, procs, executor, Hooks{}, log), sessions
}

func TestRunPlainChat(t *testing.T) {
	runner := &scriptedRunner{
		turns: []*subprocess.Turn{{
			Response:   "hi there",
			StopReason: "end_turn",
			Usage:      &subprocess.Usage{InputTokens: 42, OutputTokens: 7},
		}},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("hello")}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "hi there", res.Response)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, "end_turn", res.StopReason)
	require.Len(t, res.History, 2)
	assert.Equal(t, conversation.RoleUser, res.History[0].Role)
	assert.Equal(t, conversation.RoleAssistant, res.History[1].Role)
	assert.Equal(t, int64(42), res.TotalUsage.InputTokens)

	require.Len(t, runner.sent, 1)
	assert.Equal(t, "hello", runner.sent[0])
}

func TestModeKeywordAugmentsUserContent(t *testing.T) {
	runner := &scriptedRunner{
		turns: []*subprocess.Turn{{Response: "on it", StopReason: "end_turn"}},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("this is urgent, the login flow is broken")},
		RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "on it", res.Response)

	require.Len(t, runner.sent, 1)
	assert.Contains(t, runner.sent[0], "[mode: urgent]")
}

func TestModeKeywordIgnoresFencedCode(t *testing.T) {
	runner := &scriptedRunner{
		turns: []*subprocess.Turn{{Response: "ok", StopReason: "end_turn"}},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	_, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("review this:\n```\n// urgent: refactor later\n```")},
		RunOptions{})
	require.NoError(t, err)

	require.Len(t, runner.sent, 1)
	assert.NotContains(t, runner.sent[0], "[mode:")
}

func TestRunSingleToolCall(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "foo.txt"), []byte("contents"), 0o644))

	runner := &scriptedRunner{
		turns: []*subprocess.Turn{
			{
				Response: "let me read that",
				ToolUses: []subprocess.ToolUse{{
					ID:    "t1",
					Name:  "Read",
					Input: map[string]any{"path": filepath.Join(home, "foo.txt")},
				}},
				StopReason: "tool_use",
			},
			{Response: "it says: contents", StopReason: "end_turn"},
		},
	}

	log := testLogger(t)
	sessions := session.NewPool(session.Config{}, log)
	t.Cleanup(sessions.Close)
	procs := subprocess.NewPool(subprocess.Options{}, func(string, subprocess.Options) (subprocess.Runner, error) {
		return runner, nil
	}, log)
	executor := tools.NewExecutor(tools.Options{Home: home}, log)
	loop := NewLoop(Config{WorkspaceDir: t.TempDir()}, sessions, nil, procs, executor, Hooks{}, log)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("read foo.txt")}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, "end_turn", res.StopReason)
	assert.Equal(t, "it says: contents", res.Response)

	// user, assistant(tool_use), user(tool_result), assistant
	require.Len(t, res.History, 4)
	toolTurn := res.History[2]
	assert.Equal(t, conversation.RoleUser, toolTurn.Role)
	require.Len(t, toolTurn.Content, 1)
	assert.Equal(t, conversation.BlockTypeToolResult, toolTurn.Content[0].Type)
	assert.Equal(t, "t1", toolTurn.Content[0].ToolUseID)
	assert.False(t, toolTurn.Content[0].IsError)
	assert.Contains(t, toolTurn.Content[0].Content, "contents")
}

func TestRunToolAccessDenied(t *testing.T) {
	runner := &scriptedRunner{
		turns: []*subprocess.Turn{
			{
				ToolUses: []subprocess.ToolUse{{
					ID:    "t1",
					Name:  "Read",
					Input: map[string]any{"path": "/etc/passwd"},
				}},
				StopReason: "tool_use",
			},
			{Response: "understood, I cannot read that", StopReason: "end_turn"},
		},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("read /etc/passwd")}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Turns)
	denied := res.History[2].Content[0]
	assert.True(t, denied.IsError)
	assert.Contains(t, strings.ToLower(denied.Content), "access denied")
}

func TestRunSessionResetRetry(t *testing.T) {
	runner := &scriptedRunner{
		errs: []error{errors.New("No conversation found with session ID abc-123")},
		turns: []*subprocess.Turn{
			nil,
			{Response: "recovered", StopReason: "end_turn"},
		},
	}
	loop, sessions := newTestLoop(t, Config{}, runner)

	first, _ := sessions.Get("discord:1")
	sessions.ReleaseByID("discord:1", first)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("hello")}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "recovered", res.Response)
	assert.Equal(t, 1, res.Turns)
	assert.Len(t, runner.sent, 2)
	// Reset minted a fresh id for the channel.
	assert.NotEqual(t, first, res.SessionID)
}

func TestSessionResetRestartsSubprocess(t *testing.T) {
	runner := &scriptedRunner{
		errs: []error{errors.New("No conversation found with session ID abc-123")},
		turns: []*subprocess.Turn{
			nil,
			{Response: "recovered", StopReason: "end_turn"},
		},
	}
	log := testLogger(t)
	sessions := session.NewPool(session.Config{}, log)
	t.Cleanup(sessions.Close)

	var mu sync.Mutex
	var createdWith []string
	procs := subprocess.NewPool(subprocess.Options{}, func(_ string, opts subprocess.Options) (subprocess.Runner, error) {
		mu.Lock()
		createdWith = append(createdWith, opts.SessionID)
		mu.Unlock()
		return runner, nil
	}, log)
	executor := tools.NewExecutor(tools.Options{Home: t.TempDir()}, log)
	loop := NewLoop(Config{WorkspaceDir: t.TempDir()}, sessions, nil, procs, executor, Hooks{}, log)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("hello")}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Response)

	// The stale child must be replaced by one resuming the fresh id.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, createdWith, 2)
	assert.NotEqual(t, createdWith[0], createdWith[1])
	assert.Equal(t, res.SessionID, createdWith[1])
}

func TestRunSessionRetryOnlyOnce(t *testing.T) {
	runner := &scriptedRunner{
		errs: []error{
			errors.New("No conversation found with session ID abc"),
			errors.New("No conversation found with session ID def"),
		},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	_, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("hello")}, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeCLIError, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.Len(t, runner.sent, 2)
}

func TestRunPromptTooLongNotice(t *testing.T) {
	runner := &scriptedRunner{
		errs: []error{errors.New("API error: prompt is too long")},
		turns: []*subprocess.Turn{
			nil,
			{Response: "fresh start", StopReason: "end_turn"},
		},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("hello")}, RunOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Response, "fresh start"))
	assert.Contains(t, res.Response, "fresh session")
}

func TestCompactionWaitsForToolDispatch(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "foo.txt"), []byte("contents"), 0o644))

	runner := &scriptedRunner{
		turns: []*subprocess.Turn{
			{
				Response: "reading",
				ToolUses: []subprocess.ToolUse{{
					ID:    "t1",
					Name:  "Read",
					Input: map[string]any{"path": filepath.Join(home, "foo.txt")},
				}},
				StopReason: "tool_use",
				Usage:      &subprocess.Usage{InputTokens: 150000},
			},
			{Response: "summarising", StopReason: "end_turn"},
			{Response: "done", StopReason: "end_turn"},
		},
	}

	log := testLogger(t)
	sessions := session.NewPool(session.Config{}, log)
	t.Cleanup(sessions.Close)
	procs := subprocess.NewPool(subprocess.Options{}, func(string, subprocess.Options) (subprocess.Runner, error) {
		return runner, nil
	}, log)
	executor := tools.NewExecutor(tools.Options{Home: home}, log)
	loop := NewLoop(Config{WorkspaceDir: t.TempDir(), PreCompact: true}, sessions, nil, procs, executor,
		Hooks{PreCompact: hooks.NewPreCompact(nil, 5, log)}, log)

	var compactions int
	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("read foo.txt")}, RunOptions{
			Callbacks: Callbacks{OnCompaction: func() { compactions++ }},
		})
	require.NoError(t, err)

	// The child got its tool_result before any compaction prompt.
	require.Len(t, runner.results, 1)
	require.Len(t, runner.results[0], 1)
	assert.Equal(t, "t1", runner.results[0][0].ToolUseID)

	// Compaction went in exactly once, as the next user content after the
	// model went idle.
	assert.Equal(t, 1, compactions)
	require.Len(t, runner.sent, 2)
	assert.Contains(t, runner.sent[1], "context window is almost full")
	assert.Equal(t, 3, res.Turns)
}

func TestRunInfiniteLoopSafeguard(t *testing.T) {
	var turns []*subprocess.Turn
	for i := 0; i < 20; i++ {
		turns = append(turns, &subprocess.Turn{
			ToolUses: []subprocess.ToolUse{{
				ID:    fmt.Sprintf("t%d", i),
				Name:  "mem_search",
				Input: map[string]any{"query": "same thing"},
			}},
			StopReason: "tool_use",
		})
	}
	runner := &scriptedRunner{turns: turns}
	loop, _ := newTestLoop(t, Config{MaxTurns: 30}, runner)

	_, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("go")}, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeInfiniteLoop, CodeOf(err))
	assert.False(t, IsRetryable(err))
	// 15th identical call trips the breaker before its tool_result is sent.
	assert.Equal(t, 15, runner.calls)
}

func TestRunMaxTurns(t *testing.T) {
	var turns []*subprocess.Turn
	for i := 0; i < 10; i++ {
		name := "Read"
		if i%2 == 1 {
			name = "Write"
		}
		turns = append(turns, &subprocess.Turn{
			ToolUses:   []subprocess.ToolUse{{ID: fmt.Sprintf("t%d", i), Name: name, Input: map[string]any{}}},
			StopReason: "tool_use",
		})
	}
	runner := &scriptedRunner{turns: turns}
	loop, _ := newTestLoop(t, Config{MaxTurns: 5}, runner)

	_, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("go")}, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeMaxTurns, CodeOf(err))
}

func TestRunMaxTokens(t *testing.T) {
	runner := &scriptedRunner{
		turns: []*subprocess.Turn{{Response: "truncat", StopReason: "max_tokens"}},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	_, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("write a novel")}, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeMaxTokens, CodeOf(err))
}

func TestRunUnknownToolReturnsErrorResult(t *testing.T) {
	runner := &scriptedRunner{
		turns: []*subprocess.Turn{
			{
				ToolUses:   []subprocess.ToolUse{{ID: "t1", Name: "Teleport", Input: map[string]any{}}},
				StopReason: "tool_use",
			},
			{Response: "ok no teleporting", StopReason: "end_turn"},
		},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("teleport")}, RunOptions{})
	require.NoError(t, err)

	block := res.History[2].Content[0]
	assert.True(t, block.IsError)
	assert.Contains(t, block.Content, "Teleport")
}

func TestRunCallbacks(t *testing.T) {
	runner := &scriptedRunner{
		turns: []*subprocess.Turn{{
			Response:   "hi",
			StopReason: "end_turn",
			Usage:      &subprocess.Usage{InputTokens: 10, OutputTokens: 2},
		}},
	}
	loop, _ := newTestLoop(t, Config{}, runner)

	var turnCount int
	var sawUsage conversation.Usage
	_, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("hello")}, RunOptions{
			Callbacks: Callbacks{
				OnTurn:  func(turn int, _ conversation.Message) { turnCount = turn },
				OnUsage: func(u conversation.Usage) { sawUsage = u },
			},
		})
	require.NoError(t, err)
	assert.Equal(t, 1, turnCount)
	assert.Equal(t, int64(10), sawUsage.InputTokens)
}

func TestRunToolCallbacks(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "foo.txt"), []byte("contents"), 0o644))

	runner := &scriptedRunner{
		turns: []*subprocess.Turn{
			{
				Response: "reading",
				ToolUses: []subprocess.ToolUse{{
					ID:    "t1",
					Name:  "Read",
					Input: map[string]any{"path": filepath.Join(home, "foo.txt")},
				}},
				StopReason: "tool_use",
			},
			{Response: "done", StopReason: "end_turn"},
		},
	}

	log := testLogger(t)
	sessions := session.NewPool(session.Config{}, log)
	t.Cleanup(sessions.Close)
	procs := subprocess.NewPool(subprocess.Options{}, func(string, subprocess.Options) (subprocess.Runner, error) {
		return runner, nil
	}, log)
	executor := tools.NewExecutor(tools.Options{Home: home}, log)
	loop := NewLoop(Config{WorkspaceDir: t.TempDir()}, sessions, nil, procs, executor, Hooks{}, log)

	var starts []int
	var toolNames []string
	var toolErrs []bool
	_, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("read foo.txt")}, RunOptions{
			Callbacks: Callbacks{
				OnTurnStart: func(turn int) { starts = append(starts, turn) },
				OnToolResult: func(name string, isError bool) {
					toolNames = append(toolNames, name)
					toolErrs = append(toolErrs, isError)
				},
			},
		})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, starts)
	assert.Equal(t, []string{"Read"}, toolNames)
	assert.Equal(t, []bool{false}, toolErrs)
}

func TestRunGatewayMode(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "note.txt"), []byte("remember me"), 0o644))

	first := "Checking the note.\n\n```tool_call\n" +
		`{"name":"Read","input":{"path":"` + filepath.Join(home, "note.txt") + `"}}` +
		"\n```"
	runner := &scriptedRunner{
		turns: []*subprocess.Turn{
			{Response: first, StopReason: "end_turn"},
			{Response: "the note says remember me", StopReason: "end_turn"},
		},
	}

	log := testLogger(t)
	sessions := session.NewPool(session.Config{}, log)
	t.Cleanup(sessions.Close)
	procs := subprocess.NewPool(subprocess.Options{}, func(string, subprocess.Options) (subprocess.Runner, error) {
		return runner, nil
	}, log)
	executor := tools.NewExecutor(tools.Options{Home: home}, log)
	loop := NewLoop(Config{ToolMode: prompt.ToolModeGateway, WorkspaceDir: t.TempDir()}, sessions, nil, procs, executor, Hooks{}, log)

	res, err := loop.Run(context.Background(), "discord:1",
		[]conversation.ContentBlock{conversation.TextBlock("read the note")}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, "the note says remember me", res.Response)

	// The fenced block turned into a dispatched tool_use with a synthesised
	// id carried through to its result.
	assistant := res.History[1]
	var use conversation.ContentBlock
	for _, block := range assistant.Content {
		if block.Type == conversation.BlockTypeToolUse {
			use = block
		}
	}
	require.NotEmpty(t, use.ID)
	assert.True(t, strings.HasPrefix(use.ID, "toolu_"))
	assert.Equal(t, use.ID, res.History[2].Content[0].ToolUseID)
}
