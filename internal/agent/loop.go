package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
	"github.com/agentloop/agentloop/internal/hooks"
	"github.com/agentloop/agentloop/internal/lane"
	"github.com/agentloop/agentloop/internal/prompt"
	"github.com/agentloop/agentloop/internal/session"
	"github.com/agentloop/agentloop/internal/subprocess"
	"github.com/agentloop/agentloop/internal/tools"
)

// Loop constants.
const (
	DefaultMaxTurns           = 20
	maxConsecutiveSameTool    = 15
	emergencyCeilingFloor     = 50
	emergencyCeilingHeadroom  = 10
	contextTooLongNoticePlain = "Note: the conversation grew past the context limit, so a fresh session was started. Earlier turns may be missing.\n\n"
)

// sessionRetryFragments identify errors that invalidate the current session
// id. The loop resets the session and retries exactly once.
var sessionRetryFragments = []string{
	"no conversation found with session id",
	"is already in use",
	"prompt is too long",
	"request_too_large",
}

// tooLongFragments subset of the above that also warrants a user-visible
// notice.
var tooLongFragments = []string{"prompt is too long", "request_too_large"}

// Config holds loop-level settings.
type Config struct {
	MaxTurns      int
	WorkspaceDir  string
	LanesEnabled  bool
	PreCompact    bool
	Continuation  bool
	ToolMode      prompt.ToolMode
	CodeAct       bool
	SystemVersion string
}

func (c Config) maxTurns() int {
	if c.MaxTurns > 0 {
		return c.MaxTurns
	}
	return DefaultMaxTurns
}

func (c Config) emergencyCeiling() int {
	ceiling := c.maxTurns() + emergencyCeilingHeadroom
	if ceiling < emergencyCeilingFloor {
		ceiling = emergencyCeilingFloor
	}
	return ceiling
}

// Callbacks observe loop progress. All fields are optional.
type Callbacks struct {
	OnTurnStart    func(turn int)
	OnTurn         func(turn int, msg conversation.Message)
	OnUsage        func(usage conversation.Usage)
	OnToolResult   func(name string, isError bool)
	OnCompaction   func()
	OnContinuation func()
}

// RunOptions tune one invocation.
type RunOptions struct {
	// SessionID overrides the session pool; the loop will not release it.
	SessionID string
	// SystemPrompt, when non-empty, is re-composed with the prompt layers,
	// size-enforced, and pushed to the subprocess at start.
	SystemPrompt string
	MaxTurns     int
	Callbacks    Callbacks
}

// Result is the outcome of one full run.
type Result struct {
	Response   string
	Turns      int
	History    []conversation.Message
	TotalUsage conversation.Usage
	StopReason string
	SessionID  string
}

// Hooks bundles the cross-cutting handlers. Nil fields disable the hook.
type Hooks struct {
	PreTool      *hooks.PreTool
	PostTool     *hooks.PostTool
	PreCompact   *hooks.PreCompact
	Continuation *hooks.Continuation
}

// Loop composes the session pool, lane scheduler, subprocess pool, tool
// executor, and handlers into the per-message driver.
type Loop struct {
	cfg      Config
	sessions *session.Pool
	lanes    *lane.Scheduler
	procs    *subprocess.Pool
	executor *tools.Executor
	hooks    Hooks
	keywords *prompt.KeywordDetector
	logger   *logger.Logger
}

// NewLoop wires the loop. lanes may be nil when Config.LanesEnabled is
// false.
func NewLoop(cfg Config, sessions *session.Pool, lanes *lane.Scheduler, procs *subprocess.Pool, executor *tools.Executor, h Hooks, log *logger.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		sessions: sessions,
		lanes:    lanes,
		procs:    procs,
		executor: executor,
		hooks:    h,
		keywords: prompt.NewKeywordDetector(),
		logger:   log.WithFields(zap.String("component", "agent-loop")),
	}
}

// Run drives one message end to end. With lanes enabled the whole body runs
// inside the channel's lane under its concurrency class.
func (l *Loop) Run(ctx context.Context, channelKey string, content []conversation.ContentBlock, opts RunOptions) (*Result, error) {
	if !l.cfg.LanesEnabled || l.lanes == nil {
		return l.run(ctx, channelKey, content, opts)
	}

	var result *Result
	err := l.lanes.Run(ctx, channelKey, lane.ClassFor(channelKey), func(ctx context.Context) error {
		var runErr error
		result, runErr = l.run(ctx, channelKey, content, opts)
		return runErr
	})
	return result, err
}

func (l *Loop) run(ctx context.Context, channelKey string, content []conversation.ContentBlock, opts RunOptions) (*Result, error) {
	log := l.logger.WithFields(zap.String("channel", channelKey))

	// Session: caller-supplied ids are borrowed, pool ids are owned and
	// released on exit.
	sessionID := opts.SessionID
	owned := false
	if sessionID == "" {
		sessionID, _ = l.sessions.Get(channelKey)
		owned = true
	}
	if owned {
		defer func() { l.sessions.ReleaseByID(channelKey, sessionID) }()
	}

	runner, err := l.procs.Get(ctx, channelKey, subprocess.Options{
		SessionID:    sessionID,
		SystemPrompt: opts.SystemPrompt,
	})
	if err != nil {
		return nil, WrapError(CodeCLIError, err, true)
	}

	if l.hooks.Continuation != nil {
		l.hooks.Continuation.Reset(channelKey)
	}

	maxTurns := l.cfg.maxTurns()
	if opts.MaxTurns > 0 {
		maxTurns = opts.MaxTurns
	}
	ceiling := l.cfg.emergencyCeiling()

	history := []conversation.Message{{Role: conversation.RoleUser, Content: l.applyModeKeywords(content)}}
	var totalUsage conversation.Usage
	var notice string
	compacted := false
	sessionRetried := false
	stopReason := ""
	sameToolName := ""
	sameToolStreak := 0
	turns := 0

	for {
		turns++
		if turns > ceiling {
			return nil, NewError(CodeEmergencyTurns,
				fmt.Sprintf("emergency ceiling of %d turns exceeded", ceiling), false)
		}
		if opts.Callbacks.OnTurnStart != nil {
			opts.Callbacks.OnTurnStart(turns)
		}

		var turn *subprocess.Turn
		turn, runner, err = l.exchange(ctx, channelKey, runner, history, exchangeState{
			sessionID:    &sessionID,
			retried:      &sessionRetried,
			notice:       &notice,
			owned:        owned,
			systemPrompt: opts.SystemPrompt,
		})
		if err != nil {
			return nil, err
		}

		assistant, uses := l.parseTurn(turn)
		history = append(history, assistant)

		if turn.Usage != nil {
			sample := conversation.Usage{
				InputTokens:  turn.Usage.InputTokens,
				OutputTokens: turn.Usage.OutputTokens,
			}
			totalUsage.Add(sample)
			if opts.Callbacks.OnUsage != nil {
				opts.Callbacks.OnUsage(sample)
			}
			l.sessions.UpdateTokens(channelKey, turn.Usage.InputTokens)
		}
		if opts.Callbacks.OnTurn != nil {
			opts.Callbacks.OnTurn(turns, assistant)
		}

		// Compaction goes in at most once per loop when the session nears
		// its context threshold. Pending tool calls still run first; the
		// prompt is injected once the model next goes idle, so the child
		// always receives the tool_results it is waiting on.
		compactPending := l.cfg.PreCompact && !compacted && l.hooks.PreCompact != nil && l.sessions.NearThreshold(channelKey)

		if turn.StopReason == "max_tokens" {
			return nil, NewError(CodeMaxTokens, "model hit the output token limit", false)
		}
		stopReason = "end_turn"
		if len(uses) > 0 {
			stopReason = "tool_use"
		}

		switch stopReason {
		case "tool_use":
			if turns >= maxTurns {
				return nil, NewError(CodeMaxTurns,
					fmt.Sprintf("still using tools after %d turns", maxTurns), false)
			}
			name, streakBroken := singleToolName(uses)
			if name != "" && name == sameToolName && !streakBroken {
				sameToolStreak++
			} else {
				sameToolName = name
				sameToolStreak = 1
			}
			if sameToolStreak >= maxConsecutiveSameTool {
				return nil, NewError(CodeInfiniteLoop,
					fmt.Sprintf("tool %s called %d turns in a row", sameToolName, sameToolStreak), false)
			}

			results := l.executeTools(ctx, uses, opts.Callbacks)
			history = append(history, conversation.Message{Role: conversation.RoleUser, Content: results})
			continue

		default: // end_turn
			if compactPending {
				history = append(history, l.hooks.PreCompact.BuildMessage(ctx, history))
				compacted = true
				if opts.Callbacks.OnCompaction != nil {
					opts.Callbacks.OnCompaction()
				}
				continue
			}
			text := assistant.TextContent()
			if l.cfg.Continuation && l.hooks.Continuation != nil && l.hooks.Continuation.ShouldContinue(channelKey, text) {
				history = append(history, conversation.UserText(hooks.ContinuationMessage))
				if opts.Callbacks.OnContinuation != nil {
					opts.Callbacks.OnContinuation()
				}
				continue
			}
		}
		break
	}

	final := finalResponse(history)
	if notice != "" {
		final = notice + final
	}

	log.Info("loop finished",
		zap.Int("turns", turns),
		zap.String("stop_reason", stopReason),
		zap.Int64("input_tokens", totalUsage.InputTokens))

	return &Result{
		Response:   final,
		Turns:      turns,
		History:    history,
		TotalUsage: totalUsage,
		StopReason: stopReason,
		SessionID:  sessionID,
	}, nil
}

// applyModeKeywords appends matched mode-instruction fragments to the
// inbound user content. Detection runs over the raw text blocks only, so
// injected compaction or continuation prompts never trigger a mode.
func (l *Loop) applyModeKeywords(content []conversation.ContentBlock) []conversation.ContentBlock {
	var b strings.Builder
	for _, block := range content {
		if block.Type == conversation.BlockTypeText {
			b.WriteString(block.Text)
			b.WriteString("\n")
		}
	}
	suffix := l.keywords.Augment(b.String())
	if suffix == "" {
		return content
	}
	out := make([]conversation.ContentBlock, len(content), len(content)+1)
	copy(out, content)
	return append(out, conversation.TextBlock(suffix))
}

// exchangeState carries the per-run retry bookkeeping into exchange.
type exchangeState struct {
	sessionID    *string
	retried      *bool
	notice       *string
	owned        bool
	systemPrompt string
}

// exchange sends the last user message and maps transport failures: session
// errors reset + retry once, everything else wraps as a retryable CLI error.
// The returned runner replaces the caller's when the retry restarted the
// subprocess.
func (l *Loop) exchange(ctx context.Context, channelKey string, runner subprocess.Runner, history []conversation.Message, st exchangeState) (*subprocess.Turn, subprocess.Runner, error) {
	last := history[len(history)-1]

	turn, err := l.sendMessage(ctx, runner, last)
	if err == nil {
		return turn, runner, nil
	}

	if !*st.retried && isSessionError(err) && st.owned {
		*st.retried = true
		if isTooLong(err) {
			*st.notice = contextTooLongNoticePlain
		}
		*st.sessionID = l.sessions.Reset(channelKey)
		l.logger.Warn("session invalid, reset and retrying once",
			zap.String("channel", channelKey), zap.Error(err))

		// The old child is still resuming the stale id; replace it so the
		// retry and every later turn carry the fresh session.
		l.procs.Stop(channelKey)
		fresh, startErr := l.procs.Get(ctx, channelKey, subprocess.Options{
			SessionID:    *st.sessionID,
			SystemPrompt: st.systemPrompt,
		})
		if startErr != nil {
			return nil, runner, WrapError(CodeCLIError, startErr, true)
		}
		runner = fresh

		turn, err = l.sendMessage(ctx, runner, last)
		if err == nil {
			return turn, runner, nil
		}
	}
	return nil, runner, WrapError(CodeCLIError, err, true)
}

// sendMessage picks the native tool-result framing when the last user
// message is purely tool results in protocol mode; otherwise it renders the
// message to text.
func (l *Loop) sendMessage(ctx context.Context, runner subprocess.Runner, last conversation.Message) (*subprocess.Turn, error) {
	if l.cfg.ToolMode == prompt.ToolModeProtocol && isAllToolResults(last) {
		results := make([]subprocess.ToolResult, 0, len(last.Content))
		for _, block := range last.Content {
			results = append(results, subprocess.ToolResult{
				ToolUseID: block.ToolUseID,
				Content:   block.Content,
				IsError:   block.IsError,
			})
		}
		return runner.SendToolResults(ctx, results)
	}

	text, err := renderOutgoing(last, l.cfg.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return runner.Send(ctx, text)
}

// parseTurn builds the assistant history message and the tool_use blocks to
// dispatch, honouring the configured tool mode.
func (l *Loop) parseTurn(turn *subprocess.Turn) (conversation.Message, []conversation.ContentBlock) {
	var blocks []conversation.ContentBlock
	var uses []conversation.ContentBlock

	switch l.cfg.ToolMode {
	case prompt.ToolModeGateway, prompt.ToolModeCodeAct:
		prose, parsed := parseGatewayBlocks(turn.Response, l.cfg.CodeAct || l.cfg.ToolMode == prompt.ToolModeCodeAct)
		if prose != "" {
			blocks = append(blocks, conversation.TextBlock(prose))
		}
		uses = parsed
	default:
		if turn.Response != "" {
			blocks = append(blocks, conversation.TextBlock(turn.Response))
		}
		for _, use := range turn.ToolUses {
			uses = append(uses, conversation.ToolUseBlock(use.ID, use.Name, use.Input))
		}
	}

	blocks = append(blocks, uses...)
	return conversation.Message{Role: conversation.RoleAssistant, Content: blocks}, uses
}

// executeTools dispatches each tool_use with the pre/post hooks and collects
// tool_result blocks for the next user turn.
func (l *Loop) executeTools(ctx context.Context, uses []conversation.ContentBlock, cb Callbacks) []conversation.ContentBlock {
	results := make([]conversation.ContentBlock, 0, len(uses))
	for _, use := range uses {
		var contractNotes string
		if l.hooks.PreTool != nil {
			contractNotes = l.hooks.PreTool.ContractNotes(ctx, use.Name, use.Input)
		}

		content, isError := l.executeOne(ctx, use)
		if contractNotes != "" {
			content = contractNotes + content
		}

		if l.hooks.PostTool != nil {
			l.hooks.PostTool.Observe(use.Name, use.Input)
		}
		if cb.OnToolResult != nil {
			cb.OnToolResult(use.Name, isError)
		}
		results = append(results, conversation.ToolResultBlock(use.ID, content, isError))
	}
	return results
}

func (l *Loop) executeOne(ctx context.Context, use conversation.ContentBlock) (string, bool) {
	result, err := l.executor.Execute(ctx, use.Name, use.Input)
	if err != nil {
		return err.Error(), true
	}
	return result.Text(), !result.Success
}

// finalResponse concatenates the text blocks of the last assistant message.
func finalResponse(history []conversation.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleAssistant {
			return history[i].TextContent()
		}
	}
	return ""
}

// singleToolName returns the shared name when every use in the turn targets
// one tool; mixed turns break the streak.
func singleToolName(uses []conversation.ContentBlock) (string, bool) {
	if len(uses) == 0 {
		return "", true
	}
	name := uses[0].Name
	for _, use := range uses[1:] {
		if use.Name != name {
			return "", true
		}
	}
	return name, false
}

func isAllToolResults(msg conversation.Message) bool {
	if len(msg.Content) == 0 {
		return false
	}
	for _, block := range msg.Content {
		if block.Type != conversation.BlockTypeToolResult {
			return false
		}
	}
	return true
}

func isSessionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, fragment := range sessionRetryFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func isTooLong(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, fragment := range tooLongFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
