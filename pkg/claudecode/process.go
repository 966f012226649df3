package claudecode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// Defaults.
const (
	DefaultCommand        = "claude"
	DefaultRequestTimeout = 120 * time.Second
	DefaultStartGrace     = 500 * time.Millisecond

	readBufSize = 64 * 1024
)

var (
	// ErrBusy means a send arrived while a previous request is outstanding.
	ErrBusy = errors.New("claudecode: process is busy")
	// ErrTimeout means the request timed out; the child is left running.
	ErrTimeout = errors.New("claudecode: request timed out")
	// ErrClosed means the child exited while a request was outstanding.
	ErrClosed = errors.New("claudecode: process closed")
)

// Options configure one persistent child process.
type Options struct {
	Command         string
	Args            []string // appended after the fixed argv
	WorkDir         string
	Model           string
	SystemPrompt    string
	SessionID       string // resume an existing CLI session
	SkipPermissions bool
	RequestTimeout  time.Duration
	StartGrace      time.Duration
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (o Options) startGrace() time.Duration {
	if o.StartGrace > 0 {
		return o.StartGrace
	}
	return DefaultStartGrace
}

// argv is the fixed argument vector for the stream-json protocol, plus the
// option-driven flags.
func (o Options) argv() []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if o.SessionID != "" {
		args = append(args, "--resume", o.SessionID)
	}
	if o.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.SystemPrompt)
	}
	return append(args, o.Args...)
}

// childIO is what a spawned child exposes to the process.
type childIO struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	kill   func()
	wait   func() error
}

// spawnFunc launches the child. Tests substitute a fake stdio pair.
type spawnFunc func(opts Options) (*childIO, error)

func execSpawn(opts Options) (*childIO, error) {
	command := opts.Command
	if command == "" {
		command = DefaultCommand
	}
	cmd := exec.Command(command, opts.argv()...)
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
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	return &childIO{
		stdin:  stdin,
		stdout: stdout,
		kill: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		},
		wait: cmd.Wait,
	}, nil
}

// turnOutcome resolves one outstanding request.
type turnOutcome struct {
	result *TurnResult
	err    error
}

// pendingTurn accumulates assistant output until the closing result event.
type pendingTurn struct {
	ch       chan turnOutcome
	timer    *time.Timer
	text     strings.Builder
	toolUses []ToolUseBlock
}

// Process is one persistent stream-json child. States: dead → starting →
// idle ⇄ busy → dead. At most one outstanding request; concurrent sends fail
// fast with ErrBusy.
type Process struct {
	opts   Options
	logger *logger.Logger
	spawn  spawnFunc

	startMu sync.Mutex // serialises Start against concurrent callers

	mu        sync.Mutex
	state     string
	stdin     io.WriteCloser
	kill      func()
	exited    chan struct{} // closed when the current child's read loop ends
	pending   *pendingTurn
	sessionID string
	stopped   bool

	onInit    InitHandler
	onDelta   DeltaHandler
	onToolUse ToolUseHandler
	onClose   CloseHandler
}

// NewProcess creates a process in the dead state. Start (or the first Send)
// launches the child.
func NewProcess(opts Options, log *logger.Logger) *Process {
	return &Process{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "claudecode-process")),
		spawn:  execSpawn,
		state:  StateDead,
	}
}

// OnInit registers the system/init observer.
func (p *Process) OnInit(h InitHandler) { p.mu.Lock(); p.onInit = h; p.mu.Unlock() }

// OnDelta registers the streaming-text observer.
func (p *Process) OnDelta(h DeltaHandler) { p.mu.Lock(); p.onDelta = h; p.mu.Unlock() }

// OnToolUse registers the tool_use observer.
func (p *Process) OnToolUse(h ToolUseHandler) { p.mu.Lock(); p.onToolUse = h; p.mu.Unlock() }

// OnClose registers the child-exit observer.
func (p *Process) OnClose(h CloseHandler) { p.mu.Lock(); p.onClose = h; p.mu.Unlock() }

// State returns the current lifecycle state.
func (p *Process) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionID returns the CLI session id captured from the stream, if any.
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Start launches the child and waits out the grace window. Only one Start
// runs at a time; a child that dies inside the window fails the start and
// leaves the process dead.
func (p *Process) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.state != StateDead {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStarting
	p.stopped = false
	p.mu.Unlock()

	child, err := p.spawn(p.opts)
	if err != nil {
		p.mu.Lock()
		p.state = StateDead
		p.mu.Unlock()
		return fmt.Errorf("spawn subprocess: %w", err)
	}

	exited := make(chan struct{})
	p.mu.Lock()
	p.stdin = child.stdin
	p.kill = child.kill
	p.exited = exited
	p.mu.Unlock()

	go p.readLoop(child, exited)

	select {
	case <-ctx.Done():
		child.kill()
		return ctx.Err()
	case <-exited:
		return errors.New("claudecode: subprocess died during startup")
	case <-time.After(p.opts.startGrace()):
	}

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
	p.logger.Info("subprocess started")
	return nil
}

// Stop kills the child. Pending requests are rejected by the read loop
// teardown.
func (p *Process) Stop() {
	p.mu.Lock()
	p.stopped = true
	kill := p.kill
	p.mu.Unlock()
	if kill != nil {
		kill()
	}
}

// Send writes one user message and blocks until the closing result event,
// the request timeout, or ctx cancellation. Dead processes are started
// first; busy processes fail fast.
func (p *Process) Send(ctx context.Context, text string) (*TurnResult, error) {
	return p.send(ctx, StripLoneSurrogates(text))
}

// SendToolResults writes one user message whose content is the batch of
// tool_result blocks for the previous turn.
func (p *Process) SendToolResults(ctx context.Context, results []ToolResultBlock) (*TurnResult, error) {
	blocks := make([]ToolResultBlock, len(results))
	for i, r := range results {
		blocks[i] = r
		blocks[i].Type = "tool_result"
		blocks[i].Content = StripLoneSurrogates(r.Content)
	}
	return p.send(ctx, blocks)
}

func (p *Process) send(ctx context.Context, content any) (*TurnResult, error) {
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
		return nil, fmt.Errorf("claudecode: cannot send in state %s", state)
	}

	turn := &pendingTurn{ch: make(chan turnOutcome, 1)}
	turn.timer = time.AfterFunc(p.opts.requestTimeout(), func() { p.timeoutTurn(turn) })
	p.state = StateBusy
	p.pending = turn
	stdin := p.stdin
	p.mu.Unlock()

	frame := userFrame{Type: "user", Message: userFrameMessage{Role: "user", Content: content}}
	data, err := json.Marshal(frame)
	if err != nil {
		p.failTurn(turn)
		return nil, fmt.Errorf("marshal user frame: %w", err)
	}
	data = append(data, '\n')

	if _, err := stdin.Write(data); err != nil {
		// The child may still be alive; return to idle either way.
		p.failTurn(turn)
		return nil, fmt.Errorf("write to subprocess: %w", err)
	}

	select {
	case <-ctx.Done():
		p.failTurn(turn)
		return nil, ctx.Err()
	case out := <-turn.ch:
		return out.result, out.err
	}
}

// timeoutTurn rejects the turn and returns to idle; the child stays alive.
func (p *Process) timeoutTurn(turn *pendingTurn) {
	p.mu.Lock()
	if p.pending != turn {
		p.mu.Unlock()
		return
	}
	p.pending = nil
	if p.state == StateBusy {
		p.state = StateIdle
	}
	p.mu.Unlock()

	p.logger.Warn("request timed out", zap.Duration("timeout", p.opts.requestTimeout()))
	turn.ch <- turnOutcome{err: ErrTimeout}
}

// failTurn clears the turn if still pending and returns to idle.
func (p *Process) failTurn(turn *pendingTurn) {
	p.mu.Lock()
	if p.pending != turn {
		p.mu.Unlock()
		return
	}
	turn.timer.Stop()
	p.pending = nil
	if p.state == StateBusy {
		p.state = StateIdle
	}
	p.mu.Unlock()
}

// readLoop reads newline-framed events until the child's stdout closes, then
// tears the process down: dead state, pending rejection, close callback.
func (p *Process) readLoop(child *childIO, exited chan struct{}) {
	var tail []byte
	buf := make([]byte, readBufSize)

	for {
		n, err := child.stdout.Read(buf)
		if n > 0 {
			var lines [][]byte
			lines, tail = SplitLines(tail, buf[:n])
			for _, line := range lines {
				p.handleLine(line)
			}
		}
		if err != nil {
			break
		}
	}

	waitErr := child.wait()

	p.mu.Lock()
	p.state = StateDead
	p.stdin = nil
	p.kill = nil
	pending := p.pending
	p.pending = nil
	stopped := p.stopped
	onClose := p.onClose
	p.mu.Unlock()

	if pending != nil {
		pending.timer.Stop()
		pending.ch <- turnOutcome{err: ErrClosed}
	}

	close(exited)
	if !stopped {
		p.logger.Warn("subprocess exited", zap.Error(waitErr))
	}
	if onClose != nil {
		onClose(waitErr)
	}
}

func (p *Process) handleLine(line []byte) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		p.logger.Debug("unparseable event line", zap.Error(err), zap.ByteString("line", line))
		return
	}

	switch ev.Type {
	case EventTypeSystem:
		p.handleSystem(&ev)
	case EventTypeAssistant:
		p.handleAssistant(&ev)
	case EventTypeResult:
		p.handleResult(&ev)
	case EventTypeError:
		p.rejectPending(fmt.Errorf("claudecode: subprocess error: %s", ev.Error))
	default:
		p.logger.Debug("ignoring event", zap.String("type", ev.Type))
	}
}

func (p *Process) handleSystem(ev *Event) {
	if ev.Subtype != SubtypeInit {
		return
	}
	p.mu.Lock()
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}
	onInit := p.onInit
	p.mu.Unlock()

	p.logger.Info("subprocess initialised",
		zap.String("session_id", ev.SessionID),
		zap.String("model", ev.Model))
	if onInit != nil {
		onInit(ev.SessionID, ev.Model)
	}
}

func (p *Process) handleAssistant(ev *Event) {
	if ev.Message == nil {
		return
	}

	p.mu.Lock()
	turn := p.pending
	onDelta := p.onDelta
	onToolUse := p.onToolUse
	p.mu.Unlock()

	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			if turn != nil {
				turn.text.WriteString(block.Text)
			}
			if onDelta != nil && block.Text != "" {
				onDelta(block.Text)
			}
		case "tool_use":
			use := ToolUseBlock{ID: block.ID, Name: block.Name, Input: block.Input}
			if turn != nil {
				turn.toolUses = append(turn.toolUses, use)
			}
			if onToolUse != nil {
				onToolUse(use)
			}
		}
	}
}

func (p *Process) handleResult(ev *Event) {
	p.mu.Lock()
	turn := p.pending
	if turn == nil {
		p.mu.Unlock()
		return
	}
	turn.timer.Stop()
	p.pending = nil
	if p.state == StateBusy {
		p.state = StateIdle
	}
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}
	sessionID := p.sessionID
	p.mu.Unlock()

	if ev.Subtype == SubtypeError || ev.IsError {
		msg := ev.ResultText()
		if msg == "" {
			msg = ev.Error
		}
		turn.ch <- turnOutcome{err: fmt.Errorf("claudecode: result error: %s", msg)}
		return
	}

	response := turn.text.String()
	if response == "" {
		response = ev.ResultText()
	}
	turn.ch <- turnOutcome{result: &TurnResult{
		Response:      response,
		Usage:         ev.Usage,
		ToolUseBlocks: turn.toolUses,
		HasToolUse:    len(turn.toolUses) > 0,
		SessionID:     sessionID,
		CostUSD:       ev.TotalCostUSD,
		DurationMS:    ev.DurationMS,
	}}
}

func (p *Process) rejectPending(err error) {
	p.mu.Lock()
	turn := p.pending
	if turn == nil {
		p.mu.Unlock()
		return
	}
	turn.timer.Stop()
	p.pending = nil
	if p.state == StateBusy {
		p.state = StateIdle
	}
	p.mu.Unlock()

	turn.ch <- turnOutcome{err: err}
}
