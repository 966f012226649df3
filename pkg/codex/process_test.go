package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/agentloop/agentloop/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// fakeServer plays the MCP child: it reads request lines from the process
// and answers them through the handler.
type fakeServer struct {
	t       *testing.T
	handler func(req *Request) any // response payload or *Error

	mu       sync.Mutex
	requests []*Request
	spawns   int
}

func (s *fakeServer) seen() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request{}, s.requests...)
}

func (s *fakeServer) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// spawn produces a fresh pipe pair per child lifetime and serves requests
// until the process closes stdin.
func (s *fakeServer) spawn(Options) (*childIO, error) {
	s.mu.Lock()
	s.spawns++
	s.mu.Unlock()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(stdinR)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				s.t.Errorf("bad request line %q: %v", scanner.Text(), err)
				continue
			}
			s.mu.Lock()
			s.requests = append(s.requests, &req)
			s.mu.Unlock()

			payload := s.handler(&req)
			resp := Response{JSONRPC: "2.0", ID: req.ID}
			if rpcErr, ok := payload.(*Error); ok {
				resp.Error = rpcErr
			} else if payload != nil {
				raw, err := json.Marshal(payload)
				if err != nil {
					s.t.Errorf("marshal response: %v", err)
					continue
				}
				resp.Result = raw
			} else {
				continue // handler swallowed the request
			}
			data, _ := json.Marshal(resp)
			if _, err := stdoutW.Write(append(data, '\n')); err != nil {
				return
			}
		}
	}()

	return &childIO{
		stdin:  stdinW,
		stdout: stdoutR,
		kill: func() {
			stdoutW.Close()
			stdinR.Close()
		},
	}, nil
}

// okHandler answers initialize and returns tool results carrying the given
// thread id.
func okHandler(threadID, content string) func(req *Request) any {
	return func(req *Request) any {
		switch req.Method {
		case MethodInitialize:
			return map[string]any{"protocolVersion": protocolVersion}
		case MethodToolsCall:
			payload, _ := json.Marshal(structuredPayload{ThreadID: threadID, Content: content})
			return ToolCallResult{StructuredContent: payload}
		default:
			return &Error{Code: MethodNotFound, Message: "unknown method"}
		}
	}
}

func newFakeProcess(t *testing.T, opts Options, handler func(req *Request) any) (*Process, *fakeServer) {
	t.Helper()
	server := &fakeServer{t: t, handler: handler}
	p := NewProcess(opts, newTestLogger())
	p.spawn = server.spawn
	t.Cleanup(p.Stop)
	return p, server
}

func TestSpawnFailureLeavesDead(t *testing.T) {
	p := NewProcess(Options{}, newTestLogger())
	p.spawn = func(Options) (*childIO, error) { return nil, errors.New("no binary") }

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected spawn failure")
	}
	if s := p.State(); s != StateDead {
		t.Fatalf("state = %s, want %s", s, StateDead)
	}
}

func TestHandshakeOnStart(t *testing.T) {
	p, server := newFakeProcess(t, Options{}, okHandler("th_1", "hi"))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := p.State(); s != StateIdle {
		t.Fatalf("state = %s", s)
	}

	reqs := server.seen()
	if len(reqs) != 1 || reqs[0].Method != MethodInitialize {
		t.Fatalf("requests = %+v", reqs)
	}
	var params InitializeParams
	if err := json.Unmarshal(reqs[0].Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.ProtocolVersion == "" || params.ClientInfo.Name == "" {
		t.Fatalf("handshake params = %+v", params)
	}
}

func TestThreadCaptureAndReply(t *testing.T) {
	p, server := newFakeProcess(t, Options{Model: "m-1"}, okHandler("th_7", "answer"))

	out, err := p.SendMessage(context.Background(), "first question")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out.ThreadID != "th_7" || out.Response != "answer" {
		t.Fatalf("out = %+v", out)
	}
	if p.ThreadID() != "th_7" {
		t.Fatalf("ThreadID = %q", p.ThreadID())
	}

	if _, err := p.SendMessage(context.Background(), "follow up"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var calls []*Request
	for _, req := range server.seen() {
		if req.Method == MethodToolsCall {
			calls = append(calls, req)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d", len(calls))
	}

	var first ToolCallParams
	var firstArgs CodexArgs
	first.Arguments = &firstArgs
	if err := json.Unmarshal(calls[0].Params, &first); err != nil {
		t.Fatalf("first params: %v", err)
	}
	if first.Name != ToolCodex || firstArgs.Prompt != "first question" || firstArgs.Model != "m-1" {
		t.Fatalf("first call = %+v args = %+v", first, firstArgs)
	}

	var second ToolCallParams
	var secondArgs ReplyArgs
	second.Arguments = &secondArgs
	if err := json.Unmarshal(calls[1].Params, &second); err != nil {
		t.Fatalf("second params: %v", err)
	}
	if second.Name != ToolCodexReply || secondArgs.ThreadID != "th_7" || secondArgs.Prompt != "follow up" {
		t.Fatalf("second call = %+v args = %+v", second, secondArgs)
	}
}

func TestRequestIDsMonotonic(t *testing.T) {
	p, server := newFakeProcess(t, Options{}, okHandler("th_1", "x"))

	for i := 0; i < 3; i++ {
		if _, err := p.SendMessage(context.Background(), "q"); err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
	}

	reqs := server.seen()
	var last int64
	for _, req := range reqs {
		if req.ID <= last {
			t.Fatalf("ids not strictly increasing: %d after %d", req.ID, last)
		}
		last = req.ID
	}
}

func TestRetryOnceOnRecoverableError(t *testing.T) {
	var mu sync.Mutex
	failNext := true

	server := &fakeServer{t: t}
	server.handler = func(req *Request) any {
		if req.Method == MethodInitialize {
			return map[string]any{"protocolVersion": protocolVersion}
		}
		mu.Lock()
		fail := failNext
		failNext = false
		mu.Unlock()
		if fail {
			return nil // swallow: the per-call timeout fires
		}
		payload, _ := json.Marshal(structuredPayload{ThreadID: "th_2", Content: "recovered"})
		return ToolCallResult{StructuredContent: payload}
	}

	p := NewProcess(Options{CallTimeout: 100 * time.Millisecond}, newTestLogger())
	p.spawn = server.spawn
	t.Cleanup(p.Stop)

	out, err := p.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out.Response != "recovered" || out.ThreadID != "th_2" {
		t.Fatalf("out = %+v", out)
	}
	if n := server.spawnCount(); n != 2 {
		t.Fatalf("spawns = %d, want 2 (restart once)", n)
	}
}

func TestNonRecoverableErrorSurfaces(t *testing.T) {
	p, server := newFakeProcess(t, Options{}, func(req *Request) any {
		if req.Method == MethodInitialize {
			return map[string]any{"protocolVersion": protocolVersion}
		}
		return &Error{Code: InvalidParams, Message: "bad arguments"}
	})

	_, err := p.SendMessage(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != InvalidParams {
		t.Fatalf("err = %v", err)
	}
	if n := server.spawnCount(); n != 1 {
		t.Fatalf("spawns = %d, non-recoverable must not restart", n)
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []error{
		ErrClientClosed,
		errors.New("request tools/call timed out after 15m"),
		errors.New("subprocess not running"),
		errors.New("read: connection closed"),
		errors.New("write tcp: ECONNRESET"),
	}
	for _, err := range recoverable {
		if !IsRecoverable(err) {
			t.Errorf("IsRecoverable(%v) = false", err)
		}
	}
	if IsRecoverable(errors.New("invalid params")) {
		t.Error("invalid params treated as recoverable")
	}
	if IsRecoverable(nil) {
		t.Error("nil treated as recoverable")
	}
}

func TestExtractTurnFallbacks(t *testing.T) {
	// Preferred: structured content.
	structured, _ := json.Marshal(ToolCallResult{
		StructuredContent: json.RawMessage(`{"thread_id":"th_s","content":"from structured"}`),
		Content:           []ContentItem{{Type: "text", Text: `{"thread_id":"th_t","content":"from text"}`}},
	})
	out, err := extractTurn(structured, "")
	if err != nil {
		t.Fatalf("extractTurn: %v", err)
	}
	if out.ThreadID != "th_s" || out.Response != "from structured" {
		t.Fatalf("out = %+v", out)
	}

	// Fallback: first text block parsed as JSON.
	textual, _ := json.Marshal(ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: `{"thread_id":"th_t","content":"from text"}`}},
	})
	out, err = extractTurn(textual, "")
	if err != nil {
		t.Fatalf("extractTurn: %v", err)
	}
	if out.ThreadID != "th_t" || out.Response != "from text" {
		t.Fatalf("out = %+v", out)
	}

	// Last resort: empty response with existing thread id.
	empty, _ := json.Marshal(ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: "plain prose, not JSON"}},
	})
	out, err = extractTurn(empty, "th_keep")
	if err != nil {
		t.Fatalf("extractTurn: %v", err)
	}
	if out.ThreadID != "th_keep" || out.Response != "" {
		t.Fatalf("out = %+v", out)
	}
}

func TestStopRejectsPending(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	p, _ := newFakeProcess(t, Options{}, func(req *Request) any {
		if req.Method == MethodInitialize {
			return map[string]any{"protocolVersion": protocolVersion}
		}
		once.Do(func() { close(started) })
		return nil // never answer tool calls
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.sendOnce(context.Background(), "hang")
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("tool call never reached server")
	}
	p.Stop()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected rejection")
		}
		if !errors.Is(err, ErrClientClosed) {
			t.Fatalf("err = %v, want ErrClientClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not rejected on stop")
	}
}
