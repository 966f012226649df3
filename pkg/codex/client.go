package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// ErrClientClosed rejects every call outstanding when the stream ends.
var ErrClientClosed = errors.New("codex: client closed")

// pendingCall tracks one in-flight request until its response, timeout, or
// the stream closing.
type pendingCall struct {
	ch     chan *Response
	method string
	timer  *time.Timer
}

// Client is the JSON-RPC 2.0 wire layer over the child's stdin/stdout. Ids
// are dense and monotonically increasing; they are never reused within one
// client.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool

	onNotification func(method string, params json.RawMessage)
	done           chan struct{}
}

// NewClient creates a client over the given pipes. Call Start to begin
// reading responses.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "codex-client")),
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the observer for server notifications.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.mu.Lock()
	c.onNotification = handler
	c.mu.Unlock()
}

// Start begins the stdout read loop.
func (c *Client) Start() {
	go c.readLoop()
}

// Stop rejects all pending calls and stops the read loop.
func (c *Client) Stop() {
	c.rejectAll(ErrClientClosed)
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
}

// Done is closed when the client stops, whether by Stop or stream end.
func (c *Client) Done() <-chan struct{} { return c.done }

// Call sends one request and blocks until its response, the per-call
// timeout, or ctx cancellation.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{ch: make(chan *Response, 1), method: method}
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	}
	c.pending[id] = call
	c.mu.Unlock()

	defer c.drop(id)

	req := &Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}
	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-call.ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp == nil {
			return nil, fmt.Errorf("codex: request %s timed out after %v", method, timeout)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// expire resolves a call with a nil response, which Call maps to a timeout
// error.
func (c *Client) expire(id int64) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		call.ch <- nil
	}
}

func (c *Client) drop(id int64) {
	c.mu.Lock()
	if call, ok := c.pending[id]; ok {
		if call.timer != nil {
			call.timer.Stop()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// rejectAll closes every pending channel so waiting callers fail with a
// descriptive error.
func (c *Client) rejectAll(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for id, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		close(call.ch)
		c.logger.Debug("rejecting pending call",
			zap.Int64("id", id),
			zap.String("method", call.method),
			zap.Error(err))
	}
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop error", zap.Error(err))
	}

	c.rejectAll(ErrClientClosed)
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
}

func (c *Client) handleLine(line []byte) {
	var msg struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("unparseable line", zap.Error(err), zap.ByteString("line", line))
		return
	}

	switch {
	case msg.ID != nil && msg.Method == "":
		c.mu.Lock()
		call, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown id", zap.Int64("id", *msg.ID))
			return
		}
		if call.timer != nil {
			call.timer.Stop()
		}
		call.ch <- &Response{JSONRPC: "2.0", ID: *msg.ID, Result: msg.Result, Error: msg.Error}
	case msg.Method != "" && msg.ID == nil:
		c.mu.Lock()
		handler := c.onNotification
		c.mu.Unlock()
		if handler != nil {
			handler(msg.Method, msg.Params)
		}
	default:
		c.logger.Debug("ignoring message", zap.String("method", msg.Method))
	}
}
