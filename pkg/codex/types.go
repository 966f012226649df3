// Package codex drives a long-lived MCP server child process over
// line-delimited JSON-RPC 2.0. Conversations are threads: the first user
// message goes through the `codex` tool and later ones through `codex-reply`
// with the captured thread id.
package codex

import "encoding/json"

// Request is one outbound JSON-RPC request line.
type Request struct {
	JSONRPC string          `json:"jsonrpc"` // always "2.0"
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one inbound JSON-RPC response line.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is an inbound method call without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Methods used on the wire.
const (
	MethodInitialize = "initialize"
	MethodToolsCall  = "tools/call"
)

// Tool names exposed by the child.
const (
	ToolCodex      = "codex"
	ToolCodexReply = "codex-reply"
)

// InitializeParams is the handshake payload.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies this client in the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolCallParams is the tools/call payload.
type ToolCallParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// CodexArgs starts a new thread with the first user message.
type CodexArgs struct {
	Prompt                string `json:"prompt"`
	Model                 string `json:"model,omitempty"`
	Cwd                   string `json:"cwd,omitempty"`
	Sandbox               string `json:"sandbox,omitempty"`
	DeveloperInstructions string `json:"developer-instructions,omitempty"`
	CompactPrompt         bool   `json:"compact-prompt,omitempty"`
}

// ReplyArgs continues an existing thread.
type ReplyArgs struct {
	ThreadID string `json:"thread_id"`
	Prompt   string `json:"prompt"`
}

// ContentItem is one block in a tool call result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the tools/call result payload.
type ToolCallResult struct {
	Content           []ContentItem   `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// structuredPayload is the preferred response encoding inside
// structured_content, or inside the first text block as JSON.
type structuredPayload struct {
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	Response string `json:"response,omitempty"`
}

// TurnOutput is the extracted outcome of one codex / codex-reply call.
type TurnOutput struct {
	ThreadID string `json:"thread_id"`
	Response string `json:"response"`
}
