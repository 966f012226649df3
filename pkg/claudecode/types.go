// Package claudecode drives a long-lived chat CLI child process speaking the
// newline-framed stream-json protocol over stdin/stdout. One process per
// channel; one outstanding request at a time.
package claudecode

import "encoding/json"

// Event types on the child's stdout stream.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeResult    = "result"
	EventTypeError     = "error"
)

// Subtypes.
const (
	SubtypeInit         = "init"
	SubtypeHookResponse = "hook_response"
	SubtypeSuccess      = "success"
	SubtypeError        = "error"
)

// Process states.
const (
	StateDead     = "dead"
	StateStarting = "starting"
	StateIdle     = "idle"
	StateBusy     = "busy"
)

// Event is one parsed stdout line. The type discriminator determines which
// fields are populated.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// assistant
	Message *AssistantMessage `json:"message,omitempty"`

	// result. Result can be a string or an object depending on subtype.
	Result       json.RawMessage `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// ResultText returns the result payload as plain text, whichever of the two
// encodings the CLI used.
func (e *Event) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(e.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// AssistantMessage is the content payload of an assistant event.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block inside an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolUseBlock is a tool invocation the assistant requested during a turn.
type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultBlock carries one tool execution outcome back to the child.
type ToolResultBlock struct {
	Type      string `json:"type"` // always "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage is the cumulative token accounting reported by the child.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// TurnResult is the assembled outcome of one send, resolved by the result
// event that closes the request.
type TurnResult struct {
	Response      string         `json:"response"`
	Usage         *Usage         `json:"usage,omitempty"`
	ToolUseBlocks []ToolUseBlock `json:"tool_use_blocks,omitempty"`
	HasToolUse    bool           `json:"has_tool_use"`
	SessionID     string         `json:"session_id,omitempty"`
	CostUSD       float64        `json:"cost_usd,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
}

// userFrame is the single outbound line shape. Content is either a string or
// an array of tool_result blocks.
type userFrame struct {
	Type    string           `json:"type"` // always "user"
	Message userFrameMessage `json:"message"`
}

type userFrameMessage struct {
	Role    string `json:"role"` // always "user"
	Content any    `json:"content"`
}

// InitHandler observes the child's system/init event.
type InitHandler func(sessionID, model string)

// DeltaHandler observes assistant text as it streams in.
type DeltaHandler func(text string)

// ToolUseHandler observes each tool_use block as it arrives.
type ToolUseHandler func(block ToolUseBlock)

// CloseHandler observes child exit.
type CloseHandler func(err error)
