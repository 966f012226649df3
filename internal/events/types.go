// Package events defines the loop lifecycle event types published on the
// event bus.
package events

// Message flow
const (
	MessageQueued = "message.queued"
)

// Turn lifecycle
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
)

// Tool execution
const (
	ToolExecuted = "tool.executed"
)

// Session lifecycle
const (
	SessionCreated = "session.created"
	SessionReset   = "session.reset"
	SessionEvicted = "session.evicted"
)

// Subprocess lifecycle
const (
	ProcessStarted = "process.started"
	ProcessExited  = "process.exited"
)

// Loop interventions
const (
	CompactionInjected   = "compaction.injected"
	ContinuationInjected = "continuation.injected"
)

// ChannelData builds the common payload carried by channel-scoped events.
func ChannelData(channelKey string, extra map[string]any) map[string]any {
	data := map[string]any{"channel_key": channelKey}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
