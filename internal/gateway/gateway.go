// Package gateway abstracts the chat transport behind the discord_send tool
// and the outbound half of the message flow.
package gateway

import "context"

// Gateway sends agent output to a chat channel. The channel id is the
// transport-native identifier (the part after the source prefix in a
// channel key).
type Gateway interface {
	SendMessage(ctx context.Context, channelID, content string) error
	SendFile(ctx context.Context, channelID, path string) error
	SendImage(ctx context.Context, channelID, path string) error
}

// Nop is a no-op gateway used when no chat transport is configured.
type Nop struct{}

var _ Gateway = (*Nop)(nil)

func (Nop) SendMessage(ctx context.Context, channelID, content string) error { return nil }
func (Nop) SendFile(ctx context.Context, channelID, path string) error       { return nil }
func (Nop) SendImage(ctx context.Context, channelID, path string) error      { return nil }
