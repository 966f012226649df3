package tools

import (
	"context"
	"fmt"
)

// discordSend delegates to the injected chat gateway. The channel id is the
// transport-native identifier, not the full channel key.
func (e *Executor) discordSend(ctx context.Context, input map[string]any) *Result {
	channelID := stringArg(input, "channel_id")
	if channelID == "" {
		return errResult("discord_send requires a channel_id")
	}

	if path := stringArg(input, "file"); path != "" {
		resolved, err := e.resolveSandboxPath(path)
		if err != nil {
			return errResult("Access denied: %s is outside the agent home", path)
		}
		if err := e.opts.Gateway.SendFile(ctx, channelID, resolved); err != nil {
			return errResult("send file: %v", err)
		}
		return okResult(fmt.Sprintf("sent file %s", path))
	}

	if path := stringArg(input, "image"); path != "" {
		resolved, err := e.resolveSandboxPath(path)
		if err != nil {
			return errResult("Access denied: %s is outside the agent home", path)
		}
		if err := e.opts.Gateway.SendImage(ctx, channelID, resolved); err != nil {
			return errResult("send image: %v", err)
		}
		return okResult(fmt.Sprintf("sent image %s", path))
	}

	content := stringArg(input, "content")
	if content == "" {
		return errResult("discord_send requires content, file, or image")
	}
	if err := e.opts.Gateway.SendMessage(ctx, channelID, content); err != nil {
		return errResult("send message: %v", err)
	}
	return okResult("message sent")
}
