package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/agent"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
	"github.com/agentloop/agentloop/internal/orchestrator"
)

func registerTools(s *server.MCPServer, service *orchestrator.Service, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("agent_send",
			mcp.WithDescription("Send a message through the agent loop on a channel and return the final response."),
			mcp.WithString("channel_key",
				mcp.Required(),
				mcp.Description("The channel key, e.g. discord:12345 or api:dev"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		agentSendHandler(service, log),
	)

	s.AddTool(
		mcp.NewTool("session_list",
			mcp.WithDescription("List active sessions with their channel keys, token counts, and in-use flags."),
		),
		sessionListHandler(service),
	)

	s.AddTool(
		mcp.NewTool("session_reset",
			mcp.WithDescription("Drop a channel's session and subprocess; the next message starts fresh."),
			mcp.WithString("channel_key",
				mcp.Required(),
				mcp.Description("The channel key to reset"),
			),
		),
		sessionResetHandler(service),
	)

	s.AddTool(
		mcp.NewTool("lane_stats",
			mcp.WithDescription("Report lane scheduler activity: active lanes, queued work, class caps."),
		),
		laneStatsHandler(service),
	)

	log.Info("registered MCP tools", zap.Int("count", 4))
}

func agentSendHandler(service *orchestrator.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channelKey, err := req.RequireString("channel_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		blocks := []conversation.ContentBlock{conversation.TextBlock(text)}
		result, err := service.HandleMessage(ctx, channelKey, blocks, agent.RunOptions{})
		if err != nil {
			log.Error("agent_send failed",
				zap.String("channel", channelKey), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("agent loop failed: %v", err)), nil
		}

		payload, _ := json.MarshalIndent(map[string]any{
			"response":    result.Response,
			"turns":       result.Turns,
			"stop_reason": result.StopReason,
			"session_id":  result.SessionID,
		}, "", "  ")
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func sessionListHandler(service *orchestrator.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snapshot := service.Sessions().Snapshot()
		payload, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func sessionResetHandler(service *orchestrator.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channelKey, err := req.RequireString("channel_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		id := service.ResetSession(ctx, channelKey)
		return mcp.NewToolResultText(fmt.Sprintf("session for %s reset; new id %s", channelKey, id)), nil
	}
}

func laneStatsHandler(service *orchestrator.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		lanes := service.Lanes()
		if lanes == nil {
			return mcp.NewToolResultText(`{"enabled": false}`), nil
		}
		payload, err := json.MarshalIndent(lanes.Snapshot(), "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode stats: %v", err)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}
