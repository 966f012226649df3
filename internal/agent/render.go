package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/agentloop/agentloop/internal/conversation"
)

// renderOutgoing serialises the last user message into the single text
// prompt written to the subprocess. Text goes verbatim; images become a
// structured read-this-file instruction (base64 payloads are materialised
// under the workspace first); tool blocks become labelled summaries.
func renderOutgoing(msg conversation.Message, workspaceDir string) (string, error) {
	var parts []string
	for _, block := range msg.Content {
		switch block.Type {
		case conversation.BlockTypeText:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case conversation.BlockTypeImage:
			part, err := renderImage(block, workspaceDir)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		case conversation.BlockTypeDocument:
			part, err := renderImage(block, workspaceDir)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		case conversation.BlockTypeToolResult:
			status := "ok"
			if block.IsError {
				status = "error"
			}
			parts = append(parts, fmt.Sprintf("[Tool result %s (%s)]\n%s", block.ToolUseID, status, block.Content))
		case conversation.BlockTypeToolUse:
			parts = append(parts, fmt.Sprintf("[Tool call %s (%s)]", block.Name, block.ID))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func renderImage(block conversation.ContentBlock, workspaceDir string) (string, error) {
	if block.Source == nil {
		return "", fmt.Errorf("render %s block: missing source", block.Type)
	}

	path := block.Source.Path
	if block.Source.Type == conversation.ImageSourceBase64 {
		written, err := materialiseBase64(block.Source, workspaceDir)
		if err != nil {
			return "", err
		}
		path = written
	}
	return fmt.Sprintf("[Attachment saved at %s; use the Read tool on that path to view it]", path), nil
}

// materialiseBase64 writes inline payloads under the workspace so the agent
// can reach them with the Read tool.
func materialiseBase64(src *conversation.ImageSource, workspaceDir string) (string, error) {
	if workspaceDir == "" {
		return "", fmt.Errorf("render attachment: no workspace directory configured")
	}
	dir := filepath.Join(workspaceDir, "attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}

	data, err := src.Decode()
	if err != nil {
		return "", fmt.Errorf("decode attachment: %w", err)
	}
	path := filepath.Join(dir, uuid.New().String()+extForMediaType(src.MediaType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path, nil
}

func extForMediaType(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
