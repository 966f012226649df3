// Package conversation defines the message model shared by the agent loop,
// the tool executor, and the transport adapters. Content is a tagged union:
// the Type field selects which of the remaining fields are meaningful, and
// ParseContent validates incoming payloads at the boundary.
package conversation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeImage      = "image"
	BlockTypeDocument   = "document"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Image source types.
const (
	ImageSourceBase64 = "base64"
	ImageSourcePath   = "path"
)

// ContentBlock is one unit of message content. Type determines which
// fields are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For image and document blocks
	Source *ImageSource `json:"source,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ImageSource carries image content either inline (base64) or by file path.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Decode returns the raw bytes of an inline base64 payload.
func (s *ImageSource) Decode() ([]byte, error) {
	if s.Type != ImageSourceBase64 {
		return nil, fmt.Errorf("source type %q carries no inline data", s.Type)
	}
	data, err := base64.StdEncoding.DecodeString(s.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return data, nil
}

// Message is one turn of conversation content.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// ImagePathBlock builds an image block referencing a file on disk.
func ImagePathBlock(path string) ContentBlock {
	return ContentBlock{Type: BlockTypeImage, Source: &ImageSource{Type: ImageSourcePath, Path: path}}
}

// ImageBase64Block builds an image block with inline base64 data.
func ImageBase64Block(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockTypeImage, Source: &ImageSource{Type: ImageSourceBase64, MediaType: mediaType, Data: data}}
}

// DocumentBlock builds a document block with inline base64 data.
func DocumentBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockTypeDocument, Source: &ImageSource{Type: ImageSourceBase64, MediaType: mediaType, Data: data}}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// UserText builds a user message with a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantText builds an assistant message with a single text block.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// TextContent concatenates the message's text blocks with newlines.
func (m Message) TextContent() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == BlockTypeText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the message's tool_use blocks.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockTypeToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Validate checks that the block's Type is known and the fields it requires
// are present.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case BlockTypeText:
		// Empty text is tolerated; composers drop it.
		return nil
	case BlockTypeThinking:
		return nil
	case BlockTypeImage, BlockTypeDocument:
		if b.Source == nil {
			return fmt.Errorf("%s block missing source", b.Type)
		}
		switch b.Source.Type {
		case ImageSourceBase64:
			if b.Source.Data == "" {
				return fmt.Errorf("base64 %s block missing data", b.Type)
			}
		case ImageSourcePath:
			if b.Source.Path == "" {
				return fmt.Errorf("path %s block missing path", b.Type)
			}
		default:
			return fmt.Errorf("unknown %s source type %q", b.Type, b.Source.Type)
		}
		return nil
	case BlockTypeToolUse:
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("tool_use block requires id and name")
		}
		return nil
	case BlockTypeToolResult:
		if b.ToolUseID == "" {
			return fmt.Errorf("tool_result block requires tool_use_id")
		}
		return nil
	default:
		return fmt.Errorf("unknown content block type %q", b.Type)
	}
}

// ParseContent decodes message content that may arrive either as a plain
// string or as an array of content blocks, validating each block.
func ParseContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []ContentBlock{TextBlock(s)}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("content is neither string nor block array: %w", err)
	}
	for i, b := range blocks {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("content block %d: %w", i, err)
		}
	}
	return blocks, nil
}

// Usage tracks token consumption across turns. Cache tokens count toward
// context occupancy, so ContextTokens includes them.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// ContextTokens returns total tokens occupying the context window.
func (u Usage) ContextTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}
