package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentString(t *testing.T) {
	blocks, err := ParseContent(json.RawMessage(`"hello there"`))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockTypeText, blocks[0].Type)
	assert.Equal(t, "hello there", blocks[0].Text)
}

func TestParseContentBlocks(t *testing.T) {
	raw := json.RawMessage(`[
		{"type":"text","text":"look at this"},
		{"type":"image","source":{"type":"path","path":"/tmp/shot.png"}},
		{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}
	]`)
	blocks, err := ParseContent(raw)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, BlockTypeImage, blocks[1].Type)
	assert.Equal(t, "/tmp/shot.png", blocks[1].Source.Path)
	assert.Equal(t, "tu_1", blocks[2].ToolUseID)
}

func TestParseContentRejectsUnknownType(t *testing.T) {
	_, err := ParseContent(json.RawMessage(`[{"type":"video"}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown content block type")
}

func TestParseContentRejectsIncompleteBlocks(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"image without source", `[{"type":"image"}]`},
		{"base64 image without data", `[{"type":"image","source":{"type":"base64"}}]`},
		{"tool_use without id", `[{"type":"tool_use","name":"Read"}]`},
		{"tool_result without id", `[{"type":"tool_result","content":"x"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseContent(json.RawMessage(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestMessageTextContent(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			TextBlock("first"),
			ToolUseBlock("tu_1", "Read", map[string]any{"file_path": "/tmp/a"}),
			TextBlock("second"),
		},
	}
	assert.Equal(t, "first\nsecond", msg.TextContent())
	assert.Len(t, msg.ToolUses(), 1)
}

func TestUsageAccumulation(t *testing.T) {
	var total Usage
	total.Add(Usage{InputTokens: 100, OutputTokens: 20})
	total.Add(Usage{InputTokens: 50, OutputTokens: 10, CacheReadInputTokens: 4000})

	assert.Equal(t, int64(150), total.InputTokens)
	assert.Equal(t, int64(30), total.OutputTokens)
	assert.Equal(t, int64(4180), total.ContextTokens())
}
