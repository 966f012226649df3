package agent

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloop/agentloop/internal/conversation"
)

func TestParseGatewayBlocksSingleCall(t *testing.T) {
	text := "Let me look that up.\n\n```tool_call\n{\"name\":\"mem_search\",\"input\":{\"query\":\"redis\"}}\n```\n\nOne moment."

	prose, uses := parseGatewayBlocks(text, false)

	require.Len(t, uses, 1)
	assert.Equal(t, "mem_search", uses[0].Name)
	assert.Equal(t, "redis", uses[0].Input["query"])
	assert.True(t, strings.HasPrefix(uses[0].ID, "toolu_"))
	assert.NotContains(t, uses[0].ID, "-")

	assert.Contains(t, prose, "Let me look that up.")
	assert.Contains(t, prose, "One moment.")
	assert.NotContains(t, prose, "tool_call")
}

func TestParseGatewayBlocksMultiple(t *testing.T) {
	text := "```tool_call\n{\"name\":\"Read\",\"input\":{\"path\":\"a.txt\"}}\n```\n" +
		"```tool_call\n{\"name\":\"Read\",\"input\":{\"path\":\"b.txt\"}}\n```"

	prose, uses := parseGatewayBlocks(text, false)

	require.Len(t, uses, 2)
	assert.Equal(t, "a.txt", uses[0].Input["path"])
	assert.Equal(t, "b.txt", uses[1].Input["path"])
	assert.NotEqual(t, uses[0].ID, uses[1].ID)
	assert.Empty(t, prose)
}

func TestParseGatewayBlocksMalformedJSONStaysInProse(t *testing.T) {
	text := "Trying:\n```tool_call\n{not valid json\n```"

	prose, uses := parseGatewayBlocks(text, false)

	assert.Empty(t, uses)
	assert.Contains(t, prose, "{not valid json")
}

func TestParseGatewayBlocksMissingNameStaysInProse(t *testing.T) {
	text := "```tool_call\n{\"input\":{\"query\":\"x\"}}\n```"

	prose, uses := parseGatewayBlocks(text, false)

	assert.Empty(t, uses)
	assert.Contains(t, prose, "tool_call")
}

func TestParseGatewayBlocksCodeAct(t *testing.T) {
	text := "Running it.\n```js\nconst x = await read('a.txt');\nreturn x;\n```"

	prose, uses := parseGatewayBlocks(text, true)

	require.Len(t, uses, 1)
	assert.Equal(t, codeActToolName, uses[0].Name)
	assert.Contains(t, uses[0].Input["code"], "await read")
	assert.Equal(t, "Running it.", prose)
}

func TestParseGatewayBlocksCodeActDisabled(t *testing.T) {
	text := "Here is an example:\n```js\nconsole.log(1)\n```"

	prose, uses := parseGatewayBlocks(text, false)

	assert.Empty(t, uses)
	assert.Contains(t, prose, "console.log(1)")
}

func TestParseGatewayBlocksNoInput(t *testing.T) {
	text := "```tool_call\n{\"name\":\"screenshot\"}\n```"

	_, uses := parseGatewayBlocks(text, false)

	require.Len(t, uses, 1)
	require.NotNil(t, uses[0].Input)
	assert.Empty(t, uses[0].Input)
}

func TestRenderOutgoingTextVerbatim(t *testing.T) {
	msg := conversation.UserText("hello there")
	out, err := renderOutgoing(msg, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
}

func TestRenderOutgoingImagePath(t *testing.T) {
	msg := conversation.Message{
		Role: conversation.RoleUser,
		Content: []conversation.ContentBlock{
			conversation.TextBlock("what is in this picture?"),
			conversation.ImagePathBlock("/tmp/shot.png"),
		},
	}
	out, err := renderOutgoing(msg, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "what is in this picture?")
	assert.Contains(t, out, "/tmp/shot.png")
	assert.Contains(t, out, "Read tool")
}

func TestRenderOutgoingBase64Materialised(t *testing.T) {
	workspace := t.TempDir()
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	msg := conversation.Message{
		Role:    conversation.RoleUser,
		Content: []conversation.ContentBlock{conversation.ImageBase64Block("image/png", payload)},
	}

	out, err := renderOutgoing(msg, workspace)
	require.NoError(t, err)

	start := strings.Index(out, workspace)
	require.GreaterOrEqual(t, start, 0)
	path := out[start:]
	path = path[:strings.IndexAny(path, ";")]
	assert.True(t, strings.HasSuffix(path, ".png"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestRenderOutgoingToolBlocks(t *testing.T) {
	msg := conversation.Message{
		Role: conversation.RoleUser,
		Content: []conversation.ContentBlock{
			conversation.ToolResultBlock("t1", "it worked", false),
			conversation.ToolResultBlock("t2", "it broke", true),
		},
	}
	out, err := renderOutgoing(msg, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "[Tool result t1 (ok)]\nit worked")
	assert.Contains(t, out, "[Tool result t2 (error)]\nit broke")
}

func TestErrorCodeAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := WrapError(CodeCLIError, base, true)

	assert.Equal(t, CodeCLIError, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)

	plain := errors.New("plain")
	assert.Empty(t, CodeOf(plain))
	assert.False(t, IsRetryable(plain))

	fatal := NewError(CodeInfiniteLoop, "stuck", false)
	assert.Equal(t, CodeInfiniteLoop, CodeOf(fatal))
	assert.False(t, IsRetryable(fatal))
	assert.Contains(t, fatal.Error(), "stuck")
}
