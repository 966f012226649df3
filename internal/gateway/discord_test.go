package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMessageShort(t *testing.T) {
	chunks := chunkMessage("hello", 2000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0])
}

func TestChunkMessagePrefersNewlines(t *testing.T) {
	content := strings.Repeat("line one\n", 10)
	chunks := chunkMessage(content, 30)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 30)
	}
	assert.Equal(t, strings.ReplaceAll(content, "\n", ""),
		strings.ReplaceAll(strings.Join(chunks, ""), "\n", ""))
}

func TestChunkMessageHardSplit(t *testing.T) {
	content := strings.Repeat("x", 45)
	chunks := chunkMessage(content, 20)
	require.Len(t, chunks, 3)
	assert.Equal(t, 20, len(chunks[0]))
	assert.Equal(t, 20, len(chunks[1]))
	assert.Equal(t, 5, len(chunks[2]))
}

func TestDiscordAllowed(t *testing.T) {
	d := &Discord{cfg: DiscordConfig{}}
	assert.True(t, d.allowed("1", "anyone"))

	d = &Discord{cfg: DiscordConfig{AllowedUsers: []string{"42", "alice"}}}
	assert.True(t, d.allowed("42", "bob"))
	assert.True(t, d.allowed("7", "alice"))
	assert.False(t, d.allowed("7", "bob"))
}

func TestStripBotMention(t *testing.T) {
	d := &Discord{botUserID: "99"}
	assert.Equal(t, " hello", d.stripBotMention("<@99> hello"))
	assert.Equal(t, " hi", d.stripBotMention("<@!99> hi"))
	assert.Equal(t, "<@100> other", d.stripBotMention("<@100> other"))
}
