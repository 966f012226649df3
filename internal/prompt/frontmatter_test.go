package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloop/agentloop/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestParseFrontmatterValid(t *testing.T) {
	content := "---\napplies_to:\n  agent_id: [mama]\n  keywords: [deploy, release]\n---\nAlways run the test suite before deploying.\n"

	meta, body := ParseFrontmatter(content, testLogger(t))
	require.NotNil(t, meta)
	require.NotNil(t, meta.AppliesTo)
	assert.Equal(t, []string{"mama"}, meta.AppliesTo.AgentID)
	assert.Equal(t, "Always run the test suite before deploying.\n", body)
}

func TestParseFrontmatterNoHeader(t *testing.T) {
	content := "Just a plain fragment.\nNo header here.\n"
	meta, body := ParseFrontmatter(content, testLogger(t))
	assert.Nil(t, meta)
	assert.Equal(t, content, body)
}

func TestParseFrontmatterUnterminated(t *testing.T) {
	content := "---\napplies_to:\n  tier: [pro]\nno closing delimiter"
	meta, body := ParseFrontmatter(content, testLogger(t))
	assert.Nil(t, meta)
	// Malformed header: the full original text is the body.
	assert.Equal(t, content, body)
}

func TestParseFrontmatterInvalidYAML(t *testing.T) {
	content := "---\napplies_to: [unclosed\n---\nbody text\n"
	meta, body := ParseFrontmatter(content, testLogger(t))
	assert.Nil(t, meta)
	assert.Equal(t, content, body)
}

func TestParseFrontmatterBodyRoundTrip(t *testing.T) {
	body := "Line one.\n\n  indented line\n```\ncode\n```\ntrailing"
	content := "---\napplies_to:\n  channel: [\"discord:1\"]\n---\n" + body

	_, parsed := ParseFrontmatter(content, testLogger(t))
	assert.Equal(t, body, parsed)
}

func TestMatchesContext(t *testing.T) {
	ctx := RuleContext{
		AgentID:  "mama",
		Tier:     "pro",
		Channel:  "discord:99",
		Keywords: []string{"deploy"},
	}

	cases := []struct {
		name string
		a    *AppliesTo
		want bool
	}{
		{"absent applies_to matches", nil, true},
		{"empty applies_to matches", &AppliesTo{}, true},
		{"agent match", &AppliesTo{AgentID: []string{"papa", "mama"}}, true},
		{"agent mismatch", &AppliesTo{AgentID: []string{"papa"}}, false},
		{"all fields match", &AppliesTo{AgentID: []string{"mama"}, Tier: []string{"pro"}, Channel: []string{"discord:99"}}, true},
		{"one field mismatch fails all", &AppliesTo{AgentID: []string{"mama"}, Tier: []string{"free"}}, false},
		{"keyword overlap", &AppliesTo{Keywords: []string{"release", "deploy"}}, true},
		{"keyword no overlap", &AppliesTo{Keywords: []string{"release"}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.MatchesContext(ctx))
		})
	}
}
