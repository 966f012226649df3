package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordDetect(t *testing.T) {
	k := NewKeywordDetector()

	assert.Equal(t, []string{"focus"}, k.Detect("enter focus mode and fix the parser"))
	assert.Equal(t, []string{"focus"}, k.Detect("집중 모드로 파서 고쳐줘"))
	assert.Equal(t, []string{"urgent"}, k.Detect("this is URGENT, prod is down"))
	assert.Empty(t, k.Detect("just a normal message"))
}

func TestKeywordDetectMultipleModes(t *testing.T) {
	k := NewKeywordDetector()
	matched := k.Detect("urgent! but plan first before touching anything")
	assert.Equal(t, []string{"urgent", "plan"}, matched)
}

func TestKeywordDetectOnePerDetector(t *testing.T) {
	k := NewKeywordDetector()
	// The same mode keyword twice still yields one match.
	matched := k.Detect("urgent urgent urgent")
	assert.Equal(t, []string{"urgent"}, matched)
}

func TestKeywordIgnoresCodeFences(t *testing.T) {
	k := NewKeywordDetector()
	text := "look at this snippet\n```\n// TODO urgent refactor\n```\nthanks"
	assert.Empty(t, k.Detect(text))

	// Outside the fence still matches.
	text = "urgent: check this\n```\ncode\n```"
	assert.Equal(t, []string{"urgent"}, k.Detect(text))
}

func TestKeywordAugment(t *testing.T) {
	k := NewKeywordDetector()

	assert.Empty(t, k.Augment("hello there"))

	got := k.Augment("asap please")
	assert.Contains(t, got, "[mode: urgent]")
}

func TestKeywordAddDetector(t *testing.T) {
	k := NewKeywordDetector()
	require.NoError(t, k.AddDetector("review", `(?i)review mode`, "[mode: review] Read before writing."))

	assert.Equal(t, []string{"review"}, k.Detect("switch to review mode"))
	assert.Contains(t, k.Augment("review mode please"), "[mode: review]")

	err := k.AddDetector("bad", `([`, "broken")
	assert.Error(t, err)
}
