package prompt

import (
	"regexp"
	"strings"
)

// KeywordDetector scans user text for mode keywords and produces the bounded
// instruction fragments appended to the upcoming turn. Detection runs on the
// text with code fences stripped; each detector contributes at most one
// instruction per scan.
type KeywordDetector struct {
	detectors []modeDetector
}

type modeDetector struct {
	name        string
	pattern     *regexp.Regexp
	instruction string
}

var fencePattern = regexp.MustCompile("(?s)```.*?```")

// NewKeywordDetector creates a detector with the built-in multilingual modes.
func NewKeywordDetector() *KeywordDetector {
	return &KeywordDetector{
		detectors: []modeDetector{
			{
				name:        "focus",
				pattern:     regexp.MustCompile(`(?i)(focus mode|deep work|집중\s*모드|집중해)`),
				instruction: "[mode: focus] Work only on the named task. Do not volunteer unrelated observations or side work.",
			},
			{
				name:        "urgent",
				pattern:     regexp.MustCompile(`(?i)(\burgent\b|\basap\b|긴급|급해)`),
				instruction: "[mode: urgent] Answer with the minimum viable result first, details after.",
			},
			{
				name:        "plan",
				pattern:     regexp.MustCompile(`(?i)(plan first|step by step|계획부터|단계별로)`),
				instruction: "[mode: plan] Lay out a short numbered plan before acting, then follow it.",
			},
			{
				name:        "verbose",
				pattern:     regexp.MustCompile(`(?i)(explain in detail|자세히 설명)`),
				instruction: "[mode: verbose] Explain your reasoning and intermediate results as you go.",
			},
		},
	}
}

// AddDetector registers a custom mode keyword.
func (k *KeywordDetector) AddDetector(name, pattern, instruction string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	k.detectors = append(k.detectors, modeDetector{name: name, pattern: re, instruction: instruction})
	return nil
}

// Detect returns the names of the modes triggered by the text.
func (k *KeywordDetector) Detect(text string) []string {
	stripped := fencePattern.ReplaceAllString(text, "")
	var matched []string
	for _, d := range k.detectors {
		if d.pattern.MatchString(stripped) {
			matched = append(matched, d.name)
		}
	}
	return matched
}

// Augment returns the instruction suffix to append to the user content, or
// the empty string when no mode keyword matches.
func (k *KeywordDetector) Augment(text string) string {
	stripped := fencePattern.ReplaceAllString(text, "")
	var instructions []string
	for _, d := range k.detectors {
		if d.pattern.MatchString(stripped) {
			instructions = append(instructions, d.instruction)
		}
	}
	if len(instructions) == 0 {
		return ""
	}
	return strings.Join(instructions, "\n")
}
