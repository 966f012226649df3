package prompt

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Size thresholds in characters.
const (
	WarnThresholdChars     = 15000
	TruncateThresholdChars = 25000
	HardThresholdChars     = 40000
)

// Size levels reported by Check.
const (
	LevelOK       = "ok"
	LevelWarn     = "warn"
	LevelTruncate = "truncate"
	LevelHard     = "hard"
)

// Layer is one prompt layer. Priority 1 is never truncated; higher numbers
// are successively more expendable.
type Layer struct {
	Name     string
	Content  string
	Priority int
}

// SizeReport summarises prompt size against the thresholds.
type SizeReport struct {
	TotalChars      int
	EstimatedTokens int
	Warning         bool
	Level           string
}

// Check measures the layers and classifies the total against the thresholds.
// Boundaries are strict: a total of exactly 15000 does not warn.
func Check(layers []Layer) SizeReport {
	total := 0
	for _, l := range layers {
		total += utf8.RuneCountInString(l.Content)
	}

	level := LevelOK
	switch {
	case total > HardThresholdChars:
		level = LevelHard
	case total > TruncateThresholdChars:
		level = LevelTruncate
	case total > WarnThresholdChars:
		level = LevelWarn
	}

	return SizeReport{
		TotalChars:      total,
		EstimatedTokens: (total + 3) / 4,
		Warning:         total > WarnThresholdChars,
		Level:           level,
	}
}

// Enforce shrinks the layers to fit within limit characters. Layers with
// priority > 1 are consumed in (priority desc, length desc) order: a layer
// that fits entirely within the excess is emptied, otherwise it is cut from
// the end with a truncation marker appended and enforcement stops. Emptied
// layers are removed; the relative order of survivors is preserved.
// Priority-1 layers are returned byte-identical.
func Enforce(layers []Layer, limit int) ([]Layer, SizeReport, []string) {
	if limit <= 0 {
		limit = TruncateThresholdChars
	}

	report := Check(layers)
	if report.TotalChars <= limit {
		return layers, report, nil
	}

	out := make([]Layer, len(layers))
	copy(out, layers)

	// Candidate indices, most expendable first.
	var candidates []int
	for i, l := range out {
		if l.Priority > 1 {
			candidates = append(candidates, i)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		la, lb := out[candidates[a]], out[candidates[b]]
		if la.Priority != lb.Priority {
			return la.Priority > lb.Priority
		}
		return utf8.RuneCountInString(la.Content) > utf8.RuneCountInString(lb.Content)
	})

	excess := report.TotalChars - limit
	var touched []string

	for _, idx := range candidates {
		if excess <= 0 {
			break
		}
		size := utf8.RuneCountInString(out[idx].Content)
		if size == 0 {
			continue
		}

		if size <= excess {
			out[idx].Content = ""
			excess -= size
			touched = append(touched, out[idx].Name)
			continue
		}

		out[idx].Content = truncateFromEnd(out[idx].Name, out[idx].Content, size, excess)
		touched = append(touched, out[idx].Name)
		break
	}

	kept := out[:0]
	for _, l := range out {
		if l.Content != "" {
			kept = append(kept, l)
		}
	}

	return kept, Check(kept), touched
}

// truncateFromEnd removes at least excess characters from the layer's tail,
// making room for the marker so the enforced total stays within the limit.
func truncateFromEnd(name, content string, size, excess int) string {
	// The marker itself occupies space; the removed-count depends on the
	// marker length, so iterate until the figure is stable.
	removed := excess
	var marker string
	for i := 0; i < 4; i++ {
		marker = truncationMarker(name, removed)
		next := excess + utf8.RuneCountInString(marker)
		if next == removed {
			break
		}
		removed = next
	}

	keep := size - removed
	if keep <= 0 {
		return ""
	}

	runes := []rune(content)
	return string(runes[:keep]) + marker
}

func truncationMarker(name string, removed int) string {
	return fmt.Sprintf("[... %s truncated: %d chars removed ...]", name, removed)
}

// Render concatenates non-empty layers into the final prompt text.
func Render(layers []Layer) string {
	var parts []string
	for _, l := range layers {
		if l.Content != "" {
			parts = append(parts, l.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
