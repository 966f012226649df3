package prompt

import (
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentloop/agentloop/internal/common/logger"
)

const frontmatterDelimiter = "---"

// AppliesTo scopes a rule fragment to a runtime context. Each field is an
// array; within a field any element may match, across fields all present
// fields must match.
type AppliesTo struct {
	AgentID  []string `yaml:"agent_id"`
	Tier     []string `yaml:"tier"`
	Channel  []string `yaml:"channel"`
	Keywords []string `yaml:"keywords"`
}

// Frontmatter is the parsed header of a rule fragment.
type Frontmatter struct {
	AppliesTo *AppliesTo `yaml:"applies_to"`
}

// RuleContext is the runtime context a rule fragment is matched against.
type RuleContext struct {
	AgentID  string
	Tier     string
	Channel  string
	Keywords []string
}

// ParseFrontmatter splits a fragment into its header metadata and body.
// A fragment without a leading "---" line has no header. A malformed header
// (unterminated delimiter, invalid YAML) is treated as universal: the
// returned metadata is nil and the body is the full original text.
func ParseFrontmatter(content string, log *logger.Logger) (*Frontmatter, string) {
	if !strings.HasPrefix(content, frontmatterDelimiter+"\n") && content != frontmatterDelimiter {
		return nil, content
	}

	rest := content[len(frontmatterDelimiter):]
	rest = strings.TrimPrefix(rest, "\n")

	end := findDelimiter(rest)
	if end < 0 {
		if log != nil {
			log.Warn("unterminated frontmatter header, treating fragment as universal")
		}
		return nil, content
	}

	header := rest[:end]
	body := rest[end:]
	// Skip the delimiter line itself.
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}

	var meta Frontmatter
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		if log != nil {
			log.Warn("malformed frontmatter header, treating fragment as universal", zap.Error(err))
		}
		return nil, content
	}
	return &meta, body
}

// findDelimiter returns the byte offset of the first line equal to "---",
// or -1 when absent.
func findDelimiter(s string) int {
	offset := 0
	for {
		idx := strings.Index(s[offset:], "\n")
		line := s[offset:]
		if idx >= 0 {
			line = s[offset : offset+idx]
		}
		if strings.TrimRight(line, "\r") == frontmatterDelimiter {
			return offset
		}
		if idx < 0 {
			return -1
		}
		offset += idx + 1
	}
}

// MatchesContext reports whether the rule applies in the given context.
// A nil receiver (no applies_to header) matches everything.
func (a *AppliesTo) MatchesContext(ctx RuleContext) bool {
	if a == nil {
		return true
	}
	if len(a.AgentID) > 0 && !containsString(a.AgentID, ctx.AgentID) {
		return false
	}
	if len(a.Tier) > 0 && !containsString(a.Tier, ctx.Tier) {
		return false
	}
	if len(a.Channel) > 0 && !containsString(a.Channel, ctx.Channel) {
		return false
	}
	if len(a.Keywords) > 0 && !anyOverlap(a.Keywords, ctx.Keywords) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func anyOverlap(list, active []string) bool {
	for _, want := range list {
		for _, have := range active {
			if want == have {
				return true
			}
		}
	}
	return false
}
