package hooks

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
	"github.com/agentloop/agentloop/internal/memory"
)

// compactionPrompt is the fixed seven-section summary request injected when
// the context window nears its threshold.
const compactionPrompt = `The context window is almost full. Before continuing, write a compaction summary with exactly these sections:

1. User requests: every request made in this conversation, in order.
2. Final goal: the end state the user is working toward.
3. Work completed: what has been finished and verified.
4. Remaining tasks: what is still open, in priority order.
5. Active working context: files, identifiers, and values currently in play.
6. Explicit constraints: rules and preferences the user stated.
7. Verification state: what has been tested and what has not.

Save anything worth keeping with mem_save before you summarize.`

// decisionRe heuristically spots decision-like statements in assistant text.
var decisionRe = regexp.MustCompile(`(?im)^.{0,20}\b(?:decided|agreed|will use|chose|chosen|선택|결정)\b.{10,200}$`)

// PreCompact injects the compaction summary prompt once per loop when the
// session's token count crosses the warning threshold.
type PreCompact struct {
	store        memory.Store
	maxDecisions int
	logger       *logger.Logger
}

// NewPreCompact creates the pre-compaction handler. maxDecisions caps the
// unsaved-decision listing (zero means 5). A nil store skips the unsaved
// check and lists nothing.
func NewPreCompact(store memory.Store, maxDecisions int, log *logger.Logger) *PreCompact {
	if maxDecisions <= 0 {
		maxDecisions = 5
	}
	return &PreCompact{
		store:        store,
		maxDecisions: maxDecisions,
		logger:       log.WithFields(zap.String("component", "precompact-hook")),
	}
}

// BuildMessage assembles the compaction user message from the fixed prompt
// plus any heuristically detected unsaved decisions in the history. Errors
// during detection are swallowed; the fixed prompt always survives.
func (p *PreCompact) BuildMessage(ctx context.Context, history []conversation.Message) conversation.Message {
	text := compactionPrompt

	if unsaved := p.unsavedDecisions(ctx, history); len(unsaved) > 0 {
		var b strings.Builder
		b.WriteString("\n\nPossibly unsaved decisions detected in this conversation:\n")
		for _, d := range unsaved {
			b.WriteString("- " + d + "\n")
		}
		text += strings.TrimRight(b.String(), "\n")
	}

	p.logger.Info("injecting compaction summary prompt")
	return conversation.UserText(text)
}

// unsavedDecisions extracts decision-like statements from assistant turns
// that memory does not already hold.
func (p *PreCompact) unsavedDecisions(ctx context.Context, history []conversation.Message) []string {
	defer func() { _ = recover() }()

	var found []string
	seen := map[string]bool{}
	for _, msg := range history {
		if msg.Role != conversation.RoleAssistant {
			continue
		}
		for _, m := range decisionRe.FindAllString(msg.TextContent(), -1) {
			line := strings.TrimSpace(m)
			if line == "" || seen[line] {
				continue
			}
			seen[line] = true
			found = append(found, line)
			if len(found) >= p.maxDecisions {
				return p.filterKnown(ctx, found)
			}
		}
	}
	return p.filterKnown(ctx, found)
}

func (p *PreCompact) filterKnown(ctx context.Context, decisions []string) []string {
	if p.store == nil || len(decisions) == 0 {
		return decisions
	}

	searchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unsaved []string
	for _, d := range decisions {
		probe := d
		if len(probe) > 60 {
			probe = probe[:60]
		}
		entries, err := p.store.Search(searchCtx, probe, 1)
		if err == nil && len(entries) > 0 {
			continue
		}
		unsaved = append(unsaved, d)
	}
	return unsaved
}
