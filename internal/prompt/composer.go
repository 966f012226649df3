package prompt

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// Layer priorities. Lower survives truncation longer.
const (
	PriorityIdentity   = 1
	PriorityPersona    = 2
	PriorityAgentsFile = 2
	PriorityToolRef    = 2
	PriorityContext    = 3
	PrioritySkills     = 3
	PriorityOnboarding = 4
)

// Tool reference modes.
type ToolMode int

const (
	// ToolModeProtocol omits the tool reference; the subprocess exposes
	// tools natively.
	ToolModeProtocol ToolMode = iota
	// ToolModeGateway instructs the model to emit fenced tool_call blocks.
	ToolModeGateway
	// ToolModeCodeAct appends compact type definitions for fenced js blocks.
	ToolModeCodeAct
)

// AgentContext describes the caller for the role/context layer and for
// frontmatter rule matching.
type AgentContext struct {
	AgentID  string
	Tier     string
	Channel  string
	Role     string
	Keywords []string
	Extra    map[string]string
}

// ToolSpec is one entry of the tool reference layer.
type ToolSpec struct {
	Name        string
	Description string
	InputHint   string
}

// ComposeOptions selects what goes into the system prompt.
type ComposeOptions struct {
	Context      AgentContext
	Runner       string // "claude" or "codex"; selects the agents file
	Tools        []ToolSpec
	ToolMode     ToolMode
	BaseIdentity string // overrides the built-in identity text
}

const defaultIdentity = `You are a persistent assistant driven by an agent loop. You keep context across turns, use tools deliberately, and finish what you start. Prefer doing the work over describing it. When a task completes, say so explicitly.`

// Composer assembles the layered system prompt from the agent home.
type Composer struct {
	home   string
	logger *logger.Logger
}

// NewComposer creates a composer rooted at the agent home directory.
func NewComposer(home string, log *logger.Logger) *Composer {
	return &Composer{
		home:   home,
		logger: log.WithFields(zap.String("component", "prompt-composer")),
	}
}

// Compose builds the ordered prompt layers. Layers with empty content are
// dropped; the result still needs Enforce before being pushed to a
// subprocess.
func (c *Composer) Compose(opts ComposeOptions) []Layer {
	ruleCtx := RuleContext{
		AgentID:  opts.Context.AgentID,
		Tier:     opts.Context.Tier,
		Channel:  opts.Context.Channel,
		Keywords: opts.Context.Keywords,
	}

	identity := opts.BaseIdentity
	if identity == "" {
		identity = c.readFile("identity.md")
	}
	if identity == "" {
		identity = defaultIdentity
	}

	layers := []Layer{
		{Name: "identity", Content: identity, Priority: PriorityIdentity},
		{Name: "personas", Content: c.personaFragments(ruleCtx), Priority: PriorityPersona},
		{Name: "context", Content: renderContext(opts.Context), Priority: PriorityContext},
		{Name: "skills", Content: c.skillsCatalog(), Priority: PrioritySkills},
		{Name: "agents", Content: c.agentsFile(opts.Runner), Priority: PriorityAgentsFile},
		{Name: "tools", Content: renderToolReference(opts.Tools, opts.ToolMode), Priority: PriorityToolRef},
		{Name: "onboarding", Content: c.onboarding(), Priority: PriorityOnboarding},
	}

	kept := layers[:0]
	for _, l := range layers {
		if strings.TrimSpace(l.Content) != "" {
			kept = append(kept, l)
		}
	}
	return kept
}

// personaFragments discovers persona files under the well-known paths,
// filters them by frontmatter rules, and de-duplicates by content and file
// identity. Distance is the path depth below the discovery root, so closer
// fragments win hash collisions.
func (c *Composer) personaFragments(ruleCtx RuleContext) string {
	dedup := NewDeduplicator()

	if content := c.readFile("persona.md"); content != "" {
		c.addFragment(dedup, filepath.Join(c.home, "persona.md"), content, 0, ruleCtx)
	}

	root := filepath.Join(c.home, "personas")
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("failed to read persona fragment", zap.String("path", path), zap.Error(err))
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		distance := 1 + strings.Count(rel, string(filepath.Separator))
		c.addFragment(dedup, path, string(data), distance, ruleCtx)
		return nil
	})

	var parts []string
	for _, e := range dedup.Entries() {
		parts = append(parts, strings.TrimSpace(e.Content))
	}
	return strings.Join(parts, "\n\n")
}

func (c *Composer) addFragment(dedup *Deduplicator, path, content string, distance int, ruleCtx RuleContext) {
	meta, body := ParseFrontmatter(content, c.logger)
	var appliesTo *AppliesTo
	if meta != nil {
		appliesTo = meta.AppliesTo
	}
	if !appliesTo.MatchesContext(ruleCtx) {
		return
	}
	if strings.TrimSpace(body) == "" {
		return
	}
	dedup.Add(path, body, distance)
}

// skillState mirrors one entry of skills/state.json.
type skillState struct {
	Enabled bool `json:"enabled"`
}

// skillsCatalog lists the enabled skills as "<source>/<id>: <title>" lines.
// Skills live at skills/<source>/<id>/SKILL.md; skills/state.json disables
// individual entries. A skill without a state entry is enabled.
func (c *Composer) skillsCatalog() string {
	root := filepath.Join(c.home, "skills")

	states := map[string]skillState{}
	if data, err := os.ReadFile(filepath.Join(root, "state.json")); err == nil {
		if err := json.Unmarshal(data, &states); err != nil {
			c.logger.Warn("malformed skills state file", zap.Error(err))
		}
	}

	var keys []string
	titles := map[string]string{}
	sources, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	for _, src := range sources {
		if !src.IsDir() {
			continue
		}
		ids, err := os.ReadDir(filepath.Join(root, src.Name()))
		if err != nil {
			continue
		}
		for _, id := range ids {
			if !id.IsDir() {
				continue
			}
			key := src.Name() + "/" + id.Name()
			if st, ok := states[key]; ok && !st.Enabled {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, src.Name(), id.Name(), "SKILL.md"))
			if err != nil {
				continue
			}
			keys = append(keys, key)
			titles[key] = skillTitle(string(data), id.Name())
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("## Available skills\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", key, titles[key])
	}
	return strings.TrimRight(b.String(), "\n")
}

// skillTitle extracts the first markdown heading, falling back to the id.
func skillTitle(content, fallback string) string {
	_, body := ParseFrontmatter(content, nil)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return fallback
}

// agentsFile reads the backend-specific agents file from the home root.
func (c *Composer) agentsFile(runner string) string {
	switch runner {
	case "codex":
		return c.readFile("AGENTS.md")
	default:
		return c.readFile("CLAUDE.md")
	}
}

// onboarding returns the onboarding text when the state file enables it.
func (c *Composer) onboarding() string {
	data, err := os.ReadFile(filepath.Join(c.home, "state.json"))
	if err != nil {
		return ""
	}
	var state struct {
		OnboardingEnabled bool `json:"onboarding_enabled"`
	}
	if err := json.Unmarshal(data, &state); err != nil || !state.OnboardingEnabled {
		return ""
	}
	return c.readFile("onboarding.md")
}

func (c *Composer) readFile(name string) string {
	data, err := os.ReadFile(filepath.Join(c.home, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// renderContext formats the caller's agent context as the role layer.
func renderContext(ctx AgentContext) string {
	var b strings.Builder
	if ctx.AgentID != "" {
		fmt.Fprintf(&b, "Agent: %s\n", ctx.AgentID)
	}
	if ctx.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", ctx.Role)
	}
	if ctx.Tier != "" {
		fmt.Fprintf(&b, "Tier: %s\n", ctx.Tier)
	}
	if ctx.Channel != "" {
		fmt.Fprintf(&b, "Channel: %s\n", ctx.Channel)
	}
	var extraKeys []string
	for k := range ctx.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		fmt.Fprintf(&b, "%s: %s\n", k, ctx.Extra[k])
	}
	if b.Len() == 0 {
		return ""
	}
	return "## Current context\n" + strings.TrimRight(b.String(), "\n")
}

// renderToolReference formats the tool layer for the given mode. In
// protocol mode the subprocess already exposes tools, so nothing is added.
func renderToolReference(tools []ToolSpec, mode ToolMode) string {
	if mode == ToolModeProtocol || len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	switch mode {
	case ToolModeGateway:
		b.WriteString("## Tool calls\n")
		b.WriteString("To invoke a tool, emit a fenced block with the `tool_call` language tag containing JSON:\n")
		b.WriteString("```tool_call\n{\"name\": \"<tool_name>\", \"input\": {}}\n```\n")
		b.WriteString("Available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	case ToolModeCodeAct:
		b.WriteString("## Tool API\n")
		b.WriteString("Emit a fenced `js` block to call tools as functions:\n")
		b.WriteString("```\n")
		for _, t := range tools {
			hint := t.InputHint
			if hint == "" {
				hint = "input: object"
			}
			fmt.Fprintf(&b, "declare function %s(%s): Result; // %s\n", t.Name, hint, t.Description)
		}
		b.WriteString("```\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
