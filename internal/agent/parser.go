package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agentloop/agentloop/internal/conversation"
)

// Fenced block scanners for gateway-tools mode. The model emits tool calls
// as prompt-visible markdown; prose around the blocks stays as the
// assistant's visible text.
var (
	toolCallBlockRe = regexp.MustCompile("(?s)```tool_call\\s*\n(.*?)\n?```")
	codeActBlockRe  = regexp.MustCompile("(?s)```(?:js|javascript)\\s*\n(.*?)\n?```")
)

// codeActToolName executes fenced code-act blocks through the tool executor.
const codeActToolName = "code_act"

// parseGatewayBlocks extracts fenced tool_call JSON blocks (and, when
// code-act is enabled, fenced js blocks) from assistant text. Returns the
// prose with the blocks stripped and the synthesised tool_use blocks, in
// document order per kind. Malformed tool_call JSON is left in the prose
// untouched.
func parseGatewayBlocks(text string, codeAct bool) (string, []conversation.ContentBlock) {
	var uses []conversation.ContentBlock
	prose := text

	prose = toolCallBlockRe.ReplaceAllStringFunc(prose, func(block string) string {
		body := toolCallBlockRe.FindStringSubmatch(block)[1]
		var call struct {
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &call); err != nil || call.Name == "" {
			return block
		}
		if call.Input == nil {
			call.Input = map[string]any{}
		}
		uses = append(uses, conversation.ToolUseBlock(synthesiseID(), call.Name, call.Input))
		return ""
	})

	if codeAct {
		prose = codeActBlockRe.ReplaceAllStringFunc(prose, func(block string) string {
			body := codeActBlockRe.FindStringSubmatch(block)[1]
			code := strings.TrimSpace(body)
			if code == "" {
				return ""
			}
			uses = append(uses, conversation.ToolUseBlock(synthesiseID(), codeActToolName, map[string]any{
				"code": code,
			}))
			return ""
		})
	}

	return strings.TrimSpace(collapseBlankLines(prose)), uses
}

func synthesiseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

var blankRunRe = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return blankRunRe.ReplaceAllString(s, "\n\n")
}
