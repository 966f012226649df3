package hooks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/memory"
)

// PreTool looks up previously recorded contracts before a Write executes,
// so the agent sees prior decisions about the file alongside its own tool
// result.
type PreTool struct {
	store  memory.Store
	logger *logger.Logger
}

// NewPreTool creates the pre-tool contract lookup. A nil store disables it.
func NewPreTool(store memory.Store, log *logger.Logger) *PreTool {
	return &PreTool{
		store:  store,
		logger: log.WithFields(zap.String("component", "pretool-hook")),
	}
}

// ContractNotes returns a block describing known contracts for the file a
// Write targets, or the empty string. It only fires for the Write tool and
// never blocks the loop: any failure yields "".
func (p *PreTool) ContractNotes(ctx context.Context, toolName string, input map[string]any) string {
	if toolName != "Write" || p.store == nil {
		return ""
	}
	path, _ := input["path"].(string)
	if path == "" {
		return ""
	}
	filename := filepath.Base(path)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries, err := p.store.Search(lookupCtx, "contract "+filename, 3)
	if err != nil {
		p.logger.Debug("contract lookup failed", zap.String("file", filename), zap.Error(err))
		return ""
	}

	var b strings.Builder
	for _, e := range entries {
		if !strings.HasPrefix(e.Topic, "contract_") {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s (confidence %.2f)\n", e.Topic, e.Decision, e.Confidence)
	}
	if b.Len() == 0 {
		return ""
	}
	return "Known contracts for " + filename + ":\n" + strings.TrimRight(b.String(), "\n") + "\n\n"
}
