package hooks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/memory"
)

// editTools are the tools whose writes can establish contracts.
var editTools = map[string]bool{
	"Write":       true,
	"Edit":        true,
	"apply_patch": true,
}

// PostTool extracts contracts from files the agent writes and persists them
// to memory. It is strictly fire-and-forget: Observe spawns a goroutine and
// returns immediately; every failure inside is swallowed.
type PostTool struct {
	store     memory.Store
	saveLimit int
	logger    *logger.Logger
}

// NewPostTool creates the post-tool contract extractor. A nil store
// disables it; saveLimit caps persists per invocation (zero means 5).
func NewPostTool(store memory.Store, saveLimit int, log *logger.Logger) *PostTool {
	if saveLimit <= 0 {
		saveLimit = 5
	}
	return &PostTool{
		store:     store,
		saveLimit: saveLimit,
		logger:    log.WithFields(zap.String("component", "posttool-hook")),
	}
}

// Observe fires contract extraction for an edit-tool invocation. Non-edit
// tools are ignored. The done channel closes when the background pass
// finishes; callers other than tests discard it.
func (p *PostTool) Observe(toolName string, input map[string]any) <-chan struct{} {
	done := make(chan struct{})
	if p.store == nil || !editTools[toolName] {
		close(done)
		return done
	}

	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	if path == "" || content == "" {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Debug("contract extraction panicked", zap.Any("panic", r))
			}
		}()
		p.extract(path, content)
	}()
	return done
}

func (p *PostTool) extract(path, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	contracts := ExtractContracts(path, content)
	saved := 0
	for _, c := range contracts {
		if saved >= p.saveLimit {
			break
		}
		if p.alreadyKnown(ctx, c) {
			continue
		}
		err := p.store.Save(ctx, &memory.Entry{
			Topic:      c.Topic,
			Decision:   c.Decision,
			Confidence: c.Confidence,
			Tags:       []string{"contract", c.Kind},
		})
		if err != nil {
			p.logger.Debug("contract save failed", zap.String("topic", c.Topic), zap.Error(err))
			continue
		}
		saved++
	}
	if saved > 0 {
		p.logger.Debug("contracts extracted",
			zap.String("file", path),
			zap.Int("saved", saved),
			zap.Int("found", len(contracts)))
	}
}

// alreadyKnown dedupes against memory by topic+decision.
func (p *PostTool) alreadyKnown(ctx context.Context, c Contract) bool {
	entries, err := p.store.Search(ctx, c.Topic, 5)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Topic == c.Topic && e.Decision == c.Decision {
			return true
		}
	}
	return false
}
