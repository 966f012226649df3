package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentloop/agentloop/internal/memory"
)

func (e *Executor) memSearch(ctx context.Context, input map[string]any) *Result {
	store, err := e.memStore()
	if err != nil {
		return errResult("memory store unavailable: %v", err)
	}

	query := stringArg(input, "query")
	if query == "" {
		return errResult("mem_search requires a query")
	}
	limit := intArg(input, "limit", 10)

	entries, err := store.Search(ctx, query, limit)
	if err != nil {
		return errResult("mem_search failed: %v", err)
	}
	if len(entries) == 0 {
		return okResult("no matching memories")
	}

	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "- [%s] %s: %s (confidence %.2f)\n", entry.ID, entry.Topic, entry.Decision, entry.Confidence)
	}
	data, _ := json.Marshal(entries)
	return &Result{
		Success: true,
		Output:  strings.TrimRight(b.String(), "\n"),
		Data:    map[string]any{"entries": json.RawMessage(data)},
	}
}

func (e *Executor) memSave(ctx context.Context, input map[string]any) *Result {
	store, err := e.memStore()
	if err != nil {
		return errResult("memory store unavailable: %v", err)
	}

	topic := stringArg(input, "topic")
	decision := stringArg(input, "decision")
	if topic == "" || decision == "" {
		return errResult("mem_save requires topic and decision")
	}

	entry := &memory.Entry{Topic: topic, Decision: decision}
	if conf, ok := floatArg(input, "confidence"); ok {
		entry.Confidence = conf
	}
	if tags, ok := input["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				entry.Tags = append(entry.Tags, s)
			}
		}
	}

	if err := store.Save(ctx, entry); err != nil {
		return errResult("mem_save failed: %v", err)
	}
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("saved %s", entry.ID),
		Data:    map[string]any{"id": entry.ID},
	}
}

func (e *Executor) memUpdate(ctx context.Context, input map[string]any) *Result {
	store, err := e.memStore()
	if err != nil {
		return errResult("memory store unavailable: %v", err)
	}

	id := stringArg(input, "id")
	if id == "" {
		return errResult("mem_update requires an id")
	}

	req := &memory.UpdateEntryRequest{}
	if topic := stringArg(input, "topic"); topic != "" {
		req.Topic = &topic
	}
	if decision := stringArg(input, "decision"); decision != "" {
		req.Decision = &decision
	}
	if conf, ok := floatArg(input, "confidence"); ok {
		req.Confidence = &conf
	}
	if tags, ok := input["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				req.Tags = append(req.Tags, s)
			}
		}
	}

	entry, err := store.Update(ctx, id, req)
	if err != nil {
		return errResult("mem_update failed: %v", err)
	}
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("updated %s: %s", entry.ID, entry.Topic),
	}
}

func (e *Executor) memLoadCheckpoint(ctx context.Context, input map[string]any) *Result {
	store, err := e.memStore()
	if err != nil {
		return errResult("memory store unavailable: %v", err)
	}

	name := stringArg(input, "name")
	if name == "" {
		return errResult("mem_load_checkpoint requires a name")
	}

	cp, err := store.LoadCheckpoint(ctx, name)
	if err != nil {
		return errResult("mem_load_checkpoint failed: %v", err)
	}
	return okResult(cp.Content)
}
