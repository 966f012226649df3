// Package memory persists agent decisions and compaction checkpoints.
// Entries are short topic/decision records the agent saves mid-conversation;
// checkpoints hold full context snapshots written before a context reset.
package memory

import (
	"context"
	"time"
)

// Entry is one saved decision record.
type Entry struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Decision   string    `json:"decision"`
	Confidence float64   `json:"confidence"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint is a named context snapshot, typically one per channel.
type Checkpoint struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateEntryRequest carries partial updates for an entry. Nil fields are
// left unchanged.
type UpdateEntryRequest struct {
	Topic      *string  `json:"topic,omitempty"`
	Decision   *string  `json:"decision,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Store is the persistence interface behind the mem_* tools.
type Store interface {
	// Search returns entries whose topic or decision contains the query,
	// case-insensitively, newest first.
	Search(ctx context.Context, query string, limit int) ([]*Entry, error)

	// Save inserts a new entry, assigning an ID when absent.
	Save(ctx context.Context, entry *Entry) error

	// Update applies a partial update to an existing entry.
	Update(ctx context.Context, id string, req *UpdateEntryRequest) (*Entry, error)

	// Get fetches one entry by ID.
	Get(ctx context.Context, id string) (*Entry, error)

	// SaveCheckpoint upserts a named checkpoint.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LoadCheckpoint fetches a named checkpoint.
	LoadCheckpoint(ctx context.Context, name string) (*Checkpoint, error)

	// Prune deletes entries older than the given number of days and
	// returns how many were removed.
	Prune(ctx context.Context, olderThanDays int) (int64, error)

	Close() error
}
