package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentloop/agentloop/internal/db/dialect"
)

type sqlStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Store = (*sqlStore)(nil)

// Provide creates the memory store using separate writer and reader pools.
func Provide(writer, reader *sqlx.DB) (Store, error) {
	store := &sqlStore{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("memory schema init: %w", err)
	}
	return store, nil
}

func (s *sqlStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_entries (
		id         TEXT PRIMARY KEY,
		topic      TEXT NOT NULL,
		decision   TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_entries_topic ON memory_entries(topic);
	CREATE INDEX IF NOT EXISTS idx_memory_entries_updated ON memory_entries(updated_at);

	CREATE TABLE IF NOT EXISTS memory_checkpoints (
		name       TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqlStore) Close() error {
	return nil // pools are owned by the caller
}

func (s *sqlStore) Search(ctx context.Context, query string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	like := dialect.Like(s.ro.DriverName())
	pattern := "%" + query + "%"

	var rows []entryRow
	q := s.ro.Rebind(fmt.Sprintf(`
		SELECT id, topic, decision, confidence, tags, created_at, updated_at
		FROM memory_entries
		WHERE topic %s ? OR decision %s ?
		ORDER BY updated_at DESC
		LIMIT ?`, like, like))
	if err := s.ro.SelectContext(ctx, &rows, q, pattern, pattern, limit); err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	return toEntries(rows), nil
}

func (s *sqlStore) Save(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Confidence == 0 {
		entry.Confidence = 0.5
	}

	tagsJSON, err := json.Marshal(entry.Tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO memory_entries (id, topic, decision, confidence, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.Topic, entry.Decision, entry.Confidence, string(tagsJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Entry, error) {
	var row entryRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, topic, decision, confidence, tags, created_at, updated_at
		FROM memory_entries WHERE id = ?`), id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("memory entry not found: %s", id)
		}
		return nil, fmt.Errorf("get memory entry: %w", err)
	}
	return row.toEntry(), nil
}

func (s *sqlStore) Update(ctx context.Context, id string, req *UpdateEntryRequest) (*Entry, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Topic != nil {
		existing.Topic = *req.Topic
	}
	if req.Decision != nil {
		existing.Decision = *req.Decision
	}
	if req.Confidence != nil {
		existing.Confidence = *req.Confidence
	}
	if req.Tags != nil {
		existing.Tags = req.Tags
	}
	existing.UpdatedAt = time.Now().UTC()

	tagsJSON, err := json.Marshal(existing.Tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE memory_entries SET topic = ?, decision = ?, confidence = ?, tags = ?, updated_at = ?
		WHERE id = ?`),
		existing.Topic, existing.Decision, existing.Confidence, string(tagsJSON), existing.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update memory entry: %w", err)
	}
	return existing, nil
}

func (s *sqlStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.Name == "" {
		return fmt.Errorf("checkpoint name is required")
	}
	cp.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO memory_checkpoints (name, content, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`),
		cp.Name, cp.Content, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *sqlStore) LoadCheckpoint(ctx context.Context, name string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT name, content, created_at FROM memory_checkpoints WHERE name = ?`), name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("checkpoint not found: %s", name)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &Checkpoint{Name: row.Name, Content: row.Content, CreatedAt: row.CreatedAt}, nil
}

func (s *sqlStore) Prune(ctx context.Context, olderThanDays int) (int64, error) {
	driver := s.db.DriverName()
	q := fmt.Sprintf(`DELETE FROM memory_entries WHERE updated_at < %s`,
		dialect.NowMinusDays(driver, "?"))
	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("prune memory entries: %w", err)
	}
	return result.RowsAffected()
}

// entryRow is the DB scan target for entry queries.
type entryRow struct {
	ID         string    `db:"id"`
	Topic      string    `db:"topic"`
	Decision   string    `db:"decision"`
	Confidence float64   `db:"confidence"`
	Tags       string    `db:"tags"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *entryRow) toEntry() *Entry {
	e := &Entry{
		ID:         r.ID,
		Topic:      r.Topic,
		Decision:   r.Decision,
		Confidence: r.Confidence,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Tags != "" {
		_ = json.Unmarshal([]byte(r.Tags), &e.Tags)
	}
	return e
}

func toEntries(rows []entryRow) []*Entry {
	entries := make([]*Entry, len(rows))
	for i := range rows {
		entries[i] = rows[i].toEntry()
	}
	return entries
}

// checkpointRow is the DB scan target for checkpoint queries.
type checkpointRow struct {
	Name      string    `db:"name"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}
