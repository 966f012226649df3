// Package session manages per-channel session identifiers with token
// accounting, idle eviction, and context-window-based auto-reset. A channel
// has at most one primary session; while it is in use, concurrent requests
// receive temp sessions under a compound key that never replace the primary.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// Defaults. ContextThresholdTokens is the point where the next Get drops the
// session instead of reusing it; the warning ratio marks where pre-compaction
// should fire.
const (
	DefaultTimeout         = 30 * time.Minute
	DefaultMaxSessions     = 100
	DefaultCleanupInterval = 5 * time.Minute
	DefaultContextTokens   = 160000

	warningRatio = 0.9
)

// tempKeySep joins the channel key with the temp marker and a fresh UUID.
const tempKeySep = ":temp:"

// Session is the tracked state for one channel's conversation.
type Session struct {
	ID               string    `json:"id"`
	ChannelKey       string    `json:"channel_key"`
	CreatedAt        time.Time `json:"created_at"`
	LastActive       time.Time `json:"last_active"`
	MessageCount     int       `json:"message_count"`
	InUse            bool      `json:"in_use"`
	TotalInputTokens int64     `json:"total_input_tokens"`
}

// Config tunes the pool. Zero fields take the defaults.
type Config struct {
	Timeout         time.Duration
	MaxSessions     int
	CleanupInterval time.Duration
	ContextTokens   int64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ContextTokens <= 0 {
		c.ContextTokens = DefaultContextTokens
	}
	return c
}

// Pool vends and tracks sessions. All methods are synchronous under one
// mutex; nothing blocks.
type Pool struct {
	cfg    Config
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session // channel key (or temp compound key) -> session

	// lifecycle fires on "created" and "evicted", under the pool mutex;
	// the hook must not call back into the pool.
	lifecycle func(event, channelKey, sessionID string)

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// NewPool creates a session pool and starts its periodic cleanup.
func NewPool(cfg Config, log *logger.Logger) *Pool {
	p := &Pool{
		cfg:         cfg.withDefaults(),
		logger:      log.WithFields(zap.String("component", "session-pool")),
		sessions:    make(map[string]*Session),
		stopCleanup: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// SetLifecycle installs the create/evict observer. Call before the pool
// sees traffic.
func (p *Pool) SetLifecycle(fn func(event, channelKey, sessionID string)) {
	p.mu.Lock()
	p.lifecycle = fn
	p.mu.Unlock()
}

func (p *Pool) notifyLocked(event, channelKey, sessionID string) {
	if p.lifecycle != nil {
		p.lifecycle(event, channelKey, sessionID)
	}
}

// Get returns the session id for the channel and whether it is new.
//
// A live primary whose token count reached the context threshold is dropped
// and replaced. A live primary that is in use is left untouched; the caller
// gets a temp session under "{key}:temp:{uuid}" instead. A live idle primary
// is reused. Anything else creates a fresh primary, evicting the least
// recently used entry when at capacity.
func (p *Pool) Get(channelKey string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	if s, ok := p.sessions[channelKey]; ok && now.Sub(s.LastActive) < p.cfg.Timeout {
		if s.TotalInputTokens >= p.cfg.ContextTokens {
			p.logger.Info("context full, fresh session",
				zap.String("channel", channelKey),
				zap.Int64("input_tokens", s.TotalInputTokens))
			delete(p.sessions, channelKey)
			p.notifyLocked("evicted", channelKey, s.ID)
			return p.createLocked(channelKey, now), true
		}

		if s.InUse {
			tempKey := channelKey + tempKeySep + uuid.New().String()
			temp := &Session{
				ID:         uuid.New().String(),
				ChannelKey: tempKey,
				CreatedAt:  now,
				LastActive: now,
				InUse:      true,
			}
			p.sessions[tempKey] = temp
			p.logger.Debug("primary in use, vending temp session",
				zap.String("channel", channelKey),
				zap.String("temp_key", tempKey))
			return temp.ID, true
		}

		s.LastActive = now
		s.MessageCount++
		s.InUse = true
		return s.ID, false
	}

	delete(p.sessions, channelKey)
	return p.createLocked(channelKey, now), true
}

// createLocked inserts a fresh primary session, evicting LRU at capacity.
func (p *Pool) createLocked(channelKey string, now time.Time) string {
	if len(p.sessions) >= p.cfg.MaxSessions {
		p.evictLRULocked()
	}

	s := &Session{
		ID:           uuid.New().String(),
		ChannelKey:   channelKey,
		CreatedAt:    now,
		LastActive:   now,
		MessageCount: 1,
		InUse:        true,
	}
	p.sessions[channelKey] = s
	p.logger.Debug("session created",
		zap.String("channel", channelKey),
		zap.String("session_id", s.ID))
	p.notifyLocked("created", channelKey, s.ID)
	return s.ID
}

func (p *Pool) evictLRULocked() {
	var oldestKey string
	var oldest time.Time
	for key, s := range p.sessions {
		if oldestKey == "" || s.LastActive.Before(oldest) {
			oldestKey = key
			oldest = s.LastActive
		}
	}
	if oldestKey != "" {
		p.logger.Info("session pool full, evicting LRU", zap.String("channel", oldestKey))
		id := p.sessions[oldestKey].ID
		delete(p.sessions, oldestKey)
		p.notifyLocked("evicted", oldestKey, id)
	}
}

// UpdateTokens records the cumulative input-token count the subprocess
// reported for the channel's primary session and reports whether the session
// is now within the warning band (90% of the context threshold). The backend
// reports cumulative input per request, so the accumulator takes the max, not
// the sum.
func (p *Pool) UpdateTokens(channelKey string, inputTokens int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[channelKey]
	if !ok {
		return false
	}
	if inputTokens > s.TotalInputTokens {
		s.TotalInputTokens = inputTokens
	}
	return float64(s.TotalInputTokens) >= warningRatio*float64(p.cfg.ContextTokens)
}

// Release clears the in-use flag on the channel's primary session. Temp
// sessions are removed instead; they never outlive their single request.
func (p *Pool) Release(channelKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if strings.Contains(channelKey, tempKeySep) {
		delete(p.sessions, channelKey)
		return
	}
	if s, ok := p.sessions[channelKey]; ok {
		s.InUse = false
	}
}

// ReleaseTemp removes the temp session vended for the channel under the
// given session id, if any.
func (p *Pool) ReleaseTemp(channelKey, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := channelKey + tempKeySep
	for key, s := range p.sessions {
		if s.ID == sessionID && strings.HasPrefix(key, prefix) {
			delete(p.sessions, key)
			return
		}
	}
}

// ReleaseByID releases whichever session carries the id for this channel:
// the primary gets its in-use flag cleared, a temp is removed outright.
func (p *Pool) ReleaseByID(channelKey, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[channelKey]; ok && s.ID == sessionID {
		s.InUse = false
		return
	}
	prefix := channelKey + tempKeySep
	for key, s := range p.sessions {
		if s.ID == sessionID && strings.HasPrefix(key, prefix) {
			delete(p.sessions, key)
			return
		}
	}
}

// Reset drops the channel's session and creates a new one, returning the
// fresh id.
func (p *Pool) Reset(channelKey string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.sessions, channelKey)
	p.logger.Info("session reset", zap.String("channel", channelKey))
	return p.createLocked(channelKey, time.Now())
}

// Drop removes the channel's session without creating a replacement.
func (p *Pool) Drop(channelKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, channelKey)
}

// Snapshot returns a copy of all tracked sessions for the operational API.
func (p *Pool) Snapshot() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	return out
}

// Len returns the number of tracked sessions, temp entries included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// NearThreshold reports whether the channel's primary session is within the
// warning band of the context threshold.
func (p *Pool) NearThreshold(channelKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[channelKey]
	if !ok {
		return false
	}
	return float64(s.TotalInputTokens) >= warningRatio*float64(p.cfg.ContextTokens)
}

// Close stops the cleanup loop.
func (p *Pool) Close() {
	p.cleanupOnce.Do(func() { close(p.stopCleanup) })
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCleanup:
			return
		case <-ticker.C:
			p.cleanupExpired()
		}
	}
}

func (p *Pool) cleanupExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, s := range p.sessions {
		if now.Sub(s.LastActive) >= p.cfg.Timeout {
			p.logger.Debug("session expired", zap.String("channel", key))
			delete(p.sessions, key)
			p.notifyLocked("evicted", key, s.ID)
		}
	}
}
