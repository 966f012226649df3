// Package lane serializes work per channel key while bounding global
// parallelism with named concurrency classes. Messages for one channel run
// strictly in submission order; different channels proceed in parallel up to
// their class's cap.
package lane

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// Well-known concurrency classes. Cron carries reduced concurrency so
// background ingesters cannot starve interactive traffic.
const (
	ClassDefault = "default"
	ClassCron    = "cron"
)

// DefaultConcurrency maps the well-known classes to their default caps.
var DefaultConcurrency = map[string]int64{
	ClassDefault: 8,
	ClassCron:    2,
}

// ClassFor returns the concurrency class for a channel key: cron:* keys run
// under the cron class, everything else under default.
func ClassFor(channelKey string) string {
	if strings.HasPrefix(channelKey, "cron:") {
		return ClassCron
	}
	return ClassDefault
}

// lane is the FIFO queue for one key. Waiters park on their own channel;
// the head waiter is signalled when its predecessor finishes.
type lane struct {
	busy    bool
	waiters []chan struct{}
}

// Scheduler runs functions under per-key FIFO lanes and global class
// semaphores.
type Scheduler struct {
	classes map[string]*semaphore.Weighted
	caps    map[string]int64
	logger  *logger.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// NewScheduler creates a scheduler with the given class caps. Missing
// well-known classes get their default cap.
func NewScheduler(concurrency map[string]int64, log *logger.Logger) *Scheduler {
	caps := make(map[string]int64)
	for name, cap := range DefaultConcurrency {
		caps[name] = cap
	}
	for name, cap := range concurrency {
		if cap > 0 {
			caps[name] = cap
		}
	}
	classes := make(map[string]*semaphore.Weighted, len(caps))
	for name, cap := range caps {
		classes[name] = semaphore.NewWeighted(cap)
	}
	return &Scheduler{
		classes: classes,
		caps:    caps,
		logger:  log.WithFields(zap.String("component", "lane-scheduler")),
		lanes:   make(map[string]*lane),
	}
}

// Run executes fn once the key's lane is free and the class has a slot.
// Ordering within a key is strict FIFO. A caller cancelled before its turn is
// removed from the queue; once fn starts, the slot is held until fn returns,
// success or not.
func (s *Scheduler) Run(ctx context.Context, key, class string, fn func(ctx context.Context) error) error {
	sem, ok := s.classes[class]
	if !ok {
		return fmt.Errorf("unknown concurrency class %q", class)
	}

	if err := s.acquireLane(ctx, key); err != nil {
		return err
	}
	defer s.releaseLane(key)

	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	return fn(ctx)
}

// acquireLane blocks until no other task runs under key, preserving FIFO
// order among waiters.
func (s *Scheduler) acquireLane(ctx context.Context, key string) error {
	s.mu.Lock()
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{}
		s.lanes[key] = l
	}
	if !l.busy {
		l.busy = true
		s.mu.Unlock()
		return nil
	}

	turn := make(chan struct{})
	l.waiters = append(l.waiters, turn)
	s.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		s.abandon(key, turn)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter. The signal may have raced the
// cancellation; if the waiter already holds the turn, pass it on.
func (s *Scheduler) abandon(key string, turn chan struct{}) {
	s.mu.Lock()
	l := s.lanes[key]
	if l != nil {
		for i, w := range l.waiters {
			if w == turn {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				s.mu.Unlock()
				return
			}
		}
	}
	s.mu.Unlock()

	// Not in the queue: the turn was already granted. Hand it on.
	s.releaseLane(key)
}

// releaseLane advances the key's queue: the oldest waiter gets the turn, or
// the lane is removed when empty.
func (s *Scheduler) releaseLane(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes[key]
	if l == nil {
		return
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.busy = false
	delete(s.lanes, key)
}

// Stats describes one class's configured cap plus the live lane count.
type Stats struct {
	ActiveLanes int            `json:"active_lanes"`
	QueuedTasks int            `json:"queued_tasks"`
	Classes     map[string]int `json:"classes"`
}

// Snapshot reports the live lane and queue counts for the operational API.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, l := range s.lanes {
		queued += len(l.waiters)
	}

	classes := make(map[string]int, len(s.caps))
	for name, cap := range s.caps {
		classes[name] = int(cap)
	}

	return Stats{
		ActiveLanes: len(s.lanes),
		QueuedTasks: queued,
		Classes:     classes,
	}
}
