package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

const replyKey = "_reply"

// memorySub is one registered handler plus the compiled subject matcher.
// queue is empty for plain subscriptions.
type memorySub struct {
	subject string
	queue   string
	match   func(string) bool
	handler EventHandler
	active  bool
	bus     *MemoryEventBus
}

func (s *memorySub) Unsubscribe() error {
	s.bus.remove(s)
	return nil
}

func (s *memorySub) IsValid() bool {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.active
}

// MemoryEventBus is the in-process EventBus. It delivers events to
// matching subscribers on their own goroutines, so a slow handler never
// blocks the publisher or its peers.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	next   map[string]int // queue group name -> round-robin cursor
	closed bool
	log    *logger.Logger
}

var _ EventBus = (*MemoryEventBus)(nil)

func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		next: make(map[string]int),
		log:  log,
	}
}

func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}

	var targets []*memorySub
	seen := make(map[string]bool) // queue groups already assigned this event
	for _, sub := range b.subs {
		if !sub.match(subject) {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		if seen[sub.queue] {
			continue
		}
		seen[sub.queue] = true
		targets = append(targets, b.pickQueueMember(subject, sub.queue))
	}
	b.mu.Unlock()

	for _, sub := range targets {
		go b.deliver(ctx, subject, sub, event)
	}
	return nil
}

// pickQueueMember advances the group's round-robin cursor over the
// members matching the subject. Caller holds b.mu.
func (b *MemoryEventBus) pickQueueMember(subject, queue string) *memorySub {
	var members []*memorySub
	for _, sub := range b.subs {
		if sub.queue == queue && sub.match(subject) {
			members = append(members, sub)
		}
	}
	idx := b.next[queue] % len(members)
	b.next[queue] = idx + 1
	return members[idx]
}

func (b *MemoryEventBus) deliver(ctx context.Context, subject string, sub *memorySub, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.log.Error("event handler failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is empty")
	}
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(subject, queue string, handler EventHandler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}
	match, err := compileSubject(subject)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySub{
		subject: subject,
		queue:   queue,
		match:   match,
		handler: handler,
		active:  true,
		bus:     b,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *MemoryEventBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !sub.active {
		return
	}
	sub.active = false
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// Request publishes the event with a reply inbox in Data["_reply"] and
// waits for a responder to publish a single event back to that inbox.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	if event == nil {
		return nil, fmt.Errorf("event is nil")
	}

	inbox := "_INBOX." + event.ID
	replies := make(chan *Event, 1)
	sub, err := b.Subscribe(inbox, func(_ context.Context, reply *Event) error {
		select {
		case replies <- reply:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	event.Data[replyKey] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request timed out after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.active = false
	}
	b.subs = nil
	return nil
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// compileSubject turns a subject pattern into a matcher. "*" matches a
// single dot-separated token, ">" matches one or more trailing tokens.
func compileSubject(subject string) (func(string) bool, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is empty")
	}
	if !strings.ContainsAny(subject, "*>") {
		return func(s string) bool { return s == subject }, nil
	}

	tokens := strings.Split(subject, ".")
	parts := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case "*":
			parts = append(parts, `[^.]+`)
		case ">":
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("subject %q: '>' must be the last token", subject)
			}
			parts = append(parts, `.+`)
		default:
			parts = append(parts, regexp.QuoteMeta(tok))
		}
	}
	re, err := regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
	if err != nil {
		return nil, fmt.Errorf("compile subject %q: %w", subject, err)
	}
	return re.MatchString, nil
}
