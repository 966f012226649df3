package subprocess

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// Factory builds a runner for one channel key. The pool substitutes stubs in
// tests.
type Factory func(channelKey string, opts Options) (Runner, error)

// Pool maps channel keys to live runners. Get creates and starts missing
// entries; close observers evict so the next request recreates cleanly. The
// pool owns runners; callers borrow them per turn.
type Pool struct {
	defaults Options
	factory  Factory
	logger   *logger.Logger

	// lifecycle fires on "started" and "exited". Install before traffic.
	lifecycle func(event, channelKey string)

	mu      sync.Mutex
	runners map[string]Runner
}

// NewPool creates a pool with the given per-runner defaults. A nil factory
// uses NewRunner.
func NewPool(defaults Options, factory Factory, log *logger.Logger) *Pool {
	p := &Pool{
		defaults: defaults,
		factory:  factory,
		logger:   log.WithFields(zap.String("component", "subprocess-pool")),
		runners:  make(map[string]Runner),
	}
	if p.factory == nil {
		p.factory = func(_ string, opts Options) (Runner, error) {
			return NewRunner(opts, log)
		}
	}
	return p
}

// SetLifecycle installs the start/exit observer.
func (p *Pool) SetLifecycle(fn func(event, channelKey string)) {
	p.lifecycle = fn
}

func (p *Pool) notify(event, channelKey string) {
	if p.lifecycle != nil {
		p.lifecycle(event, channelKey)
	}
}

// Get returns the live runner for the key, creating and starting one when
// missing. Options are merged over the pool defaults.
func (p *Pool) Get(ctx context.Context, channelKey string, opts Options) (Runner, error) {
	p.mu.Lock()
	if runner, ok := p.runners[channelKey]; ok {
		p.mu.Unlock()
		return runner, nil
	}
	p.mu.Unlock()

	runner, err := p.factory(channelKey, opts.merge(p.defaults))
	if err != nil {
		return nil, fmt.Errorf("create subprocess for %s: %w", channelKey, err)
	}

	runner.OnClose(func(err error) {
		p.evict(channelKey, runner)
		if err != nil {
			p.logger.Warn("subprocess closed with error",
				zap.String("channel", channelKey), zap.Error(err))
		}
	})

	if err := runner.Start(ctx); err != nil {
		return nil, fmt.Errorf("start subprocess for %s: %w", channelKey, err)
	}

	p.mu.Lock()
	// A concurrent Get may have won; keep the registered one.
	if existing, ok := p.runners[channelKey]; ok {
		p.mu.Unlock()
		runner.Stop()
		return existing, nil
	}
	p.runners[channelKey] = runner
	p.mu.Unlock()

	p.logger.Info("subprocess created", zap.String("channel", channelKey))
	p.notify("started", channelKey)
	return runner, nil
}

// evict removes the entry only if it still maps to the same runner.
func (p *Pool) evict(channelKey string, runner Runner) {
	p.mu.Lock()
	if current, ok := p.runners[channelKey]; ok && current == runner {
		delete(p.runners, channelKey)
	}
	p.mu.Unlock()
	p.logger.Debug("subprocess evicted", zap.String("channel", channelKey))
	p.notify("exited", channelKey)
}

// Stop terminates and removes one entry.
func (p *Pool) Stop(channelKey string) {
	p.mu.Lock()
	runner, ok := p.runners[channelKey]
	delete(p.runners, channelKey)
	p.mu.Unlock()
	if ok {
		runner.Stop()
	}
}

// StopAll terminates every runner in parallel.
func (p *Pool) StopAll() {
	p.mu.Lock()
	runners := p.runners
	p.runners = make(map[string]Runner)
	p.mu.Unlock()

	var g errgroup.Group
	for key, runner := range runners {
		key, runner := key, runner
		g.Go(func() error {
			runner.Stop()
			p.logger.Debug("subprocess stopped", zap.String("channel", key))
			return nil
		})
	}
	_ = g.Wait()
}

// Len reports the number of live entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runners)
}
