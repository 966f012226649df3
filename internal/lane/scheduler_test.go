package lane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloop/agentloop/internal/common/logger"
)

func newTestScheduler(t *testing.T, concurrency map[string]int64) *Scheduler {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewScheduler(concurrency, log)
}

func TestClassFor(t *testing.T) {
	assert.Equal(t, ClassCron, ClassFor("cron:daily-digest"))
	assert.Equal(t, ClassDefault, ClassFor("discord:1234"))
	assert.Equal(t, ClassDefault, ClassFor("croncorp:1")) // prefix match, not substring
}

func TestPerKeyFIFOOrder(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	// Hold the lane so subsequent submissions queue up behind it.
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Run(ctx, "discord:1", ClassDefault, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Run(ctx, "discord:1", ClassDefault, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Stagger submissions so enqueue order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	both := make(chan struct{})
	var once sync.Once
	arrived := make(chan struct{}, 2)

	run := func(key string) {
		_ = s.Run(ctx, key, ClassDefault, func(context.Context) error {
			arrived <- struct{}{}
			if len(arrived) == 2 {
				once.Do(func() { close(both) })
			}
			<-both
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); run("discord:1") }()
		go func() { defer wg.Done(); run("discord:2") }()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keys did not run in parallel")
	}
}

func TestClassCapBoundsParallelism(t *testing.T) {
	s := newTestScheduler(t, map[string]int64{ClassCron: 1})
	ctx := context.Background()

	var mu sync.Mutex
	running, maxRunning := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := "cron:job-" + string(rune('a'+i))
			_ = s.Run(ctx, key, ClassCron, func(context.Context) error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxRunning)
}

func TestFailureAdvancesLane(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	err := s.Run(ctx, "discord:1", ClassDefault, func(context.Context) error {
		return assert.AnError
	})
	require.Error(t, err)

	// The lane is free again.
	ran := false
	err = s.Run(ctx, "discord:1", ClassDefault, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCancellationBeforeStart(t *testing.T) {
	s := newTestScheduler(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), "discord:1", ClassDefault, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, "discord:1", ClassDefault, func(context.Context) error {
			t.Error("cancelled task must not run")
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)

	// The lane still advances for later submissions.
	ran := false
	err := s.Run(context.Background(), "discord:1", ClassDefault, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestUnknownClass(t *testing.T) {
	s := newTestScheduler(t, nil)
	err := s.Run(context.Background(), "discord:1", "bulk", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	s := newTestScheduler(t, map[string]int64{ClassDefault: 4})

	stats := s.Snapshot()
	assert.Equal(t, 0, stats.ActiveLanes)
	assert.Equal(t, 4, stats.Classes[ClassDefault])
	assert.Equal(t, int(DefaultConcurrency[ClassCron]), stats.Classes[ClassCron])
}
