package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestNewIngesterDropsInvalidSchedules(t *testing.T) {
	cfg := config.CronConfig{Jobs: []config.CronJobConfig{
		{Name: "good", Schedule: "* * * * *", Prompt: "hi"},
		{Name: "bad", Schedule: "not a schedule", Prompt: "hi"},
	}}
	ing := NewIngester(cfg, nil, testLogger(t))

	require.Len(t, ing.Jobs(), 1)
	assert.Equal(t, "good", ing.Jobs()[0].Name)
}

func TestTickFiresDueJobs(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	var prompts []string

	submit := func(_ context.Context, channelKey string, blocks []conversation.ContentBlock) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, channelKey)
		prompts = append(prompts, blocks[0].Text)
		return nil
	}

	cfg := config.CronConfig{Jobs: []config.CronJobConfig{
		{Name: "daily", Schedule: "0 9 * * *", Prompt: "morning summary"},
		{Name: "custom", Schedule: "* * * * *", Channel: "cron:shared", Prompt: "ping"},
	}}
	ing := NewIngester(cfg, submit, testLogger(t))

	// 09:00 matches both schedules.
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ing.tick(context.Background(), at)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, keys, "cron:daily")
	assert.Contains(t, keys, "cron:shared")
	assert.Contains(t, prompts, "morning summary")
}

func TestTickSkipsNotDue(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	submit := func(context.Context, string, []conversation.ContentBlock) error {
		mu.Lock()
		defer mu.Unlock()
		fired++
		return nil
	}

	cfg := config.CronConfig{Jobs: []config.CronJobConfig{
		{Name: "daily", Schedule: "0 9 * * *", Prompt: "x"},
	}}
	ing := NewIngester(cfg, submit, testLogger(t))

	ing.tick(context.Background(), time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, fired)
}

func TestStartStopWithoutJobs(t *testing.T) {
	ing := NewIngester(config.CronConfig{}, nil, testLogger(t))
	ing.Start(context.Background())
	ing.Stop()
}
