// Package cron submits config-declared recurring prompts through the
// orchestrator on cron:<name> channel keys, which the lane scheduler routes
// to the cron concurrency class.
package cron

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
)

// Submitter drives one prompt through the agent loop. The ingester discards
// the response; errors are logged only.
type Submitter func(ctx context.Context, channelKey string, blocks []conversation.ContentBlock) error

// Ingester checks each declared job once per minute and fires the due ones.
type Ingester struct {
	jobs     []config.CronJobConfig
	submit   Submitter
	logger   *logger.Logger
	gron     *gronx.Gronx
	interval time.Duration
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewIngester validates job schedules up front; jobs with invalid
// expressions are dropped with a warning.
func NewIngester(cfg config.CronConfig, submit Submitter, log *logger.Logger) *Ingester {
	gron := gronx.New()
	ing := &Ingester{
		submit:   submit,
		logger:   log.WithFields(zap.String("component", "cron")),
		gron:     gron,
		interval: time.Minute,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, job := range cfg.Jobs {
		if !gron.IsValid(job.Schedule) {
			ing.logger.Warn("invalid cron schedule, job dropped",
				zap.String("job", job.Name), zap.String("schedule", job.Schedule))
			continue
		}
		ing.jobs = append(ing.jobs, job)
	}
	return ing
}

// Start launches the minute ticker. Returns immediately; no-op without jobs.
func (i *Ingester) Start(ctx context.Context) {
	if len(i.jobs) == 0 {
		close(i.done)
		return
	}
	i.logger.Info("cron ingester started", zap.Int("jobs", len(i.jobs)))
	go i.run(ctx)
}

func (i *Ingester) run(ctx context.Context) {
	defer close(i.done)
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stop:
			return
		case now := <-ticker.C:
			i.tick(ctx, now)
		}
	}
}

func (i *Ingester) tick(ctx context.Context, now time.Time) {
	for _, job := range i.jobs {
		due, err := i.gron.IsDue(job.Schedule, now)
		if err != nil || !due {
			continue
		}
		job := job
		go i.fire(ctx, job)
	}
}

func (i *Ingester) fire(ctx context.Context, job config.CronJobConfig) {
	channelKey := job.Channel
	if channelKey == "" {
		channelKey = "cron:" + job.Name
	}
	i.logger.Info("cron job due",
		zap.String("job", job.Name), zap.String("channel", channelKey))

	blocks := []conversation.ContentBlock{conversation.TextBlock(job.Prompt)}
	if err := i.submit(ctx, channelKey, blocks); err != nil {
		i.logger.Error("cron job failed",
			zap.String("job", job.Name), zap.Error(err))
	}
}

// Stop halts the ticker and waits for the run loop to exit.
func (i *Ingester) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
	<-i.done
}

// Jobs reports the validated job list.
func (i *Ingester) Jobs() []config.CronJobConfig {
	return i.jobs
}
