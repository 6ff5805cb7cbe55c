// Package jobs runs scheduled background work.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type PendingRedispatcher interface {
	RedispatchPending(ctx context.Context, limit int) (int, error)
}

// RedispatchJob periodically retries dispatch for orders still waiting for a rider.
type RedispatchJob struct {
	runner   PendingRedispatcher
	schedule string
	batch    int
	timeout  time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewRedispatchJob takes a standard five-field cron spec or a descriptor
// such as "@every 30s".
func NewRedispatchJob(runner PendingRedispatcher, schedule string, batch int, logger *slog.Logger) *RedispatchJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedispatchJob{
		runner:   runner,
		schedule: schedule,
		batch:    batch,
		timeout:  30 * time.Second,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger.With("component", "redispatch_job"),
	}
}

func (j *RedispatchJob) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("redispatch job started", "schedule", j.schedule, "batch", j.batch)
	return nil
}

// RunOnce performs a single pass and returns how many orders got a rider.
func (j *RedispatchJob) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	n, err := j.runner.RedispatchPending(ctx, j.batch)
	if err != nil {
		j.logger.ErrorContext(ctx, "redispatch pass failed", "error", err, "assigned", n)
		return n
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "redispatched pending orders", "assigned", n)
	}
	return n
}

// Stop stops scheduling and waits for a running pass to finish.
func (j *RedispatchJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("redispatch job stopped")
}
