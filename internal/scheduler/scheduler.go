// Package scheduler provides a simple task scheduler for periodic jobs:
// token sweeping, cache monitoring, and session cleanup.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job represents a scheduled task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs jobs on a periodic basis.
type Scheduler struct {
	logger *slog.Logger
	jobs   []scheduledJob
}

type scheduledJob struct {
	job      Job
	interval time.Duration
	timeout  time.Duration
	atStart  bool
	ticker   *time.Ticker
	stop     chan struct{}
}

// NewScheduler creates a new scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		jobs:   make([]scheduledJob, 0),
	}
}

// AddJob adds a job to run at the specified interval.
func (s *Scheduler) AddJob(job Job, interval time.Duration) {
	s.jobs = append(s.jobs, scheduledJob{
		job:      job,
		interval: interval,
		stop:     make(chan struct{}),
	})
}

// AddJobAtStart adds a job that also runs once immediately when the
// scheduler starts. timeout bounds each run (0 means unbounded).
func (s *Scheduler) AddJobAtStart(job Job, interval, timeout time.Duration) {
	s.jobs = append(s.jobs, scheduledJob{
		job:      job,
		interval: interval,
		timeout:  timeout,
		atStart:  true,
		stop:     make(chan struct{}),
	})
}

// Start begins running all scheduled jobs.
func (s *Scheduler) Start(ctx context.Context) {
	for i := range s.jobs {
		sj := &s.jobs[i]
		sj.ticker = time.NewTicker(sj.interval)

		go func(sj *scheduledJob) {
			s.logger.Info("starting scheduled job",
				"job", sj.job.Name(),
				"interval", sj.interval)

			if sj.atStart {
				s.runOnce(ctx, sj)
			}
			for {
				select {
				case <-sj.ticker.C:
					s.runOnce(ctx, sj)
				case <-sj.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}(sj)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, sj *scheduledJob) {
	s.logger.Debug("running scheduled job", "job", sj.job.Name())
	runCtx := ctx
	if sj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, sj.timeout)
		defer cancel()
	}
	if err := sj.job.Run(runCtx); err != nil {
		s.logger.Error("scheduled job failed",
			"job", sj.job.Name(),
			"error", err)
	}
}

// Stop halts all scheduled jobs.
func (s *Scheduler) Stop() {
	for i := range s.jobs {
		if s.jobs[i].ticker != nil {
			s.jobs[i].ticker.Stop()
		}
		close(s.jobs[i].stop)
	}
	s.logger.Info("scheduler stopped")
}
