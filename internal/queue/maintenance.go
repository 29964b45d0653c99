package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type promoteJob struct {
	q       *Queue
	timeout time.Duration
	logger  *slog.Logger
}

func (j *promoteJob) Name() string { return "promote-delayed" }

func (j *promoteJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	n, err := j.q.PromoteDelayed(ctx)
	if err != nil {
		j.logger.Error("promote delayed jobs failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("promoted delayed jobs", "count", n)
	}
}

type stalledJob struct {
	q       *Queue
	timeout time.Duration
	logger  *slog.Logger
}

func (j *stalledJob) Name() string { return "recover-stalled" }

func (j *stalledJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	n, err := j.q.RecoverStalled(ctx)
	if err != nil {
		j.logger.Error("recover stalled jobs failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Warn("recovered stalled jobs", "count", n)
	}
}

// Maintenance runs the periodic housekeeping the queue needs: promoting
// retries whose backoff has elapsed and returning stalled jobs to waiting.
type Maintenance struct {
	cron *cron.Cron
}

func NewMaintenance(q *Queue, logger *slog.Logger) (*Maintenance, error) {
	logger = logger.With("system", "queue_maintenance")
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(
			NewPanicRecoveryWrapper(logger),
			NewLoggingWrapper(logger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		),
	)

	if _, err := c.AddJob("@every 2s", &promoteJob{q: q, timeout: 5 * time.Second, logger: logger}); err != nil {
		return nil, err
	}
	if _, err := c.AddJob("@every 30s", &stalledJob{q: q, timeout: 20 * time.Second, logger: logger}); err != nil {
		return nil, err
	}
	return &Maintenance{cron: c}, nil
}

func (m *Maintenance) Start() { m.cron.Start() }

// Stop waits for running housekeeping jobs to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}
