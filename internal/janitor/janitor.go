// Package janitor periodically trims stale entries from waiting-pool indexes.
// Match records are never modified; the freshness window already keeps stale
// matches out of pairing.
package janitor

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/park285/indichess-match/internal/metrics"
	"github.com/park285/indichess-match/internal/obslog"
	"github.com/park285/indichess-match/internal/store"
	"go.uber.org/zap"
)

type Options struct {
	Interval time.Duration
	Window   time.Duration
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Janitor struct {
	pruner   store.WaitingPruner
	interval time.Duration
	window   time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
	sched    gocron.Scheduler
}

func New(pruner store.WaitingPruner, opts Options) *Janitor {
	j := &Janitor{
		pruner:   pruner,
		interval: opts.Interval,
		window:   opts.Window,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if j.interval <= 0 {
		j.interval = time.Minute
	}
	if j.window <= 0 {
		j.window = 90 * time.Second
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j
}

// RunOnce prunes entries created at or before now minus the window.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.pruner.PruneWaiting(ctx, j.now().Add(-j.window))
	if err != nil {
		obslog.L().Warn("janitor_prune_error", zap.Error(err))
		return n, err
	}
	j.metrics.WaitingPruned(n)
	if n > 0 {
		obslog.L().Info("janitor_prune", zap.Int("pruned", n))
	}
	return n, nil
}

func (j *Janitor) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), j.interval)
			defer cancel()
			_, _ = j.RunOnce(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return err
	}
	sched.Start()
	j.sched = sched
	obslog.L().Info("janitor_start", zap.Duration("interval", j.interval), zap.Duration("window", j.window))
	return nil
}

func (j *Janitor) Stop() error {
	if j.sched == nil {
		return nil
	}
	err := j.sched.Shutdown()
	j.sched = nil
	return err
}
