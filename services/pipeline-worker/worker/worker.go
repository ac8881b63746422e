package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
)

const (
	DefaultIdlePoll = time.Second
	maxBackoff      = 30 * time.Second
	sweepSchedule   = "@every 1m"
)

// Runner processes one batch of a stage per call.
type Runner interface {
	RunOnce(ctx context.Context, stage, consumer string) (bool, error)
	EnqueueAcceptanceChecks(ctx context.Context) (int, error)
}

// Sweeper moves jobs past their processing window to timeout.
type Sweeper interface {
	SweepTimeouts(ctx context.Context) (int, error)
}

type Options struct {
	Stages      []string
	Concurrency int
	IdlePoll    time.Duration
	// AcceptanceCron schedules acceptance checks for every active account.
	// Empty disables them.
	AcceptanceCron string
	// Name prefixes consumer names; a random one is used when empty.
	Name string
}

type Worker struct {
	runner  Runner
	sweeper Sweeper
	clk     clock.Clock
	opts    Options
	log     *zap.SugaredLogger
}

func New(r Runner, s Sweeper, clk clock.Clock, opts Options, log *zap.SugaredLogger) *Worker {
	if len(opts.Stages) == 0 {
		opts.Stages = kv.Stages()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = DefaultIdlePoll
	}
	if opts.Name == "" {
		opts.Name = uuid.NewString()[:8]
	}
	return &Worker{runner: r, sweeper: s, clk: clk, opts: opts, log: logx.Or(log).Named("worker")}
}

// Run starts one loop per stage and concurrency slot plus the scheduler,
// and blocks until ctx is done or the scheduler cannot start.
func (w *Worker) Run(ctx context.Context) error {
	sched, err := w.scheduler(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, stage := range w.opts.Stages {
		for i := range w.opts.Concurrency {
			consumer := fmt.Sprintf("%s-%s-%d", w.opts.Name, stage, i)
			g.Go(func() error { return w.loop(ctx, stage, consumer) })
		}
	}
	g.Go(func() error {
		sched.Start()
		<-ctx.Done()
		<-sched.Stop().Done()
		return nil
	})
	w.log.Infow("worker_started", "stages", w.opts.Stages, "concurrency", w.opts.Concurrency, "name", w.opts.Name)
	err = g.Wait()
	w.log.Infow("worker_stopping")
	return err
}

func (w *Worker) loop(ctx context.Context, stage, consumer string) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		did, err := w.runner.RunOnce(ctx, stage, consumer)
		var delay time.Duration
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			failures++
			delay = backoffDelay(failures)
			w.log.Warnw("stage_loop_error", "stage", stage, "consumer", consumer, "failures", failures,
				"delay", delay.String(), "error", err)
		case did:
			failures = 0
			continue
		default:
			failures = 0
			delay = clock.Jitter(w.opts.IdlePoll, 0.2)
		}
		if err := w.clk.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (w *Worker) scheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(sweepSchedule, func() { w.sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	if w.opts.AcceptanceCron != "" {
		if _, err := c.AddFunc(w.opts.AcceptanceCron, func() { w.scheduleAcceptance(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule acceptance %q: %w", w.opts.AcceptanceCron, err)
		}
	}
	return c, nil
}

func (w *Worker) sweep(ctx context.Context) {
	n, err := w.sweeper.SweepTimeouts(ctx)
	if err != nil {
		w.log.Errorw("timeout_sweep_error", "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("timeout_sweep", "timed_out", n)
	}
}

func (w *Worker) scheduleAcceptance(ctx context.Context) {
	if _, err := w.runner.EnqueueAcceptanceChecks(ctx); err != nil {
		w.log.Errorw("acceptance_schedule_error", "error", err)
	}
}

// backoffDelay doubles from one second per consecutive failure.
func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	sec := math.Pow(2, float64(failures-1))
	d := time.Duration(sec) * time.Second
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
