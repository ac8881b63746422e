package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/kv"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     bool
	accepted int
}

func (f *fakeRunner) RunOnce(ctx context.Context, stage, consumer string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[stage]++
	if f.fail {
		return false, errors.New("kv down")
	}
	// Report work on the first call so the loop goes straight to the next.
	return f.calls[stage] == 1, nil
}

func (f *fakeRunner) EnqueueAcceptanceChecks(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted++
	return 1, nil
}

func (f *fakeRunner) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

type fakeSweeper struct{}

func (fakeSweeper) SweepTimeouts(ctx context.Context) (int, error) { return 0, nil }

func TestRunPollsEveryStageUntilCancelled(t *testing.T) {
	r := &fakeRunner{}
	w := New(r, fakeSweeper{}, clock.Real{}, Options{IdlePoll: 5 * time.Millisecond, Concurrency: 2}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, s := range kv.Stages() {
			if r.count(s) < 3 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestLoopBacksOffOnErrors(t *testing.T) {
	r := &fakeRunner{fail: true}
	clk := clock.NewFake(time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC))
	w := New(r, fakeSweeper{}, clk, Options{Stages: []string{kv.StageInviteSending}}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for clk.Now().Before(time.Date(2025, 10, 2, 9, 5, 0, 0, time.UTC)) {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, w.loop(ctx, kv.StageInviteSending, "c1"))

	slept := clk.Slept()
	require.GreaterOrEqual(t, len(slept), 6)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}, slept[:6])
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(0))
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, maxBackoff, backoffDelay(10))
	assert.Equal(t, maxBackoff, backoffDelay(200))
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	w := New(&fakeRunner{}, fakeSweeper{}, clock.Real{}, Options{AcceptanceCron: "every tuesday"}, zap.NewNop().Sugar())
	assert.Error(t, w.Run(context.Background()))
}

func TestScheduledJobsCallThrough(t *testing.T) {
	r := &fakeRunner{}
	w := New(r, fakeSweeper{}, clock.Real{}, Options{}, zap.NewNop().Sugar())
	w.scheduleAcceptance(context.Background())
	w.sweep(context.Background())
	assert.Equal(t, 1, r.accepted)
}
