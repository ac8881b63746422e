package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/internal/cache"
	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/internal/lock"
	"github.com/Mutter0815/InviteFlow/internal/progress"
	"github.com/Mutter0815/InviteFlow/internal/quota"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/internal/stream"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

const operator = int64(42)

type fixture struct {
	m    *Manager
	mem  *store.Memory
	clk  *clock.Fake
	pipe *stream.Pipeline
	hub  *progress.Hub
	rdb  *redis.Client
	q    *quota.Controller
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := zap.NewNop().Sugar()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC))
	q := quota.New(mem, clk, quota.Options{}, log)
	pipe := stream.New(rdb, clk, time.Minute, log)
	hub := progress.NewHub(rdb, nil, clk, progress.Options{}, log)
	c := cache.New(rdb, mem, lock.NewManager(rdb, log), clk, log)
	m := New(mem, q, pipe, hub, c, clk, Options{InviteBatchSize: 2}, log)
	return fixture{m: m, mem: mem, clk: clk, pipe: pipe, hub: hub, rdb: rdb, q: q}
}

// seed creates a campaign with n invite-ready leads and an active session.
func (f fixture) seed(t *testing.T, n int) (campaign.Campaign, campaign.AccountSession) {
	t.Helper()
	ctx := context.Background()
	c, err := f.mem.InsertCampaign(ctx, operator, "outreach")
	require.NoError(t, err)
	in := make([]campaign.Lead, n)
	for i := range in {
		in[i] = campaign.Lead{
			ProfileURL:       "https://www.linkedin.com/in/lead-" + string(rune('a'+i)),
			ProcessingStatus: campaign.ProcessingCompleted,
		}
	}
	_, err = f.mem.InsertLeads(ctx, c.ID, operator, in)
	require.NoError(t, err)
	sess, err := f.mem.InsertSession(ctx, campaign.AccountSession{OperatorID: operator, Email: "op@example.com", DailyLimit: 10})
	require.NoError(t, err)
	return c, sess
}

func TestStartJob_QueuesAndEnqueuesBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, sess := f.seed(t, 3)

	j, err := f.m.StartJob(ctx, operator, c.ID, "Hi")
	require.NoError(t, err)
	assert.Equal(t, campaign.JobQueued, j.Status)
	assert.Equal(t, 3, j.TotalLeads)
	assert.Equal(t, sess.ID, j.AccountID)
	assert.Equal(t, "Hi", j.CustomMessage)

	n, err := f.pipe.Len(ctx, kv.StageInviteSending, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	snap, ok, err := f.hub.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "queued", snap.Status)
	assert.Equal(t, 3, *snap.Total)

	camp, err := f.mem.GetCampaign(ctx, operator, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusActive, camp.Status)
}

func TestStartJob_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("foreign campaign", func(t *testing.T) {
		f := newFixture(t)
		c, _ := f.seed(t, 1)
		_, err := f.m.StartJob(ctx, operator+1, c.ID, "")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("no session", func(t *testing.T) {
		f := newFixture(t)
		c, sess := f.seed(t, 1)
		require.NoError(t, f.mem.DeactivateSession(ctx, sess.ID))
		_, err := f.m.StartJob(ctx, operator, c.ID, "")
		assert.Equal(t, apperr.KindSessionExpired, apperr.KindOf(err))
	})

	t.Run("quota exhausted", func(t *testing.T) {
		f := newFixture(t)
		c, sess := f.seed(t, 1)
		_, err := f.q.CheckAndReserveInvites(ctx, sess.ID, 10)
		require.NoError(t, err)
		_, err = f.m.StartJob(ctx, operator, c.ID, "")
		assert.Equal(t, apperr.KindLimitReached, apperr.KindOf(err))
	})

	t.Run("no eligible leads", func(t *testing.T) {
		f := newFixture(t)
		c, _ := f.seed(t, 0)
		_, err := f.m.StartJob(ctx, operator, c.ID, "")
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	})
}

func TestStartJob_AlreadyRunningReturnsExisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.seed(t, 2)

	first, err := f.m.StartJob(ctx, operator, c.ID, "")
	require.NoError(t, err)

	second, err := f.m.StartJob(ctx, operator, c.ID, "")
	assert.Equal(t, apperr.KindAlreadyRunning, apperr.KindOf(err))
	assert.Equal(t, first.ID, second.ID)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.seed(t, 3)

	j, err := f.m.StartJob(ctx, operator, c.ID, "")
	require.NoError(t, err)

	_, err = f.m.PauseJob(ctx, operator, j.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err), "queued jobs cannot pause")

	_, err = f.m.ClaimJob(ctx, j.ID)
	require.NoError(t, err)

	watch, err := f.hub.SubscribeControl(ctx, j.ID)
	require.NoError(t, err)
	defer watch.Close()

	paused, err := f.m.PauseJob(ctx, operator, j.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.JobPaused, paused.Status)
	assert.Equal(t, 1, paused.PauseCount)
	require.Eventually(t, func() bool { return watch.Action() == model.ControlPause }, time.Second, 10*time.Millisecond)

	resumed, err := f.m.ResumeJob(ctx, operator, j.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.JobQueued, resumed.Status)
	assert.NotNil(t, resumed.ResumedAt)

	n, err := f.pipe.Len(ctx, kv.StageInviteSending, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "resume re-enqueues the remaining leads")

	claimed, err := f.m.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, *paused.StartedAt, *claimed.StartedAt, "startedAt is set once")
}

func TestResume_BlockedByOtherInFlightJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c1, _ := f.seed(t, 1)
	c2, _ := f.seed(t, 1)

	j1, err := f.m.StartJob(ctx, operator, c1.ID, "")
	require.NoError(t, err)
	_, err = f.m.ClaimJob(ctx, j1.ID)
	require.NoError(t, err)
	_, err = f.m.PauseJob(ctx, operator, j1.ID)
	require.NoError(t, err)

	j2, err := f.m.StartJob(ctx, operator, c2.ID, "")
	require.NoError(t, err)

	other, err := f.m.ResumeJob(ctx, operator, j1.ID)
	assert.Equal(t, apperr.KindAlreadyRunning, apperr.KindOf(err))
	assert.Equal(t, j2.ID, other.ID)
}

func TestCancelIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.seed(t, 3)

	j, err := f.m.StartJob(ctx, operator, c.ID, "")
	require.NoError(t, err)
	_, err = f.m.ClaimJob(ctx, j.ID)
	require.NoError(t, err)

	cancelled, err := f.m.CancelJob(ctx, operator, j.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.JobCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	_, err = f.m.ResumeJob(ctx, operator, j.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
	_, err = f.m.CancelJob(ctx, operator, j.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	again, err := f.m.StartJob(ctx, operator, c.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, j.ID, again.ID)
}

func TestGetJob_TimesOutStaleProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.seed(t, 1)

	j, err := f.m.StartJob(ctx, operator, c.ID, "")
	require.NoError(t, err)
	_, err = f.m.ClaimJob(ctx, j.ID)
	require.NoError(t, err)

	f.clk.Advance(2*time.Hour + 10*time.Minute)
	now := f.clk.Now()

	got, err := f.m.GetJob(ctx, operator, j.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.JobTimeout, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now))
	assert.Equal(t, "job exceeded 2h0m0s processing window", got.ErrorMessage)

	_, err = f.m.GetJob(ctx, operator+1, j.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSweepTimeouts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.seed(t, 1)

	j, err := f.m.StartJob(ctx, operator, c.ID, "")
	require.NoError(t, err)
	_, err = f.m.ClaimJob(ctx, j.ID)
	require.NoError(t, err)

	n, err := f.m.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clk.Advance(3 * time.Hour)
	n, err = f.m.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.m.JobState(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.JobTimeout, got.Status)
}

func TestRecordProgressIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.seed(t, 2)

	j, err := f.m.StartJob(ctx, operator, c.ID, "")
	require.NoError(t, err)
	_, err = f.m.ClaimJob(ctx, j.ID)
	require.NoError(t, err)

	got, err := f.m.RecordProgress(ctx, j.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)

	got, err = f.m.RecordProgress(ctx, j.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessedLeads)
	assert.Equal(t, 100, got.Progress)

	done, err := f.m.CompleteJob(ctx, j.ID, "")
	require.NoError(t, err)
	assert.Equal(t, campaign.JobCompleted, done.Status)

	failed, err := f.m.FailJob(ctx, j.ID, apperr.KindInternal, nil)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
	assert.Equal(t, campaign.JobCompleted, failed.Status)
}

func TestObserveJob_OwnerScoped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.seed(t, 1)
	j, err := f.m.StartJob(ctx, operator, c.ID, "")
	require.NoError(t, err)

	_, err = f.m.ObserveJob(ctx, operator+1, j.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	obs, err := f.m.ObserveJob(ctx, operator, j.ID)
	require.NoError(t, err)
	defer obs.Close()

	ev := <-obs.C
	assert.Equal(t, model.EventConnected, ev.Type)
	ev = <-obs.C
	assert.Equal(t, model.EventStatus, ev.Type)
	assert.Equal(t, "queued", ev.Status)
}
