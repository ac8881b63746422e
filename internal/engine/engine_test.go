package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/campaigns"
	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/collab"
	"github.com/Mutter0815/InviteFlow/internal/collab/mocks"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/pkg/config"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

func TestEngineRunsCampaignEndToEnd(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctrl := gomock.NewController(t)
	driver := mocks.NewMockInviteDriver(ctrl)
	session := mocks.NewMockDriverSession(ctrl)
	validator := mocks.NewMockSessionValidator(ctrl)
	gen := mocks.NewMockMessageGenerator(ctrl)
	scraper := mocks.NewMockPostScraper(ctrl)

	mem := store.NewMemory()
	e, err := New(mem, rdb, Config{
		Pipeline: config.PipelineConfig{InviteBatchSize: 10, MessageBatchSize: 5, MaxRetries: 3},
		Quota:    config.QuotaConfig{DailyLimit: 10, CheckLimit: 3, TZ: "Europe/Berlin"},
		Clock:    clock.NewFake(time.Date(2025, 10, 2, 9, 0, 0, 0, time.UTC)),
	}, Collaborators{Driver: driver, Validator: validator, Generator: gen, Scraper: scraper}, zap.NewNop().Sugar())
	require.NoError(t, err)

	const op = int64(3)
	c, err := e.Campaigns.Create(ctx, op, "launch")
	require.NoError(t, err)
	_, err = e.Campaigns.AddLeads(ctx, op, c.ID, []campaigns.LeadInput{
		{ProfileURL: "linkedin.com/in/ana", FullName: "Ana"},
		{ProfileURL: "linkedin.com/in/bo", FullName: "Bo"},
	})
	require.NoError(t, err)
	_, err = mem.InsertSession(ctx, campaign.AccountSession{OperatorID: op})
	require.NoError(t, err)

	// Reading the status queues message generation.
	view, err := e.Campaigns.Status(ctx, op, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.MessageBatchesQueued)

	scraper.EXPECT().RecentPosts(gomock.Any(), gomock.Any()).Return([]campaign.Post{{Text: "post"}}, nil).Times(2)
	gen.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(collab.GeneratedMessage{Content: "Hello there"}, nil).Times(2)
	ok, err := e.Stages.RunOnce(ctx, kv.StageMessageGeneration, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	j, err := e.Jobs.StartJob(ctx, op, c.ID, "")
	require.NoError(t, err)
	obs, err := e.Jobs.ObserveJob(ctx, op, j.ID)
	require.NoError(t, err)
	defer obs.Close()

	validator.EXPECT().Validate(gomock.Any(), gomock.Any()).Return(nil)
	driver.EXPECT().Open(gomock.Any(), gomock.Any()).Return(session, nil)
	session.EXPECT().SendInvite(gomock.Any(), gomock.Any(), "Hello there").Return(collab.OutcomeSent, nil).Times(2)
	session.EXPECT().Close(gomock.Any()).Return(nil)

	ok, err = e.Stages.RunOnce(ctx, kv.StageInviteSending, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := e.Jobs.GetJob(ctx, op, j.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.JobCompleted, got.Status)

	var last model.Event
	timeout := time.After(5 * time.Second)
	for !last.Terminal() {
		select {
		case ev, open := <-obs.C:
			require.True(t, open, "observation closed before a terminal event")
			last = ev
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
	assert.Equal(t, model.EventComplete, last.Type)

	sum, err := e.Cache.Summary(ctx, op, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, string(campaign.StatusCompleted), sum.Status)
}

func TestNewRejectsUnknownZone(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	_, err := New(store.NewMemory(), rdb, Config{Quota: config.QuotaConfig{TZ: "Mars/Olympus"}}, Collaborators{}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestOpenStoreMemory(t *testing.T) {
	st, closeFn, err := OpenStore(context.Background(), config.StoreMemory, "", zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)
	assert.NoError(t, closeFn())

	_, _, err = OpenStore(context.Background(), "sqlite", "", zap.NewNop().Sugar())
	assert.Error(t, err)
}
