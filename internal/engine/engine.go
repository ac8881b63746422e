// Package engine wires the stores, the KV-backed components, the job
// manager and the pipeline stages into one value shared by the binaries.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/cache"
	"github.com/Mutter0815/InviteFlow/internal/campaigns"
	"github.com/Mutter0815/InviteFlow/internal/clock"
	"github.com/Mutter0815/InviteFlow/internal/collab"
	"github.com/Mutter0815/InviteFlow/internal/jobs"
	"github.com/Mutter0815/InviteFlow/internal/lock"
	"github.com/Mutter0815/InviteFlow/internal/progress"
	"github.com/Mutter0815/InviteFlow/internal/quota"
	"github.com/Mutter0815/InviteFlow/internal/stages"
	"github.com/Mutter0815/InviteFlow/internal/store"
	"github.com/Mutter0815/InviteFlow/internal/stream"
	"github.com/Mutter0815/InviteFlow/pkg/config"
	"github.com/Mutter0815/InviteFlow/pkg/db"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
)

// Collaborators are the external systems the stages drive. The API process
// leaves them nil; it never runs a stage.
type Collaborators struct {
	Driver    collab.InviteDriver
	Validator collab.SessionValidator
	Generator collab.MessageGenerator
	Scraper   collab.PostScraper
}

type Config struct {
	Pipeline config.PipelineConfig
	Quota    config.QuotaConfig
	// Instructions are appended to every message-generation prompt.
	Instructions string
	Relay        *progress.Relay
	Clock        clock.Clock
}

type Engine struct {
	Store     store.Repository
	KV        redis.UniversalClient
	Clock     clock.Clock
	Locks     *lock.Manager
	Quota     *quota.Controller
	Pipe      *stream.Pipeline
	Cache     *cache.Cache
	Hub       *progress.Hub
	Jobs      *jobs.Manager
	Stages    *stages.Runner
	Campaigns *campaigns.Service
}

func New(st store.Repository, rdb redis.UniversalClient, cfg Config, co Collaborators, log *zap.SugaredLogger) (*Engine, error) {
	log = logx.Or(log)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	loc := time.UTC
	if cfg.Quota.TZ != "" {
		l, err := time.LoadLocation(cfg.Quota.TZ)
		if err != nil {
			return nil, fmt.Errorf("quota tz %q: %w", cfg.Quota.TZ, err)
		}
		loc = l
	}

	e := &Engine{Store: st, KV: rdb, Clock: clk}
	e.Locks = lock.NewManager(rdb, log.Named("lock"))
	e.Quota = quota.New(st, clk, quota.Options{
		DefaultLimit: cfg.Quota.DailyLimit,
		CheckLimit:   cfg.Quota.CheckLimit,
		Location:     loc,
	}, log.Named("quota"))
	minIdle := cfg.Pipeline.ClaimMinIdle
	if minIdle <= 0 {
		minIdle = -1
	}
	e.Pipe = stream.New(rdb, clk, minIdle, log.Named("stream"))
	e.Cache = cache.New(rdb, st, e.Locks, clk, log.Named("cache"))
	e.Hub = progress.NewHub(rdb, nil, clk, progress.Options{Relay: cfg.Relay}, log.Named("progress"))
	e.Jobs = jobs.New(st, e.Quota, e.Pipe, e.Hub, e.Cache, clk,
		jobs.Options{InviteBatchSize: cfg.Pipeline.InviteBatchSize}, log.Named("jobs"))
	e.Stages = stages.NewRunner(stages.Deps{
		Store:     st,
		Cache:     e.Cache,
		Pipe:      e.Pipe,
		Locks:     e.Locks,
		Quota:     e.Quota,
		Hub:       e.Hub,
		Jobs:      e.Jobs,
		Clock:     clk,
		Logger:    log,
		Driver:    co.Driver,
		Validator: co.Validator,
		Generator: co.Generator,
		Scraper:   co.Scraper,
	}, stages.Options{
		InviteBatchSize:  cfg.Pipeline.InviteBatchSize,
		MessageBatchSize: cfg.Pipeline.MessageBatchSize,
		InterLeadDelay:   cfg.Pipeline.InterLeadDelay,
		IntraBatchDelay:  cfg.Pipeline.IntraBatchDelay,
		InviteBatchDelay: cfg.Pipeline.InviteBatchDelay,
		MaxRetries:       cfg.Pipeline.MaxRetries,
		Instructions:     cfg.Instructions,
	})
	e.Campaigns = campaigns.New(st, e.Cache, e.Stages, log)
	return e, nil
}

// OpenStore opens the configured persistent store and applies the schema
// when it is Postgres.
func OpenStore(ctx context.Context, kind, dsn string, log *zap.SugaredLogger) (store.Repository, func() error, error) {
	log = logx.Or(log)
	switch kind {
	case config.StoreMemory:
		log.Warnw("store_memory", "note", "state is lost on exit")
		return store.NewMemory(), func() error { return nil }, nil
	case config.StorePostgres, "":
		sqlDB, err := db.Open(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		st := store.New(sqlDB)
		if err := st.Migrate(ctx); err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return st, sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}
