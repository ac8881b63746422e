package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/collab/driver"
	"github.com/Mutter0815/InviteFlow/internal/collab/llm"
	"github.com/Mutter0815/InviteFlow/internal/collab/scraper"
	"github.com/Mutter0815/InviteFlow/internal/engine"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/internal/progress"
	"github.com/Mutter0815/InviteFlow/pkg/config"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
	"github.com/Mutter0815/InviteFlow/pkg/rmq"
	"github.com/Mutter0815/InviteFlow/services/pipeline-worker/worker"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadWorker()
	cfg := config.Worker

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := engine.OpenStore(ctx, cfg.Store, cfg.DBDSN, logx.Named("store"))
	if err != nil {
		logx.L().Fatalw("store_open_error", "error", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logx.L().Warnw("store_close_error", "error", err)
		}
	}()

	rdb, err := kv.NewClient(cfg.Redis)
	if err != nil {
		logx.L().Fatalw("redis_init_error", "error", err)
	}
	defer rdb.Close()

	var relay *progress.Relay
	if cfg.RMQURL != "" {
		pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.EventsQueue)
		if err != nil {
			logx.L().Fatalw("rmq_init_error", "error", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logx.L().Warnw("rmq_publisher_close_error", "error", err)
			}
		}()
		relay = progress.NewRelay(pub, logx.Named("relay"))
	}

	if cfg.Collab.DriverURL == "" {
		logx.L().Fatalw("driver_url_missing", "env", "DRIVER_URL")
	}
	drv := driver.New(cfg.Collab.DriverURL, logx.Named("driver"))
	co := engine.Collaborators{
		Driver:    drv,
		Validator: drv,
		Generator: llm.New(cfg.Collab.LLMAPIKey, cfg.Collab.LLMModel, logx.Named("llm")),
		Scraper:   scraper.New(cfg.Collab.ScraperURL),
	}

	e, err := engine.New(st, rdb, engine.Config{
		Pipeline:     cfg.Pipeline,
		Quota:        cfg.Quota,
		Instructions: os.Getenv("MESSAGE_INSTRUCTIONS"),
		Relay:        relay,
	}, co, logx.L())
	if err != nil {
		logx.L().Fatalw("engine_init_error", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logx.L().Infow("metrics_listen_start", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.L().Errorw("metrics_server_error", "error", err)
		}
	}()

	host, _ := os.Hostname()
	w := worker.New(e.Stages, e.Jobs, e.Clock, worker.Options{
		Concurrency:    cfg.Concurrency,
		AcceptanceCron: cfg.AcceptanceCron,
		Name:           host,
	}, logx.L())

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.L().Errorw("worker_error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logx.L().Warnw("metrics_shutdown_error", "error", err)
	}
	logx.L().Infow("pipeline-worker stopped gracefully")
}
