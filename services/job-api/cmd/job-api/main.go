package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mutter0815/InviteFlow/internal/engine"
	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/internal/progress"
	"github.com/Mutter0815/InviteFlow/pkg/config"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/rmq"
	"github.com/Mutter0815/InviteFlow/services/job-api/server"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadAPI()
	cfg := config.API

	st, closeStore, err := engine.OpenStore(context.Background(), cfg.Store, cfg.DBDSN, logx.Named("store"))
	if err != nil {
		logx.L().Fatalw("store_open_error", "error", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logx.L().Warnw("store_close_error", "error", err)
		} else {
			logx.L().Infow("store_closed")
		}
	}()

	rdb, err := kv.NewClient(cfg.Redis)
	if err != nil {
		logx.L().Fatalw("redis_init_error", "error", err)
	}
	defer rdb.Close()

	// Cancel and timeout transitions happen here, so the API relays too.
	var relay *progress.Relay
	if cfg.RMQURL != "" {
		pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.EventsQueue)
		if err != nil {
			logx.L().Fatalw("rmq_init_error", "error", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logx.L().Warnw("rmq_publisher_close_error", "error", err)
			} else {
				logx.L().Infow("rmq_publisher_closed")
			}
		}()
		relay = progress.NewRelay(pub, logx.Named("relay"))
	}

	e, err := engine.New(st, rdb, engine.Config{
		Pipeline: cfg.Pipeline,
		Quota:    cfg.Quota,
		Relay:    relay,
	}, engine.Collaborators{}, logx.L())
	if err != nil {
		logx.L().Fatalw("engine_init_error", "error", err)
	}

	srv := server.NewHTTPServer(":"+cfg.Port, server.NewHandlers(e))

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logx.L().Infow("signal_received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}

	logx.L().Infow("job-api stopped gracefully")
}
