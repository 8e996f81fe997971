package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/adapter"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/config"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/hdp"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/httpapi"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/mqtt"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/observability"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/poller"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/realtime"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/reconcile"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/sink"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/store"
)

const serviceName = "http-leak-adapter"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevelValue())

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	cache := store.NewStateCache(rdb, 24*time.Hour)

	shutdownObs, promHandler, tracer := observability.SetupObservability(serviceName)
	defer shutdownObs()

	var running atomic.Pointer[adapter.Adapter]
	mClient, err := mqtt.New(cfg.MQTTBrokerURL, mqtt.Options{
		ClientID: cfg.AdapterID,
		Will:     hdp.New(nil, cfg.AdapterID, cfg.AdapterVersion).OfflineWill(),
		OnConnect: func() {
			if a := running.Load(); a != nil {
				a.Announce()
			}
		},
	})
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	pub := hdp.New(mClient, cfg.AdapterID, cfg.AdapterVersion)

	hub := realtime.NewHub()
	fanout := sink.New(repo, pub, cache, hub)
	hub.Snapshot = func() []realtime.Event {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		events, err := fanout.Snapshot(ctx)
		if err != nil {
			slog.Warn("realtime snapshot failed", "error", err)
		}
		return events
	}

	scheduler := poller.NewCronScheduler()
	pollers := poller.Deps{
		Fetcher:   poller.NewHTTPFetcher(cfg.HTTPTimeout),
		Sink:      fanout,
		Scheduler: scheduler,
	}
	pollCtx, cancelPolls := context.WithCancel(context.Background())
	rec := reconcile.New(pollCtx, repo, func(acc model.Accessory, device model.DeviceConfig) reconcile.Runner {
		return pollers.New(acc, device)
	}, reconcile.Options{
		OnRegistered: fanout.Added,
		OnRemoved:    fanout.Retire,
	})

	leakAdapter := adapter.New(adapter.Deps{
		Announcer:  pub,
		Reconciler: rec,
		Load:       func() ([]model.DeviceConfig, error) { return config.LoadSensors(cfg.SensorsFile) },
		Cache:      cache,
		Retire:     fanout.Retire,
	})
	if err := leakAdapter.Start(context.Background()); err != nil {
		slog.Error("http leak adapter start failed", "error", err)
		os.Exit(1)
	}
	running.Store(leakAdapter)

	api := httpapi.New(repo, leakAdapter, hub, promHandler)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           observability.MetricsAndTracingMiddleware(tracer, serviceName)(api.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("adapter server error", "error", err)
		}
	}()
	slog.Info("http-leak-adapter started", "port", cfg.Port, "adapter_id", cfg.AdapterID)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	for waiting := true; waiting; {
		select {
		case <-reload:
			if _, err := leakAdapter.Reload(context.Background()); err != nil {
				slog.Error("sensors reload failed", "error", err)
			}
		case <-stop:
			waiting = false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	leakAdapter.Stop()
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
	}
	cancelPolls()
	hub.Close()
	mClient.Disconnect()
	_ = rdb.Close()
	_ = srv.Shutdown(ctx)
	slog.Info("http-leak-adapter stopped")
}

func setupLogging(level slog.Level) {
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}
