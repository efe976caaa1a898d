package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campaigner/internal/broker"
	"campaigner/internal/cache"
	"campaigner/internal/campaign"
	"campaigner/internal/config"
	"campaigner/internal/httpserver"
	"campaigner/internal/logging"
	"campaigner/internal/notify"
	"campaigner/internal/observability"
	"campaigner/internal/queue"
	"campaigner/internal/store/pg"
	"campaigner/internal/tenant"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		ConnLifetime:      cfg.DBPoolConnLifetime,
		ConnIdleTime:      cfg.DBPoolConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	amqpBroker := broker.New(cfg.AMQPURL)
	if err := amqpBroker.Connect(); err != nil {
		slog.Error("api broker connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	scope := &tenant.Scope{Pool: db}
	store := pg.New(scope)
	dispatch := &queue.DispatchQueue{Broker: amqpBroker, Name: cfg.DispatchQueueName}

	svc := &campaign.Service{
		Store:    store,
		Queue:    dispatch,
		Notifier: &notify.Emitter{URL: cfg.StatusEventURL},
	}

	// Without Redis, cancel still works; the workers just see it after the
	// status cache TTL instead of immediately.
	if cfg.RedisAddr != "" {
		redisClient, err := cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Error("api redis connect failed", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		svc.Cache = cache.NewStatusCache(redisClient, 0)
	}

	router := mux.NewRouter()
	api := &httpserver.API{Svc: svc}
	api.Register(router)

	webhook := &httpserver.Webhook{Svc: svc, Token: cfg.GatewayWebhookToken}
	webhook.Register(router)

	ops := &httpserver.Ops{Queue: dispatch, Broker: amqpBroker, Token: cfg.OpsToken}
	ops.Register(router)

	router.HandleFunc("/healthz", httpserver.Healthz())
	router.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(ctx context.Context) error { return db.Ping(ctx) },
		func(ctx context.Context) error { return amqpBroker.Connect() },
	))

	handler := httpserver.Logging(httpserver.Metrics(observability.APIRequests)(router))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	_ = amqpBroker.Close()
	db.Close()
}
