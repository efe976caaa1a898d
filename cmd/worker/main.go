package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"campaigner/internal/broker"
	"campaigner/internal/cache"
	"campaigner/internal/campaign"
	"campaigner/internal/config"
	"campaigner/internal/domain"
	"campaigner/internal/gateway"
	"campaigner/internal/httpserver"
	"campaigner/internal/logging"
	"campaigner/internal/notify"
	"campaigner/internal/observability"
	"campaigner/internal/queue"
	"campaigner/internal/store/pg"
	"campaigner/internal/tenant"
	workerproc "campaigner/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		ConnLifetime:      cfg.DBPoolConnLifetime,
		ConnIdleTime:      cfg.DBPoolConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	amqpBroker := broker.New(cfg.AMQPURL)
	if err := amqpBroker.Connect(); err != nil {
		slog.Error("worker broker connect failed", "err", err)
		os.Exit(1)
	}

	redisClient, err := cache.NewClient(startupCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("worker redis connect failed", "err", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	observability.Register(prometheus.DefaultRegisterer)

	scope := &tenant.Scope{Pool: db}
	store := pg.New(scope)
	statusCache := cache.NewStatusCache(redisClient, cfg.StatusCacheTTL)

	svc := &campaign.Service{
		Store:    store,
		Notifier: &notify.Emitter{URL: cfg.StatusEventURL},
		Cache:    statusCache,
	}

	gw := &gateway.Client{
		BaseURL: cfg.GatewayBaseURL,
		APIKey:  cfg.GatewayAPIKey,
		HTTP:    &http.Client{Timeout: cfg.GatewayTimeout},
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.GatewayRPSPerPod), cfg.GatewayBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	processor := &workerproc.Processor{
		Campaigns:   svc,
		Sender:      gw,
		Cache:       statusCache,
		Limiter:     limiter,
		Breaker:     cb,
		SendTimeout: cfg.GatewayTimeout,
	}

	dispatch := &queue.DispatchQueue{
		Broker:       amqpBroker,
		Name:         cfg.DispatchQueueName,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		OnDeadLetter: processor.DeadLetter,
	}

	healthMux := mux.NewRouter()
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error { return amqpBroker.Connect() },
		func(c context.Context) error { return redisClient.Ping(c).Err() },
	))
	healthMux.Handle("/metrics", promhttp.Handler())

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(healthMux),
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// Completion sweep: safety net for campaigns whose last outcome write won
	// the race but lost the completion check (or crashed before it).
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := svc.SweepCompletions(ctx)
				if err != nil {
					slog.Error("completion sweep failed", "err", err)
					continue
				}
				if n > 0 {
					observability.SweepCompletions.Add(float64(n))
					slog.Info("completion sweep", "completed", n)
				}
			}
		}
	}()

	consumeErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker consuming", "queue", cfg.DispatchQueueName, "concurrency", cfg.WorkerConcurrency)
		consumeErrCh <- dispatch.Consume(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job domain.DispatchJob) error {
			start := time.Now()
			err := processor.Process(ctx, job)
			if err != nil {
				slog.Info("dispatch job finish",
					"recipient_id", job.RecipientID,
					"attempt", job.Attempt,
					"status", "error",
					"duration", time.Since(start),
					"err", err,
				)
				return err
			}
			slog.Info("dispatch job finish",
				"recipient_id", job.RecipientID,
				"attempt", job.Attempt,
				"status", "ok",
				"duration", time.Since(start),
			)
			return nil
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-consumeErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker consume failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-consumeErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for consume loop")
	}
	background.Wait()
	_ = amqpBroker.Close()
}
