package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"fleetwatch/internal/config"
	"fleetwatch/internal/escalate"
	"fleetwatch/internal/fence"
	"fleetwatch/internal/httpapi"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/monitor"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/observability"
	"fleetwatch/internal/queue"
	"fleetwatch/internal/schedule"
	"fleetwatch/internal/store/pg"
	"fleetwatch/internal/store/redisdedup"
	"fleetwatch/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadMonitor()
	logging.Init("monitor", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := db.Ping(startupCtx); err != nil {
		startupCancel()
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	var dedup *redisdedup.Cache
	if cfg.RedisAddr != "" {
		dedup, err = redisdedup.New(startupCtx, cfg.RedisAddr)
		if err != nil {
			startupCancel()
			slog.Error("redis not reachable", "err", err)
			os.Exit(1)
		}
		defer dedup.Close()
	}
	startupCancel()

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	tickInterval := mustDuration(cfg.TickInterval, "TICK_INTERVAL")
	drainInterval := mustDuration(cfg.DrainInterval, "DRAIN_INTERVAL")
	t1 := mustDuration(cfg.Level1Timeout, "LEVEL1_TIMEOUT")
	t2 := mustDuration(cfg.Level2Timeout, "LEVEL2_TIMEOUT")

	chat := &notify.ChatClient{
		AccountID: cfg.ChatAccountID,
		AuthToken: cfg.ChatAuthToken,
		BaseURL:   cfg.ChatBaseURL,
		HTTP:      &http.Client{Timeout: 8 * time.Second},
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.ChatRPS), cfg.ChatBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	engine := escalate.NewEngine(store, chat, store, t1, t2)
	engine.Limiter = limiter
	engine.Breaker = cb
	defer engine.Stop()

	q := queue.New(cfg.AlarmQueueMaxSize)
	orch := &monitor.Orchestrator{
		Telemetry: &telemetry.Client{
			BaseURL: cfg.TelemetryBaseURL,
			APIKey:  cfg.TelemetryAPIKey,
			HTTP:    &http.Client{Timeout: 10 * time.Second},
		},
		Store:           store,
		Geometry:        store,
		Tracker:         &fence.Tracker{Store: store},
		Checker:         &schedule.Checker{Store: store, Geometry: store, Dedup: dedup, Queue: q},
		Queue:           q,
		FetchRetries:    cfg.FetchRetries,
		FailureLogAfter: cfg.FailureLogAfter,
	}

	srv := httpapi.New()
	srv.Mux.HandleFunc("/healthz", httpapi.Healthz())
	srv.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error { return dedup.Ping(c) },
	))
	statusAPI := &httpapi.StatusAPI{Source: orch}
	statusAPI.Register(srv.Mux)
	srv.Mux.Handle("/v1/webhooks/chat/reply", &notify.ReplyHandler{
		AuthToken: cfg.ChatAuthToken,
		PublicURL: cfg.PublicWebhookURL,
		Sink:      engine,
	}).Methods(http.MethodPost)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(srv.Mux),
	}

	httpErrCh := make(chan error, 1)
	go func() {
		slog.Info("monitor http listening", "port", cfg.Port)
		httpErrCh <- httpSrv.ListenAndServe()
	}()

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		slog.Info("alarm drain loop starting", "interval", drainInterval)
		q.RunDrain(ctx, drainInterval, engine.ProcessTask)
	}()

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		slog.Info("detection loop starting", "interval", tickInterval)
		orch.Run(ctx, tickInterval)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-httpErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "err", err)
		}
	case sig := <-sigCh:
		slog.Info("monitor shutdown", "signal", sig.String())
	}

	cancel()
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	for _, done := range []chan struct{}{drainDone, tickDone} {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			slog.Info("shutdown timeout waiting for loop")
		}
	}
}

func mustDuration(s, name string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Error("invalid duration", "var", name, "value", s)
		os.Exit(1)
	}
	return d
}
