package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/api"
	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatcher"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/ops"
	"github.com/austindbirch/harbor_relay/internal/pump"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/reaper"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/store/postgres"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Backend is everything the ingest process needs from storage.
type Backend interface {
	delivery.Store
	delivery.EndpointRegistry
	delivery.EventStore
	health.Pinger
}

// app is the wired ingest process.
type app struct {
	handler   http.Handler
	pump      *pump.Pump
	reaper    *reaper.Reaper
	scheduler *scheduler.Scheduler
}

// newTrigger picks how the pump hands a due delivery to a worker. pub is
// required in nsq mode and optional otherwise, where it only receives dead
// letters.
func newTrigger(cfg config.Config, st Backend, pub *queue.Publisher, log *logging.Logger) pump.Trigger {
	if cfg.Dispatch.Mode == config.DispatchModeNSQ {
		return pub
	}
	var opts []dispatcher.Option
	if pub != nil && cfg.NSQ.PublishDead {
		opts = append(opts, dispatcher.WithDeadLetterSink(pub))
	}
	return pump.DispatchTrigger{Dispatcher: dispatcher.NewFromConfig(cfg.Dispatch, st, st, st, log, opts...)}
}

func newApp(cfg config.Config, st Backend, pub *queue.Publisher, reg *prometheus.Registry, log *logging.Logger) (*app, error) {
	p := pump.New(st, newTrigger(cfg, st, pub, log), cfg.Dispatch.Concurrency, log)
	r := reaper.New(st, cfg.Dispatch.MaxAttempts, log)

	srv := api.NewServer(
		ingest.NewService(st, st, st, log),
		ops.NewService(st, st, log),
		p, r,
		api.Jobs{BatchSize: cfg.Scheduler.BatchSize, StaleAfter: cfg.Scheduler.StaleAfter},
		log,
	)

	checks := map[string]health.Pinger{"database": st}
	if pub != nil {
		checks["nsq"] = pub
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(checks))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv.Register(mux)

	var handler http.Handler = mux
	if cfg.Auth.Enabled {
		v, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		handler = v.HTTPMiddleware(mux, "/healthz", "/metrics")
	}

	a := &app{handler: handler, pump: p, reaper: r}
	if cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(log)
		if err := a.scheduler.Register(cfg.Scheduler, p, r); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("harborrelay-ingest", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	shutdownTracing, err := tracing.InitTracing(ctx, "harborrelay-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if cfg.DB.Migrate {
		n, err := db.Migrate(ctx, pool)
		if err != nil {
			logger.Plain().WithError(err).Fatal("db migrate failed")
		}
		logger.Plain().WithField("applied", n).Info("migrations applied")
	}
	st := postgres.New(pool)

	var pub *queue.Publisher
	if cfg.Dispatch.Mode == config.DispatchModeNSQ || cfg.NSQ.PublishDead {
		prod, err := queue.NewProducer(cfg.NSQ, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer prod.Stop()
		pub = queue.NewPublisher(prod, cfg.NSQ, logger)
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	a, err := newApp(cfg, st, pub, reg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("wire ingest")
	}

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":          httpSrv.Addr,
			"dispatch_mode": cfg.Dispatch.Mode,
			"scheduler":     cfg.Scheduler.Enabled,
			"auth":          cfg.Auth.Enabled,
		}).Info("ingest HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("ingest HTTP server failed")
		}
	}()
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("HTTP shutdown")
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			logger.Plain().WithError(err).Warn("scheduler stop")
		}
	}
	logger.Plain().Info("ingest stopped")
}
