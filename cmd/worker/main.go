package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatcher"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/store/postgres"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Backend is everything a worker needs from storage.
type Backend interface {
	delivery.Store
	delivery.EndpointRegistry
	delivery.EventStore
	health.Pinger
}

// ConsumerStats is the part of *nsq.Consumer the health check reads.
type ConsumerStats interface {
	Stats() *nsq.ConsumerStats
}

// consumerCheck fails until the consumer holds at least one nsqd connection.
func consumerCheck(c ConsumerStats) health.Pinger {
	return health.PingFunc(func(context.Context) error {
		if c.Stats().Connections == 0 {
			return errors.New("no nsqd connections")
		}
		return nil
	})
}

// newHandler wires the task handler to a dispatcher. sink may be nil.
func newHandler(cfg config.Config, st Backend, sink dispatcher.DeadLetterSink, log *logging.Logger) *queue.Handler {
	var opts []dispatcher.Option
	if sink != nil {
		opts = append(opts, dispatcher.WithDeadLetterSink(sink))
	}
	d := dispatcher.NewFromConfig(cfg.Dispatch, st, st, st, log, opts...)
	return queue.NewHandler(d, log)
}

func newMux(checks map[string]health.Pinger, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(checks))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("harborrelay-worker", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.InitTracing(ctx, "harborrelay-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	st := postgres.New(pool)

	var (
		sink   dispatcher.DeadLetterSink
		checks = map[string]health.Pinger{"database": st}
	)
	if cfg.NSQ.PublishDead {
		prod, err := queue.NewProducer(cfg.NSQ, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for dead letters failed")
		}
		defer prod.Stop()
		pub := queue.NewPublisher(prod, cfg.NSQ, logger)
		sink = pub
		checks["nsq_producer"] = pub
	}

	consumer, err := queue.NewConsumer(cfg.NSQ, newHandler(cfg, st, sink, logger), cfg.Dispatch.Concurrency, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	checks["nsq_consumer"] = consumerCheck(consumer)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{Addr: cfg.WorkerPort, Handler: newMux(checks, reg), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	if cfg.NSQ.StatsInterval > 0 {
		go queue.NewBacklogMonitor(cfg.NSQ, logger).Run(ctx, cfg.NSQ.StatsInterval)
	}

	if cfg.NSQ.LookupHTTPAddr != "" {
		err = consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr)
	}
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq connect failed")
	}
	logger.Plain().WithFields(map[string]any{
		"topic":       cfg.NSQ.TasksTopic,
		"channel":     cfg.NSQ.WorkerChannel,
		"concurrency": cfg.Dispatch.Concurrency,
	}).Info("worker consuming")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	// Drain in-flight handlers before the store goes away.
	consumer.Stop()
	select {
	case <-consumer.StopChan:
	case <-time.After(30 * time.Second):
		logger.Plain().Warn("consumer did not stop in time")
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker stopped")
}
