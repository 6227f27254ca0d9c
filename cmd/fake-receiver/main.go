package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/signature"
)

const maxBody = 1 << 20

// Stats summarises what the receiver has seen.
type Stats struct {
	Received   int `json:"received"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Failed     int `json:"failed"`
}

// receiver is a webhook sink for local runs and end-to-end tests. It checks
// signatures, fails the first N requests and counts redeliveries of a
// delivery id it already accepted.
type receiver struct {
	cfg       config.FakeReceiver
	sigHeader string
	tsHeader  string
	idHeader  string
	log       *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	stats    Stats
	accepted map[string]int
}

func newReceiver(cfg config.FakeReceiver, d config.Dispatch, log *logging.Logger) *receiver {
	return &receiver{
		cfg:       cfg,
		sigHeader: d.SignatureHeader,
		tsHeader:  d.TimestampHeader,
		idHeader:  d.DeliveryHeader,
		log:       log,
		now:       time.Now,
		accepted:  make(map[string]int),
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	mux.HandleFunc("GET /stats", rc.handleStats)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get(rc.idHeader)
	entry := rc.log.WithContext(r.Context()).WithDelivery(deliveryID)

	rc.mu.Lock()
	rc.stats.Received++
	n := rc.stats.Received
	rc.mu.Unlock()

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if err := signature.Verify(rc.cfg.EndpointSecret, r.Header.Get(rc.tsHeader), r.Header.Get(rc.sigHeader), b, rc.now(), leeway); err != nil {
			rc.count(func(s *Stats) { s.Rejected++ })
			entry.WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		select {
		case <-time.After(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	if n <= rc.cfg.FailFirstN {
		rc.count(func(s *Stats) { s.Failed++ })
		entry.WithFields(map[string]any{"request": n, "fail_first_n": rc.cfg.FailFirstN}).Info("simulated failure")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rc.mu.Lock()
	rc.accepted[deliveryID]++
	seen := rc.accepted[deliveryID]
	rc.stats.Accepted++
	if seen > 1 {
		rc.stats.Duplicates++
	}
	rc.mu.Unlock()

	if seen > 1 {
		entry.WithField("times_seen", seen).Warn("duplicate delivery")
	} else {
		entry.WithField("body", truncate(string(b), 160)).Info("delivery accepted")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rc.snapshot())
}

func (rc *receiver) snapshot() Stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stats
}

func (rc *receiver) count(f func(*Stats)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	f(&rc.stats)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfg := config.FromEnv()
	log := logging.New("fake-receiver", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))

	rc := newReceiver(cfg.FakeReceiver, cfg.Dispatch, log)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	go func() {
		log.WithFields(map[string]any{
			"addr":         srv.Addr,
			"fail_first_n": cfg.FakeReceiver.FailFirstN,
			"verify":       cfg.FakeReceiver.EndpointSecret != "",
		}).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Plain().WithError(err).Fatal("HTTP serve")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Plain().WithFields(map[string]any{"stats": rc.snapshot()}).Info("fake-receiver stopped")
}
