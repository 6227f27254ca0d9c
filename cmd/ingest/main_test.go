package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/signature"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
)

func testConfig() config.Config {
	cfg := config.FromEnv()
	cfg.Dispatch.Mode = config.DispatchModeInProcess
	cfg.Dispatch.RequestTimeout = 2 * time.Second
	cfg.Scheduler.Enabled = false
	cfg.Auth.Enabled = false
	cfg.NSQ.PublishDead = false
	return cfg
}

func newStore(t *testing.T, url string) *memory.Store {
	t.Helper()
	st := memory.New()
	if err := st.PutEndpoint(context.Background(), delivery.Endpoint{
		ID: "ep-1", ClinicID: "clinic-1", URL: url, Secret: "whsec_e2e", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	return st
}

func quietLogger() *logging.Logger {
	return logging.New("ingest-test", logging.WithWriter(io.Discard))
}

func TestApp_EmitPumpDeliver(t *testing.T) {
	var hits atomic.Int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := signature.Verify("whsec_e2e", r.Header.Get("X-HarborRelay-Timestamp"),
			r.Header.Get("X-HarborRelay-Signature"), body, time.Now(), 5*time.Minute); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	st := newStore(t, receiver.URL)
	a, err := newApp(testConfig(), st, nil, prometheus.NewRegistry(), quietLogger())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/events", "application/json", strings.NewReader(
		`{"id":"evt-1","type":"appointment.created","clinic_id":"clinic-1","payload":{"ok":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /v1/events = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/jobs/pump", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var res struct{ Picked, Triggered, Failed int }
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if res.Picked != 1 || res.Triggered != 1 {
		t.Errorf("pump = %+v", res)
	}
	if hits.Load() != 1 {
		t.Errorf("receiver hits = %d, want 1", hits.Load())
	}

	page, err := st.List(context.Background(), delivery.ListFilter{EventID: "evt-1"})
	if err != nil || len(page.Deliveries) != 1 || page.Deliveries[0].Status != delivery.StatusDelivered {
		t.Errorf("deliveries = %+v, %v", page.Deliveries, err)
	}
}

func TestApp_HealthAndMetrics(t *testing.T) {
	a, err := newApp(testConfig(), newStore(t, "http://127.0.0.1:1"), nil, prometheus.NewRegistry(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestApp_AuthEnabled(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)

	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.PublicKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	a, err := newApp(cfg, newStore(t, "http://127.0.0.1:1"), nil, prometheus.NewRegistry(), quietLogger())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/deliveries", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated listing = %d, want 401", rec.Code)
	}
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200 without a token", rec.Code)
	}

	cfg.Auth.PublicKeyPEM = "garbage"
	if _, err := newApp(cfg, memory.New(), nil, prometheus.NewRegistry(), quietLogger()); err == nil {
		t.Error("newApp() accepted an unparseable public key")
	}
}

func TestApp_Scheduler(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Enabled = true

	a, err := newApp(cfg, memory.New(), nil, prometheus.NewRegistry(), quietLogger())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	if a.scheduler == nil || a.scheduler.Entries() != 2 {
		t.Fatal("scheduler not wired with pump and reap jobs")
	}

	cfg.Scheduler.PumpSchedule = "whenever"
	if _, err := newApp(cfg, memory.New(), nil, prometheus.NewRegistry(), quietLogger()); err == nil {
		t.Error("newApp() accepted an invalid pump schedule")
	}
}
