package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type delegate struct {
	finished bool
	requeued bool
}

func (d *delegate) OnFinish(*nsq.Message) { d.finished = true }
func (d *delegate) OnRequeue(*nsq.Message, time.Duration, bool) { d.requeued = true }
func (d *delegate) OnTouch(*nsq.Message) {}

type sink struct {
	mu  sync.Mutex
	got []delivery.DeadLetter
}

func (s *sink) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, dl)
	return nil
}

func setup(t *testing.T, url string, active bool) (*memory.Store, string) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	if err := st.PutEndpoint(ctx, delivery.Endpoint{ID: "ep-1", ClinicID: "clinic-1", URL: url, Secret: "whsec_w", IsActive: active}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SaveEvent(ctx, delivery.Event{ID: "evt-1", Type: "appointment.created", ClinicID: "clinic-1", CreatedAt: base, Payload: json.RawMessage(`{"a":1}`)}); err != nil {
		t.Fatal(err)
	}
	ds, err := st.CreateForEvent(ctx, "evt-1", []string{"ep-1"}, base)
	if err != nil {
		t.Fatal(err)
	}
	return st, ds[0].ID
}

func taskMessage(t *testing.T, deliveryID string) (*nsq.Message, *delegate) {
	t.Helper()
	body, err := json.Marshal(delivery.Task{DeliveryID: deliveryID, EventID: "evt-1", EndpointID: "ep-1"})
	if err != nil {
		t.Fatal(err)
	}
	var id nsq.MessageID
	copy(id[:], "worker-test-0001")
	m := nsq.NewMessage(id, body)
	d := &delegate{}
	m.Delegate = d
	return m, d
}

func testConfig() config.Config {
	cfg := config.FromEnv()
	cfg.Dispatch.RequestTimeout = 2 * time.Second
	return cfg
}

func TestHandler_DeliversTask(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	st, id := setup(t, receiver.URL, true)
	h := newHandler(testConfig(), st, nil, logging.New("worker-test", logging.WithWriter(io.Discard)))

	m, d := taskMessage(t, id)
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if !d.finished || d.requeued {
		t.Errorf("finished=%v requeued=%v, want finished", d.finished, d.requeued)
	}
	got, _ := st.Get(context.Background(), id)
	if got.Status != delivery.StatusDelivered || got.Attempts != 1 {
		t.Errorf("delivery = %s after %d attempts, want DELIVERED after 1", got.Status, got.Attempts)
	}

	// A duplicate task for a delivered record is a no-op.
	m, d = taskMessage(t, id)
	_ = h.HandleMessage(m)
	if !d.finished {
		t.Error("duplicate task not finished")
	}
	if again, _ := st.Get(context.Background(), id); again.Attempts != 1 {
		t.Errorf("attempts = %d after duplicate task, want 1", again.Attempts)
	}
}

func TestHandler_InactiveEndpointDeadLetters(t *testing.T) {
	st, id := setup(t, "http://127.0.0.1:1", false)
	dl := &sink{}
	h := newHandler(testConfig(), st, dl, logging.New("worker-test", logging.WithWriter(io.Discard)))

	m, d := taskMessage(t, id)
	_ = h.HandleMessage(m)
	if !d.finished {
		t.Error("task not finished")
	}
	got, _ := st.Get(context.Background(), id)
	if got.Status != delivery.StatusFailed || got.LastError == nil || *got.LastError != delivery.ReasonEndpointInactive {
		t.Errorf("delivery = %+v, want FAILED endpoint_inactive", got)
	}
	if len(dl.got) != 1 || dl.got[0].DeliveryID != id {
		t.Errorf("dead letters = %+v", dl.got)
	}
}

type fakeConsumer struct{ conns int }

func (f fakeConsumer) Stats() *nsq.ConsumerStats { return &nsq.ConsumerStats{Connections: f.conns} }

func TestConsumerCheck(t *testing.T) {
	if err := consumerCheck(fakeConsumer{conns: 0}).Ping(context.Background()); err == nil {
		t.Error("consumerCheck() healthy with no connections")
	}
	if err := consumerCheck(fakeConsumer{conns: 2}).Ping(context.Background()); err != nil {
		t.Errorf("consumerCheck() error: %v", err)
	}
}

func TestNewMux(t *testing.T) {
	checks := map[string]health.Pinger{"nsq_consumer": consumerCheck(fakeConsumer{})}
	mux := newMux(checks, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz = %d, want 503 while disconnected", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
}
