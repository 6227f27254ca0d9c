package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_relay/internal/backoff"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatcher"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logging.Logger {
	return logging.New("pump-test", logging.WithWriter(io.Discard))
}

// seed creates n deliveries for distinct events, one second apart, and
// returns their ids oldest first.
func seed(t *testing.T, st *memory.Store, url string, n int) []string {
	t.Helper()
	ctx := context.Background()
	if err := st.PutEndpoint(ctx, delivery.Endpoint{
		ID: "ep-1", ClinicID: "clinic-1", URL: url, Secret: "whsec_pump", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		evtID := fmt.Sprintf("evt-%02d", i)
		created := base.Add(time.Duration(i) * time.Second)
		if _, err := st.SaveEvent(ctx, delivery.Event{
			ID: evtID, Type: "invoice.paid", ClinicID: "clinic-1", CreatedAt: created, Payload: []byte(`{"n":1}`),
		}); err != nil {
			t.Fatal(err)
		}
		ds, err := st.CreateForEvent(ctx, evtID, []string{"ep-1"}, created)
		if err != nil || len(ds) != 1 {
			t.Fatalf("CreateForEvent() = %v, %v", ds, err)
		}
		ids = append(ids, ds[0].ID)
	}
	return ids
}

func TestPump_NoDueIsNoop(t *testing.T) {
	st := memory.New()
	var calls atomic.Int32
	p := New(st, TriggerFunc(func(context.Context, delivery.Delivery) error {
		calls.Add(1)
		return nil
	}), 4, quietLogger(), WithClock(func() time.Time { return base }))

	res, err := p.Pump(context.Background(), 10)
	if err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if res != (Result{}) {
		t.Errorf("Pump() = %+v, want zero result", res)
	}
	if calls.Load() != 0 {
		t.Errorf("trigger called %d times, want 0", calls.Load())
	}
}

func TestPump_InvalidLimit(t *testing.T) {
	p := New(memory.New(), TriggerFunc(func(context.Context, delivery.Delivery) error { return nil }), 1, quietLogger())
	if _, err := p.Pump(context.Background(), 0); err == nil {
		t.Error("Pump(0) expected error")
	}
}

func TestPump_OldestFirstWithinLimit(t *testing.T) {
	st := memory.New()
	ids := seed(t, st, "http://unused.invalid", 5)

	var (
		mu  sync.Mutex
		got []string
	)
	trigger := TriggerFunc(func(_ context.Context, d delivery.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d.ID)
		return nil
	})
	p := New(st, trigger, 1, quietLogger(), WithClock(func() time.Time { return base.Add(time.Minute) }))

	res, err := p.Pump(context.Background(), 3)
	if err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if res != (Result{Picked: 3, Triggered: 3}) {
		t.Errorf("Pump() = %+v, want picked=3 triggered=3", res)
	}
	// concurrency 1 keeps hand-off order observable
	for i, id := range ids[:3] {
		if got[i] != id {
			t.Errorf("trigger order[%d] = %s, want %s", i, got[i], id)
		}
	}
}

func TestPump_BoundsConcurrency(t *testing.T) {
	st := memory.New()
	seed(t, st, "http://unused.invalid", 12)

	var inFlight, peak atomic.Int32
	trigger := TriggerFunc(func(context.Context, delivery.Delivery) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	p := New(st, trigger, 3, quietLogger(), WithClock(func() time.Time { return base.Add(time.Minute) }))

	res, err := p.Pump(context.Background(), 100)
	if err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if res.Picked != 12 || res.Triggered != 12 {
		t.Errorf("Pump() = %+v, want 12 picked and triggered", res)
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestPump_TriggerFailuresDoNotAbortBatch(t *testing.T) {
	st := memory.New()
	ids := seed(t, st, "http://unused.invalid", 4)
	bad := map[string]bool{ids[1]: true, ids[3]: true}

	trigger := TriggerFunc(func(_ context.Context, d delivery.Delivery) error {
		if bad[d.ID] {
			return errors.New("nsqd unreachable")
		}
		return nil
	})
	p := New(st, trigger, 2, quietLogger(), WithClock(func() time.Time { return base.Add(time.Minute) }))
	before := testutil.ToFloat64(metrics.PumpTriggerFailuresTotal)

	res, err := p.Pump(context.Background(), 10)
	if err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if res != (Result{Picked: 4, Triggered: 2, Failed: 2}) {
		t.Errorf("Pump() = %+v, want picked=4 triggered=2 failed=2", res)
	}
	if delta := testutil.ToFloat64(metrics.PumpTriggerFailuresTotal) - before; delta != 2 {
		t.Errorf("trigger failure metric delta = %v, want 2", delta)
	}
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) ListDue(context.Context, time.Time, int) ([]delivery.Delivery, error) {
	return nil, errors.New("database is down")
}

func TestPump_StoreError(t *testing.T) {
	p := New(brokenStore{memory.New()}, TriggerFunc(func(context.Context, delivery.Delivery) error { return nil }), 1, quietLogger())
	if _, err := p.Pump(context.Background(), 10); err == nil {
		t.Error("Pump() expected error when the store fails")
	}
}

func TestPump_DispatchTriggerDeliversBatch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := memory.New()
	ids := seed(t, st, srv.URL, 6)
	now := func() time.Time { return base.Add(time.Minute) }
	d := dispatcher.New(dispatcher.Config{
		MaxAttempts: 8,
		Backoff:     backoff.Policy{Base: 30 * time.Second, Max: time.Hour},
	}, st, st, st, quietLogger(),
		dispatcher.WithClock(now),
		dispatcher.WithSender(delivery.KindWebhook, dispatcher.NewWebhookSender(2*time.Second)),
	)
	p := New(st, DispatchTrigger{Dispatcher: d}, 3, quietLogger(), WithClock(now))

	res, err := p.Pump(context.Background(), 100)
	if err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if res != (Result{Picked: 6, Triggered: 6}) {
		t.Errorf("Pump() = %+v", res)
	}
	if hits.Load() != 6 {
		t.Errorf("receiver hits = %d, want 6", hits.Load())
	}
	for _, id := range ids {
		got, _ := st.Get(context.Background(), id)
		if got.Status != delivery.StatusDelivered || got.Attempts != 1 {
			t.Errorf("%s = %s attempts=%d, want DELIVERED attempts=1", id, got.Status, got.Attempts)
		}
	}

	// everything delivered: the next cycle is a no-op
	res, err = p.Pump(context.Background(), 100)
	if err != nil || res != (Result{}) {
		t.Errorf("second Pump() = %+v, %v; want zero result", res, err)
	}
}
