// Package storetest holds the behavioural suite every delivery store backend
// must pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// Backend is a store plus the seeding hooks the suite needs.
type Backend interface {
	delivery.Store
	delivery.EndpointRegistry
	delivery.EventStore
	PutEndpoint(ctx context.Context, ep delivery.Endpoint) error
	SetEndpointActive(ctx context.Context, id string, active bool) error
}

// Factory returns an empty backend. It is called once per subtest.
type Factory func(t *testing.T) Backend

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the full store contract against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"CreateForEventIsIdempotent", testCreateIdempotent},
		{"CreateForEventConcurrent", testCreateConcurrent},
		{"GetMissing", testGetMissing},
		{"ListDueOrderAndFilter", testListDue},
		{"ClaimIncrementsAttempts", testClaim},
		{"ClaimRaceHasOneWinner", testClaimRace},
		{"FinishGuardsAttempt", testFinishGuards},
		{"FinishOutcomes", testFinishOutcomes},
		{"StaleAndRequeue", testStaleRequeue},
		{"ResetOnlyFailed", testReset},
		{"ResetFailedForEndpoint", testResetForEndpoint},
		{"ListPagination", testListPagination},
		{"EndpointRegistry", testEndpoints},
		{"EventStore", testEvents},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func seed(t *testing.T, b Backend, eventID string, endpointIDs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range endpointIDs {
		if err := b.PutEndpoint(ctx, delivery.Endpoint{
			ID: id, ClinicID: "cl_1", URL: "https://example.test/" + id,
			Secret: "whsec_" + id, IsActive: true, Kind: delivery.KindWebhook,
		}); err != nil {
			t.Fatalf("PutEndpoint(%s): %v", id, err)
		}
	}
	if _, err := b.SaveEvent(ctx, delivery.Event{
		ID: eventID, Type: "purchase.made", ClinicID: "cl_1", CreatedAt: base,
		Payload: json.RawMessage(`{"amount":100}`),
	}); err != nil {
		t.Fatalf("SaveEvent(%s): %v", eventID, err)
	}
}

func create(t *testing.T, b Backend, eventID string, at time.Time, endpointIDs ...string) []delivery.Delivery {
	t.Helper()
	ds, err := b.CreateForEvent(context.Background(), eventID, endpointIDs, at)
	if err != nil {
		t.Fatalf("CreateForEvent(%s): %v", eventID, err)
	}
	return ds
}

func mustClaim(t *testing.T, b Backend, id string, now time.Time) delivery.Delivery {
	t.Helper()
	d, err := b.Claim(context.Background(), id, now)
	if err != nil {
		t.Fatalf("Claim(%s): %v", id, err)
	}
	return d
}

func mustGet(t *testing.T, b Backend, id string) delivery.Delivery {
	t.Helper()
	d, err := b.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return d
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func testCreateIdempotent(t *testing.T, b Backend) {
	seed(t, b, "evt_1", "ep_a", "ep_b")

	first := create(t, b, "evt_1", base, "ep_a", "ep_b")
	if len(first) != 2 {
		t.Fatalf("first CreateForEvent() created %d, want 2", len(first))
	}
	for _, d := range first {
		if d.Status != delivery.StatusPending || d.Attempts != 0 || d.ID == "" {
			t.Errorf("created delivery = %+v", d)
		}
	}

	again := create(t, b, "evt_1", base.Add(time.Minute), "ep_a", "ep_b")
	if len(again) != 0 {
		t.Errorf("second CreateForEvent() created %d, want 0", len(again))
	}

	page, err := b.List(context.Background(), delivery.ListFilter{EventID: "evt_1"})
	if err != nil {
		t.Fatalf("List(): %v", err)
	}
	if len(page.Deliveries) != 2 {
		t.Errorf("deliveries for evt_1 = %d, want exactly 2", len(page.Deliveries))
	}
}

func testCreateConcurrent(t *testing.T, b Backend) {
	seed(t, b, "evt_1", "ep_a")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ds, err := b.CreateForEvent(context.Background(), "evt_1", []string{"ep_a"}, base)
			if err != nil {
				t.Errorf("CreateForEvent(): %v", err)
				return
			}
			mu.Lock()
			total += len(ds)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Errorf("concurrent creates produced %d rows, want 1", total)
	}
}

func testGetMissing(t *testing.T, b Backend) {
	ctx := context.Background()
	if _, err := b.Get(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := b.Claim(ctx, "00000000-0000-0000-0000-000000000000", base); !errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("Claim(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := b.Reset(ctx, "00000000-0000-0000-0000-000000000000", base); !errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("Reset(missing) error = %v, want ErrNotFound", err)
	}
}

func testListDue(t *testing.T, b Backend) {
	ctx := context.Background()
	seed(t, b, "evt_1", "ep_a", "ep_b", "ep_c")
	seed(t, b, "evt_2")

	older := create(t, b, "evt_1", base, "ep_a")[0]
	newer := create(t, b, "evt_2", base.Add(time.Second), "ep_a")[0]
	future := create(t, b, "evt_1", base.Add(2*time.Second), "ep_b")[0]
	inFlight := create(t, b, "evt_1", base.Add(3*time.Second), "ep_c")[0]

	// push future out with a retry, and hold inFlight
	c := mustClaim(t, b, future.ID, base.Add(time.Minute))
	next := base.Add(time.Hour)
	if _, err := b.Finish(ctx, delivery.Completion{
		DeliveryID: future.ID, Attempts: c.Attempts, Status: delivery.StatusPending,
		Code: intPtr(503), Error: strPtr("http 503"), NextAttemptAt: &next, At: base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("Finish(): %v", err)
	}
	mustClaim(t, b, inFlight.ID, base.Add(time.Minute))

	due, err := b.ListDue(ctx, base.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListDue(): %v", err)
	}
	if len(due) != 2 || due[0].ID != older.ID || due[1].ID != newer.ID {
		t.Fatalf("ListDue() = %v, want [%s %s]", ids(due), older.ID, newer.ID)
	}

	limited, _ := b.ListDue(ctx, base.Add(2*time.Minute), 1)
	if len(limited) != 1 || limited[0].ID != older.ID {
		t.Errorf("ListDue(limit 1) = %v, want [%s]", ids(limited), older.ID)
	}

	later, _ := b.ListDue(ctx, next, 10)
	if len(later) != 3 {
		t.Errorf("ListDue(at next) = %d, want 3 once the retry is due", len(later))
	}
}

func testClaim(t *testing.T, b Backend) {
	ctx := context.Background()
	seed(t, b, "evt_1", "ep_a")
	d := create(t, b, "evt_1", base, "ep_a")[0]

	claimAt := base.Add(time.Second)
	c := mustClaim(t, b, d.ID, claimAt)
	if c.Status != delivery.StatusInFlight || c.Attempts != 1 {
		t.Errorf("Claim() = status %s attempts %d", c.Status, c.Attempts)
	}
	if c.DispatchStartedAt == nil || !c.DispatchStartedAt.Equal(claimAt) {
		t.Errorf("Claim() dispatch_started_at = %v, want %v", c.DispatchStartedAt, claimAt)
	}

	if _, err := b.Claim(ctx, d.ID, claimAt); !errors.Is(err, delivery.ErrClaimLost) {
		t.Errorf("second Claim() error = %v, want ErrClaimLost", err)
	}
	if got := mustGet(t, b, d.ID); got.Attempts != 1 {
		t.Errorf("attempts after lost claim = %d, want 1", got.Attempts)
	}
}

func testClaimRace(t *testing.T, b Backend) {
	seed(t, b, "evt_1", "ep_a")
	d := create(t, b, "evt_1", base, "ep_a")[0]

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Claim(context.Background(), d.ID, base)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, delivery.ErrClaimLost):
				t.Errorf("Claim() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("claim winners = %d, want 1", wins)
	}
	if got := mustGet(t, b, d.ID); got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func testFinishGuards(t *testing.T, b Backend) {
	ctx := context.Background()
	seed(t, b, "evt_1", "ep_a")
	d := create(t, b, "evt_1", base, "ep_a")[0]
	c := mustClaim(t, b, d.ID, base)

	stale := delivery.Completion{DeliveryID: d.ID, Attempts: c.Attempts + 1, Status: delivery.StatusDelivered, Code: intPtr(200), At: base}
	if _, err := b.Finish(ctx, stale); !errors.Is(err, delivery.ErrClaimLost) {
		t.Errorf("Finish(wrong attempt) error = %v, want ErrClaimLost", err)
	}

	illegal := delivery.Completion{DeliveryID: d.ID, Attempts: c.Attempts, Status: delivery.StatusInFlight, At: base}
	if _, err := b.Finish(ctx, illegal); !errors.Is(err, delivery.ErrInvalidTransition) {
		t.Errorf("Finish(IN_FLIGHT) error = %v, want ErrInvalidTransition", err)
	}

	ok := delivery.Completion{DeliveryID: d.ID, Attempts: c.Attempts, Status: delivery.StatusDelivered, Code: intPtr(200), At: base}
	if _, err := b.Finish(ctx, ok); err != nil {
		t.Fatalf("Finish(): %v", err)
	}
	if _, err := b.Finish(ctx, ok); !errors.Is(err, delivery.ErrClaimLost) {
		t.Errorf("repeat Finish() error = %v, want ErrClaimLost", err)
	}
	if _, err := b.Claim(ctx, d.ID, base.Add(time.Hour)); !errors.Is(err, delivery.ErrClaimLost) {
		t.Errorf("Claim(DELIVERED) error = %v, want ErrClaimLost", err)
	}
}

func testFinishOutcomes(t *testing.T, b Backend) {
	ctx := context.Background()
	seed(t, b, "evt_1", "ep_ok", "ep_retry", "ep_fail")
	ds := create(t, b, "evt_1", base, "ep_ok", "ep_retry", "ep_fail")
	byEndpoint := map[string]delivery.Delivery{}
	for _, d := range ds {
		byEndpoint[d.EndpointID] = d
	}
	at := base.Add(time.Second)

	ok := mustClaim(t, b, byEndpoint["ep_ok"].ID, base)
	got, err := b.Finish(ctx, delivery.Completion{DeliveryID: ok.ID, Attempts: ok.Attempts, Status: delivery.StatusDelivered, Code: intPtr(204), At: at})
	if err != nil {
		t.Fatalf("Finish(DELIVERED): %v", err)
	}
	if got.Status != delivery.StatusDelivered || got.DeliveredAt == nil || !got.DeliveredAt.Equal(at) || got.LastCode == nil || *got.LastCode != 204 {
		t.Errorf("delivered = %+v", got)
	}
	if got.NextAttemptAt != nil {
		t.Errorf("delivered next_attempt_at = %v, want nil", got.NextAttemptAt)
	}

	retry := mustClaim(t, b, byEndpoint["ep_retry"].ID, base)
	next := at.Add(30 * time.Second)
	got, err = b.Finish(ctx, delivery.Completion{DeliveryID: retry.ID, Attempts: retry.Attempts, Status: delivery.StatusPending,
		Code: intPtr(500), Error: strPtr("http 500"), NextAttemptAt: &next, At: at})
	if err != nil {
		t.Fatalf("Finish(PENDING): %v", err)
	}
	if got.Status != delivery.StatusPending || got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) || got.LastError == nil || *got.LastError != "http 500" {
		t.Errorf("retry = %+v", got)
	}

	fail := mustClaim(t, b, byEndpoint["ep_fail"].ID, base)
	got, err = b.Finish(ctx, delivery.Completion{DeliveryID: fail.ID, Attempts: fail.Attempts, Status: delivery.StatusFailed,
		Error: strPtr(delivery.ReasonEndpointInactive), At: at})
	if err != nil {
		t.Fatalf("Finish(FAILED): %v", err)
	}
	if got.Status != delivery.StatusFailed || got.NextAttemptAt != nil || got.LastCode != nil || got.LastError == nil || *got.LastError != delivery.ReasonEndpointInactive {
		t.Errorf("failed = %+v", got)
	}
}

func testStaleRequeue(t *testing.T, b Backend) {
	ctx := context.Background()
	seed(t, b, "evt_1", "ep_a", "ep_b")
	ds := create(t, b, "evt_1", base, "ep_a", "ep_b")

	old := mustClaim(t, b, ds[0].ID, base)
	mustClaim(t, b, ds[1].ID, base.Add(10*time.Minute))

	stale, err := b.ListStale(ctx, base.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale(): %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("ListStale() = %v, want [%s]", ids(stale), old.ID)
	}

	if err := b.Requeue(ctx, old.ID, old.Attempts+1, delivery.ReasonDispatchTimeout, base.Add(6*time.Minute)); !errors.Is(err, delivery.ErrClaimLost) {
		t.Errorf("Requeue(wrong attempt) error = %v, want ErrClaimLost", err)
	}

	requeueAt := base.Add(6 * time.Minute)
	if err := b.Requeue(ctx, old.ID, old.Attempts, delivery.ReasonDispatchTimeout, requeueAt); err != nil {
		t.Fatalf("Requeue(): %v", err)
	}
	got := mustGet(t, b, old.ID)
	if got.Status != delivery.StatusPending || got.Attempts != 1 {
		t.Errorf("requeued = status %s attempts %d", got.Status, got.Attempts)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(requeueAt) {
		t.Errorf("requeued next_attempt_at = %v, want %v", got.NextAttemptAt, requeueAt)
	}
	if got.LastError == nil || *got.LastError != delivery.ReasonDispatchTimeout {
		t.Errorf("requeued last_error = %v", got.LastError)
	}

	// the late completion from the abandoned attempt must not land
	if _, err := b.Finish(ctx, delivery.Completion{DeliveryID: old.ID, Attempts: old.Attempts, Status: delivery.StatusDelivered, Code: intPtr(200), At: requeueAt}); !errors.Is(err, delivery.ErrClaimLost) {
		t.Errorf("late Finish() error = %v, want ErrClaimLost", err)
	}

	// the requeue reason replaces an earlier attempt's error
	again := mustClaim(t, b, old.ID, requeueAt)
	next := requeueAt.Add(time.Minute)
	if _, err := b.Finish(ctx, delivery.Completion{DeliveryID: old.ID, Attempts: again.Attempts, Status: delivery.StatusPending,
		Code: intPtr(502), Error: strPtr("http 502"), NextAttemptAt: &next, At: requeueAt}); err != nil {
		t.Fatalf("Finish(): %v", err)
	}
	third := mustClaim(t, b, old.ID, next)
	if err := b.Requeue(ctx, old.ID, third.Attempts, delivery.ReasonDispatchTimeout, next.Add(time.Hour)); err != nil {
		t.Fatalf("Requeue(): %v", err)
	}
	if got := mustGet(t, b, old.ID); got.LastError == nil || *got.LastError != delivery.ReasonDispatchTimeout {
		t.Errorf("last_error after requeue = %v, want %s", got.LastError, delivery.ReasonDispatchTimeout)
	}
}

func failDelivery(t *testing.T, b Backend, id string, at time.Time) {
	t.Helper()
	c := mustClaim(t, b, id, at)
	if _, err := b.Finish(context.Background(), delivery.Completion{DeliveryID: id, Attempts: c.Attempts, Status: delivery.StatusFailed,
		Code: intPtr(410), Error: strPtr("http 410"), At: at}); err != nil {
		t.Fatalf("Finish(FAILED): %v", err)
	}
}

func testReset(t *testing.T, b Backend) {
	ctx := context.Background()
	seed(t, b, "evt_1", "ep_a", "ep_b")
	ds := create(t, b, "evt_1", base, "ep_a", "ep_b")

	failDelivery(t, b, ds[0].ID, base)

	resetAt := base.Add(time.Hour)
	ok, err := b.Reset(ctx, ds[0].ID, resetAt)
	if err != nil || !ok {
		t.Fatalf("Reset(FAILED) = %v, %v", ok, err)
	}
	got := mustGet(t, b, ds[0].ID)
	if got.Status != delivery.StatusPending || got.Attempts != 0 || got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(resetAt) {
		t.Errorf("reset = %+v", got)
	}
	if got.LastCode == nil || *got.LastCode != 410 {
		t.Errorf("reset should keep last_code, got %v", got.LastCode)
	}

	ok, err = b.Reset(ctx, ds[0].ID, resetAt)
	if err != nil || ok {
		t.Errorf("Reset(PENDING) = %v, %v; want false, nil", ok, err)
	}
	ok, err = b.Reset(ctx, ds[1].ID, resetAt)
	if err != nil || ok {
		t.Errorf("Reset(untouched PENDING) = %v, %v; want false, nil", ok, err)
	}
}

func testResetForEndpoint(t *testing.T, b Backend) {
	ctx := context.Background()
	seed(t, b, "evt_1", "ep_a", "ep_b")
	seed(t, b, "evt_2")
	seed(t, b, "evt_3")

	a1 := create(t, b, "evt_1", base, "ep_a")[0]
	a2 := create(t, b, "evt_2", base, "ep_a")[0]
	a3 := create(t, b, "evt_3", base, "ep_a")[0]
	b1 := create(t, b, "evt_1", base, "ep_b")[0]

	failDelivery(t, b, a1.ID, base)
	failDelivery(t, b, a2.ID, base)
	failDelivery(t, b, b1.ID, base)
	_ = a3

	n, err := b.ResetFailedForEndpoint(ctx, "ep_a", base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ResetFailedForEndpoint(): %v", err)
	}
	if n != 2 {
		t.Errorf("reset count = %d, want 2", n)
	}
	if got := mustGet(t, b, b1.ID); got.Status != delivery.StatusFailed {
		t.Errorf("other endpoint status = %s, want FAILED", got.Status)
	}
	if n, _ := b.ResetFailedForEndpoint(ctx, "ep_a", base.Add(time.Hour)); n != 0 {
		t.Errorf("second reset count = %d, want 0", n)
	}
}

func testListPagination(t *testing.T, b Backend) {
	ctx := context.Background()
	var all []string
	for i := 0; i < 5; i++ {
		ev := fmt.Sprintf("evt_%d", i)
		seed(t, b, ev, "ep_a")
		d := create(t, b, ev, base.Add(time.Duration(i)*time.Second), "ep_a")[0]
		all = append([]string{d.ID}, all...) // newest first
	}

	var (
		got    []string
		cursor string
	)
	for pages := 0; pages < 10; pages++ {
		page, err := b.List(ctx, delivery.ListFilter{EndpointID: "ep_a", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("List(): %v", err)
		}
		got = append(got, ids(page.Deliveries)...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if fmt.Sprint(got) != fmt.Sprint(all) {
		t.Errorf("paged listing = %v, want %v", got, all)
	}

	failDelivery(t, b, all[0], base.Add(time.Minute))
	page, err := b.List(ctx, delivery.ListFilter{Status: delivery.StatusFailed})
	if err != nil {
		t.Fatalf("List(status): %v", err)
	}
	if len(page.Deliveries) != 1 || page.Deliveries[0].ID != all[0] {
		t.Errorf("List(FAILED) = %v", ids(page.Deliveries))
	}

	empty, err := b.List(ctx, delivery.ListFilter{EndpointID: "ep_none"})
	if err != nil || empty.Deliveries == nil || len(empty.Deliveries) != 0 || empty.NextCursor != "" {
		t.Errorf("List(no match) = %+v, %v", empty, err)
	}

	if _, err := b.List(ctx, delivery.ListFilter{Cursor: "%%%"}); !errors.Is(err, delivery.ErrInvalidCursor) {
		t.Errorf("List(bad cursor) error = %v, want ErrInvalidCursor", err)
	}
}

func testEndpoints(t *testing.T, b Backend) {
	ctx := context.Background()
	eps := []delivery.Endpoint{
		{ID: "ep_all", ClinicID: "cl_1", URL: "https://a.test", Secret: "s1", IsActive: true, Kind: delivery.KindWebhook},
		{ID: "ep_typed", ClinicID: "cl_1", URL: "https://b.test", Secret: "s2", IsActive: true, Kind: delivery.KindWebhook, EventTypes: []string{"purchase.made"}},
		{ID: "ep_other_type", ClinicID: "cl_1", URL: "https://c.test", Secret: "s3", IsActive: true, Kind: delivery.KindWebhook, EventTypes: []string{"subscription.renewed"}},
		{ID: "ep_inactive", ClinicID: "cl_1", URL: "https://d.test", Secret: "s4", IsActive: false, Kind: delivery.KindWebhook},
		{ID: "ep_other_clinic", ClinicID: "cl_2", URL: "https://e.test", Secret: "s5", IsActive: true, Kind: delivery.KindWebhook},
	}
	for _, ep := range eps {
		if err := b.PutEndpoint(ctx, ep); err != nil {
			t.Fatalf("PutEndpoint(%s): %v", ep.ID, err)
		}
	}

	active, err := b.ActiveEndpoints(ctx, "cl_1", "purchase.made")
	if err != nil {
		t.Fatalf("ActiveEndpoints(): %v", err)
	}
	var got []string
	for _, ep := range active {
		got = append(got, ep.ID)
	}
	if fmt.Sprint(got) != "[ep_all ep_typed]" {
		t.Errorf("ActiveEndpoints() = %v, want [ep_all ep_typed]", got)
	}

	if err := b.SetSecret(ctx, "ep_all", "whsec_rotated"); err != nil {
		t.Fatalf("SetSecret(): %v", err)
	}
	ep, err := b.GetEndpoint(ctx, "ep_all")
	if err != nil || ep.Secret != "whsec_rotated" {
		t.Errorf("GetEndpoint() after rotation = %+v, %v", ep, err)
	}

	if err := b.SetEndpointActive(ctx, "ep_all", false); err != nil {
		t.Fatalf("SetEndpointActive(): %v", err)
	}
	if ep, _ := b.GetEndpoint(ctx, "ep_all"); ep.IsActive {
		t.Error("endpoint still active after SetEndpointActive(false)")
	}

	if _, err := b.GetEndpoint(ctx, "ep_missing"); !errors.Is(err, delivery.ErrEndpointNotFound) {
		t.Errorf("GetEndpoint(missing) error = %v, want ErrEndpointNotFound", err)
	}
	if err := b.SetSecret(ctx, "ep_missing", "x"); !errors.Is(err, delivery.ErrEndpointNotFound) {
		t.Errorf("SetSecret(missing) error = %v, want ErrEndpointNotFound", err)
	}
}

func testEvents(t *testing.T, b Backend) {
	ctx := context.Background()
	e := delivery.Event{ID: "evt_1", Type: "purchase.made", ClinicID: "cl_1", CreatedAt: base, Payload: json.RawMessage(`{"amount":100}`)}

	created, err := b.SaveEvent(ctx, e)
	if err != nil || !created {
		t.Fatalf("SaveEvent() = %v, %v", created, err)
	}
	dup := e
	dup.Payload = json.RawMessage(`{"amount":999}`)
	created, err = b.SaveEvent(ctx, dup)
	if err != nil || created {
		t.Errorf("SaveEvent(duplicate) = %v, %v; want false, nil", created, err)
	}

	got, err := b.GetEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetEvent(): %v", err)
	}
	var body map[string]int
	if err := json.Unmarshal(got.Payload, &body); err != nil || body["amount"] != 100 {
		t.Errorf("GetEvent() payload = %s, want the first write", got.Payload)
	}
	if got.Type != e.Type || got.ClinicID != e.ClinicID || !got.CreatedAt.Equal(base) {
		t.Errorf("GetEvent() = %+v", got)
	}

	if _, err := b.GetEvent(ctx, "evt_missing"); !errors.Is(err, delivery.ErrEventNotFound) {
		t.Errorf("GetEvent(missing) error = %v, want ErrEventNotFound", err)
	}
}

func ids(ds []delivery.Delivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}
