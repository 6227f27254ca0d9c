// Package memory is an in-process implementation of the delivery store,
// endpoint registry and event store. Safe for concurrent access. Intended for
// unit tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

var (
	_ delivery.Store            = (*Store)(nil)
	_ delivery.EndpointRegistry = (*Store)(nil)
	_ delivery.EventStore       = (*Store)(nil)
)

type pairKey struct {
	eventID    string
	endpointID string
}

// Store keeps every record behind one lock, which makes each method a
// single atomic step just like a guarded row update.
type Store struct {
	mu sync.RWMutex

	deliveries map[string]*delivery.Delivery
	pairs      map[pairKey]string
	endpoints  map[string]*delivery.Endpoint
	events     map[string]*delivery.Event

	newID func() string
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		deliveries: make(map[string]*delivery.Delivery),
		pairs:      make(map[pairKey]string),
		endpoints:  make(map[string]*delivery.Endpoint),
		events:     make(map[string]*delivery.Event),
		newID:      uuid.NewString,
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// ──────────────────────────────────────────────────
// Delivery Store
// ──────────────────────────────────────────────────

func (m *Store) CreateForEvent(_ context.Context, eventID string, endpointIDs []string, now time.Time) ([]delivery.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now = now.UTC()
	var created []delivery.Delivery
	for _, epID := range endpointIDs {
		key := pairKey{eventID: eventID, endpointID: epID}
		if _, exists := m.pairs[key]; exists {
			continue
		}
		d := &delivery.Delivery{
			ID:         m.newID(),
			EndpointID: epID,
			EventID:    eventID,
			Status:     delivery.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		m.deliveries[d.ID] = d
		m.pairs[key] = d.ID
		created = append(created, *d)
	}
	return created, nil
}

func (m *Store) Get(_ context.Context, id string) (delivery.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	return *d, nil
}

func (m *Store) ListDue(_ context.Context, now time.Time, limit int) ([]delivery.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []delivery.Delivery
	for _, d := range m.deliveries {
		if d.IsDue(now) {
			out = append(out, *d)
		}
	}
	sortOldestFirst(out)
	return truncate(out, limit), nil
}

func (m *Store) Claim(_ context.Context, id string, now time.Time) (delivery.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	if !d.IsDue(now) {
		return delivery.Delivery{}, delivery.ErrClaimLost
	}
	now = now.UTC()
	d.Status = delivery.StatusInFlight
	d.Attempts++
	d.DispatchStartedAt = &now
	d.UpdatedAt = now
	return *d, nil
}

func (m *Store) Finish(_ context.Context, c delivery.Completion) (delivery.Delivery, error) {
	if err := c.Validate(); err != nil {
		return delivery.Delivery{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[c.DeliveryID]
	if !ok {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	if d.Status != delivery.StatusInFlight || d.Attempts != c.Attempts {
		return delivery.Delivery{}, delivery.ErrClaimLost
	}

	at := c.At.UTC()
	d.Status = c.Status
	d.LastCode = copyPtr(c.Code)
	d.LastError = copyPtr(c.Error)
	d.NextAttemptAt = nil
	if c.Status == delivery.StatusPending {
		next := c.NextAttemptAt.UTC()
		d.NextAttemptAt = &next
	}
	if c.Status == delivery.StatusDelivered {
		d.DeliveredAt = &at
	}
	d.UpdatedAt = at
	return *d, nil
}

func (m *Store) ListStale(_ context.Context, cutoff time.Time, limit int) ([]delivery.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []delivery.Delivery
	for _, d := range m.deliveries {
		if d.IsStale(cutoff) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DispatchStartedAt.Equal(*out[j].DispatchStartedAt) {
			return out[i].DispatchStartedAt.Before(*out[j].DispatchStartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *Store) Requeue(_ context.Context, id string, attempts int, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return delivery.ErrNotFound
	}
	if d.Status != delivery.StatusInFlight || d.Attempts != attempts {
		return delivery.ErrClaimLost
	}
	now = now.UTC()
	d.Status = delivery.StatusPending
	d.NextAttemptAt = &now
	if reason != "" {
		d.LastError = &reason
	}
	d.UpdatedAt = now
	return nil
}

func (m *Store) Reset(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return false, delivery.ErrNotFound
	}
	if !d.Status.CanReset() {
		return false, nil
	}
	reset(d, now.UTC())
	return true, nil
}

func (m *Store) ResetFailedForEndpoint(_ context.Context, endpointID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now = now.UTC()
	n := 0
	for _, d := range m.deliveries {
		if d.EndpointID == endpointID && d.Status.CanReset() {
			reset(d, now)
			n++
		}
	}
	return n, nil
}

func reset(d *delivery.Delivery, now time.Time) {
	d.Status = delivery.StatusPending
	d.Attempts = 0
	d.NextAttemptAt = &now
	d.UpdatedAt = now
}

func (m *Store) List(_ context.Context, f delivery.ListFilter) (delivery.Page, error) {
	var (
		afterTime time.Time
		afterID   string
	)
	if f.Cursor != "" {
		var err error
		if afterTime, afterID, err = delivery.DecodeCursor(f.Cursor); err != nil {
			return delivery.Page{}, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []delivery.Delivery
	for _, d := range m.deliveries {
		switch {
		case f.EndpointID != "" && d.EndpointID != f.EndpointID:
			continue
		case f.EventID != "" && d.EventID != f.EventID:
			continue
		case f.Status != "" && d.Status != f.Status:
			continue
		case f.Cursor != "" && !olderThan(*d, afterTime, afterID):
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return olderThan(out[j], out[i].CreatedAt, out[i].ID) })

	size := f.PageSize()
	page := delivery.Page{Deliveries: truncate(out, size)}
	if len(out) > size {
		last := page.Deliveries[size-1]
		page.NextCursor = delivery.EncodeCursor(last.CreatedAt, last.ID)
	}
	if page.Deliveries == nil {
		page.Deliveries = []delivery.Delivery{}
	}
	return page, nil
}

// olderThan reports whether d sorts after (t, id) in newest-first order.
func olderThan(d delivery.Delivery, t time.Time, id string) bool {
	if !d.CreatedAt.Equal(t) {
		return d.CreatedAt.Before(t)
	}
	return d.ID < id
}

// ──────────────────────────────────────────────────
// Endpoint Registry
// ──────────────────────────────────────────────────

// PutEndpoint inserts or replaces an endpoint.
func (m *Store) PutEndpoint(_ context.Context, ep delivery.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyEndpoint(&ep)
	m.endpoints[ep.ID] = &cp
	return nil
}

// SetEndpointActive toggles an endpoint.
func (m *Store) SetEndpointActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return delivery.ErrEndpointNotFound
	}
	ep.IsActive = active
	return nil
}

// DeleteEndpoint removes an endpoint outright, as the external registry may.
func (m *Store) DeleteEndpoint(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, id)
}

func (m *Store) GetEndpoint(_ context.Context, id string) (delivery.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.endpoints[id]
	if !ok {
		return delivery.Endpoint{}, delivery.ErrEndpointNotFound
	}
	return copyEndpoint(ep), nil
}

func (m *Store) ActiveEndpoints(_ context.Context, clinicID, eventType string) ([]delivery.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []delivery.Endpoint
	for _, ep := range m.endpoints {
		if ep.ClinicID == clinicID && ep.IsActive && ep.Subscribes(eventType) {
			out = append(out, copyEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) SetSecret(_ context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.endpoints[id]
	if !ok {
		return delivery.ErrEndpointNotFound
	}
	ep.Secret = secret
	return nil
}

func copyEndpoint(ep *delivery.Endpoint) delivery.Endpoint {
	cp := *ep
	cp.EventTypes = append([]string(nil), ep.EventTypes...)
	return cp
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

func (m *Store) SaveEvent(_ context.Context, e delivery.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[e.ID]; exists {
		return false, nil
	}
	cp := e
	cp.Payload = append([]byte(nil), e.Payload...)
	m.events[e.ID] = &cp
	return true, nil
}

func (m *Store) GetEvent(_ context.Context, id string) (delivery.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return delivery.Event{}, delivery.ErrEventNotFound
	}
	return *e, nil
}

// DeleteEvent drops the stored copy of an event.
func (m *Store) DeleteEvent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
}

func sortOldestFirst(ds []delivery.Delivery) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

func truncate(ds []delivery.Delivery, limit int) []delivery.Delivery {
	if limit > 0 && len(ds) > limit {
		return ds[:limit]
	}
	return ds
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
