// Package ingest accepts business events and fans each one out to a delivery
// per subscribed, active endpoint of the owning clinic.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Result summarises one fan-out.
type Result struct {
	EventID    string              `json:"event_id"`
	Created    int                 `json:"created"`
	Skipped    int                 `json:"skipped"`
	Deliveries []delivery.Delivery `json:"deliveries"`
}

type Service struct {
	deliveries delivery.Store
	endpoints  delivery.EndpointRegistry
	events     delivery.EventStore
	log        *logging.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(deliveries delivery.Store, endpoints delivery.EndpointRegistry, events delivery.EventStore, log *logging.Logger, opts ...Option) *Service {
	s := &Service{deliveries: deliveries, endpoints: endpoints, events: events, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDeliveriesForEvent stores the event and creates one PENDING delivery
// for every endpoint active at this moment. Calling it again for the same
// event only fills in pairs that do not exist yet.
func (s *Service) CreateDeliveriesForEvent(ctx context.Context, e delivery.Event) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.create_deliveries",
		tracing.AttrEventID.String(e.ID),
		tracing.AttrEventType.String(e.Type),
		tracing.AttrClinicID.String(e.ClinicID),
	)
	defer span.End()

	if err := e.Validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	// Payload is kept so the dispatcher can resolve it at send time.
	tracing.AddSpanEvent(ctx, "db.save_event")
	isNew, err := s.events.SaveEvent(ctx, e)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("save event %s: %w", e.ID, err)
	}

	tracing.AddSpanEvent(ctx, "db.active_endpoints")
	eps, err := s.endpoints.ActiveEndpoints(ctx, e.ClinicID, e.Type)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("active endpoints for clinic %s: %w", e.ClinicID, err)
	}
	ids := make([]string, 0, len(eps))
	for _, ep := range eps {
		ids = append(ids, ep.ID)
	}

	tracing.AddSpanEvent(ctx, "db.create_deliveries")
	created, err := s.deliveries.CreateForEvent(ctx, e.ID, ids, now)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("create deliveries for event %s: %w", e.ID, err)
	}
	if created == nil {
		created = []delivery.Delivery{}
	}

	res := Result{
		EventID:    e.ID,
		Created:    len(created),
		Skipped:    len(ids) - len(created),
		Deliveries: created,
	}
	metrics.RecordIngest(res.Created)
	s.log.WithContext(ctx).WithEvent(e.ID).WithClinic(e.ClinicID).WithFields(map[string]any{
		"event_type": e.Type,
		"new_event":  isNew,
		"endpoints":  len(ids),
		"created":    res.Created,
		"skipped":    res.Skipped,
	}).Info("event fanned out")
	return res, nil
}
