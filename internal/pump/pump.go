// Package pump picks due deliveries and hands each one to a trigger with
// bounded concurrency.
package pump

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatcher"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Trigger hands one due delivery to whatever performs the attempt. An error
// means the hand-off itself failed, not the delivery.
type Trigger interface {
	Trigger(ctx context.Context, d delivery.Delivery) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, d delivery.Delivery) error

func (f TriggerFunc) Trigger(ctx context.Context, d delivery.Delivery) error { return f(ctx, d) }

// Attempter is the in-process dispatch capability.
type Attempter interface {
	Attempt(ctx context.Context, deliveryID string) (dispatcher.Outcome, error)
}

// DispatchTrigger runs the attempt in the calling process.
type DispatchTrigger struct {
	Dispatcher Attempter
}

func (t DispatchTrigger) Trigger(ctx context.Context, d delivery.Delivery) error {
	_, err := t.Dispatcher.Attempt(ctx, d.ID)
	return err
}

// Result counts one pump cycle. Triggered and Failed refer to hand-offs;
// delivery success is recorded by the dispatcher.
type Result struct {
	Picked    int `json:"picked"`
	Triggered int `json:"triggered"`
	Failed    int `json:"failed"`
}

type Pump struct {
	store       delivery.Store
	trigger     Trigger
	concurrency int
	log         *logging.Logger
	now         func() time.Time
}

// Option configures a Pump.
type Option func(*Pump)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pump) { p.now = now }
}

// New returns a Pump that runs at most concurrency triggers at once.
func New(store delivery.Store, trigger Trigger, concurrency int, log *logging.Logger, opts ...Option) *Pump {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pump{store: store, trigger: trigger, concurrency: concurrency, log: log, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pump triggers up to limit due deliveries, oldest first. A failed hand-off
// is logged and counted; it never aborts the rest of the batch.
func (p *Pump) Pump(ctx context.Context, limit int) (Result, error) {
	if limit < 1 {
		return Result{}, fmt.Errorf("pump limit must be positive, got %d", limit)
	}
	ctx, span := tracing.StartSpan(ctx, "pump.run", attribute.Int("pump.limit", limit))
	defer span.End()

	due, err := p.store.ListDue(ctx, p.now(), limit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("list due deliveries: %w", err)
	}
	if len(due) == 0 {
		return Result{}, nil
	}

	var triggered, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, d := range due {
		g.Go(func() error {
			if err := p.trigger.Trigger(ctx, d); err != nil {
				failed.Add(1)
				p.log.WithContext(ctx).WithDelivery(d.ID).WithEndpoint(d.EndpointID).WithError(err).Error("pump trigger failed")
				return nil
			}
			triggered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Picked: len(due), Triggered: int(triggered.Load()), Failed: int(failed.Load())}
	metrics.RecordPump(res.Picked, res.Failed)
	span.SetAttributes(
		attribute.Int("pump.picked", res.Picked),
		attribute.Int("pump.triggered", res.Triggered),
		attribute.Int("pump.failed", res.Failed),
	)
	p.log.WithContext(ctx).WithFields(map[string]any{
		"picked":    res.Picked,
		"triggered": res.Triggered,
		"failed":    res.Failed,
	}).Info("pump cycle complete")
	return res, nil
}
