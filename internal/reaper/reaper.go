// Package reaper recovers deliveries left IN_FLIGHT by a worker that died
// mid-attempt.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// DefaultBatch bounds how many stale records one pass examines.
const DefaultBatch = 500

// Result counts one reaper pass.
type Result struct {
	Recovered int `json:"recovered"`
	Exhausted int `json:"exhausted"`
}

type Reaper struct {
	store       delivery.Store
	maxAttempts int
	batch       int
	log         *logging.Logger
	now         func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithBatch overrides DefaultBatch.
func WithBatch(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.batch = n
		}
	}
}

// New returns a Reaper. Stale records that already used maxAttempts are
// failed instead of requeued.
func New(store delivery.Store, maxAttempts int, log *logging.Logger, opts ...Option) *Reaper {
	r := &Reaper{store: store, maxAttempts: maxAttempts, batch: DefaultBatch, log: log, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reap returns every delivery that has been IN_FLIGHT for longer than
// staleAfter to PENDING, due immediately. attempts is left as is: the lost
// attempt counts.
func (r *Reaper) Reap(ctx context.Context, staleAfter time.Duration) (Result, error) {
	if staleAfter <= 0 {
		return Result{}, fmt.Errorf("staleAfter must be positive, got %s", staleAfter)
	}
	ctx, span := tracing.StartSpan(ctx, "reaper.run", attribute.String("reaper.stale_after", staleAfter.String()))
	defer span.End()

	now := r.now()
	stale, err := r.store.ListStale(ctx, now.Add(-staleAfter), r.batch)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("list stale deliveries: %w", err)
	}

	var res Result
	for _, d := range stale {
		log := r.log.WithContext(ctx).WithDelivery(d.ID).WithEndpoint(d.EndpointID).WithField("attempt", d.Attempts)

		if r.maxAttempts > 0 && d.Attempts >= r.maxAttempts {
			reason := delivery.ReasonStaleExhausted
			_, err := r.store.Finish(ctx, delivery.Completion{
				DeliveryID: d.ID,
				Attempts:   d.Attempts,
				Status:     delivery.StatusFailed,
				Error:      &reason,
				At:         now,
			})
			if skip, err := r.settle(err); err != nil {
				return res, err
			} else if skip {
				continue
			}
			res.Exhausted++
			metrics.RecordFailed(reason)
			log.Warn("stale delivery out of attempts, marked failed")
			continue
		}

		err := r.store.Requeue(ctx, d.ID, d.Attempts, delivery.ReasonDispatchTimeout, now)
		if skip, err := r.settle(err); err != nil {
			return res, err
		} else if skip {
			continue
		}
		res.Recovered++
		log.Info("stale delivery requeued")
	}

	metrics.RecordReap(res.Recovered, res.Exhausted)
	span.SetAttributes(
		attribute.Int("reaper.recovered", res.Recovered),
		attribute.Int("reaper.exhausted", res.Exhausted),
	)
	if len(stale) > 0 {
		r.log.WithContext(ctx).WithFields(map[string]any{
			"recovered": res.Recovered,
			"exhausted": res.Exhausted,
		}).Info("reaper pass complete")
	}
	return res, nil
}

// settle reports whether a guarded write lost to a concurrent finish, which
// is expected: the worker came back after all.
func (r *Reaper) settle(err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, delivery.ErrClaimLost), errors.Is(err, delivery.ErrNotFound):
		return true, nil
	}
	return false, fmt.Errorf("recover stale delivery: %w", err)
}
