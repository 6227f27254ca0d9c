// Package ops holds the operator actions: secret rotation, manual retries and
// the read-only delivery listing.
package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signature"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// RetryResult reports a manual retry. Reset is false when the delivery was
// not FAILED, which leaves it untouched.
type RetryResult struct {
	Delivery delivery.Delivery `json:"delivery"`
	Reset    bool              `json:"reset"`
}

type Service struct {
	deliveries delivery.Store
	endpoints  delivery.EndpointRegistry
	log        *logging.Logger
	now        func() time.Time
	secrets    func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSecretGenerator overrides signature.GenerateSecret.
func WithSecretGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.secrets = gen }
}

func NewService(deliveries delivery.Store, endpoints delivery.EndpointRegistry, log *logging.Logger, opts ...Option) *Service {
	s := &Service{
		deliveries: deliveries,
		endpoints:  endpoints,
		log:        log,
		now:        time.Now,
		secrets:    signature.GenerateSecret,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RotateSecret replaces an endpoint's signing secret and returns the new one.
// Attempts sign at send time, so anything not yet sent picks it up.
func (s *Service) RotateSecret(ctx context.Context, endpointID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ops.rotate_secret", tracing.AttrEndpointID.String(endpointID))
	defer span.End()

	secret, err := s.secrets()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", fmt.Errorf("generate secret: %w", err)
	}
	if err := s.endpoints.SetSecret(ctx, endpointID, secret); err != nil {
		tracing.SetSpanError(ctx, err)
		return "", fmt.Errorf("rotate secret for endpoint %s: %w", endpointID, err)
	}
	s.log.WithContext(ctx).WithEndpoint(endpointID).Info("endpoint secret rotated")
	return secret, nil
}

// RetryDelivery resets one FAILED delivery to PENDING with attempts zeroed and
// makes it due now. Repeating the call is harmless.
func (s *Service) RetryDelivery(ctx context.Context, deliveryID string) (RetryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ops.retry_delivery", tracing.AttrDeliveryID.String(deliveryID))
	defer span.End()

	reset, err := s.deliveries.Reset(ctx, deliveryID, s.now())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return RetryResult{}, fmt.Errorf("retry delivery %s: %w", deliveryID, err)
	}
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("get delivery %s: %w", deliveryID, err)
	}
	if reset {
		metrics.RecordOperatorRetry("delivery", 1)
		s.log.WithContext(ctx).WithDelivery(deliveryID).WithEndpoint(d.EndpointID).Info("delivery reset for retry")
	}
	return RetryResult{Delivery: d, Reset: reset}, nil
}

// RetryFailedForEndpoint resets every FAILED delivery of an endpoint.
func (s *Service) RetryFailedForEndpoint(ctx context.Context, endpointID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "ops.retry_failed_for_endpoint", tracing.AttrEndpointID.String(endpointID))
	defer span.End()

	if _, err := s.endpoints.GetEndpoint(ctx, endpointID); err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("retry endpoint %s: %w", endpointID, err)
	}
	n, err := s.deliveries.ResetFailedForEndpoint(ctx, endpointID, s.now())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("retry endpoint %s: %w", endpointID, err)
	}
	metrics.RecordOperatorRetry("endpoint", n)
	s.log.WithContext(ctx).WithEndpoint(endpointID).WithField("reset", n).Info("failed deliveries reset for retry")
	return n, nil
}

func (s *Service) GetDelivery(ctx context.Context, deliveryID string) (delivery.Delivery, error) {
	return s.deliveries.Get(ctx, deliveryID)
}

// ListDeliveries pages through deliveries newest first.
func (s *Service) ListDeliveries(ctx context.Context, f delivery.ListFilter) (delivery.Page, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return delivery.Page{}, fmt.Errorf("%w: %q", delivery.ErrInvalidStatus, f.Status)
	}
	return s.deliveries.List(ctx, f)
}
