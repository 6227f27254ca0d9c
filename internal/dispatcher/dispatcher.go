// Package dispatcher performs single delivery attempts: claim, sign, send and
// record the outcome.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/backoff"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signature"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Attempt outcomes used as metric labels.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Headers names the outbound request headers.
type Headers struct {
	Signature  string
	Timestamp  string
	DeliveryID string
	EventID    string
	EventType  string
}

// DefaultHeaders returns the standard X-HarborRelay-* header names.
func DefaultHeaders() Headers {
	return Headers{
		Signature:  "X-HarborRelay-Signature",
		Timestamp:  "X-HarborRelay-Timestamp",
		DeliveryID: "X-HarborRelay-Delivery-Id",
		EventID:    "X-HarborRelay-Event-Id",
		EventType:  "X-HarborRelay-Event-Type",
	}
}

// Config holds the retry policy and wire details.
type Config struct {
	MaxAttempts int
	Backoff     backoff.Policy
	Headers     Headers
	UserAgent   string
}

// ConfigFrom maps the env-driven dispatch section onto a Config.
func ConfigFrom(c config.Dispatch) Config {
	return Config{
		MaxAttempts: c.MaxAttempts,
		Backoff: backoff.Policy{
			Base:      c.BackoffBase,
			Max:       c.BackoffMax,
			JitterPct: c.JitterPercent,
		},
		Headers: Headers{
			Signature:  c.SignatureHeader,
			Timestamp:  c.TimestampHeader,
			DeliveryID: c.DeliveryHeader,
			EventID:    c.EventHeader,
			EventType:  c.EventTypeHeader,
		},
		UserAgent: c.UserAgent,
	}
}

// DeadLetterSink receives a copy of every delivery that ends FAILED.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// Outcome is the result of one Attempt.
type Outcome struct {
	DeliveryID    string
	Status        delivery.Status
	Attempts      int
	Code          int
	Reason        string
	NextAttemptAt *time.Time
	Latency       time.Duration
	// Skipped is set when the claim was lost to another worker, or when the
	// attempt's result could not be recorded because the record moved on.
	Skipped bool
}

// Dispatcher runs delivery attempts against the store.
type Dispatcher struct {
	cfg       Config
	store     delivery.Store
	endpoints delivery.EndpointRegistry
	events    delivery.EventStore
	senders   map[string]Sender
	dlq       DeadLetterSink
	log       *logging.Logger
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSender registers the transport used for endpoints of kind.
func WithSender(kind string, s Sender) Option {
	return func(d *Dispatcher) { d.senders[kind] = s }
}

// WithDeadLetterSink publishes FAILED deliveries to sink.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(d *Dispatcher) { d.dlq = sink }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(cfg Config, store delivery.Store, endpoints delivery.EndpointRegistry, events delivery.EventStore, log *logging.Logger, opts ...Option) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Headers == (Headers{}) {
		cfg.Headers = DefaultHeaders()
	}
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		endpoints: endpoints,
		events:    events,
		senders:   make(map[string]Sender),
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromConfig builds a Dispatcher whose webhook transport is configured
// from c. Later options may override the webhook sender.
func NewFromConfig(c config.Dispatch, store delivery.Store, endpoints delivery.EndpointRegistry, events delivery.EventStore, log *logging.Logger, opts ...Option) *Dispatcher {
	sender := NewWebhookSender(c.RequestTimeout, WithHostRate(c.PerHostRate, c.PerHostBurst))
	opts = append([]Option{WithSender(delivery.KindWebhook, sender)}, opts...)
	return New(ConfigFrom(c), store, endpoints, events, log, opts...)
}

// Attempt makes one delivery attempt. Expected failures (receiver errors,
// transport errors, missing endpoint or event) are recorded on the delivery
// and reported through the Outcome; only store errors are returned.
func (d *Dispatcher) Attempt(ctx context.Context, deliveryID string) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.attempt", tracing.AttrDeliveryID.String(deliveryID))
	defer span.End()

	claimed, err := d.store.Claim(ctx, deliveryID, d.now())
	if errors.Is(err, delivery.ErrClaimLost) {
		tracing.AddSpanEvent(ctx, "delivery.claim_lost")
		metrics.RecordAttempt(OutcomeSkipped, 0)
		return Outcome{DeliveryID: deliveryID, Skipped: true}, nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Outcome{DeliveryID: deliveryID}, fmt.Errorf("claim delivery %s: %w", deliveryID, err)
	}
	span.SetAttributes(
		tracing.AttrEventID.String(claimed.EventID),
		tracing.AttrEndpointID.String(claimed.EndpointID),
		tracing.AttrAttempt.Int(claimed.Attempts),
	)

	ep, evt, sender, reason, err := d.resolve(ctx, claimed)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Outcome{DeliveryID: deliveryID, Attempts: claimed.Attempts}, err
	}
	if reason != "" {
		return d.fail(ctx, claimed, ep.ClinicID, reason, nil, reason, 0)
	}
	span.SetAttributes(
		tracing.AttrClinicID.String(ep.ClinicID),
		tracing.AttrEventType.String(evt.Type),
	)

	var body bytes.Buffer
	if err := json.Compact(&body, evt.Payload); err != nil {
		return d.fail(ctx, claimed, ep.ClinicID, delivery.ReasonInvalidPayload, nil, delivery.ReasonInvalidPayload, 0)
	}

	tracing.AddSpanEvent(ctx, "http.sign_request")
	msg := d.message(ctx, claimed, ep, evt, body.Bytes())

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	resp, sendErr := sender.Send(ctx, msg)
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", resp.Latency.Milliseconds()),
	)

	if sendErr == nil && resp.OK() {
		return d.deliver(ctx, claimed, resp)
	}

	reason = classifyReason(sendErr, resp.StatusCode)
	span.SetAttributes(attribute.String("failure_reason", reason))
	lastErr := describeFailure(sendErr, resp.StatusCode)
	var code *int
	if resp.StatusCode > 0 {
		code = &resp.StatusCode
	}

	if claimed.Attempts >= d.cfg.MaxAttempts {
		return d.fail(ctx, claimed, ep.ClinicID, delivery.ReasonMaxAttempts, code, lastErr, resp.Latency)
	}
	return d.retry(ctx, claimed, reason, code, lastErr, resp.Latency)
}

// resolve loads what the attempt needs. A non-empty reason means the delivery
// cannot be sent and must fail without retry.
func (d *Dispatcher) resolve(ctx context.Context, claimed delivery.Delivery) (delivery.Endpoint, delivery.Event, Sender, string, error) {
	ep, err := d.endpoints.GetEndpoint(ctx, claimed.EndpointID)
	switch {
	case errors.Is(err, delivery.ErrEndpointNotFound):
		return ep, delivery.Event{}, nil, delivery.ReasonEndpointNotFound, nil
	case err != nil:
		return ep, delivery.Event{}, nil, "", fmt.Errorf("get endpoint %s: %w", claimed.EndpointID, err)
	case !ep.IsActive:
		return ep, delivery.Event{}, nil, delivery.ReasonEndpointInactive, nil
	}

	evt, err := d.events.GetEvent(ctx, claimed.EventID)
	switch {
	case errors.Is(err, delivery.ErrEventNotFound):
		return ep, evt, nil, delivery.ReasonEventNotFound, nil
	case err != nil:
		return ep, evt, nil, "", fmt.Errorf("get event %s: %w", claimed.EventID, err)
	}

	sender, ok := d.senders[ep.TransportKind()]
	if !ok {
		return ep, evt, nil, delivery.ReasonUnsupportedTransport, nil
	}
	return ep, evt, sender, "", nil
}

func (d *Dispatcher) message(ctx context.Context, claimed delivery.Delivery, ep delivery.Endpoint, evt delivery.Event, body []byte) Message {
	ts := d.now().Unix()
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if d.cfg.UserAgent != "" {
		h.Set("User-Agent", d.cfg.UserAgent)
	}
	h.Set(d.cfg.Headers.Signature, signature.Sign(ep.Secret, ts, body))
	h.Set(d.cfg.Headers.Timestamp, strconv.FormatInt(ts, 10))
	h.Set(d.cfg.Headers.DeliveryID, claimed.ID)
	h.Set(d.cfg.Headers.EventID, evt.ID)
	h.Set(d.cfg.Headers.EventType, evt.Type)
	tracing.InjectHTTP(ctx, h)
	return Message{URL: ep.URL, Body: body, Headers: h}
}

func (d *Dispatcher) deliver(ctx context.Context, claimed delivery.Delivery, resp Response) (Outcome, error) {
	code := resp.StatusCode
	out := Outcome{
		DeliveryID: claimed.ID,
		Status:     delivery.StatusDelivered,
		Attempts:   claimed.Attempts,
		Code:       code,
		Latency:    resp.Latency,
	}
	tracing.AddSpanEvent(ctx, "delivery.success")
	if skipped, err := d.finish(ctx, claimed, delivery.Completion{
		Status: delivery.StatusDelivered,
		Code:   &code,
	}); err != nil || skipped {
		out.Skipped = skipped
		return out, err
	}
	metrics.RecordAttempt(OutcomeDelivered, resp.Latency)
	d.log.WithContext(ctx).WithDelivery(claimed.ID).WithEndpoint(claimed.EndpointID).WithFields(map[string]any{
		"attempt":     claimed.Attempts,
		"status_code": code,
		"latency_ms":  resp.Latency.Milliseconds(),
	}).Info("delivery succeeded")
	return out, nil
}

func (d *Dispatcher) retry(ctx context.Context, claimed delivery.Delivery, reason string, code *int, lastErr string, latency time.Duration) (Outcome, error) {
	next := d.cfg.Backoff.Next(d.now(), claimed.Attempts)
	out := Outcome{
		DeliveryID:    claimed.ID,
		Status:        delivery.StatusPending,
		Attempts:      claimed.Attempts,
		Reason:        reason,
		NextAttemptAt: &next,
		Latency:       latency,
	}
	if code != nil {
		out.Code = *code
	}
	tracing.AddSpanEvent(ctx, "delivery.retry",
		attribute.Int("attempt", claimed.Attempts),
		attribute.String("next_attempt_at", next.UTC().Format(time.RFC3339)),
	)
	if skipped, err := d.finish(ctx, claimed, delivery.Completion{
		Status:        delivery.StatusPending,
		Code:          code,
		Error:         &lastErr,
		NextAttemptAt: &next,
	}); err != nil || skipped {
		out.Skipped = skipped
		return out, err
	}
	metrics.RecordAttempt(OutcomeRetry, latency)
	metrics.RecordRetry(reason)
	d.log.WithContext(ctx).WithDelivery(claimed.ID).WithEndpoint(claimed.EndpointID).WithFields(map[string]any{
		"attempt":         claimed.Attempts,
		"reason":          reason,
		"next_attempt_at": next.UTC().Format(time.RFC3339),
	}).Warn("delivery attempt failed, retry scheduled")
	return out, nil
}

func (d *Dispatcher) fail(ctx context.Context, claimed delivery.Delivery, clinicID, reason string, code *int, lastErr string, latency time.Duration) (Outcome, error) {
	out := Outcome{
		DeliveryID: claimed.ID,
		Status:     delivery.StatusFailed,
		Attempts:   claimed.Attempts,
		Reason:     reason,
		Latency:    latency,
	}
	if code != nil {
		out.Code = *code
	}
	tracing.AddSpanEvent(ctx, "delivery.failed", attribute.String("reason", reason))
	c := delivery.Completion{Status: delivery.StatusFailed, Code: code, Error: &lastErr}
	final, skipped, err := d.finishRecord(ctx, claimed, c)
	if err != nil || skipped {
		out.Skipped = skipped
		return out, err
	}
	metrics.RecordAttempt(OutcomeFailed, latency)
	metrics.RecordFailed(reason)
	d.log.WithContext(ctx).WithDelivery(claimed.ID).WithEndpoint(claimed.EndpointID).WithClinic(clinicID).WithFields(map[string]any{
		"attempt": claimed.Attempts,
		"reason":  reason,
	}).Error("delivery failed")

	if d.dlq != nil {
		dl := delivery.NewDeadLetter(final, clinicID, reason, d.now())
		if err := d.dlq.PublishDeadLetter(ctx, dl); err != nil {
			tracing.SetSpanError(ctx, err)
			d.log.WithContext(ctx).WithDelivery(claimed.ID).WithError(err).Error("dead letter publish failed")
		} else {
			tracing.AddSpanEvent(ctx, "delivery.dead_lettered")
		}
	}
	return out, nil
}

func (d *Dispatcher) finish(ctx context.Context, claimed delivery.Delivery, c delivery.Completion) (bool, error) {
	_, skipped, err := d.finishRecord(ctx, claimed, c)
	return skipped, err
}

// finishRecord writes the completion guarded by the claimed attempt number.
// A lost guard means the reaper or an operator moved the record on while the
// request was out; the late result is dropped.
func (d *Dispatcher) finishRecord(ctx context.Context, claimed delivery.Delivery, c delivery.Completion) (delivery.Delivery, bool, error) {
	c.DeliveryID = claimed.ID
	c.Attempts = claimed.Attempts
	c.At = d.now()

	final, err := d.store.Finish(ctx, c)
	if errors.Is(err, delivery.ErrClaimLost) {
		tracing.AddSpanEvent(ctx, "delivery.late_result_dropped")
		metrics.RecordAttempt(OutcomeSkipped, 0)
		d.log.WithContext(ctx).WithDelivery(claimed.ID).WithFields(map[string]any{
			"attempt": claimed.Attempts,
			"status":  c.Status.String(),
		}).Warn("delivery moved on during attempt, result dropped")
		return final, true, nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return final, false, fmt.Errorf("finish delivery %s: %w", claimed.ID, err)
	}
	return final, false, nil
}

// classifyReason buckets a failed attempt for metrics.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		switch {
		case strings.Contains(errLower, "timeout"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns"):
			return "dns_error"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	case status >= 300:
		return "http_3xx"
	}
	return "other"
}

// describeFailure is the lastError text recorded on the delivery.
func describeFailure(doErr error, status int) string {
	if doErr != nil {
		return doErr.Error()
	}
	return fmt.Sprintf("unexpected status %d", status)
}
