package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatcher"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// DefaultRequeueDelay is how long nsqd holds a task back after the worker
// could not reach the store.
const DefaultRequeueDelay = 5 * time.Second

// Attempter runs one delivery attempt.
type Attempter interface {
	Attempt(ctx context.Context, deliveryID string) (dispatcher.Outcome, error)
}

// Handler consumes delivery tasks. A task only says "try this delivery now";
// retry timing lives on the delivery record, so the handler finishes the
// message whatever the delivery outcome and requeues only on store errors.
type Handler struct {
	dispatcher   Attempter
	log          *logging.Logger
	requeueDelay time.Duration
}

func NewHandler(d Attempter, log *logging.Logger) *Handler {
	return &Handler{dispatcher: d, log: log, requeueDelay: DefaultRequeueDelay}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	var t delivery.Task
	if err := json.Unmarshal(m.Body, &t); err != nil || t.DeliveryID == "" {
		h.log.Plain().WithError(err).WithField("body", string(m.Body)).Error("bad task payload")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.task",
		tracing.AttrDeliveryID.String(t.DeliveryID),
		tracing.AttrEndpointID.String(t.EndpointID),
		tracing.AttrEventID.String(t.EventID),
	)
	defer span.End()

	out, err := h.dispatcher.Attempt(ctx, t.DeliveryID)
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		h.log.WithContext(ctx).WithDelivery(t.DeliveryID).Warn("task for unknown delivery dropped")
		m.Finish()
	case err != nil:
		tracing.SetSpanError(ctx, err)
		h.log.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).WithField("nsq_attempts", m.Attempts).Error("attempt failed, requeueing task")
		m.Requeue(h.requeueDelay)
	default:
		h.log.WithContext(ctx).WithDelivery(t.DeliveryID).WithFields(map[string]any{
			"status":  out.Status.String(),
			"attempt": out.Attempts,
			"skipped": out.Skipped,
		}).Debug("task handled")
		m.Finish()
	}
	return nil
}

// NewConsumer builds a consumer on the task topic running concurrency
// handlers. The caller connects it.
func NewConsumer(cfg config.NSQ, h nsq.Handler, concurrency int, log *logging.Logger) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.TasksTopic, cfg.WorkerChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(NSQLogger{L: log}, nsq.LogLevelWarning)
	if concurrency < 1 {
		concurrency = 1
	}
	consumer.AddConcurrentHandlers(h, concurrency)
	return consumer, nil
}
