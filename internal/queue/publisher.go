// Package queue carries delivery tasks and dead letters over NSQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Producer is the part of *nsq.Producer the publisher uses.
type Producer interface {
	Publish(topic string, body []byte) error
	Ping() error
}

// Publisher hands due deliveries to workers and announces failed ones.
type Publisher struct {
	producer  Producer
	taskTopic string
	deadTopic string
	log       *logging.Logger
	now       func() time.Time

	// The pump does not claim in nsq mode, so a PENDING row stays due until
	// a worker picks it up. sent remembers recent tasks so an idle or down
	// worker pool is not buried under one duplicate per row per cycle.
	window    time.Duration
	mu        sync.Mutex
	sent      map[string]sentTask
	lastSweep time.Time
}

type sentTask struct {
	attempts int
	at       time.Time
}

func NewPublisher(p Producer, cfg config.NSQ, log *logging.Logger) *Publisher {
	return &Publisher{
		producer:  p,
		taskTopic: cfg.TasksTopic,
		deadTopic: cfg.DeadTopic,
		log:       log,
		now:       time.Now,
		window:    cfg.RepublishAfter,
		sent:      make(map[string]sentTask),
	}
}

// NewProducer connects a producer to nsqd. Connection is lazy, so Ping is
// used to fail fast on a bad address.
func NewProducer(cfg config.NSQ, log *logging.Logger) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLogger(NSQLogger{L: log}, nsq.LogLevelWarning)
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return nil, fmt.Errorf("nsq producer ping %s: %w", cfg.NsqdTCPAddr, err)
	}
	return prod, nil
}

// Trigger publishes a task for d. The worker claims the delivery itself, so
// a duplicate or stale task is harmless. A task already published for the
// same attempt within the republish window is not sent again.
func (p *Publisher) Trigger(ctx context.Context, d delivery.Delivery) error {
	ctx, span := tracing.StartSpan(ctx, "queue.publish_task",
		tracing.AttrDeliveryID.String(d.ID),
		tracing.AttrEndpointID.String(d.EndpointID),
	)
	defer span.End()

	now := p.now()
	if p.recentlySent(d, now) {
		tracing.AddSpanEvent(ctx, "nsq.task_suppressed")
		p.log.WithContext(ctx).WithDelivery(d.ID).Debug("task published recently, not re-sent")
		return nil
	}

	task := delivery.TaskFor(d, now.UTC().Format(time.RFC3339), tracing.PropagateTraceToNSQ(ctx))
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := p.producer.Publish(p.taskTopic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish task %s: %w", d.ID, err)
	}
	p.markSent(d, now)
	tracing.AddSpanEvent(ctx, "nsq.published_task")
	return nil
}

// recentlySent reports whether a task for d's current attempt went out less
// than one window ago. A new attempt count means the row moved on through a
// claim, so it is always published.
func (p *Publisher) recentlySent(d delivery.Delivery, now time.Time) bool {
	if p.window <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sent[d.ID]
	return ok && s.attempts == d.Attempts && now.Sub(s.at) < p.window
}

func (p *Publisher) markSent(d delivery.Delivery, now time.Time) {
	if p.window <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[d.ID] = sentTask{attempts: d.Attempts, at: now}
	if now.Sub(p.lastSweep) < p.window {
		return
	}
	for id, s := range p.sent {
		if now.Sub(s.at) >= p.window {
			delete(p.sent, id)
		}
	}
	p.lastSweep = now
}

// PublishDeadLetter emits the envelope on the dead-letter topic.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.producer.Publish(p.deadTopic, body); err != nil {
		return fmt.Errorf("publish dead letter %s: %w", dl.DeliveryID, err)
	}
	p.log.WithContext(ctx).WithDelivery(dl.DeliveryID).WithField("topic", p.deadTopic).Info("dead letter published")
	return nil
}

// Ping checks the nsqd connection.
func (p *Publisher) Ping(_ context.Context) error {
	return p.producer.Ping()
}

// NSQLogger routes go-nsq's internal logging into the structured logger.
type NSQLogger struct {
	L *logging.Logger
}

func (n NSQLogger) Output(_ int, s string) error {
	n.L.Plain().WithField("component", "nsq").Warn(s)
	return nil
}
