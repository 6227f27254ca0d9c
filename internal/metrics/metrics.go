package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_events_ingested_total",
			Help: "Total number of events accepted for delivery.",
		},
	)

	DeliveriesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_created_total",
			Help: "Total number of delivery records created.",
		},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_delivery_attempts_total",
			Help: "Total number of dispatch attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, retry, failed, skipped
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_delivery_latency_seconds",
			Help:    "Outbound request latency per attempt.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	FailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_failed_total",
			Help: "Total number of deliveries that reached FAILED, by reason.",
		},
		[]string{"reason"},
	)

	PumpPickedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_pump_picked_total",
			Help: "Total number of due deliveries picked by the pump.",
		},
	)

	PumpTriggerFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_pump_trigger_failures_total",
			Help: "Total number of pump hand-offs that errored.",
		},
	)

	ReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_reaped_total",
			Help: "Total number of stale in-flight deliveries recovered by the reaper.",
		},
		[]string{"result"}, // requeued, exhausted
	)

	OperatorRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_operator_retries_total",
			Help: "Total number of FAILED deliveries reset by an operator.",
		},
		[]string{"scope"}, // delivery, endpoint
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_queue_backlog",
			Help: "Tasks waiting on the worker channel of the task topic.",
		},
	)

	ChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	ChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsIngestedTotal,
		DeliveriesCreatedTotal,
		DeliveryAttemptsTotal,
		DeliveryLatency,
		RetriesTotal,
		FailedTotal,
		PumpPickedTotal,
		PumpTriggerFailuresTotal,
		ReapedTotal,
		OperatorRetriesTotal,
		QueueBacklog,
		ChannelDepth,
		ChannelInFlight,
	)
}

// RecordIngest counts one accepted event and the deliveries it fanned out to.
func RecordIngest(created int) {
	EventsIngestedTotal.Inc()
	DeliveriesCreatedTotal.Add(float64(created))
}

// RecordAttempt counts a finished attempt. latency is skipped when zero,
// which is the case for attempts that never reached the network.
func RecordAttempt(outcome string, latency time.Duration) {
	DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordFailed(reason string) {
	FailedTotal.WithLabelValues(reason).Inc()
}

func RecordPump(picked, failed int) {
	PumpPickedTotal.Add(float64(picked))
	PumpTriggerFailuresTotal.Add(float64(failed))
}

func RecordReap(requeued, exhausted int) {
	ReapedTotal.WithLabelValues("requeued").Add(float64(requeued))
	ReapedTotal.WithLabelValues("exhausted").Add(float64(exhausted))
}

func RecordOperatorRetry(scope string, n int) {
	OperatorRetriesTotal.WithLabelValues(scope).Add(float64(n))
}

// RecordChannel publishes the depth and in-flight count of one channel.
func RecordChannel(topic, channel string, depth, inFlight int64) {
	ChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	ChannelInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
}
