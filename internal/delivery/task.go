package delivery

// Task is the work item handed from the pump to a dispatch worker.
// Only identifiers travel; the worker re-reads state from the store.
type Task struct {
	DeliveryID   string            `json:"delivery_id"`
	EventID      string            `json:"event_id"`
	EndpointID   string            `json:"endpoint_id"`
	Attempts     int               `json:"attempts"`
	EnqueuedAt   string            `json:"enqueued_at"`             // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // W3C trace context
}

// TaskFor builds a Task from a claimed-to-be-due delivery.
func TaskFor(d Delivery, enqueuedAt string, traceHeaders map[string]string) Task {
	return Task{
		DeliveryID:   d.ID,
		EventID:      d.EventID,
		EndpointID:   d.EndpointID,
		Attempts:     d.Attempts,
		EnqueuedAt:   enqueuedAt,
		TraceHeaders: traceHeaders,
	}
}
