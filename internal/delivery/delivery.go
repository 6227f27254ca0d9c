package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a Delivery.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Failure reasons recorded in lastError for non-retryable outcomes.
const (
	ReasonEndpointInactive     = "endpoint_inactive"
	ReasonEndpointNotFound     = "endpoint_not_found"
	ReasonEventNotFound        = "event_not_found"
	ReasonUnsupportedTransport = "unsupported_transport"
	ReasonInvalidPayload       = "invalid_payload"
	ReasonMaxAttempts          = "max_attempts_exhausted"
	ReasonDispatchTimeout      = "dispatch_timeout"
	ReasonStaleExhausted       = "stale_in_flight_exhausted"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// IsValid reports whether s is one of the known lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no automatic transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// CanTransitionTo reports whether the engine may move a delivery from s to next.
// The operator reset of a FAILED delivery is not part of this graph; see CanReset.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInFlight
	case StatusInFlight:
		return next == StatusDelivered || next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

// CanReset reports whether an operator retry may move s back to PENDING.
func (s Status) CanReset() bool {
	return s == StatusFailed
}

func (s Status) String() string { return string(s) }

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Delivery tracks the attempt series for one (event, endpoint) pair.
type Delivery struct {
	ID                string     `json:"id"`
	EndpointID        string     `json:"endpoint_id"`
	EventID           string     `json:"event_id"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	LastCode          *int       `json:"last_code,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	DispatchStartedAt *time.Time `json:"dispatch_started_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsDue reports whether the delivery may be claimed at now.
func (d Delivery) IsDue(now time.Time) bool {
	if d.Status != StatusPending {
		return false
	}
	return d.NextAttemptAt == nil || !d.NextAttemptAt.After(now)
}

// IsStale reports whether an IN_FLIGHT delivery started before cutoff.
func (d Delivery) IsStale(cutoff time.Time) bool {
	return d.Status == StatusInFlight && d.DispatchStartedAt != nil && d.DispatchStartedAt.Before(cutoff)
}

// Event is an immutable business event emitted by the application.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ClinicID  string          `json:"clinic_id"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate checks the fields the engine relies on.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	case e.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	case e.ClinicID == "":
		return fmt.Errorf("%w: clinic_id is required", ErrInvalidEvent)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	case !json.Valid(e.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}
	return nil
}

// KindWebhook is the HTTP POST transport.
const KindWebhook = "webhook"

// Endpoint is a clinic-registered destination with its own signing secret.
type Endpoint struct {
	ID         string   `json:"id"`
	ClinicID   string   `json:"clinic_id"`
	URL        string   `json:"url"`
	Secret     string   `json:"-"`
	IsActive   bool     `json:"is_active"`
	Kind       string   `json:"kind"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Subscribes reports whether the endpoint wants events of eventType.
// An empty EventTypes list subscribes to everything.
func (e Endpoint) Subscribes(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// TransportKind returns Kind, defaulting to webhook.
func (e Endpoint) TransportKind() string {
	if e.Kind == "" {
		return KindWebhook
	}
	return e.Kind
}
