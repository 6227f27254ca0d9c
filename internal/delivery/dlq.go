package delivery

import "time"

const DeadLetterType = "delivery.failed"

// DeadLetter is published when a delivery reaches FAILED.
type DeadLetter struct {
	Type       string `json:"type"`    // "delivery.failed"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339Nano
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts"`
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	DeliveryID string `json:"delivery_id"`
	EventID    string `json:"event_id"`
	EndpointID string `json:"endpoint_id"`
	ClinicID   string `json:"clinic_id,omitempty"`
}

func NewDeadLetter(d Delivery, clinicID, reason string, at time.Time) DeadLetter {
	dl := DeadLetter{
		Type:       DeadLetterType,
		Version:    "v1",
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempts:   d.Attempts,
		DeliveryID: d.ID,
		EventID:    d.EventID,
		EndpointID: d.EndpointID,
		ClinicID:   clinicID,
	}
	if d.LastCode != nil {
		dl.HTTPStatus = *d.LastCode
	}
	if d.LastError != nil {
		dl.LastError = *d.LastError
	}
	return dl
}
