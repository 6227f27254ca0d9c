package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store owns all durable delivery state. Every mutation is a single-row,
// condition-guarded write so concurrent pumps, workers and reapers need no
// further coordination.
type Store interface {
	// CreateForEvent inserts one PENDING delivery per endpoint, skipping pairs
	// that already exist. It returns only the rows created by this call.
	CreateForEvent(ctx context.Context, eventID string, endpointIDs []string, now time.Time) ([]Delivery, error)
	Get(ctx context.Context, id string) (Delivery, error)
	// ListDue returns up to limit due deliveries, oldest created first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	// Claim moves a PENDING delivery to IN_FLIGHT and increments attempts.
	// It returns ErrClaimLost when the row is no longer PENDING.
	Claim(ctx context.Context, id string, now time.Time) (Delivery, error)
	// Finish records the outcome of the claimed attempt. It returns
	// ErrClaimLost when the row is no longer IN_FLIGHT at that attempt.
	Finish(ctx context.Context, c Completion) (Delivery, error)
	// ListStale returns IN_FLIGHT deliveries whose dispatch started before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Delivery, error)
	// Requeue returns a stale IN_FLIGHT delivery to PENDING, due at now. A
	// non-empty reason replaces lastError, since the abandoned attempt is the
	// latest one and its predecessor's error no longer describes the record.
	Requeue(ctx context.Context, id string, attempts int, reason string, now time.Time) error
	// Reset is the operator retry: FAILED -> PENDING with attempts zeroed.
	// It reports false when the delivery was not FAILED.
	Reset(ctx context.Context, id string, now time.Time) (bool, error)
	ResetFailedForEndpoint(ctx context.Context, endpointID string, now time.Time) (int, error)
	List(ctx context.Context, f ListFilter) (Page, error)
}

// EndpointRegistry is the read side of the externally-managed endpoint table,
// plus the secret write used by rotation.
type EndpointRegistry interface {
	GetEndpoint(ctx context.Context, id string) (Endpoint, error)
	ActiveEndpoints(ctx context.Context, clinicID, eventType string) ([]Endpoint, error)
	SetSecret(ctx context.Context, id, secret string) error
}

// EventStore keeps the immutable copy of each emitted event.
type EventStore interface {
	// SaveEvent inserts the event if absent and reports whether it was new.
	SaveEvent(ctx context.Context, e Event) (bool, error)
	GetEvent(ctx context.Context, id string) (Event, error)
}

// Completion describes the single write that ends an attempt.
type Completion struct {
	DeliveryID    string
	Attempts      int // attempt number returned by Claim
	Status        Status
	Code          *int
	Error         *string
	NextAttemptAt *time.Time
	At            time.Time
}

// Validate checks that c describes a legal IN_FLIGHT exit.
func (c Completion) Validate() error {
	if err := ValidateTransition(StatusInFlight, c.Status); err != nil {
		return err
	}
	if c.Status == StatusPending && c.NextAttemptAt == nil {
		return fmt.Errorf("%w: retry requires next attempt time", ErrInvalidTransition)
	}
	return nil
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ListFilter selects deliveries for the operator listing, newest first.
type ListFilter struct {
	EndpointID string
	EventID    string
	Status     Status
	Limit      int
	Cursor     string
}

// PageSize clamps Limit into [1, MaxPageSize].
func (f ListFilter) PageSize() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	}
	return f.Limit
}

// Page is one page of a listing. NextCursor is empty on the last page.
type Page struct {
	Deliveries []Delivery `json:"deliveries"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// EncodeCursor returns an opaque keyset cursor for (createdAt, id).
func EncodeCursor(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UTC().UnixNano(), 10) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	ts, id, ok := strings.Cut(string(b), ":")
	if !ok || id == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return time.Unix(0, n).UTC(), id, nil
}
