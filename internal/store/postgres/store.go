// Package postgres implements the delivery store, endpoint registry and event
// store on top of pgx. Every state change is one UPDATE whose WHERE clause
// carries the expected prior state, so concurrent pumps, workers and reapers
// settle races in the database without locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

var (
	_ delivery.Store            = (*Store)(nil)
	_ delivery.EndpointRegistry = (*Store)(nil)
	_ delivery.EventStore       = (*Store)(nil)
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

var _ DB = (*pgxpool.Pool)(nil)

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const deliveryColumns = `id, endpoint_id, event_id, status, attempts, last_code, last_error,
	next_attempt_at, dispatch_started_at, delivered_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (delivery.Delivery, error) {
	var (
		d      delivery.Delivery
		status string
	)
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &status, &d.Attempts, &d.LastCode, &d.LastError,
		&d.NextAttemptAt, &d.DispatchStartedAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return delivery.Delivery{}, err
	}
	d.Status = delivery.Status(status)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	for _, t := range []*time.Time{d.NextAttemptAt, d.DispatchStartedAt, d.DeliveredAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return d, nil
}

func collectDeliveries(rows pgx.Rows) ([]delivery.Delivery, error) {
	defer rows.Close()
	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ──────────────────────────────────────────────────
// Delivery Store
// ──────────────────────────────────────────────────

func (s *Store) CreateForEvent(ctx context.Context, eventID string, endpointIDs []string, now time.Time) ([]delivery.Delivery, error) {
	if len(endpointIDs) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var created []delivery.Delivery
	for _, epID := range endpointIDs {
		d, err := scanDelivery(tx.QueryRow(ctx, `
			INSERT INTO harborrelay.deliveries (id, event_id, endpoint_id, status, attempts, created_at, updated_at)
			VALUES ($1, $2, $3, 'PENDING', 0, $4, $4)
			ON CONFLICT (event_id, endpoint_id) DO NOTHING
			RETURNING `+deliveryColumns,
			uuid.NewString(), eventID, epID, now.UTC()))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert delivery for endpoint %s: %w", epID, err)
		}
		created = append(created, d)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) Get(ctx context.Context, id string) (delivery.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM harborrelay.deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	return d, err
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]delivery.Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM harborrelay.deliveries
		WHERE status = 'PENDING'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectDeliveries(rows)
}

// exists resolves an UPDATE that matched nothing into ErrNotFound or ErrClaimLost.
func (s *Store) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM harborrelay.deliveries WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.ErrNotFound
	}
	if err != nil {
		return err
	}
	return delivery.ErrClaimLost
}

func (s *Store) Claim(ctx context.Context, id string, now time.Time) (delivery.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx, `
		UPDATE harborrelay.deliveries
		SET status = 'IN_FLIGHT',
		    attempts = attempts + 1,
		    dispatch_started_at = $2,
		    updated_at = $2
		WHERE id = $1
		  AND status = 'PENDING'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		RETURNING `+deliveryColumns, id, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Delivery{}, s.exists(ctx, id)
	}
	return d, err
}

func (s *Store) Finish(ctx context.Context, c delivery.Completion) (delivery.Delivery, error) {
	if err := c.Validate(); err != nil {
		return delivery.Delivery{}, err
	}
	var next *time.Time
	if c.Status == delivery.StatusPending {
		t := c.NextAttemptAt.UTC()
		next = &t
	}
	at := c.At.UTC()

	d, err := scanDelivery(s.db.QueryRow(ctx, `
		UPDATE harborrelay.deliveries
		SET status = $3,
		    last_code = $4,
		    last_error = $5,
		    next_attempt_at = $6,
		    delivered_at = CASE WHEN $3 = 'DELIVERED' THEN $7::timestamptz ELSE delivered_at END,
		    updated_at = $7
		WHERE id = $1
		  AND status = 'IN_FLIGHT'
		  AND attempts = $2
		RETURNING `+deliveryColumns,
		c.DeliveryID, c.Attempts, string(c.Status), c.Code, c.Error, next, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Delivery{}, s.exists(ctx, c.DeliveryID)
	}
	return d, err
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]delivery.Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM harborrelay.deliveries
		WHERE status = 'IN_FLIGHT'
		  AND dispatch_started_at < $1
		ORDER BY dispatch_started_at ASC, id ASC
		LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectDeliveries(rows)
}

func (s *Store) Requeue(ctx context.Context, id string, attempts int, reason string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE harborrelay.deliveries
		SET status = 'PENDING',
		    next_attempt_at = $3,
		    last_error = COALESCE(NULLIF($4, ''), last_error),
		    updated_at = $3
		WHERE id = $1
		  AND status = 'IN_FLIGHT'
		  AND attempts = $2`, id, attempts, now.UTC(), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

func (s *Store) Reset(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE harborrelay.deliveries
		SET status = 'PENDING', attempts = 0, next_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'FAILED'`, id, now.UTC())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// zero rows: either missing or not FAILED
	if err := s.exists(ctx, id); !errors.Is(err, delivery.ErrClaimLost) {
		return false, err
	}
	return false, nil
}

func (s *Store) ResetFailedForEndpoint(ctx context.Context, endpointID string, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE harborrelay.deliveries
		SET status = 'PENDING', attempts = 0, next_attempt_at = $2, updated_at = $2
		WHERE endpoint_id = $1 AND status = 'FAILED'`, endpointID, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) List(ctx context.Context, f delivery.ListFilter) (delivery.Page, error) {
	var (
		afterTime *time.Time
		afterID   *string
	)
	if f.Cursor != "" {
		t, id, err := delivery.DecodeCursor(f.Cursor)
		if err != nil {
			return delivery.Page{}, err
		}
		afterTime, afterID = &t, &id
	}
	size := f.PageSize()

	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM harborrelay.deliveries
		WHERE ($1::text IS NULL OR endpoint_id = $1)
		  AND ($2::text IS NULL OR event_id = $2)
		  AND ($3::text IS NULL OR status = $3)
		  AND ($4::timestamptz IS NULL OR (created_at, id) < ($4, $5::text))
		ORDER BY created_at DESC, id DESC
		LIMIT $6`,
		nullable(f.EndpointID), nullable(f.EventID), nullable(string(f.Status)), afterTime, afterID, size+1)
	if err != nil {
		return delivery.Page{}, err
	}
	ds, err := collectDeliveries(rows)
	if err != nil {
		return delivery.Page{}, err
	}

	page := delivery.Page{Deliveries: ds}
	if len(ds) > size {
		page.Deliveries = ds[:size]
		last := page.Deliveries[size-1]
		page.NextCursor = delivery.EncodeCursor(last.CreatedAt, last.ID)
	}
	if page.Deliveries == nil {
		page.Deliveries = []delivery.Delivery{}
	}
	return page, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ──────────────────────────────────────────────────
// Endpoint Registry
// ──────────────────────────────────────────────────

const endpointColumns = `id, clinic_id, url, secret, is_active, kind, event_types`

func scanEndpoint(row pgx.Row) (delivery.Endpoint, error) {
	var ep delivery.Endpoint
	err := row.Scan(&ep.ID, &ep.ClinicID, &ep.URL, &ep.Secret, &ep.IsActive, &ep.Kind, &ep.EventTypes)
	if len(ep.EventTypes) == 0 {
		ep.EventTypes = nil
	}
	return ep, err
}

// PutEndpoint upserts an endpoint row. The registry is owned elsewhere; this
// exists for seeding and tests.
func (s *Store) PutEndpoint(ctx context.Context, ep delivery.Endpoint) error {
	types := ep.EventTypes
	if types == nil {
		types = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO harborrelay.endpoints (id, clinic_id, url, secret, is_active, kind, event_types)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET clinic_id = EXCLUDED.clinic_id,
		    url = EXCLUDED.url,
		    secret = EXCLUDED.secret,
		    is_active = EXCLUDED.is_active,
		    kind = EXCLUDED.kind,
		    event_types = EXCLUDED.event_types,
		    updated_at = NOW()`,
		ep.ID, ep.ClinicID, ep.URL, ep.Secret, ep.IsActive, ep.TransportKind(), types)
	return err
}

func (s *Store) SetEndpointActive(ctx context.Context, id string, active bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE harborrelay.endpoints SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (delivery.Endpoint, error) {
	ep, err := scanEndpoint(s.db.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM harborrelay.endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Endpoint{}, delivery.ErrEndpointNotFound
	}
	return ep, err
}

func (s *Store) ActiveEndpoints(ctx context.Context, clinicID, eventType string) ([]delivery.Endpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM harborrelay.endpoints
		WHERE clinic_id = $1
		  AND is_active
		  AND (cardinality(event_types) = 0 OR $2 = ANY(event_types) OR '*' = ANY(event_types))
		ORDER BY id`, clinicID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) SetSecret(ctx context.Context, id, secret string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE harborrelay.endpoints SET secret = $2, updated_at = NOW() WHERE id = $1`, id, secret)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrEndpointNotFound
	}
	return nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

func (s *Store) SaveEvent(ctx context.Context, e delivery.Event) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO harborrelay.events (id, event_type, clinic_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Type, e.ClinicID, []byte(e.Payload), e.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (delivery.Event, error) {
	var (
		e       delivery.Event
		payload []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, event_type, clinic_id, payload, created_at
		FROM harborrelay.events WHERE id = $1`, id).
		Scan(&e.ID, &e.Type, &e.ClinicID, &payload, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Event{}, delivery.ErrEventNotFound
	}
	if err != nil {
		return delivery.Event{}, err
	}
	e.Payload = payload
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
