// Package api exposes event ingestion, on-demand jobs and the operator
// surface as JSON over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/ops"
	"github.com/austindbirch/harbor_relay/internal/pump"
	"github.com/austindbirch/harbor_relay/internal/reaper"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// MaxEventBytes caps the size of an ingested event body.
const MaxEventBytes = 1 << 20

type Ingester interface {
	CreateDeliveriesForEvent(ctx context.Context, e delivery.Event) (ingest.Result, error)
}

type Operator interface {
	RotateSecret(ctx context.Context, endpointID string) (string, error)
	RetryDelivery(ctx context.Context, deliveryID string) (ops.RetryResult, error)
	RetryFailedForEndpoint(ctx context.Context, endpointID string) (int, error)
	GetDelivery(ctx context.Context, deliveryID string) (delivery.Delivery, error)
	ListDeliveries(ctx context.Context, f delivery.ListFilter) (delivery.Page, error)
}

type Pumper interface {
	Pump(ctx context.Context, limit int) (pump.Result, error)
}

type Reaper interface {
	Reap(ctx context.Context, staleAfter time.Duration) (reaper.Result, error)
}

// Jobs holds the defaults used by the on-demand job routes.
type Jobs struct {
	BatchSize  int
	StaleAfter time.Duration
}

type Server struct {
	ingest Ingester
	ops    Operator
	pump   Pumper
	reaper Reaper
	jobs   Jobs
	log    *logging.Logger
}

func NewServer(in Ingester, op Operator, p Pumper, r Reaper, jobs Jobs, log *logging.Logger) *Server {
	if jobs.BatchSize <= 0 {
		jobs.BatchSize = 100
	}
	if jobs.StaleAfter <= 0 {
		jobs.StaleAfter = 3 * time.Minute
	}
	return &Server{ingest: in, ops: op, pump: p, reaper: r, jobs: jobs, log: log}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", s.traced("api.events.create", s.createEvent))
	mux.HandleFunc("POST /v1/jobs/pump", s.traced("api.jobs.pump", s.operator(s.runPump)))
	mux.HandleFunc("POST /v1/jobs/reap", s.traced("api.jobs.reap", s.operator(s.runReap)))
	mux.HandleFunc("GET /v1/deliveries", s.traced("api.deliveries.list", s.operator(s.listDeliveries)))
	mux.HandleFunc("GET /v1/deliveries/{id}", s.traced("api.deliveries.get", s.operator(s.getDelivery)))
	mux.HandleFunc("POST /v1/deliveries/{id}/retry", s.traced("api.deliveries.retry", s.operator(s.retryDelivery)))
	mux.HandleFunc("POST /v1/endpoints/{id}/retry-failed", s.traced("api.endpoints.retry_failed", s.operator(s.retryFailed)))
	mux.HandleFunc("POST /v1/endpoints/{id}/rotate-secret", s.traced("api.endpoints.rotate_secret", s.operator(s.rotateSecret)))
}

// Handler returns a mux carrying only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) traced(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := tracing.ExtractHTTP(r.Context(), r.Header)
		ctx, span := tracing.StartSpan(ctx, name)
		defer span.End()
		h(w, r.WithContext(ctx))
	}
}

// operator rejects callers whose token is scoped to a single clinic.
// Unauthenticated deployments have no claims and pass through.
func (s *Server) operator(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c, ok := auth.ClaimsFromContext(r.Context()); ok && c.ClinicID != "" {
			writeError(w, http.StatusForbidden, "operator token required")
			return
		}
		h(w, r)
	}
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var e delivery.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxEventBytes))
	if err := dec.Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode event: %v", err))
		return
	}
	if c, ok := auth.ClaimsFromContext(r.Context()); ok && !c.CanActFor(e.ClinicID) {
		writeError(w, http.StatusForbidden, "token not valid for clinic")
		return
	}

	res, err := s.ingest.CreateDeliveriesForEvent(r.Context(), e)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Created == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) runPump(w http.ResponseWriter, r *http.Request) {
	limit := s.jobs.BatchSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	res, err := s.pump.Pump(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) runReap(w http.ResponseWriter, r *http.Request) {
	staleAfter := s.jobs.StaleAfter
	if raw := r.URL.Query().Get("stale_after"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "stale_after must be a positive duration")
			return
		}
		staleAfter = d
	}
	res, err := s.reaper.Reap(r.Context(), staleAfter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := delivery.ListFilter{
		EndpointID: q.Get("endpoint_id"),
		EventID:    q.Get("event_id"),
		Status:     delivery.Status(q.Get("status")),
		Cursor:     q.Get("cursor"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	page, err := s.ops.ListDeliveries(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if page.Deliveries == nil {
		page.Deliveries = []delivery.Delivery{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.ops.GetDelivery(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) retryDelivery(w http.ResponseWriter, r *http.Request) {
	res, err := s.ops.RetryDelivery(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.ops.RetryFailedForEndpoint(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoint_id": id, "reset": n})
}

func (s *Server) rotateSecret(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	secret, err := s.ops.RotateSecret(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"endpoint_id": id, "secret": secret})
}

// fail maps domain errors to status codes. Unexpected errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		tracing.SetSpanError(r.Context(), err)
		s.log.WithContext(r.Context()).
			WithFields(map[string]any{"method": r.Method, "path": r.URL.Path}).
			WithError(err).
			Error("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, delivery.ErrEndpointNotFound),
		errors.Is(err, delivery.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, delivery.ErrInvalidEvent), errors.Is(err, delivery.ErrInvalidCursor),
		errors.Is(err, delivery.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
