package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is anything whose liveness can be probed: the store, the NSQ
// producer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
	Failed  []string        `json:"failed,omitempty"`
}

// DefaultTimeout bounds each dependency ping.
const DefaultTimeout = time.Second

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. Nil checks are skipped.
func HTTPHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Check pings every dependency and summarizes the result.
func Check(ctx context.Context, checks map[string]Pinger) Status {
	st := Status{OK: true, Message: "ok", Checks: make(map[string]bool, len(checks))}
	for name, p := range checks {
		if p == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		err := p.Ping(pctx)
		cancel()
		st.Checks[name] = err == nil
		if err != nil {
			st.OK = false
			st.Failed = append(st.Failed, name)
		}
	}
	if !st.OK {
		sort.Strings(st.Failed)
		st.Message = "dependency check failed"
	}
	return st
}
