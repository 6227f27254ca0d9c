package delivery

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusInFlight, true},
		{StatusPending, StatusDelivered, false},
		{StatusPending, StatusFailed, false},
		{StatusInFlight, StatusDelivered, true},
		{StatusInFlight, StatusPending, true},
		{StatusInFlight, StatusFailed, true},
		{StatusInFlight, StatusInFlight, false},
		{StatusDelivered, StatusPending, false},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusInFlight, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
			err := ValidateTransition(tt.from, tt.to)
			if tt.want && err != nil {
				t.Errorf("ValidateTransition() unexpected error: %v", err)
			}
			if !tt.want && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("ValidateTransition() error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestStatusTerminalAndReset(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		reset    bool
	}{
		{StatusPending, false, false},
		{StatusInFlight, false, false},
		{StatusDelivered, true, false},
		{StatusFailed, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.CanReset(); got != tt.reset {
				t.Errorf("CanReset() = %v, want %v", got, tt.reset)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("IN_FLIGHT"); err != nil || s != StatusInFlight {
		t.Errorf("ParseStatus(IN_FLIGHT) = %q, %v", s, err)
	}
	if _, err := ParseStatus("inflight"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("ParseStatus(inflight) error = %v, want ErrInvalidStatus", err)
	}
}

func TestDeliveryIsDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name string
		d    Delivery
		want bool
	}{
		{"pending without schedule", Delivery{Status: StatusPending}, true},
		{"pending scheduled in past", Delivery{Status: StatusPending, NextAttemptAt: &past}, true},
		{"pending scheduled now", Delivery{Status: StatusPending, NextAttemptAt: &now}, true},
		{"pending scheduled in future", Delivery{Status: StatusPending, NextAttemptAt: &future}, false},
		{"in flight", Delivery{Status: StatusInFlight}, false},
		{"delivered", Delivery{Status: StatusDelivered}, false},
		{"failed", Delivery{Status: StatusFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.IsDue(now); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryIsStale(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	before := cutoff.Add(-time.Minute)
	after := cutoff.Add(time.Minute)

	if !(Delivery{Status: StatusInFlight, DispatchStartedAt: &before}).IsStale(cutoff) {
		t.Error("IsStale() = false for in-flight delivery started before cutoff")
	}
	if (Delivery{Status: StatusInFlight, DispatchStartedAt: &after}).IsStale(cutoff) {
		t.Error("IsStale() = true for in-flight delivery started after cutoff")
	}
	if (Delivery{Status: StatusPending, DispatchStartedAt: &before}).IsStale(cutoff) {
		t.Error("IsStale() = true for pending delivery")
	}
}

func TestEventValidate(t *testing.T) {
	valid := Event{ID: "evt_1", Type: "purchase.made", ClinicID: "cl_1", Payload: json.RawMessage(`{"amount":100}`)}

	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr bool
	}{
		{"valid", func(e *Event) {}, false},
		{"missing id", func(e *Event) { e.ID = "" }, true},
		{"missing type", func(e *Event) { e.Type = "" }, true},
		{"missing clinic", func(e *Event) { e.ClinicID = "" }, true},
		{"missing payload", func(e *Event) { e.Payload = nil }, true},
		{"malformed payload", func(e *Event) { e.Payload = json.RawMessage(`{"amount":`) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("Validate() error = %v, want ErrInvalidEvent", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestEndpointSubscribes(t *testing.T) {
	tests := []struct {
		name  string
		types []string
		event string
		want  bool
	}{
		{"no filter", nil, "purchase.made", true},
		{"exact match", []string{"purchase.made"}, "purchase.made", true},
		{"wildcard", []string{"*"}, "subscription.renewed", true},
		{"no match", []string{"purchase.made"}, "subscription.renewed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := Endpoint{EventTypes: tt.types}
			if got := ep.Subscribes(tt.event); got != tt.want {
				t.Errorf("Subscribes(%q) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestEndpointTransportKind(t *testing.T) {
	if got := (Endpoint{}).TransportKind(); got != KindWebhook {
		t.Errorf("TransportKind() = %q, want %q", got, KindWebhook)
	}
	if got := (Endpoint{Kind: "sms"}).TransportKind(); got != "sms" {
		t.Errorf("TransportKind() = %q, want sms", got)
	}
}

func TestCompletionValidate(t *testing.T) {
	next := time.Now()
	tests := []struct {
		name    string
		c       Completion
		wantErr bool
	}{
		{"delivered", Completion{Status: StatusDelivered}, false},
		{"failed", Completion{Status: StatusFailed}, false},
		{"retry with schedule", Completion{Status: StatusPending, NextAttemptAt: &next}, false},
		{"retry without schedule", Completion{Status: StatusPending}, true},
		{"back to in flight", Completion{Status: StatusInFlight}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestListFilterPageSize(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultPageSize},
		{-3, DefaultPageSize},
		{10, 10},
		{MaxPageSize + 1, MaxPageSize},
	}
	for _, tt := range tests {
		if got := (ListFilter{Limit: tt.limit}).PageSize(); got != tt.want {
			t.Errorf("PageSize(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestCursor(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 30, 15, 123456789, time.UTC)
	cursor := EncodeCursor(created, "dlv_42")

	gotTime, gotID, err := DecodeCursor(cursor)
	if err != nil {
		t.Fatalf("DecodeCursor() error: %v", err)
	}
	if !gotTime.Equal(created) || gotID != "dlv_42" {
		t.Errorf("DecodeCursor() = %v, %q; want %v, %q", gotTime, gotID, created, "dlv_42")
	}

	for _, bad := range []string{"%%%", "bm8tc2VwYXJhdG9y", "YWJjOmlk"} {
		if _, _, err := DecodeCursor(bad); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("DecodeCursor(%q) error = %v, want ErrInvalidCursor", bad, err)
		}
	}
}

func TestNewDeadLetter(t *testing.T) {
	code := 503
	msg := "http 503"
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := Delivery{ID: "dlv_1", EventID: "evt_1", EndpointID: "ep_1", Attempts: 8, LastCode: &code, LastError: &msg}

	dl := NewDeadLetter(d, "cl_1", "max attempts reached", at)

	if dl.Type != DeadLetterType || dl.Version != "v1" {
		t.Errorf("NewDeadLetter() type/version = %q/%q", dl.Type, dl.Version)
	}
	if dl.Attempts != 8 || dl.HTTPStatus != 503 || dl.LastError != "http 503" {
		t.Errorf("NewDeadLetter() = %+v", dl)
	}
	if dl.DeliveryID != "dlv_1" || dl.EventID != "evt_1" || dl.EndpointID != "ep_1" || dl.ClinicID != "cl_1" {
		t.Errorf("NewDeadLetter() identifiers = %+v", dl)
	}
	if dl.At != "2026-03-01T12:00:00Z" {
		t.Errorf("NewDeadLetter() At = %q", dl.At)
	}
}

func TestTaskFor(t *testing.T) {
	d := Delivery{ID: "dlv_1", EventID: "evt_1", EndpointID: "ep_1", Attempts: 2}
	task := TaskFor(d, "2026-03-01T12:00:00Z", map[string]string{"traceparent": "00-abc"})
	if task.DeliveryID != "dlv_1" || task.EventID != "evt_1" || task.EndpointID != "ep_1" || task.Attempts != 2 {
		t.Errorf("TaskFor() = %+v", task)
	}
	if task.TraceHeaders["traceparent"] != "00-abc" {
		t.Errorf("TaskFor() trace headers = %v", task.TraceHeaders)
	}
}
