package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/pump"
	"github.com/austindbirch/harbor_relay/internal/reaper"
)

// syncBuffer lets the test read log output while cron goroutines write it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Contains(b.buf.Bytes(), []byte(s))
}

type fakePump struct {
	calls atomic.Int32
	limit atomic.Int32
	block chan struct{}
}

func (f *fakePump) Pump(ctx context.Context, limit int) (pump.Result, error) {
	f.calls.Add(1)
	f.limit.Store(int32(limit))
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return pump.Result{}, nil
}

type fakeReaper struct {
	calls      atomic.Int32
	staleAfter atomic.Int64
	err        error
}

func (f *fakeReaper) Reap(_ context.Context, staleAfter time.Duration) (reaper.Result, error) {
	f.calls.Add(1)
	f.staleAfter.Store(int64(staleAfter))
	return reaper.Result{}, f.err
}

func testConfig() config.Scheduler {
	return config.Scheduler{
		Enabled:      true,
		PumpSchedule: "@every 1s",
		ReapSchedule: "@every 1s",
		BatchSize:    25,
		StaleAfter:   3 * time.Minute,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"@every 30s", false},
		{"@every 2m", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"every thirty seconds", true},
		{"* * * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := ParseSchedule(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
}

func TestRegister_InvalidSchedules(t *testing.T) {
	s := New(logging.New("scheduler-test", logging.WithWriter(&syncBuffer{})))

	cfg := testConfig()
	cfg.PumpSchedule = "nope"
	if err := s.Register(cfg, &fakePump{}, &fakeReaper{}); err == nil {
		t.Error("Register() expected error for a bad pump schedule")
	}

	cfg = testConfig()
	cfg.ReapSchedule = "nope"
	s = New(logging.New("scheduler-test", logging.WithWriter(&syncBuffer{})))
	if err := s.Register(cfg, &fakePump{}, &fakeReaper{}); err == nil {
		t.Error("Register() expected error for a bad reap schedule")
	}
}

func TestScheduler_RunsJobs(t *testing.T) {
	logs := &syncBuffer{}
	s := New(logging.New("scheduler-test", logging.WithWriter(logs)))
	p, r := &fakePump{}, &fakeReaper{err: errors.New("db down")}

	if err := s.Register(testConfig(), p, r); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if s.Entries() != 2 {
		t.Errorf("Entries() = %d, want 2", s.Entries())
	}
	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	waitFor(t, "pump and reap to fire", func() bool { return p.calls.Load() > 0 && r.calls.Load() > 0 })
	if p.limit.Load() != 25 {
		t.Errorf("pump limit = %d, want 25", p.limit.Load())
	}
	if time.Duration(r.staleAfter.Load()) != 3*time.Minute {
		t.Errorf("staleAfter = %v, want 3m", time.Duration(r.staleAfter.Load()))
	}
	waitFor(t, "reap error logged", func() bool { return logs.Contains("scheduled reap failed") })
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := New(logging.New("scheduler-test", logging.WithWriter(&syncBuffer{})))
	p := &fakePump{block: make(chan struct{})}
	if err := s.Register(testConfig(), p, &fakeReaper{}); err != nil {
		t.Fatal(err)
	}
	s.Start()

	waitFor(t, "first pump", func() bool { return p.calls.Load() == 1 })
	// Two more ticks pass while the first run is blocked.
	time.Sleep(2500 * time.Millisecond)
	if n := p.calls.Load(); n != 1 {
		t.Errorf("pump calls while blocked = %d, want 1", n)
	}

	close(p.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := New(logging.New("scheduler-test", logging.WithWriter(&syncBuffer{})))
	p := &fakePump{block: make(chan struct{})}
	if err := s.Register(testConfig(), p, &fakeReaper{}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	waitFor(t, "first pump", func() bool { return p.calls.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v, want the blocked job to observe cancellation", err)
	}
}
