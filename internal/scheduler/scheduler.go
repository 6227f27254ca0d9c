// Package scheduler fires the pump and the reaper on their cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/pump"
	"github.com/austindbirch/harbor_relay/internal/reaper"
)

// Pumper runs one pump cycle.
type Pumper interface {
	Pump(ctx context.Context, limit int) (pump.Result, error)
}

// Reaper runs one reaper pass.
type Reaper interface {
	Reap(ctx context.Context, staleAfter time.Duration) (reaper.Result, error)
}

// parser accepts standard 5-field specs and descriptors like "@every 30s".
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

// Scheduler owns a cron runner. A job that is still running when its next
// tick fires is skipped rather than stacked.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger
	ctx  context.Context
	stop context.CancelFunc
}

func New(log *logging.Logger) *Scheduler {
	cl := logging.CronLogger{L: log}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:  log,
		ctx:  ctx,
		stop: stop,
	}
}

// Register adds the pump and reaper jobs from cfg.
func (s *Scheduler) Register(cfg config.Scheduler, p Pumper, r Reaper) error {
	if _, err := s.cron.AddFunc(cfg.PumpSchedule, func() {
		if _, err := p.Pump(s.ctx, cfg.BatchSize); err != nil {
			s.log.Plain().WithError(err).Error("scheduled pump failed")
		}
	}); err != nil {
		return fmt.Errorf("pump schedule %q: %w", cfg.PumpSchedule, err)
	}
	if _, err := s.cron.AddFunc(cfg.ReapSchedule, func() {
		if _, err := r.Reap(s.ctx, cfg.StaleAfter); err != nil {
			s.log.Plain().WithError(err).Error("scheduled reap failed")
		}
	}); err != nil {
		return fmt.Errorf("reap schedule %q: %w", cfg.ReapSchedule, err)
	}
	s.log.Plain().WithFields(map[string]any{
		"pump_schedule": cfg.PumpSchedule,
		"reap_schedule": cfg.ReapSchedule,
		"batch_size":    cfg.BatchSize,
		"stale_after":   cfg.StaleAfter.String(),
	}).Info("scheduler jobs registered")
	return nil
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stop()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
