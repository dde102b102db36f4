// Package scheduler runs window closes at the configured local close times.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/shillbot/pkg/metrics"
	"github.com/malbeclabs/shillbot/pkg/settlement"
)

// CloseFunc settles the window ending at or before at.
type CloseFunc func(ctx context.Context, at time.Time) error

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Schedule settlement.Schedule
	Close    CloseFunc

	// Delay postpones each run past its close time.
	Delay time.Duration
	// RunOnStart settles the most recent window once before waiting for the next close.
	RunOnStart bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Close == nil {
		return errors.New("close func is required")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return err
	}
	if cfg.Delay < 0 {
		return errors.New("delay must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// Next returns the time of the next run after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.cfg.Schedule.NextClose(now.Add(-s.cfg.Delay)).Add(s.cfg.Delay)
}

// Run fires closes one at a time until ctx is done. A failed close is logged and the loop
// continues with the next close time.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler: started", "closeTimes", len(s.cfg.Schedule.CloseTimes), "location", s.cfg.Schedule.Location.String(), "delay", s.cfg.Delay)

	if s.cfg.RunOnStart {
		s.fire(ctx, s.cfg.Clock.Now())
	}

	for {
		now := s.cfg.Clock.Now()
		next := s.Next(now)
		s.log.Info("scheduler: waiting for next close", "at", next.Format(time.RFC3339), "in", next.Sub(now).Round(time.Second))

		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopped", "reason", ctx.Err())
			return nil
		case <-s.cfg.Clock.After(next.Sub(now)):
			s.fire(ctx, next.Add(-s.cfg.Delay))
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, at time.Time) {
	s.log.Info("scheduler: close triggered", "at", at.In(s.cfg.Schedule.Location).Format("2006-01-02 15:04"))
	if err := s.cfg.Close(ctx, at); err != nil {
		metrics.SchedulerFiresTotal.WithLabelValues("error").Inc()
		s.log.Error("scheduler: close failed", "error", err)
		return
	}
	metrics.SchedulerFiresTotal.WithLabelValues("success").Inc()
}
