package recon

import (
	"context"
	"log"
	"time"
)

// SchedulerConfig configures the periodic sweep loop.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *log.Logger
}

// Scheduler executes sweeps on a fixed cadence. The first sweep starts
// immediately so a freshly deployed reconciler reports without waiting a
// full interval.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *log.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		logger:     logger,
	}
}

// Start begins the sweep loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.reconciler.Run(ctx); err != nil {
				s.logger.Printf("recon scheduler run failed: %v", err)
			}
			timer.Reset(s.interval)
		}
	}
}
