// Package scheduler runs cron maintenance jobs: sweeping idle
// conversation actors and vacuuming the passage store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/passage"
)

// jobTimeout bounds one maintenance run.
const jobTimeout = time.Minute

// Scheduler manages the cron maintenance jobs.
type Scheduler struct {
	cron     *cron.Cron
	cfg      *config.SchedulerConfig
	registry *conversation.Registry
	store    *passage.Store
	logger   *slog.Logger
}

// New builds a scheduler from the configured cron specs. An empty spec
// disables its job; a nil store disables vacuuming.
func New(cfg *config.SchedulerConfig, reg *conversation.Registry, store *passage.Store) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		cfg:      cfg,
		registry: reg,
		store:    store,
		logger:   logging.WithComponent("scheduler"),
	}
	if cfg.IdleSweep != "" {
		if _, err := s.cron.AddFunc(cfg.IdleSweep, s.sweepIdle); err != nil {
			return nil, fmt.Errorf("idle sweep spec: %w", err)
		}
	}
	if cfg.Vacuum != "" && store != nil {
		if _, err := s.cron.AddFunc(cfg.Vacuum, s.vacuum); err != nil {
			return nil, fmt.Errorf("vacuum spec: %w", err)
		}
	}
	return s, nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) sweepIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, err := s.registry.Sweep(ctx, s.cfg.GetIdleAfter()); err != nil {
		s.logger.Error("idle sweep failed", "error", err)
	}
}

func (s *Scheduler) vacuum() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.store.Vacuum(ctx); err != nil {
		s.logger.Error("passage store vacuum failed", "error", err)
	}
}
