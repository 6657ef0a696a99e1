// Package cron runs the bridge's scheduled maintenance: pruning stale
// worktrees that no active session owns.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// CleanupFunc prunes worktrees older than maxAge not present in the
// active set, returning the number removed.
type CleanupFunc func(ctx context.Context, maxAge time.Duration, activeCwds map[string]struct{}) (int, error)

// ActiveFunc returns the working directories currently owned by sessions.
type ActiveFunc func() map[string]struct{}

// Config holds the scheduler's dependencies.
type Config struct {
	// Schedule is a 5-field cron expression for cleanup runs.
	Schedule string

	// MaxAge is the stale threshold for worktrees.
	MaxAge time.Duration

	Cleanup CleanupFunc
	Active  ActiveFunc
	Logger  *slog.Logger
}

// Scheduler fires the cleanup at each cron tick.
type Scheduler struct {
	schedule cronlib.Schedule
	maxAge   time.Duration
	cleanup  CleanupFunc
	active   ActiveFunc
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses the schedule and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		maxAge:   cfg.MaxAge,
		cleanup:  cfg.Cleanup,
		active:   cfg.Active,
		logger:   logger,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cleanup scheduler started", "next", s.schedule.Next(time.Now()))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cleanup scheduler stopped")
}

// RunOnce fires a cleanup immediately (startup sweep).
func (s *Scheduler) RunOnce(ctx context.Context) {
	active := map[string]struct{}{}
	if s.active != nil {
		active = s.active()
	}
	removed, err := s.cleanup(ctx, s.maxAge, active)
	if err != nil {
		s.logger.Warn("worktree cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("pruned stale worktrees", "count", removed)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}
