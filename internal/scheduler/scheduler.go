// Package scheduler runs the periodic maintenance jobs of the chat server.
// It wraps gocron; every job runs in singleton mode so a slow tick is never
// overlapped by the next one.
//
// The only job today is the presence sweep: presence rows are written by
// sessions, and a session that dies without running its cleanup (a killed
// connection, a panic in a handler) would otherwise leave its user marked
// online until the next restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	presenceSweepTag = "presence-sweep"

	// sweepTimeout bounds a single sweep run.
	sweepTimeout = 30 * time.Second
)

// PresenceSweeper removes presence rows that have no live session behind
// them and reports how many it removed. *chat.Service implements it.
type PresenceSweeper interface {
	SweepPresence(ctx context.Context) (int, error)
}

// Scheduler wraps gocron. The zero value is not usable; create instances
// with New.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *zap.Logger
}

// New creates a Scheduler. Register jobs, then call Start.
func New(logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		logger: logger.Named("scheduler"),
	}, nil
}

// AddPresenceSweep runs sweeper every interval.
func (s *Scheduler) AddPresenceSweep(interval time.Duration, sweeper PresenceSweeper) error {
	if interval <= 0 {
		return errors.New("scheduler: presence sweep interval must be positive")
	}

	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()

			removed, err := sweeper.SweepPresence(ctx)
			if err != nil {
				s.logger.Error("presence sweep failed", zap.Error(err))
				return
			}
			if removed > 0 {
				s.logger.Info("presence sweep removed stale rows", zap.Int("removed", removed))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags(presenceSweepTag),
	)
	if err != nil {
		return fmt.Errorf("scheduler: adding presence sweep: %w", err)
	}

	s.logger.Info("presence sweep scheduled", zap.Duration("interval", interval))
	return nil
}

// Start starts the underlying gocron scheduler. It does not block.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Jobs())))
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for any
// currently running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
