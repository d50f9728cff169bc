package tokenrefresh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs RefreshDue on a cron schedule with seconds precision.
// A pass that is still running when the next one is due is skipped.
type Scheduler struct {
	cron      *cron.Cron
	refresher *Refresher
	baseCtx   context.Context
}

// NewScheduler registers refresher on spec, e.g. "0 0 * * * *" for every
// hour on the hour.
func NewScheduler(baseCtx context.Context, refresher *Refresher, spec string) (*Scheduler, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Scheduler{
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		refresher: refresher,
		baseCtx:   baseCtx,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("token refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	if _, err := s.refresher.RefreshDue(s.baseCtx); err != nil {
		slog.Error("token refresh pass failed", "err", err)
	}
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	slog.Info("token refresh scheduler started")
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("token refresh scheduler stopped")
}
