package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// MidnightUTC fires at 00:00:00 UTC every day (seconds-field cron spec).
const MidnightUTC = "0 0 0 * * *"

// Scheduler runs the daily rollover on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	ledger  *Ledger
	logger  *slog.Logger
	baseCtx context.Context
}

// NewScheduler registers the rollover job for l at spec (MidnightUTC when
// empty). Jobs run with baseCtx.
func NewScheduler(baseCtx context.Context, l *Ledger, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = MidnightUTC
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		ledger:  l,
		logger:  l.logger,
		baseCtx: baseCtx,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) run() {
	p, err := s.ledger.Rollover(s.baseCtx)
	if err != nil {
		s.logger.Error("daily rollover failed", "err", err)
		return
	}
	s.logger.Info("daily portfolio reset",
		"date", p.Date.Format(time.DateOnly),
		"starting_balance", p.StartingBalance.String(),
	)
}

// Start begins the schedule in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("rollover scheduler started")
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("rollover scheduler stopped")
}
