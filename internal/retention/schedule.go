package retention

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/video-downsizer/pkg/icron"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

// Scheduler registers the sweeper on a cron engine and can swap its
// expression at runtime.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	expr    string
	entryID cron.EntryID
	group   singleflight.Group
}

func NewScheduler(sweeper *Sweeper, c *cron.Cron, expr string) *Scheduler {
	return &Scheduler{
		sweeper: sweeper,
		cron:    c,
		expr:    expr,
		ctx:     context.Background(),
	}
}

// Schedule adds the sweep to the cron engine. The engine itself is started
// by the caller. Sweeps run with ctx, including after a Reschedule.
func (s *Scheduler) Schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.scheduleLocked(s.expr)
}

// Reschedule replaces the current entry with one using expr.
func (s *Scheduler) Reschedule(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := icron.Parse(expr); err != nil {
		return err
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}
	return s.scheduleLocked(expr)
}

func (s *Scheduler) Expr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

func (s *Scheduler) scheduleLocked(expr string) error {
	schedule, err := icron.Parse(expr)
	if err != nil {
		return err
	}
	ctx := s.ctx
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(ctx) }))
	s.entryID = id
	s.expr = expr

	if info, err := icron.GetTriggerInfo(expr, time.Now()); err == nil {
		log.Info("Cleanup scheduled with %q, next run in %s", expr, info.TimeUntilNext.Round(time.Second))
	}
	return nil
}

// run collapses overlapping triggers into a single sweep.
func (s *Scheduler) run(ctx context.Context) {
	_, _, _ = s.group.Do("sweep", func() (any, error) {
		if _, err := s.sweeper.Sweep(ctx); err != nil {
			log.Error("Cleanup failed: %v", err)
		}
		return nil, nil
	})
}
