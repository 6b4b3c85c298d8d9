// Package retention expires time-bounded records: binding codes,
// idle WebSocket connection entries, aged history rows, and login
// limiter windows. Reads filter expired rows on their own, so the
// sweeper only reclaims space; correctness never depends on its timing.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qwer2003tw/unigate/internal/auth"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// defaultSchedule runs the sweep every five minutes.
const defaultSchedule = "*/5 * * * *"

// Sweeper drives periodic expiry over every store with a TTL.
type Sweeper struct {
	stores   storage.StoreSet
	limiter  *auth.LoginLimiter
	schedule string
	cron     *cron.Cron
	log      *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Options configures a Sweeper. Limiter is optional.
type Options struct {
	Stores   storage.StoreSet
	Limiter  *auth.LoginLimiter
	Schedule string // cron expression, default every 5 minutes
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

func NewSweeper(opts Options) *Sweeper {
	if opts.Schedule == "" {
		opts.Schedule = defaultSchedule
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Sweeper{
		stores:   opts.Stores,
		limiter:  opts.Limiter,
		schedule: opts.Schedule,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// Start schedules the sweep and returns. Stop cancels it.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info(context.Background(), "retention sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// SweepResult counts what one pass removed.
type SweepResult struct {
	Codes          int
	Connections    int
	History        int
	LimiterWindows int
}

// Sweep runs one expiry pass over every store. Per-store failures are
// logged and do not stop the rest of the pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	now := s.now().UTC()
	var result SweepResult
	var err error

	if result.Codes, err = s.stores.Codes.DeleteExpired(ctx, now); err != nil {
		s.metrics.RecordError("retention", "codes")
		s.log.Error(ctx, "code sweep failed", "error", err)
	}
	if result.Connections, err = s.stores.Connections.DeleteExpired(ctx, now); err != nil {
		s.metrics.RecordError("retention", "connections")
		s.log.Error(ctx, "connection sweep failed", "error", err)
	}
	if result.History, err = s.stores.History.DeleteExpired(ctx, now); err != nil {
		s.metrics.RecordError("retention", "history")
		s.log.Error(ctx, "history sweep failed", "error", err)
	}
	if s.limiter != nil {
		result.LimiterWindows = s.limiter.Prune()
	}

	if result.Codes+result.Connections+result.History+result.LimiterWindows > 0 {
		s.log.Info(ctx, "retention sweep complete",
			"codes", result.Codes,
			"connections", result.Connections,
			"history", result.History,
			"limiter_windows", result.LimiterWindows)
	}
	return result
}
