package fp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultSweepInterval paces the governance sweep. Reaffirmation windows are
// measured in days, so hourly is already generous.
const defaultSweepInterval = time.Hour

// Sweeper runs the slow governance loops: expiring patterns past their
// reaffirmation window and promoting shadow patterns whose canary stats
// clear the bar.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds the sweeper. interval <= 0 keeps the default; now is
// injectable for tests, nil means wall clock.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger, now func() time.Time) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		now:      now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Delivery runs until Stop or ctx
// cancellation.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				s.Sweep(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("fp governance sweep started", "interval", s.interval)
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Sweep runs one governance pass: expiry first so a pattern cannot be
// promoted and expired in the same breath, then canary promotion over the
// remaining shadow patterns.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.service.CheckExpiry(ctx, s.now().UTC())
	if err != nil {
		s.logger.Warn("pattern expiry sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("patterns expired", "count", expired)
	}

	shadows, err := s.service.store.ListByStatus(ctx, StatusShadow)
	if err != nil {
		s.logger.Warn("canary promotion sweep failed", "error", err)
		return
	}
	promoted := 0
	for _, p := range shadows {
		ok, err := s.service.TryPromote(ctx, p.PatternID)
		if err != nil {
			s.logger.Warn("canary promotion failed",
				"pattern_id", p.PatternID, "error", err)
			continue
		}
		if ok {
			promoted++
		}
	}
	if promoted > 0 {
		s.logger.Info("patterns promoted from canary", "count", promoted)
	}
}
