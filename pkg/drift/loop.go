package drift

import (
	"context"
	"sync"
	"time"
)

// Background cadences. Evaluation is cheap and runs often; rebaselining is
// deliberately rare so legitimate traffic evolution folds into the baseline
// instead of alarming forever.
const (
	defaultEvaluateEvery   = 5 * time.Minute
	defaultRebaselineEvery = 7 * 24 * time.Hour
)

// Loop drives a Detector on fixed cadences: Restore once, Evaluate often,
// Rebaseline rarely.
type Loop struct {
	detector   *Detector
	evaluate   time.Duration
	rebaseline time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewLoop builds the background loop. Non-positive cadences keep the
// defaults.
func NewLoop(d *Detector, evaluate, rebaseline time.Duration) *Loop {
	if evaluate <= 0 {
		evaluate = defaultEvaluateEvery
	}
	if rebaseline <= 0 {
		rebaseline = defaultRebaselineEvery
	}
	return &Loop{
		detector:   d,
		evaluate:   evaluate,
		rebaseline: rebaseline,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start restores persisted snapshots and launches the tickers. Delivery runs
// until Stop or ctx cancellation.
func (l *Loop) Start(ctx context.Context) {
	l.detector.Restore(ctx)

	go func() {
		defer close(l.done)
		evalTick := time.NewTicker(l.evaluate)
		defer evalTick.Stop()
		baseTick := time.NewTicker(l.rebaseline)
		defer baseTick.Stop()

		for {
			select {
			case <-evalTick.C:
				l.detector.Evaluate(ctx)
			case <-baseTick.C:
				l.detector.Rebaseline(ctx)
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tickers and waits for the loop goroutine to exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}
