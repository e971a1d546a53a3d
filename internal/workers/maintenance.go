// Package workers holds the gateway's background housekeeping.
package workers

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/go-finance-realtime/internal/presence"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"go.uber.org/zap"
)

const sweepTimeout = 30 * time.Second

// StaleSweeper forces stale presence offline.
type StaleSweeper interface {
	CleanupStaleConnections(ctx context.Context, maxAge time.Duration) (presence.SweepResult, error)
}

// Pruner drops limiter state that no longer affects admission.
type Pruner interface {
	Cleanup() int
}

// Maintenance is a background worker that sweeps stale presence records and
// prunes the admission limiters on a fixed interval.
type Maintenance struct {
	sweeper  StaleSweeper
	pruners  []Pruner
	stats    stats.StatsProvider
	log      *zap.Logger
	interval time.Duration
	maxAge   time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMaintenance creates a maintenance worker. An interval of zero disables
// the loop; RunOnce still works.
func NewMaintenance(sweeper StaleSweeper, su stats.StatsProvider, logger *zap.Logger, interval, maxAge time.Duration, pruners ...Pruner) *Maintenance {
	su.RegisterCounter(stats.StaleUsersSwept)

	return &Maintenance{
		sweeper:  sweeper,
		pruners:  pruners,
		stats:    su,
		log:      logger.Named("maintenance"),
		interval: interval,
		maxAge:   maxAge,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background loop.
func (w *Maintenance) Start() {
	if w.interval <= 0 {
		w.log.Info("maintenance worker disabled")
		return
	}

	w.wg.Add(1)
	go w.run()
	w.log.Info("maintenance worker started",
		zap.Duration("interval", w.interval),
		zap.Duration("max_age", w.maxAge))
}

// Stop signals the worker to stop and waits for it to finish. It is safe to
// call more than once.
func (w *Maintenance) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		w.log.Info("maintenance worker stopped")
	})
}

func (w *Maintenance) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if _, err := w.RunOnce(ctx); err != nil {
				w.log.Error("stale presence sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// RunOnce performs a single sweep. Limiters are pruned even when the presence
// store is unreachable.
func (w *Maintenance) RunOnce(ctx context.Context) (presence.SweepResult, error) {
	pruned := 0
	for _, p := range w.pruners {
		pruned += p.Cleanup()
	}
	if pruned > 0 {
		w.log.Debug("pruned limiter entries", zap.Int("count", pruned))
	}

	res, err := w.sweeper.CleanupStaleConnections(ctx, w.maxAge)
	if err != nil {
		return res, err
	}

	for i := 0; i < res.ForcedOffline; i++ {
		w.stats.Incr(stats.StaleUsersSwept)
	}
	if res.ForcedOffline > 0 || res.Pruned > 0 {
		w.log.Info("swept stale presence",
			zap.Int("forced_offline", res.ForcedOffline),
			zap.Int("pruned", res.Pruned))
	}

	return res, nil
}
