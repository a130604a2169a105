// Package janitor removes device token rows that have not been touched for
// longer than the retention period.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-service/internal/metrics"
)

const (
	DefaultInterval  = time.Hour
	DefaultRetention = 30 * 24 * time.Hour
)

// Purger is the slice of the token registry the janitor needs.
type Purger interface {
	PurgeStale(ctx context.Context, cutoff time.Time) (int, error)
}

type Janitor struct {
	purger    Purger
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	nowFn     func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(purger Purger, interval, retention time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Janitor{
		purger:    purger,
		interval:  interval,
		retention: retention,
		logger:    logger.With("component", "TokenJanitor"),
		nowFn:     time.Now,
	}
}

// Start begins the purge loop.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.logger.Info("Starting token janitor", "interval", j.interval, "retention", j.retention)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := j.RunOnce(ctx); err != nil {
					j.logger.Error("Token purge failed", "err", err)
				}
			case <-ctx.Done():
				j.logger.Debug("Token janitor stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the janitor.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

// RunOnce purges rows older than the retention window. A call made while
// another purge is running does nothing and returns 0.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	if !j.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer j.running.Store(false)

	cutoff := j.nowFn().Add(-j.retention)
	purged, err := j.purger.PurgeStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.AddTokensPurged(purged)
	if purged > 0 {
		j.logger.Info("Purged stale device tokens", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}
