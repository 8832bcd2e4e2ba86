package delegation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper reclaims delegations whose worker died mid-pipeline: running
// rows with a heartbeat older than HeartbeatTTL go back to queued and
// are resumed from their last persisted stage.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper creates a Reaper sweeping at interval.
func NewReaper(engine *Engine, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reaper{engine: engine, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reaper sweep failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("reaper reclaimed delegations", zap.Int("count", n))
			}
		}
	}
}

// Sweep reclaims and resumes stale rows once, returning how many it
// touched. Exposed for tests.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.engine.now().UTC().Add(-HeartbeatTTL)
	stale, err := r.engine.store.StaleRunning(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, rec := range stale {
		rec.Status = StatusQueued
		r.engine.touch(ctx, rec, rec.Stage, "reclaimed", map[string]string{
			"stale_heartbeat": cutoff.Format(time.RFC3339),
		})
		// Resume from the last persisted stage. Submit-time errors
		// (policy, budget) surface in the record itself.
		if _, err := r.engine.run(ctx, rec); err != nil {
			r.logger.Warn("resumed delegation ended in error",
				zap.String("delegation_id", rec.DelegationID),
				zap.Error(err),
			)
		}
	}
	return len(stale), nil
}
