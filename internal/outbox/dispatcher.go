package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher drains pending outbox rows to registered consumers on a
// fixed interval.
type Dispatcher struct {
	store     Store
	interval  time.Duration
	batchSize int
	logger    *zap.Logger

	mu        sync.RWMutex
	consumers map[string][]Consumer // kind -> consumers; "" matches all
}

// NewDispatcher creates a Dispatcher polling at interval.
func NewDispatcher(store Store, interval time.Duration, logger *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		store:     store,
		interval:  interval,
		batchSize: 50,
		logger:    logger,
		consumers: make(map[string][]Consumer),
	}
}

// Subscribe registers a consumer for a kind. An empty kind receives
// every event.
func (d *Dispatcher) Subscribe(kind string, fn Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers[kind] = append(d.consumers[kind], fn)
}

// Run polls until ctx is cancelled. Intended as a background goroutine
// from the serve command.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain processes one batch of pending events. Exposed for tests and
// for a final flush during shutdown.
func (d *Dispatcher) Drain(ctx context.Context) {
	batch, err := d.store.PendingBatch(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox batch claim failed", zap.Error(err))
		return
	}
	for _, ev := range batch {
		if err := d.deliver(ctx, ev); err != nil {
			d.logger.Warn("outbox delivery failed",
				zap.String("event_id", ev.EventID),
				zap.String("kind", ev.Kind),
				zap.Error(err),
			)
			if err := d.store.MarkFailed(ctx, ev.EventID); err != nil {
				d.logger.Error("outbox mark failed", zap.Error(err))
			}
			continue
		}
		if err := d.store.MarkDispatched(ctx, ev.EventID); err != nil {
			d.logger.Error("outbox mark dispatched", zap.Error(err))
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev *Event) error {
	d.mu.RLock()
	targets := append([]Consumer{}, d.consumers[ev.Kind]...)
	targets = append(targets, d.consumers[""]...)
	d.mu.RUnlock()
	for _, fn := range targets {
		if err := fn(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
