// Package poller runs the periodic reconciliation loop. Webhook
// deliveries are best-effort; the poller guarantees that every tracked
// repository eventually converges even when deliveries are lost.
package poller

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler is the single entry point the loop drives on every tick.
// Implemented by the controller.
type Reconciler interface {
	Poll(ctx context.Context) error
}

// Run starts the polling loop. It polls once on every tick and stops
// when ctx is cancelled. The first poll happens immediately (no initial
// delay), which also reconciles state left over from a previous run.
func Run(ctx context.Context, r Reconciler, interval time.Duration) {
	slog.Info("poller started", "interval", interval)

	if err := r.Poll(ctx); err != nil {
		slog.Error("poll error", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopped")

			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				slog.Error("poll error", "error", err)
			}
		}
	}
}
