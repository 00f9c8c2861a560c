package charges

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically releases expired reservations so budget math
// never counts dead reservations. Errors are logged and swallowed; the
// next tick retries.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper builds a reaper for the manager. A non-positive interval
// uses the default of one minute.
func NewReaper(m *Manager, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		manager:  m,
		interval: interval,
		logger:   slog.Default().With("component", "charge_reaper"),
	}
}

// Run loops until ctx is cancelled. Intended as `go reaper.Run(ctx)`.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.manager.ReapExpired(); err != nil {
				r.logger.Warn("reap pass failed, will retry next tick", "error", err)
			}
		}
	}
}
