package receipt

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner evicts stale records and reports how many it removed
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// NamedCleaner labels a Cleaner in logs
type NamedCleaner struct {
	Name    string
	Cleaner Cleaner
}

// RunJanitor sweeps every cleaner once immediately and then on each tick,
// until ctx is cancelled
func RunJanitor(ctx context.Context, interval time.Duration, cleaners ...NamedCleaner) {
	sweep(ctx, cleaners)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, cleaners)
		}
	}
}

func sweep(ctx context.Context, cleaners []NamedCleaner) {
	for _, c := range cleaners {
		n, err := c.Cleaner.Cleanup(ctx)
		if err != nil {
			slog.Warn("Cleanup failed", "cleaner", c.Name, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("Cleanup done", "cleaner", c.Name, "removed", n)
		}
	}
}
