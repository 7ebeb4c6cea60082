package worker

import (
	"context"
	"log/slog"
	"time"
)

// StateReporter receives reachability samples. Implemented by
// connectivity.Monitor.
type StateReporter interface {
	Update(online bool)
}

// ConnectivityWatcher samples link state on an interval and forwards each
// sample to a StateReporter. The reporter decides whether a sample is a
// transition.
type ConnectivityWatcher struct {
	check    func(ctx context.Context) bool
	reporter StateReporter
	interval time.Duration
}

// NewConnectivityWatcher creates a watcher that calls check every interval.
func NewConnectivityWatcher(check func(ctx context.Context) bool, reporter StateReporter, interval time.Duration) *ConnectivityWatcher {
	return &ConnectivityWatcher{
		check:    check,
		reporter: reporter,
		interval: interval,
	}
}

// Run samples immediately on start, then on each tick. It blocks until ctx
// is cancelled.
func (w *ConnectivityWatcher) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "connectivity-watcher",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sample(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "connectivity-watcher",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.sample(ctx)
		}
	}
}

func (w *ConnectivityWatcher) sample(ctx context.Context) {
	online := w.check(ctx)
	if ctx.Err() != nil {
		return // Shutting down; the sample is meaningless
	}

	slog.Debug("connectivity sampled",
		"component", "worker",
		"worker", "connectivity-watcher",
		"online", online,
	)
	w.reporter.Update(online)
}
