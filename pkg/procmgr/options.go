package procmgr

import (
	"log/slog"
	"time"
)

// Option configures the ProcessManager.
type Option func(*ProcessManager)

// WithSyncer sets the ProcessSyncer implementation.
func WithSyncer(syncer ProcessSyncer) Option {
	return func(pm *ProcessManager) {
		pm.syncer = syncer
	}
}

// WithResyncInterval sets the periodic resync interval.
func WithResyncInterval(d time.Duration) Option {
	return func(pm *ProcessManager) {
		pm.resyncInterval = d
	}
}

// WithBackOffPeriod sets the maximum error backoff delay.
func WithBackOffPeriod(d time.Duration) Option {
	return func(pm *ProcessManager) {
		pm.backOffPeriod = d
	}
}

// WithBreakerThreshold sets how many consecutive sync errors are
// tolerated before a process is marked terminally failed.
func WithBreakerThreshold(n int) Option {
	return func(pm *ProcessManager) {
		if n > 0 {
			pm.breakerThreshold = n
		}
	}
}

// WithDefaultGracePeriod sets the grace period used when a termination
// request does not supply one.
func WithDefaultGracePeriod(d time.Duration) Option {
	return func(pm *ProcessManager) {
		if d > 0 {
			pm.defaultGrace = d
		}
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(pm *ProcessManager) {
		pm.metrics = mc
	}
}

// WithLogger sets the logger used by the manager and its workers.
func WithLogger(logger *slog.Logger) Option {
	return func(pm *ProcessManager) {
		if logger != nil {
			pm.logger = logger
		}
	}
}
