package procmgr

import (
	"time"
)

// MetricsCollector receives lifecycle observations from the manager.
type MetricsCollector interface {
	// ProcessStateTransition records a state transition for a process.
	ProcessStateTransition(id ProcessID, fromState, toState State)

	// ProcessSyncDuration records the duration of a sync operation.
	ProcessSyncDuration(id ProcessID, updateType UpdateType, duration time.Duration, err error)

	// ProcessTerminationDuration records the duration of termination.
	ProcessTerminationDuration(id ProcessID, duration time.Duration)

	// ProcessError records an error for a process.
	ProcessError(id ProcessID, errorType string)

	// ProcessRestart records a process restart.
	ProcessRestart(id ProcessID)

	// WorkQueueDepth records the current work queue depth.
	WorkQueueDepth(depth int)

	// WorkQueueAdd records an item added to the work queue.
	WorkQueueAdd(id ProcessID, delay time.Duration)

	// WorkQueueRetry records a retry from the work queue.
	WorkQueueRetry(id ProcessID)

	// WorkQueueBackoffDuration records a backoff delay.
	WorkQueueBackoffDuration(id ProcessID, duration time.Duration)
}

type noopMetricsCollector struct{}

func (n *noopMetricsCollector) ProcessStateTransition(id ProcessID, fromState, toState State) {}
func (n *noopMetricsCollector) ProcessSyncDuration(id ProcessID, updateType UpdateType, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) ProcessTerminationDuration(id ProcessID, duration time.Duration) {}
func (n *noopMetricsCollector) ProcessError(id ProcessID, errorType string)                     {}
func (n *noopMetricsCollector) ProcessRestart(id ProcessID)                                     {}
func (n *noopMetricsCollector) WorkQueueDepth(depth int)                                        {}
func (n *noopMetricsCollector) WorkQueueAdd(id ProcessID, delay time.Duration)                  {}
func (n *noopMetricsCollector) WorkQueueRetry(id ProcessID)                                     {}
func (n *noopMetricsCollector) WorkQueueBackoffDuration(id ProcessID, duration time.Duration)   {}

// NewNoopMetricsCollector returns a collector that discards everything.
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
