package launcher

import "context"

// EventPublisher defines the interface for publishing lifecycle events
// to the control plane. This allows the launcher to report process
// state changes, errors, and important lifecycle transitions.
//
// Event types:
//   - starting: Process is initializing
//   - ready: Process passed its first health check
//   - stopping: Process received shutdown signal
//   - stopped: Process has shut down cleanly
//   - crashed: Process terminated unexpectedly
//   - restarting: Process is being restarted
//   - failed: Process was marked terminal by the circuit breaker
type EventPublisher interface {
	// ReportLifecycleEvent sends a lifecycle event to the control plane.
	// Returns error if the event could not be delivered.
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// NoopEventPublisher is a no-op implementation for standalone mode
type NoopEventPublisher struct{}

// ReportLifecycleEvent does nothing in standalone mode
func (n *NoopEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	return nil
}
