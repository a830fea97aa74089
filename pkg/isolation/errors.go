package isolation

import "errors"

var (
	// ErrInvalidSpec indicates a launch request that cannot resolve to
	// an isolation key (missing namespace/session identifier).
	ErrInvalidSpec = errors.New("invalid process spec")

	// ErrNotFound indicates the isolation key has no registry entry.
	ErrNotFound = errors.New("process not found")

	// ErrCreationTimeout indicates the process did not become healthy
	// within the creation timeout.
	ErrCreationTimeout = errors.New("timed out waiting for process to become healthy")

	// ErrCreationFailed indicates the process reached FAILED during
	// creation (spawn error or health-check timeout in the supervisor).
	ErrCreationFailed = errors.New("process failed to start")

	// ErrShuttingDown indicates the registry is closed to new work.
	ErrShuttingDown = errors.New("registry is shutting down")
)
