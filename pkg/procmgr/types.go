package procmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a managed process as seen by callers.
type State int

const (
	// StateStarting - process has been spawned but has not passed a health check yet
	StateStarting State = iota
	// StateRunning - process is up and passing health checks
	StateRunning
	// StateTerminating - process is shutting down (graceful or forced)
	StateTerminating
	// StateTerminated - process exit has been observed
	StateTerminated
	// StateFailed - terminal failure: spawn error, creation timeout, or circuit breaker trip
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ProcessID uniquely identifies a managed process.
type ProcessID string

// ProcessUpdate submits a state change for a process.
type ProcessUpdate struct {
	ID               ProcessID
	UpdateType       UpdateType
	StartTime        time.Time
	Config           any // process-specific config, opaque to the manager
	TerminateOptions *TerminateOptions
}

// UpdateType specifies the kind of update.
type UpdateType int

const (
	// UpdateTypeCreate - create a new process
	UpdateTypeCreate UpdateType = iota
	// UpdateTypeSync - periodic sync/health check
	UpdateTypeSync
	// UpdateTypeTerminate - terminate process
	UpdateTypeTerminate
)

func (ut UpdateType) String() string {
	switch ut {
	case UpdateTypeCreate:
		return "Create"
	case UpdateTypeSync:
		return "Sync"
	case UpdateTypeTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// TerminateOptions control process termination.
type TerminateOptions struct {
	// CompletedCh is closed once the process exit has been observed.
	CompletedCh chan<- struct{}

	// GracePeriod bounds how long the syncer waits for voluntary exit
	// before force-killing. Zero means the manager default. A later
	// termination request can only shorten an already-set grace period.
	GracePeriod time.Duration

	StatusFunc ProcessStatusFunc
}

// ProcessStatusFunc is called to update process status on termination.
type ProcessStatusFunc func(status *ProcessStatus)

// ProcessStatus is a point-in-time view of a process.
type ProcessStatus struct {
	State        State
	Healthy      bool
	Address      string
	LastSync     time.Time
	StartedAt    time.Time
	ErrorCount   int
	LastError    error
	RestartCount int

	// Finished reports that post-termination cleanup has completed
	// and the entry can be removed from tracking.
	Finished bool
}

// SyncResult reports what a sync pass did.
type SyncResult struct {
	// Terminal indicates the process reached a terminal state on its
	// own (e.g. exited voluntarily); the manager initiates termination.
	Terminal bool

	// Restarted indicates the syncer replaced the OS process during
	// this pass. The manager increments the restart count and keeps
	// the error count: a restart is recovery in progress, not proven
	// health, so repeated restart cycles still trip the breaker.
	Restarted bool

	// Address is the endpoint the process listens on, when known.
	Address string

	// ResyncAfter overrides the manager-wide resync interval for this
	// process when positive.
	ResyncAfter time.Duration
}

// ProcessSyncer is implemented by the process-specific supervisor backend.
// The manager drives it through the lifecycle phases; the syncer owns the
// actual OS handle and never exposes it.
type ProcessSyncer interface {
	// SyncProcess starts the process if needed and verifies health.
	// A Fatal error marks the handle terminally FAILED without retry.
	SyncProcess(ctx context.Context, updateType UpdateType, config any) (SyncResult, error)

	// SyncTerminatingProcess stops the process: graceful signal, grace
	// period wait, then force kill. Returns once exit is observed.
	SyncTerminatingProcess(ctx context.Context, config any, gracePeriod time.Duration, statusFn ProcessStatusFunc) error

	// SyncTerminatedProcess releases resources held for the process.
	SyncTerminatedProcess(ctx context.Context, config any) error
}

// ProcessManager drives zero or more concurrent processes through the
// start / health-check / terminate / cleanup reconciliation loop. Each
// process gets its own worker goroutine; mutual exclusion is per process.
type ProcessManager struct {
	mu sync.Mutex

	processUpdates  map[ProcessID]chan struct{}
	processStatuses map[ProcessID]*processStatus

	syncer           ProcessSyncer
	resyncInterval   time.Duration
	backOffPeriod    time.Duration
	breakerThreshold int
	defaultGrace     time.Duration
	workQueue        WorkQueue
	metrics          MetricsCollector
	logger           *slog.Logger

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

// processStatus is the manager-internal record for one process. State is
// derived from which lifecycle timestamps have been set, so transitions
// are monotonic by construction.
type processStatus struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	working bool
	pending *ProcessUpdate
	active  *ProcessUpdate

	syncedAt      time.Time
	startedAt     time.Time
	runningAt     time.Time
	terminatingAt time.Time
	terminatedAt  time.Time
	finishedAt    time.Time
	failedAt      time.Time

	gracePeriod    time.Duration
	resyncInterval time.Duration
	finished       bool

	address          string
	errorCount       int
	lastError        error
	restartCount     int
	consecutiveFails int
}

// State derives the externally visible state from lifecycle timestamps.
func (ps *processStatus) State() State {
	if !ps.failedAt.IsZero() {
		return StateFailed
	}
	if !ps.terminatedAt.IsZero() {
		return StateTerminated
	}
	if !ps.terminatingAt.IsZero() {
		return StateTerminating
	}
	if !ps.runningAt.IsZero() {
		return StateRunning
	}
	return StateStarting
}

func (ps *processStatus) IsTerminating() bool {
	return !ps.terminatingAt.IsZero()
}

func (ps *processStatus) IsTerminated() bool {
	return !ps.terminatedAt.IsZero()
}

// IsFinished reports the worker has nothing left to do: cleanup ran, or
// the handle is terminally failed.
func (ps *processStatus) IsFinished() bool {
	return !ps.finishedAt.IsZero() || !ps.failedAt.IsZero()
}

func (ps *processStatus) healthy(breakerThreshold int) bool {
	return ps.State() == StateRunning && ps.errorCount < breakerThreshold
}

func (ps *processStatus) view(breakerThreshold int) ProcessStatus {
	return ProcessStatus{
		State:        ps.State(),
		Healthy:      ps.healthy(breakerThreshold),
		Address:      ps.address,
		LastSync:     ps.syncedAt,
		StartedAt:    ps.startedAt,
		ErrorCount:   ps.errorCount,
		LastError:    ps.lastError,
		RestartCount: ps.restartCount,
		Finished:     ps.finished,
	}
}

// fatalError marks a sync failure that must not be retried.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the manager marks the process terminally FAILED
// instead of retrying with backoff.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
