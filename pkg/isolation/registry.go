package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prism-data/pattern-launcher/pkg/procmgr"
)

// Supervisor is the slice of the process manager the registry drives.
// *procmgr.ProcessManager satisfies it.
type Supervisor interface {
	UpdateProcess(update procmgr.ProcessUpdate)
	GetProcessStatus(id procmgr.ProcessID) (procmgr.ProcessStatus, bool)
	RemoveProcess(id procmgr.ProcessID) bool
}

const (
	defaultCreationTimeout  = 10 * time.Second
	defaultPollInterval     = 50 * time.Millisecond
	defaultMaxCreations     = 8
	defaultFailedHistoryCap = 64
)

// Registry maps isolation keys to process handles with get-or-create
// semantics. At most one creation sequence per key is ever in flight;
// callers racing on the same key wait on the in-flight result instead
// of triggering a second spawn. Keys are fully independent.
type Registry struct {
	supervisor      Supervisor
	logger          *slog.Logger
	creationTimeout time.Duration
	pollInterval    time.Duration

	// createSem caps simultaneous in-flight creations across all keys.
	// Excess creations queue on the semaphore rather than fail.
	createSem chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	entries map[Key]*entry

	// failed keeps recently failed handles visible to List/Health
	// after their live entry is replaced. Bounded; oldest evicted.
	failed    []Handle
	failedCap int
}

// entry tracks one key's lifecycle inside the registry. Mutual
// exclusion per key comes from the creating/terminating flags plus the
// ready/gone channels; the registry mutex is only held for map access.
type entry struct {
	key    Key
	spec   ProcessSpec
	config any

	creating bool
	ready    chan struct{} // closed when creation settles
	result   Handle
	err      error

	terminating bool
	gone        chan struct{} // closed when the entry is removed
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCreationTimeout bounds how long GetOrCreate waits for a new
// process to reach RUNNING.
func WithCreationTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.creationTimeout = d
		}
	}
}

// WithMaxConcurrentCreations caps simultaneous creations.
func WithMaxConcurrentCreations(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.createSem = make(chan struct{}, n)
		}
	}
}

// WithFailedHistorySize bounds the recent-failures buffer.
func WithFailedHistorySize(n int) RegistryOption {
	return func(r *Registry) {
		if n >= 0 {
			r.failedCap = n
		}
	}
}

// WithPollInterval sets the status poll cadence during creation.
func WithPollInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry backed by the given supervisor.
func NewRegistry(supervisor Supervisor, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		supervisor:      supervisor,
		logger:          slog.Default(),
		creationTimeout: defaultCreationTimeout,
		pollInterval:    defaultPollInterval,
		createSem:       make(chan struct{}, defaultMaxCreations),
		baseCtx:         ctx,
		cancel:          cancel,
		entries:         make(map[Key]*entry),
		failedCap:       defaultFailedHistoryCap,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// GetOrCreate resolves the spec to a key and returns its handle,
// creating the process if no live one exists. Blocks the caller until
// the handle reaches RUNNING, a terminal failure, or the creation
// timeout. Only callers racing on the same key wait on each other.
//
// The creation sequence itself runs detached from ctx: cancelling one
// caller does not abort creation for concurrent callers of the key.
func (r *Registry) GetOrCreate(ctx context.Context, spec ProcessSpec, config any) (Handle, error) {
	key, err := ResolveKey(spec)
	if err != nil {
		return Handle{}, err
	}

	for {
		if err := r.baseCtx.Err(); err != nil {
			return Handle{}, ErrShuttingDown
		}

		r.mu.Lock()
		e, exists := r.entries[key]

		if !exists {
			e = &entry{
				key:    key,
				spec:   spec,
				config: config,
				ready:  make(chan struct{}),
				gone:   make(chan struct{}),
			}
			e.creating = true
			r.entries[key] = e
			r.mu.Unlock()

			go r.create(e)

			return r.awaitCreation(ctx, e)
		}

		if e.terminating {
			// A terminate in progress blocks a fresh create for the
			// same key until cleanup finishes.
			gone := e.gone
			r.mu.Unlock()

			select {
			case <-gone:
				continue
			case <-ctx.Done():
				return Handle{}, ctx.Err()
			}
		}

		if e.creating {
			r.mu.Unlock()

			return r.awaitCreation(ctx, e)
		}

		// Settled entry: consult the live supervisor status.
		status, ok := r.supervisor.GetProcessStatus(key.ProcessID())
		if !ok {
			// Supervisor lost track of it (e.g. cleaned up after
			// termination); drop the stale entry and recreate.
			delete(r.entries, key)
			close(e.gone)
			r.mu.Unlock()
			continue
		}

		switch status.State {
		case procmgr.StateRunning:
			h := makeHandle(e.key, e.spec, status)
			r.mu.Unlock()
			return h, nil

		case procmgr.StateFailed:
			// A fresh launch on a failed key gets a brand-new handle
			// with clean restart/error history.
			r.recordFailedLocked(makeHandle(e.key, e.spec, status))
			delete(r.entries, key)
			close(e.gone)
			r.mu.Unlock()
			r.supervisor.RemoveProcess(key.ProcessID())
			continue

		case procmgr.StateTerminated:
			delete(r.entries, key)
			close(e.gone)
			r.mu.Unlock()
			r.supervisor.RemoveProcess(key.ProcessID())
			continue

		default:
			// Starting or terminating outside the creating flag means a
			// restart is underway; poll until it resolves.
			r.mu.Unlock()
			select {
			case <-time.After(r.pollInterval):
			case <-ctx.Done():
				return Handle{}, ctx.Err()
			}
			continue
		}
	}
}

// awaitCreation waits for an in-flight creation to settle. All callers
// racing on the key observe the same handle or error.
func (r *Registry) awaitCreation(ctx context.Context, e *entry) (Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.err != nil {
		return Handle{}, e.err
	}
	return e.result, nil
}

// create runs the detached creation sequence for one entry.
func (r *Registry) create(e *entry) {
	// Queue behind the global creation cap.
	select {
	case r.createSem <- struct{}{}:
	case <-r.baseCtx.Done():
		r.settleCreation(e, Handle{}, ErrShuttingDown)
		return
	}
	defer func() { <-r.createSem }()

	r.logger.Info("creating process",
		"process_id", string(e.key),
		"pattern", e.spec.PatternName,
		"isolation", e.spec.Level.String())

	// The supervisor ignores updates for finished processes, so any
	// remnant of a previous incarnation must be cleared first.
	if status, ok := r.supervisor.GetProcessStatus(e.key.ProcessID()); ok &&
		(status.Finished || status.State == procmgr.StateFailed) {
		r.supervisor.RemoveProcess(e.key.ProcessID())
	}

	r.supervisor.UpdateProcess(procmgr.ProcessUpdate{
		ID:         e.key.ProcessID(),
		UpdateType: procmgr.UpdateTypeCreate,
		StartTime:  time.Now(),
		Config:     e.config,
	})

	deadline := time.NewTimer(r.creationTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.baseCtx.Done():
			r.settleCreation(e, Handle{}, ErrShuttingDown)
			return

		case <-deadline.C:
			// Backstop: the syncer enforces its own creation timeout,
			// but if creation stalls entirely, kill the partial process
			// and fail the attempt.
			r.supervisor.UpdateProcess(procmgr.ProcessUpdate{
				ID:         e.key.ProcessID(),
				UpdateType: procmgr.UpdateTypeTerminate,
				Config:     e.config,
				TerminateOptions: &procmgr.TerminateOptions{
					GracePeriod: time.Second,
				},
			})
			r.settleCreation(e, Handle{}, fmt.Errorf("%w: %s after %v",
				ErrCreationTimeout, e.key, r.creationTimeout))
			return

		case <-ticker.C:
			status, ok := r.supervisor.GetProcessStatus(e.key.ProcessID())
			if !ok {
				continue
			}

			switch status.State {
			case procmgr.StateRunning:
				r.settleCreation(e, makeHandle(e.key, e.spec, status), nil)
				return

			case procmgr.StateFailed:
				lastErr := ""
				if status.LastError != nil {
					lastErr = status.LastError.Error()
				}
				r.settleCreation(e, Handle{}, fmt.Errorf("%w: %s: %s",
					ErrCreationFailed, e.key, lastErr))
				return
			}
		}
	}
}

// settleCreation publishes the creation outcome and wakes all waiters.
// On failure the entry is removed so a later GetOrCreate starts fresh.
func (r *Registry) settleCreation(e *entry, h Handle, err error) {
	r.mu.Lock()
	e.creating = false
	e.result = h
	e.err = err

	if err != nil {
		if status, ok := r.supervisor.GetProcessStatus(e.key.ProcessID()); ok {
			r.recordFailedLocked(makeHandle(e.key, e.spec, status))
		}
		delete(r.entries, e.key)
		close(e.gone)
		r.logger.Warn("process creation failed",
			"process_id", string(e.key), "error", err)
	} else {
		r.logger.Info("process running",
			"process_id", string(e.key), "address", h.Address)
	}
	r.mu.Unlock()

	if err != nil {
		// Best effort: a timed-out process is still terminating and
		// stays tracked until its cleanup pass finishes.
		r.supervisor.RemoveProcess(e.key.ProcessID())
	}

	close(e.ready)
}

// Terminate initiates termination for the key and blocks until the
// process exit has been observed and cleanup has finished. The grace
// period is enforced by the supervisor regardless of the caller's ctx.
func (r *Registry) Terminate(ctx context.Context, key Key, gracePeriod time.Duration) error {
	r.mu.Lock()
	e, exists := r.entries[key]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if e.creating {
		// Creation completes before a terminate is accepted.
		ready := e.ready
		r.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		return r.Terminate(ctx, key, gracePeriod)
	}

	if e.terminating {
		// Someone else is already tearing it down; wait for it.
		gone := e.gone
		r.mu.Unlock()
		select {
		case <-gone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.terminating = true
	r.mu.Unlock()

	completedCh := make(chan struct{})
	r.supervisor.UpdateProcess(procmgr.ProcessUpdate{
		ID:         key.ProcessID(),
		UpdateType: procmgr.UpdateTypeTerminate,
		Config:     e.config,
		TerminateOptions: &procmgr.TerminateOptions{
			CompletedCh: completedCh,
			GracePeriod: gracePeriod,
		},
	})

	// Exit is guaranteed within grace + force-kill; pad for cleanup.
	waitCtx, cancel := context.WithTimeout(ctx, gracePeriod+10*time.Second)
	defer cancel()

	select {
	case <-completedCh:
	case <-waitCtx.Done():
		return fmt.Errorf("timeout waiting for process %s to terminate: %w", key, waitCtx.Err())
	}

	// Let the cleanup pass release ports and tracking before the key
	// becomes creatable again.
	r.awaitCleanup(waitCtx, key)

	r.mu.Lock()
	delete(r.entries, key)
	close(e.gone)
	r.mu.Unlock()

	r.supervisor.RemoveProcess(key.ProcessID())
	r.logger.Info("process terminated", "process_id", string(key))
	return nil
}

func (r *Registry) awaitCleanup(ctx context.Context, key Key) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		status, ok := r.supervisor.GetProcessStatus(key.ProcessID())
		if !ok || status.Finished {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Remove deletes a terminated or failed entry, including from the
// recent-failures buffer. Live entries are not removable.
func (r *Registry) Remove(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, h := range r.failed {
		if h.ID == key {
			r.failed = append(r.failed[:i], r.failed[i+1:]...)
			break
		}
	}

	e, exists := r.entries[key]
	if !exists {
		return nil
	}

	status, ok := r.supervisor.GetProcessStatus(key.ProcessID())
	if ok && status.State != procmgr.StateTerminated && status.State != procmgr.StateFailed {
		return fmt.Errorf("process %s is %s, not removable", key, status.State)
	}

	delete(r.entries, key)
	close(e.gone)
	r.supervisor.RemoveProcess(key.ProcessID())
	return nil
}

// Get returns the live handle for a key, if any.
func (r *Registry) Get(key Key) (Handle, bool) {
	r.mu.Lock()
	e, exists := r.entries[key]
	if !exists {
		r.mu.Unlock()
		return Handle{}, false
	}
	spec := e.spec
	r.mu.Unlock()

	status, ok := r.supervisor.GetProcessStatus(key.ProcessID())
	if !ok {
		return Handle{}, false
	}
	return makeHandle(key, spec, status), true
}

// List returns a point-in-time snapshot of all handles matching the
// filter, including recently failed ones. Never a live view.
func (r *Registry) List(filter Filter) []Handle {
	r.mu.Lock()
	type pending struct {
		key  Key
		spec ProcessSpec
	}
	live := make([]pending, 0, len(r.entries))
	for key, e := range r.entries {
		live = append(live, pending{key: key, spec: e.spec})
	}
	failed := make([]Handle, len(r.failed))
	copy(failed, r.failed)
	r.mu.Unlock()

	handles := make([]Handle, 0, len(live)+len(failed))
	for _, p := range live {
		status, ok := r.supervisor.GetProcessStatus(p.key.ProcessID())
		if !ok {
			continue
		}
		h := makeHandle(p.key, p.spec, status)
		if filter.matches(h) {
			handles = append(handles, h)
		}
	}
	for _, h := range failed {
		if filter.matches(h) {
			handles = append(handles, h)
		}
	}
	return handles
}

// HealthSummary aggregates registry state for the Health API.
type HealthSummary struct {
	Total       int
	Starting    int
	Running     int
	Terminating int
	Failed      int
	ByIsolation map[string]int
}

// Health summarizes all tracked handles. Never fails.
func (r *Registry) Health() HealthSummary {
	summary := HealthSummary{ByIsolation: make(map[string]int)}

	for _, h := range r.List(Filter{}) {
		summary.Total++
		summary.ByIsolation[h.Spec.Level.String()]++

		switch h.State {
		case procmgr.StateStarting:
			summary.Starting++
		case procmgr.StateRunning:
			summary.Running++
		case procmgr.StateTerminating:
			summary.Terminating++
		case procmgr.StateFailed:
			summary.Failed++
		}
	}
	return summary
}

// Close stops accepting work. In-flight creations settle with
// ErrShuttingDown; process shutdown itself is the supervisor's job.
func (r *Registry) Close() {
	r.cancel()
}

// recordFailedLocked appends to the bounded failure history. Caller
// holds r.mu.
func (r *Registry) recordFailedLocked(h Handle) {
	if r.failedCap == 0 {
		return
	}
	h.State = procmgr.StateFailed
	h.Healthy = false
	r.failed = append(r.failed, h)
	if len(r.failed) > r.failedCap {
		r.failed = r.failed[len(r.failed)-r.failedCap:]
	}
}

func makeHandle(key Key, spec ProcessSpec, status procmgr.ProcessStatus) Handle {
	lastErr := ""
	if status.LastError != nil {
		lastErr = status.LastError.Error()
	}
	return Handle{
		ID:           key,
		Spec:         spec,
		State:        status.State,
		Healthy:      status.Healthy,
		Address:      status.Address,
		RestartCount: status.RestartCount,
		ErrorCount:   status.ErrorCount,
		LastError:    lastErr,
		StartedAt:    status.StartedAt,
	}
}
