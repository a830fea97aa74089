package procmgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultResyncInterval   = 30 * time.Second
	defaultBackOffPeriod    = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultGracePeriod      = 10 * time.Second
)

// NewProcessManager creates a process manager. A syncer must be supplied
// via WithSyncer before any update is submitted.
func NewProcessManager(opts ...Option) *ProcessManager {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &ProcessManager{
		processUpdates:   make(map[ProcessID]chan struct{}),
		processStatuses:  make(map[ProcessID]*processStatus),
		resyncInterval:   defaultResyncInterval,
		backOffPeriod:    defaultBackOffPeriod,
		breakerThreshold: defaultBreakerThreshold,
		defaultGrace:     defaultGracePeriod,
		workQueue:        NewWorkQueue(),
		metrics:          NewNoopMetricsCollector(),
		logger:           slog.Default(),
		shutdownCtx:      ctx,
		shutdownCancel:   cancel,
	}

	for _, opt := range opts {
		opt(pm)
	}

	pm.wg.Add(1)
	go pm.workQueueConsumer()

	return pm
}

// UpdateProcess submits a process update. The first update for an ID
// starts a dedicated worker goroutine for that process.
func (pm *ProcessManager) UpdateProcess(update ProcessUpdate) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if update.StartTime.IsZero() {
		update.StartTime = time.Now()
	}

	status, exists := pm.processStatuses[update.ID]
	if !exists {
		status = &processStatus{}
		pm.processStatuses[update.ID] = status
	}

	// Finished processes accept no further updates.
	if status.IsFinished() {
		pm.logger.Debug("ignoring update for finished process", "process_id", update.ID)
		return
	}

	if update.UpdateType == UpdateTypeTerminate {
		pm.handleTerminationRequest(update.ID, status, update.TerminateOptions)
	}

	status.pending = &update

	updateCh, exists := pm.processUpdates[update.ID]
	if !exists {
		// Buffered channel (size 1) so signalling never blocks.
		updateCh = make(chan struct{}, 1)
		pm.processUpdates[update.ID] = updateCh

		pm.wg.Add(1)
		go pm.processWorkerLoop(update.ID, updateCh)
	}

	select {
	case updateCh <- struct{}{}:
	default:
	}
}

// handleTerminationRequest records the terminating timestamp and grace
// period. Called with pm.mu held.
func (pm *ProcessManager) handleTerminationRequest(id ProcessID, status *processStatus, opts *TerminateOptions) {
	alreadyTerminating := status.IsTerminating()

	if status.terminatingAt.IsZero() {
		status.terminatingAt = time.Now()
	}

	grace := pm.defaultGrace
	if opts != nil && opts.GracePeriod > 0 {
		grace = opts.GracePeriod
	}

	// Grace period can only decrease, never increase.
	if status.gracePeriod == 0 || grace < status.gracePeriod {
		status.gracePeriod = grace
	}

	// Interrupt a long-running sync so the terminate pass runs promptly.
	if !alreadyTerminating && status.cancelFn != nil {
		pm.logger.Debug("cancelling sync context for termination", "process_id", id)
		status.cancelFn()
	}
}

// workQueueConsumer drains the delayed work queue and signals workers.
func (pm *ProcessManager) workQueueConsumer() {
	defer pm.wg.Done()

	// Periodic tick in case a notification was missed while an item's
	// delay had not yet elapsed.
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-pm.shutdownCtx.Done():
			return
		case <-pm.workQueue.Wait():
			pm.processWorkQueue()
		case <-ticker.C:
			pm.processWorkQueue()
		}
	}
}

func (pm *ProcessManager) processWorkQueue() {
	for {
		id, ok := pm.workQueue.Dequeue()
		if !ok {
			break
		}

		pm.metrics.WorkQueueRetry(id)
		pm.metrics.WorkQueueDepth(pm.workQueue.Len())

		pm.mu.Lock()
		status, exists := pm.processStatuses[id]
		if !exists {
			pm.mu.Unlock()
			continue
		}

		updateCh, chanExists := pm.processUpdates[id]
		if !chanExists {
			pm.mu.Unlock()
			continue
		}

		// No pending update means this is a resync or retry: synthesize
		// a sync update reusing the active config.
		if status.pending == nil {
			var config any
			if status.active != nil {
				config = status.active.Config
			}

			status.pending = &ProcessUpdate{
				ID:         id,
				UpdateType: UpdateTypeSync,
				StartTime:  time.Now(),
				Config:     config,
			}
		}

		pm.mu.Unlock()

		select {
		case updateCh <- struct{}{}:
		default:
		}
	}
}

// processWorkerLoop handles updates for a single process until it finishes.
func (pm *ProcessManager) processWorkerLoop(id ProcessID, updateCh <-chan struct{}) {
	defer pm.wg.Done()

	for {
		select {
		case <-pm.shutdownCtx.Done():
			return
		case <-updateCh:
			if !pm.processUpdate(id) {
				return
			}
		}
	}
}

// processUpdate runs one reconciliation pass. Returns false once the
// worker should exit.
func (pm *ProcessManager) processUpdate(id ProcessID) bool {
	pm.mu.Lock()

	status, exists := pm.processStatuses[id]
	if !exists {
		pm.mu.Unlock()
		return false
	}

	if status.IsFinished() {
		pm.mu.Unlock()
		return false
	}

	if status.working {
		pm.mu.Unlock()
		return true
	}

	if status.pending == nil {
		pm.mu.Unlock()
		return true
	}

	status.active = status.pending
	status.pending = nil
	status.working = true

	if status.ctx == nil || status.ctx.Err() != nil {
		status.ctx, status.cancelFn = context.WithCancel(pm.shutdownCtx)
	}

	update := *status.active
	state := status.State()

	pm.mu.Unlock()

	err := pm.executeSync(id, status, update, state)
	pm.completeWork(id, err)

	pm.mu.Lock()
	finished := status.IsFinished()
	pm.mu.Unlock()

	return !finished
}

func (pm *ProcessManager) executeSync(id ProcessID, status *processStatus, update ProcessUpdate, state State) error {
	if pm.syncer == nil {
		return fmt.Errorf("no syncer configured")
	}

	switch state {
	case StateStarting, StateRunning:
		pm.mu.Lock()
		isTerminating := status.IsTerminating()
		pm.mu.Unlock()

		if isTerminating {
			return pm.syncTerminating(id, status, update)
		}
		return pm.syncProcess(id, status, update)

	case StateTerminating:
		return pm.syncTerminating(id, status, update)

	case StateTerminated:
		return pm.syncTerminated(id, status, update)

	case StateFailed:
		return nil

	default:
		return fmt.Errorf("unknown state: %v", state)
	}
}

// syncProcess runs a start/health pass and applies the result.
func (pm *ProcessManager) syncProcess(id ProcessID, status *processStatus, update ProcessUpdate) error {
	startTime := time.Now()

	res, err := pm.syncer.SyncProcess(status.ctx, update.UpdateType, update.Config)

	duration := time.Since(startTime)
	pm.metrics.ProcessSyncDuration(id, update.UpdateType, duration, err)

	pm.mu.Lock()

	oldState := status.State()

	if err != nil {
		status.errorCount++
		status.lastError = err
		pm.metrics.ProcessError(id, "sync_error")

		// Spawn errors and creation timeouts are not retried; repeated
		// health failures trip the circuit breaker. Both are terminal.
		if IsFatal(err) {
			pm.logger.Warn("process failed terminally",
				"process_id", id, "error", err)
			status.failedAt = time.Now()
		} else if status.errorCount >= pm.breakerThreshold {
			pm.logger.Warn("circuit breaker tripped",
				"process_id", id, "error_count", status.errorCount, "error", err)
			status.failedAt = time.Now()
		}
	} else {
		status.syncedAt = time.Now()

		if status.startedAt.IsZero() {
			status.startedAt = time.Now()
		}
		if status.runningAt.IsZero() {
			status.runningAt = time.Now()
		}
		if res.Restarted {
			// Errors carry across a restart until a clean health pass.
			status.restartCount++
			pm.metrics.ProcessRestart(id)
		} else {
			status.errorCount = 0
			status.lastError = nil
		}
		if res.Address != "" {
			status.address = res.Address
		}
		if res.ResyncAfter > 0 {
			status.resyncInterval = res.ResyncAfter
		}
	}

	// A voluntarily exited process moves straight to termination.
	if res.Terminal {
		pm.logger.Info("process reached terminal state, initiating termination", "process_id", id)
		if status.terminatingAt.IsZero() {
			status.terminatingAt = time.Now()
		}
		if status.gracePeriod == 0 {
			status.gracePeriod = pm.defaultGrace
		}
	}

	newState := status.State()
	if newState != oldState {
		pm.metrics.ProcessStateTransition(id, oldState, newState)
	}

	becameFailed := newState == StateFailed && oldState != StateFailed
	pm.mu.Unlock()

	// FAILED is terminal but the OS process may still be alive. Drive
	// it through the syncer's stop and cleanup passes so a failed key
	// never keeps serving.
	if becameFailed {
		if termErr := pm.syncer.SyncTerminatingProcess(pm.shutdownCtx, update.Config, pm.defaultGrace, nil); termErr != nil {
			pm.logger.Warn("failed process termination error", "process_id", id, "error", termErr)
		}
		if cleanErr := pm.syncer.SyncTerminatedProcess(pm.shutdownCtx, update.Config); cleanErr != nil {
			pm.logger.Warn("failed process cleanup error", "process_id", id, "error", cleanErr)
		}
	}

	return err
}

// syncTerminating runs the graceful-stop pass.
func (pm *ProcessManager) syncTerminating(id ProcessID, status *processStatus, update ProcessUpdate) error {
	startTime := time.Now()

	var statusFunc ProcessStatusFunc
	if update.TerminateOptions != nil {
		statusFunc = update.TerminateOptions.StatusFunc
	}

	pm.mu.Lock()
	grace := status.gracePeriod
	if grace == 0 {
		grace = pm.defaultGrace
	}
	pm.mu.Unlock()

	// The terminate pass must not be interrupted by the cancelled sync
	// context: grace enforcement belongs to the syncer, not the caller.
	err := pm.syncer.SyncTerminatingProcess(pm.shutdownCtx, update.Config, grace, statusFunc)

	duration := time.Since(startTime)
	pm.metrics.ProcessTerminationDuration(id, duration)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	oldState := status.State()

	if err != nil {
		status.errorCount++
		status.lastError = err
		pm.metrics.ProcessError(id, "termination_error")
	} else {
		status.terminatedAt = time.Now()
		status.errorCount = 0
		status.lastError = nil

		if update.TerminateOptions != nil && update.TerminateOptions.CompletedCh != nil {
			close(update.TerminateOptions.CompletedCh)
		}

		// Queue the cleanup pass.
		status.pending = &ProcessUpdate{
			ID:         id,
			UpdateType: UpdateTypeSync,
			StartTime:  time.Now(),
			Config:     update.Config,
		}
	}

	newState := status.State()
	if newState != oldState {
		pm.metrics.ProcessStateTransition(id, oldState, newState)
	}

	return err
}

// syncTerminated runs the cleanup pass.
func (pm *ProcessManager) syncTerminated(id ProcessID, status *processStatus, update ProcessUpdate) error {
	err := pm.syncer.SyncTerminatedProcess(pm.shutdownCtx, update.Config)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if err != nil {
		status.errorCount++
		status.lastError = err
		pm.metrics.ProcessError(id, "cleanup_error")
	} else {
		status.finishedAt = time.Now()
		status.finished = true
		status.errorCount = 0
		status.lastError = nil
	}

	return err
}

// completeWork releases the working flag and schedules the next pass.
func (pm *ProcessManager) completeWork(id ProcessID, syncErr error) {
	pm.mu.Lock()

	status, exists := pm.processStatuses[id]
	if !exists {
		pm.mu.Unlock()
		return
	}

	status.working = false

	if status.IsFinished() {
		pm.mu.Unlock()
		return
	}

	var delay time.Duration
	phaseTransition := false

	if syncErr != nil {
		status.consecutiveFails++

		isTransient := syncErr == context.Canceled || syncErr == context.DeadlineExceeded
		if isTransient {
			delay = Jitter(1*time.Second, 0.5)
		} else {
			delay = ExponentialBackoff(status.consecutiveFails, 1*time.Second, pm.backOffPeriod)
			pm.logger.Debug("sync error, backing off",
				"process_id", id, "attempt", status.consecutiveFails,
				"delay", delay, "error", syncErr)
		}
	} else {
		status.consecutiveFails = 0

		if status.State() == StateTerminated {
			// Go straight to the cleanup phase.
			phaseTransition = true
		}

		if phaseTransition {
			delay = 0
		} else {
			interval := pm.resyncInterval
			if status.resyncInterval > 0 {
				interval = status.resyncInterval
			}
			delay = Jitter(interval, 0.1)
		}
	}

	pm.workQueue.Enqueue(id, delay)
	pm.metrics.WorkQueueAdd(id, delay)
	pm.metrics.WorkQueueDepth(pm.workQueue.Len())

	if syncErr != nil {
		pm.metrics.WorkQueueBackoffDuration(id, delay)
	}

	hasPending := status.pending != nil
	updateCh := pm.processUpdates[id]

	pm.mu.Unlock()

	if hasPending {
		select {
		case updateCh <- struct{}{}:
		default:
		}
	}
}

// GetProcessStatus returns the current status of a process.
func (pm *ProcessManager) GetProcessStatus(id ProcessID) (ProcessStatus, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	status, exists := pm.processStatuses[id]
	if !exists {
		return ProcessStatus{}, false
	}

	return status.view(pm.breakerThreshold), true
}

// RemoveProcess drops tracking for a finished or failed process. Live
// processes are not removable; returns false in that case.
func (pm *ProcessManager) RemoveProcess(id ProcessID) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	status, exists := pm.processStatuses[id]
	if !exists {
		return true
	}
	if !status.IsFinished() {
		return false
	}

	delete(pm.processStatuses, id)
	delete(pm.processUpdates, id)
	return true
}

// Shutdown terminates all processes and waits for workers to exit.
func (pm *ProcessManager) Shutdown(ctx context.Context) error {
	pm.logger.Info("process manager shutting down")

	pm.mu.Lock()
	processIDs := make([]ProcessID, 0, len(pm.processStatuses))
	for id := range pm.processStatuses {
		processIDs = append(processIDs, id)
	}
	pm.mu.Unlock()

	for _, id := range processIDs {
		pm.UpdateProcess(ProcessUpdate{
			ID:         id,
			UpdateType: UpdateTypeTerminate,
		})
	}

	pm.shutdownCancel()

	done := make(chan struct{})
	go func() {
		pm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Statuses returns a snapshot of every tracked process.
func (pm *ProcessManager) Statuses() map[ProcessID]ProcessStatus {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	result := make(map[ProcessID]ProcessStatus, len(pm.processStatuses))
	for id, status := range pm.processStatuses {
		result[id] = status.view(pm.breakerThreshold)
	}
	return result
}

// HealthCheck aggregates process counts by state.
type HealthCheck struct {
	TotalProcesses       int
	StartingProcesses    int
	RunningProcesses     int
	TerminatingProcesses int
	FailedProcesses      int
	WorkQueueDepth       int
	Processes            map[ProcessID]ProcessStatus
}

// Health returns the current health of the manager and all processes.
func (pm *ProcessManager) Health() HealthCheck {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	health := HealthCheck{
		Processes: make(map[ProcessID]ProcessStatus),
	}

	for id, status := range pm.processStatuses {
		health.TotalProcesses++

		switch status.State() {
		case StateStarting:
			health.StartingProcesses++
		case StateRunning:
			health.RunningProcesses++
		case StateTerminating:
			health.TerminatingProcesses++
		case StateFailed:
			health.FailedProcesses++
		}

		health.Processes[id] = status.view(pm.breakerThreshold)
	}

	health.WorkQueueDepth = pm.workQueue.Len()
	return health
}
