package procmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSyncer is a configurable ProcessSyncer for tests.
type mockSyncer struct {
	mu sync.Mutex

	syncCalled        int
	terminatingCalled int
	terminatedCalled  int

	syncErr      error
	syncResult   SyncResult
	syncDuration time.Duration
}

func (m *mockSyncer) SyncProcess(ctx context.Context, updateType UpdateType, config any) (SyncResult, error) {
	m.mu.Lock()
	m.syncCalled++
	err := m.syncErr
	res := m.syncResult
	d := m.syncDuration
	m.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}

	return res, err
}

func (m *mockSyncer) SyncTerminatingProcess(ctx context.Context, config any, gracePeriod time.Duration, statusFn ProcessStatusFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminatingCalled++
	return nil
}

func (m *mockSyncer) SyncTerminatedProcess(ctx context.Context, config any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminatedCalled++
	return nil
}

func (m *mockSyncer) getSyncCalled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncCalled
}

func (m *mockSyncer) getTerminatingCalled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminatingCalled
}

func (m *mockSyncer) getTerminatedCalled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminatedCalled
}

func (m *mockSyncer) setSyncErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncErr = err
}

func (m *mockSyncer) setSyncResult(res SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncResult = res
}

func newTestManager(t *testing.T, syncer ProcessSyncer, opts ...Option) *ProcessManager {
	t.Helper()

	all := append([]Option{
		WithSyncer(syncer),
		WithResyncInterval(100 * time.Millisecond),
		WithBackOffPeriod(200 * time.Millisecond),
	}, opts...)

	pm := NewProcessManager(all...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pm.Shutdown(ctx)
	})

	return pm
}

func TestProcessManagerCreate(t *testing.T) {
	syncer := &mockSyncer{syncResult: SyncResult{Address: "127.0.0.1:15000"}}
	pm := newTestManager(t, syncer)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-1",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-1")
		return ok && status.State == StateRunning
	}, 2*time.Second, 50*time.Millisecond, "process should reach Running")

	status, ok := pm.GetProcessStatus("proc-1")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, "127.0.0.1:15000", status.Address)
	assert.Equal(t, 0, status.ErrorCount)
	assert.False(t, status.StartedAt.IsZero())
	assert.GreaterOrEqual(t, syncer.getSyncCalled(), 1)
}

func TestProcessManagerUnknownProcess(t *testing.T) {
	pm := newTestManager(t, &mockSyncer{})

	_, ok := pm.GetProcessStatus("nope")
	assert.False(t, ok)
}

func TestProcessManagerSyncErrorsCounted(t *testing.T) {
	syncer := &mockSyncer{syncErr: errors.New("health check refused")}
	pm := newTestManager(t, syncer, WithBreakerThreshold(100))

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-err",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-err")
		return ok && status.ErrorCount >= 2
	}, 3*time.Second, 50*time.Millisecond, "errors should accumulate across retries")

	status, _ := pm.GetProcessStatus("proc-err")
	assert.Error(t, status.LastError)
	assert.NotEqual(t, StateFailed, status.State)
}

func TestProcessManagerErrorCountResetsOnSuccess(t *testing.T) {
	syncer := &mockSyncer{syncErr: errors.New("not ready")}
	pm := newTestManager(t, syncer, WithBreakerThreshold(100))

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-recover",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-recover")
		return ok && status.ErrorCount >= 1
	}, 2*time.Second, 50*time.Millisecond)

	syncer.setSyncErr(nil)

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-recover")
		return ok && status.State == StateRunning && status.ErrorCount == 0
	}, 3*time.Second, 50*time.Millisecond, "recovery should clear the error count")
}

func TestProcessManagerBreakerTrips(t *testing.T) {
	syncer := &mockSyncer{syncErr: errors.New("persistent failure")}
	pm := newTestManager(t, syncer,
		WithBreakerThreshold(3),
		WithBackOffPeriod(50*time.Millisecond),
	)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-breaker",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-breaker")
		return ok && status.State == StateFailed
	}, 5*time.Second, 50*time.Millisecond, "breaker should trip after 3 consecutive errors")

	status, _ := pm.GetProcessStatus("proc-breaker")
	assert.GreaterOrEqual(t, status.ErrorCount, 3)
	assert.False(t, status.Healthy)

	// The tripped process is driven through stop and cleanup so the
	// OS process does not outlive its FAILED handle.
	require.Eventually(t, func() bool {
		return syncer.getTerminatingCalled() >= 1 && syncer.getTerminatedCalled() >= 1
	}, 2*time.Second, 50*time.Millisecond, "breaker trip should stop the process")

	// Failed is terminal: the syncer is not called again.
	called := syncer.getSyncCalled()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, called, syncer.getSyncCalled())
}

func TestProcessManagerFatalErrorFailsImmediately(t *testing.T) {
	syncer := &mockSyncer{syncErr: Fatal(errors.New("executable not found"))}
	pm := newTestManager(t, syncer)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-fatal",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-fatal")
		return ok && status.State == StateFailed
	}, 2*time.Second, 50*time.Millisecond, "fatal error should fail without retries")

	status, _ := pm.GetProcessStatus("proc-fatal")
	assert.Equal(t, 1, status.ErrorCount)

	require.Eventually(t, func() bool {
		return syncer.getTerminatingCalled() >= 1 && syncer.getTerminatedCalled() >= 1
	}, 2*time.Second, 50*time.Millisecond, "fatal failure should stop the process")
}

func TestProcessManagerRestartCounted(t *testing.T) {
	syncer := &mockSyncer{}
	pm := newTestManager(t, syncer, WithResyncInterval(50*time.Millisecond))

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-restart",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-restart")
		return ok && status.State == StateRunning
	}, 2*time.Second, 50*time.Millisecond)

	syncer.setSyncResult(SyncResult{Restarted: true, Address: "127.0.0.1:15001"})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-restart")
		return ok && status.RestartCount >= 1
	}, 3*time.Second, 50*time.Millisecond, "restart should be counted")

	status, _ := pm.GetProcessStatus("proc-restart")
	assert.Equal(t, "127.0.0.1:15001", status.Address)
}

func TestProcessManagerGracefulTermination(t *testing.T) {
	syncer := &mockSyncer{}
	pm := newTestManager(t, syncer)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-term",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-term")
		return ok && status.State == StateRunning
	}, 2*time.Second, 50*time.Millisecond)

	completed := make(chan struct{})
	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-term",
		UpdateType: UpdateTypeTerminate,
		TerminateOptions: &TerminateOptions{
			CompletedCh: completed,
			GracePeriod: 2 * time.Second,
		},
	})

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("termination did not complete")
	}

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-term")
		return ok && status.Finished
	}, 3*time.Second, 50*time.Millisecond, "cleanup should run after termination")

	assert.GreaterOrEqual(t, syncer.getTerminatingCalled(), 1)
	assert.GreaterOrEqual(t, syncer.getTerminatedCalled(), 1)
}

func TestProcessManagerTerminationInterruptsSlowSync(t *testing.T) {
	syncer := &mockSyncer{syncDuration: 10 * time.Second}
	pm := newTestManager(t, syncer)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-slow",
		UpdateType: UpdateTypeCreate,
	})

	// Let the slow sync start.
	require.Eventually(t, func() bool {
		return syncer.getSyncCalled() >= 1
	}, 2*time.Second, 20*time.Millisecond)

	completed := make(chan struct{})
	start := time.Now()
	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-slow",
		UpdateType: UpdateTypeTerminate,
		TerminateOptions: &TerminateOptions{
			CompletedCh: completed,
		},
	})

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("termination blocked behind slow sync")
	}

	assert.Less(t, time.Since(start), 5*time.Second,
		"terminate should cancel the in-flight sync instead of waiting it out")
}

// blockingTerminator holds the terminating pass open until released.
type blockingTerminator struct {
	mockSyncer
	release chan struct{}
}

func (s *blockingTerminator) SyncTerminatingProcess(ctx context.Context, config any, gracePeriod time.Duration, statusFn ProcessStatusFunc) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestProcessManagerGraceOnlyDecreases(t *testing.T) {
	syncer := &blockingTerminator{release: make(chan struct{})}
	defer close(syncer.release)
	pm := newTestManager(t, syncer)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-grace",
		UpdateType: UpdateTypeCreate,
	})

	pm.UpdateProcess(ProcessUpdate{
		ID:               "proc-grace",
		UpdateType:       UpdateTypeTerminate,
		TerminateOptions: &TerminateOptions{GracePeriod: 3 * time.Second},
	})

	pm.mu.Lock()
	status := pm.processStatuses["proc-grace"]
	firstGrace := status.gracePeriod
	pm.mu.Unlock()
	assert.Equal(t, 3*time.Second, firstGrace)

	// A longer grace on a second request is ignored.
	pm.UpdateProcess(ProcessUpdate{
		ID:               "proc-grace",
		UpdateType:       UpdateTypeTerminate,
		TerminateOptions: &TerminateOptions{GracePeriod: 10 * time.Second},
	})

	pm.mu.Lock()
	secondGrace := status.gracePeriod
	pm.mu.Unlock()
	assert.Equal(t, 3*time.Second, secondGrace)

	// A shorter grace takes effect.
	pm.UpdateProcess(ProcessUpdate{
		ID:               "proc-grace",
		UpdateType:       UpdateTypeTerminate,
		TerminateOptions: &TerminateOptions{GracePeriod: 1 * time.Second},
	})

	pm.mu.Lock()
	thirdGrace := status.gracePeriod
	pm.mu.Unlock()
	assert.Equal(t, 1*time.Second, thirdGrace)
}

func TestProcessManagerTerminalResultInitiatesTermination(t *testing.T) {
	syncer := &mockSyncer{syncResult: SyncResult{Terminal: true}}
	pm := newTestManager(t, syncer)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-exited",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-exited")
		return ok && status.Finished
	}, 5*time.Second, 50*time.Millisecond,
		"a voluntarily exited process should be terminated and cleaned up")

	assert.GreaterOrEqual(t, syncer.getTerminatingCalled(), 1)
	assert.GreaterOrEqual(t, syncer.getTerminatedCalled(), 1)
}

func TestProcessManagerIgnoresUpdatesAfterFinish(t *testing.T) {
	syncer := &mockSyncer{}
	pm := newTestManager(t, syncer)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-done",
		UpdateType: UpdateTypeCreate,
	})

	completed := make(chan struct{})
	pm.UpdateProcess(ProcessUpdate{
		ID:               "proc-done",
		UpdateType:       UpdateTypeTerminate,
		TerminateOptions: &TerminateOptions{CompletedCh: completed},
	})

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("termination did not complete")
	}

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-done")
		return ok && status.Finished
	}, 3*time.Second, 50*time.Millisecond)

	called := syncer.getSyncCalled()
	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-done",
		UpdateType: UpdateTypeSync,
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, called, syncer.getSyncCalled(), "finished process accepts no updates")
}

func TestProcessManagerRemoveProcess(t *testing.T) {
	syncer := &mockSyncer{}
	pm := newTestManager(t, syncer)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-rm",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-rm")
		return ok && status.State == StateRunning
	}, 2*time.Second, 50*time.Millisecond)

	// Live processes are not removable.
	assert.False(t, pm.RemoveProcess("proc-rm"))

	completed := make(chan struct{})
	pm.UpdateProcess(ProcessUpdate{
		ID:               "proc-rm",
		UpdateType:       UpdateTypeTerminate,
		TerminateOptions: &TerminateOptions{CompletedCh: completed},
	})
	<-completed

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-rm")
		return ok && status.Finished
	}, 3*time.Second, 50*time.Millisecond)

	assert.True(t, pm.RemoveProcess("proc-rm"))
	_, ok := pm.GetProcessStatus("proc-rm")
	assert.False(t, ok)

	// Removing an unknown ID is a no-op success.
	assert.True(t, pm.RemoveProcess("proc-rm"))
}

func TestProcessManagerConcurrentProcesses(t *testing.T) {
	syncer := &mockSyncer{}
	pm := newTestManager(t, syncer)

	const n = 20
	for i := 0; i < n; i++ {
		pm.UpdateProcess(ProcessUpdate{
			ID:         ProcessID(fmt.Sprintf("proc-%d", i)),
			UpdateType: UpdateTypeCreate,
		})
	}

	require.Eventually(t, func() bool {
		statuses := pm.Statuses()
		if len(statuses) != n {
			return false
		}
		for _, status := range statuses {
			if status.State != StateRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond, "all processes should reach Running")

	health := pm.Health()
	assert.Equal(t, n, health.TotalProcesses)
	assert.Equal(t, n, health.RunningProcesses)
	assert.Equal(t, 0, health.FailedProcesses)
}

// selectiveSyncer fails syncs whose config is the string "fail".
type selectiveSyncer struct {
	mockSyncer
}

func (s *selectiveSyncer) SyncProcess(ctx context.Context, updateType UpdateType, config any) (SyncResult, error) {
	if cfg, ok := config.(string); ok && cfg == "fail" {
		return SyncResult{}, errors.New("went away")
	}
	return s.mockSyncer.SyncProcess(ctx, updateType, config)
}

func TestProcessManagerHealthCounts(t *testing.T) {
	pm := newTestManager(t, &selectiveSyncer{}, WithBreakerThreshold(1))

	pm.UpdateProcess(ProcessUpdate{ID: "good", UpdateType: UpdateTypeCreate})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("good")
		return ok && status.State == StateRunning
	}, 2*time.Second, 50*time.Millisecond)

	pm.UpdateProcess(ProcessUpdate{ID: "bad", UpdateType: UpdateTypeCreate, Config: "fail"})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("bad")
		return ok && status.State == StateFailed
	}, 3*time.Second, 50*time.Millisecond)

	health := pm.Health()
	assert.Equal(t, 2, health.TotalProcesses)
	assert.Equal(t, 1, health.FailedProcesses)
	assert.Contains(t, health.Processes, ProcessID("good"))
	assert.Contains(t, health.Processes, ProcessID("bad"))
}

func TestProcessManagerShutdown(t *testing.T) {
	syncer := &mockSyncer{}
	pm := NewProcessManager(
		WithSyncer(syncer),
		WithResyncInterval(50*time.Millisecond),
	)

	for i := 0; i < 5; i++ {
		pm.UpdateProcess(ProcessUpdate{
			ID:         ProcessID(fmt.Sprintf("shutdown-%d", i)),
			UpdateType: UpdateTypeCreate,
		})
	}

	require.Eventually(t, func() bool {
		return len(pm.Statuses()) == 5
	}, 2*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, pm.Shutdown(ctx))
}

func TestProcessManagerShutdownTimeout(t *testing.T) {
	pm := NewProcessManager(WithSyncer(&mockSyncer{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With an already-cancelled context the result depends on whether
	// workers beat the deadline; either way Shutdown must return.
	done := make(chan struct{})
	go func() {
		_ = pm.Shutdown(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

// trackingSyncer records every update type it sees, in order.
type trackingSyncer struct {
	mu      sync.Mutex
	updates []UpdateType
}

func (s *trackingSyncer) SyncProcess(ctx context.Context, updateType UpdateType, config any) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updateType)
	return SyncResult{}, nil
}

func (s *trackingSyncer) SyncTerminatingProcess(ctx context.Context, config any, gracePeriod time.Duration, statusFn ProcessStatusFunc) error {
	return nil
}

func (s *trackingSyncer) SyncTerminatedProcess(ctx context.Context, config any) error {
	return nil
}

func (s *trackingSyncer) seen() []UpdateType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UpdateType, len(s.updates))
	copy(out, s.updates)
	return out
}

func TestProcessManagerPeriodicResync(t *testing.T) {
	syncer := &trackingSyncer{}
	pm := newTestManager(t, syncer, WithResyncInterval(50*time.Millisecond))

	pm.UpdateProcess(ProcessUpdate{
		ID:         "resync-1",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		return len(syncer.seen()) >= 3
	}, 3*time.Second, 20*time.Millisecond, "resync should fire repeatedly")

	updates := syncer.seen()
	assert.Equal(t, UpdateTypeCreate, updates[0])
	for _, ut := range updates[1:] {
		assert.Equal(t, UpdateTypeSync, ut)
	}
}

func TestProcessManagerHighChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping churn test in short mode")
	}

	syncer := &mockSyncer{}
	pm := newTestManager(t, syncer, WithResyncInterval(20*time.Millisecond))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ProcessID(fmt.Sprintf("churn-%d", i))

			pm.UpdateProcess(ProcessUpdate{ID: id, UpdateType: UpdateTypeCreate})

			completed := make(chan struct{})
			pm.UpdateProcess(ProcessUpdate{
				ID:               id,
				UpdateType:       UpdateTypeTerminate,
				TerminateOptions: &TerminateOptions{CompletedCh: completed},
			})

			select {
			case <-completed:
			case <-time.After(10 * time.Second):
				t.Errorf("termination of %s timed out", id)
			}
		}(i)
	}

	wg.Wait()

	require.Eventually(t, func() bool {
		for _, status := range pm.Statuses() {
			if !status.Finished {
				return false
			}
		}
		return true
	}, 10*time.Second, 100*time.Millisecond, "all churned processes should finish")
}

func BenchmarkProcessManagerUpdate(b *testing.B) {
	pm := NewProcessManager(
		WithSyncer(&mockSyncer{}),
		WithResyncInterval(time.Hour),
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pm.Shutdown(ctx)
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.UpdateProcess(ProcessUpdate{
			ID:         ProcessID(fmt.Sprintf("bench-%d", i%100)),
			UpdateType: UpdateTypeSync,
		})
	}
}

// flappingSyncer drives a fixed probe cycle: failsPerCycle-1 errors,
// then a successful pass that reports a replaced process. Mirrors a
// syncer that swaps out a wedged process at its failure threshold.
type flappingSyncer struct {
	mockSyncer
	failsPerCycle int
	calls         int
}

func (f *flappingSyncer) SyncProcess(ctx context.Context, updateType UpdateType, config any) (SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalled++
	f.calls++

	// Initial create comes up healthy.
	if f.calls == 1 {
		return SyncResult{Address: "127.0.0.1:15000"}, nil
	}

	pos := (f.calls - 2) % f.failsPerCycle
	if pos == f.failsPerCycle-1 {
		return SyncResult{Restarted: true, Address: "127.0.0.1:15001"}, nil
	}
	return SyncResult{}, errors.New("health probe failed")
}

func TestProcessManagerRestartDoesNotResetErrorCount(t *testing.T) {
	syncer := &flappingSyncer{failsPerCycle: 3}
	pm := newTestManager(t, syncer,
		WithBreakerThreshold(5),
		WithResyncInterval(50*time.Millisecond),
		WithBackOffPeriod(50*time.Millisecond),
	)

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-flap",
		UpdateType: UpdateTypeCreate,
	})

	// Two errors per cycle and restarts carrying the count forward:
	// 1, 2, restart (2), 3, 4, restart (4), 5 trips the breaker.
	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-flap")
		return ok && status.State == StateFailed
	}, 15*time.Second, 50*time.Millisecond, "flapping process should exhaust the breaker despite restarts")

	status, _ := pm.GetProcessStatus("proc-flap")
	assert.Equal(t, 2, status.RestartCount)
	assert.GreaterOrEqual(t, status.ErrorCount, 5)

	require.Eventually(t, func() bool {
		return syncer.getTerminatingCalled() >= 1 && syncer.getTerminatedCalled() >= 1
	}, 2*time.Second, 50*time.Millisecond, "failed process should be stopped")
}

func TestProcessManagerSuccessWithoutRestartResetsErrorCount(t *testing.T) {
	syncer := &mockSyncer{syncErr: errors.New("not ready")}
	pm := newTestManager(t, syncer, WithBreakerThreshold(100))

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-plain-recover",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-plain-recover")
		return ok && status.ErrorCount >= 2
	}, 3*time.Second, 50*time.Millisecond)

	syncer.setSyncErr(nil)

	require.Eventually(t, func() bool {
		status, ok := pm.GetProcessStatus("proc-plain-recover")
		return ok && status.State == StateRunning && status.ErrorCount == 0 && status.RestartCount == 0
	}, 3*time.Second, 50*time.Millisecond, "a clean pass should clear the error count")
}

func TestProcessManagerPerProcessResyncInterval(t *testing.T) {
	// The manager-wide interval is far too long to matter; the syncer's
	// per-process override drives the resync cadence.
	syncer := &mockSyncer{syncResult: SyncResult{ResyncAfter: 50 * time.Millisecond}}
	pm := newTestManager(t, syncer, WithResyncInterval(time.Hour))

	pm.UpdateProcess(ProcessUpdate{
		ID:         "proc-cadence",
		UpdateType: UpdateTypeCreate,
	})

	require.Eventually(t, func() bool {
		return syncer.getSyncCalled() >= 3
	}, 10*time.Second, 100*time.Millisecond, "resyncs should follow the per-process interval")
}
