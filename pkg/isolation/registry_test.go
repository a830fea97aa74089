package isolation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-data/pattern-launcher/pkg/procmgr"
)

// fakeSupervisor simulates the process manager: Create transitions a
// process to Running (or Failed / stalled in Starting, per key), and
// Terminate observes exit immediately.
type fakeSupervisor struct {
	mu sync.Mutex

	statuses    map[procmgr.ProcessID]procmgr.ProcessStatus
	createCalls map[procmgr.ProcessID]int
	failCreate  map[procmgr.ProcessID]bool
	stallCreate map[procmgr.ProcessID]bool
	removed     map[procmgr.ProcessID]int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		statuses:    make(map[procmgr.ProcessID]procmgr.ProcessStatus),
		createCalls: make(map[procmgr.ProcessID]int),
		failCreate:  make(map[procmgr.ProcessID]bool),
		stallCreate: make(map[procmgr.ProcessID]bool),
		removed:     make(map[procmgr.ProcessID]int),
	}
}

func (f *fakeSupervisor) UpdateProcess(update procmgr.ProcessUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch update.UpdateType {
	case procmgr.UpdateTypeCreate:
		f.createCalls[update.ID]++

		switch {
		case f.stallCreate[update.ID]:
			f.statuses[update.ID] = procmgr.ProcessStatus{State: procmgr.StateStarting}
		case f.failCreate[update.ID]:
			f.statuses[update.ID] = procmgr.ProcessStatus{
				State:      procmgr.StateFailed,
				ErrorCount: 1,
				LastError:  errors.New("spawn failed"),
			}
		default:
			f.statuses[update.ID] = procmgr.ProcessStatus{
				State:     procmgr.StateRunning,
				Healthy:   true,
				Address:   fmt.Sprintf("127.0.0.1:%d", 15000+f.createCalls[update.ID]),
				StartedAt: time.Now(),
			}
		}

	case procmgr.UpdateTypeTerminate:
		status := f.statuses[update.ID]
		status.State = procmgr.StateTerminated
		status.Finished = true
		f.statuses[update.ID] = status

		if update.TerminateOptions != nil && update.TerminateOptions.CompletedCh != nil {
			close(update.TerminateOptions.CompletedCh)
		}
	}
}

func (f *fakeSupervisor) GetProcessStatus(id procmgr.ProcessID) (procmgr.ProcessStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[id]
	return status, ok
}

func (f *fakeSupervisor) RemoveProcess(id procmgr.ProcessID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Mirror the real supervisor: live processes are not removable.
	status, ok := f.statuses[id]
	if ok && !status.Finished && status.State != procmgr.StateFailed {
		return false
	}

	f.removed[id]++
	delete(f.statuses, id)
	return true
}

func (f *fakeSupervisor) getCreateCalls(id procmgr.ProcessID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls[id]
}

func (f *fakeSupervisor) setState(id procmgr.ProcessID, state procmgr.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[id]
	status.State = state
	status.Healthy = state == procmgr.StateRunning
	f.statuses[id] = status
}

func newTestRegistry(t *testing.T, sup Supervisor, opts ...RegistryOption) *Registry {
	t.Helper()

	all := append([]RegistryOption{
		WithPollInterval(5 * time.Millisecond),
		WithCreationTimeout(2 * time.Second),
	}, opts...)

	r := NewRegistry(sup, all...)
	t.Cleanup(r.Close)
	return r
}

func nsSpec(pattern, namespace string) ProcessSpec {
	return ProcessSpec{PatternName: pattern, Level: LevelNamespace, Namespace: namespace}
}

func TestRegistryGetOrCreate(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	ctx := context.Background()
	h, err := r.GetOrCreate(ctx, nsSpec("keyvalue", "tenant-a"), nil)
	require.NoError(t, err)

	assert.Equal(t, Key("ns:tenant-a:keyvalue"), h.ID)
	assert.Equal(t, procmgr.StateRunning, h.State)
	assert.True(t, h.Healthy)
	assert.NotEmpty(t, h.Address)
	assert.Equal(t, 1, sup.getCreateCalls(h.ID.ProcessID()))
}

func TestRegistryGetOrCreateReusesRunning(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	ctx := context.Background()
	spec := nsSpec("keyvalue", "tenant-a")

	h1, err := r.GetOrCreate(ctx, spec, nil)
	require.NoError(t, err)

	h2, err := r.GetOrCreate(ctx, spec, nil)
	require.NoError(t, err)

	assert.Equal(t, h1.ID, h2.ID)
	assert.Equal(t, h1.Address, h2.Address)
	assert.Equal(t, 1, sup.getCreateCalls(h1.ID.ProcessID()), "second call must not respawn")
}

func TestRegistryConcurrentGetOrCreateSingleCreation(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	spec := nsSpec("keyvalue", "tenant-a")
	const callers = 16

	var wg sync.WaitGroup
	handles := make([]Handle, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = r.GetOrCreate(context.Background(), spec, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, handles[0].ID, handles[i].ID)
		assert.Equal(t, handles[0].Address, handles[i].Address)
	}

	assert.Equal(t, 1, sup.getCreateCalls(handles[0].ID.ProcessID()),
		"racing callers must share one creation")
}

func TestRegistryNoneIsolationSingleton(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	ctx := context.Background()

	h1, err := r.GetOrCreate(ctx, ProcessSpec{PatternName: "keyvalue", Level: LevelNone, Namespace: "tenant-a"}, nil)
	require.NoError(t, err)
	h2, err := r.GetOrCreate(ctx, ProcessSpec{PatternName: "keyvalue", Level: LevelNone, Namespace: "tenant-b"}, nil)
	require.NoError(t, err)

	assert.Equal(t, h1.ID, h2.ID, "none isolation shares across namespaces")
	assert.Equal(t, 1, sup.getCreateCalls(h1.ID.ProcessID()))
}

func TestRegistryKeySeparation(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	ctx := context.Background()

	ha, err := r.GetOrCreate(ctx, nsSpec("keyvalue", "tenant-a"), nil)
	require.NoError(t, err)
	hb, err := r.GetOrCreate(ctx, nsSpec("keyvalue", "tenant-b"), nil)
	require.NoError(t, err)
	hs, err := r.GetOrCreate(ctx, ProcessSpec{PatternName: "keyvalue", Level: LevelSession, SessionID: "s1"}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, ha.ID, hb.ID)
	assert.NotEqual(t, ha.ID, hs.ID)
	assert.Equal(t, 1, sup.getCreateCalls(ha.ID.ProcessID()))
	assert.Equal(t, 1, sup.getCreateCalls(hb.ID.ProcessID()))
	assert.Equal(t, 1, sup.getCreateCalls(hs.ID.ProcessID()))
}

func TestRegistryCreationFailure(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	key, _ := ResolveKey(nsSpec("broken", "tenant-a"))
	sup.failCreate[key.ProcessID()] = true

	_, err := r.GetOrCreate(context.Background(), nsSpec("broken", "tenant-a"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreationFailed)
	assert.Contains(t, err.Error(), "spawn failed")
}

func TestRegistryRelaunchAfterFailureGetsFreshHandle(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	spec := nsSpec("flaky", "tenant-a")
	key, _ := ResolveKey(spec)
	sup.failCreate[key.ProcessID()] = true

	_, err := r.GetOrCreate(context.Background(), spec, nil)
	require.ErrorIs(t, err, ErrCreationFailed)

	// The failure stays visible in List.
	failed := r.List(Filter{PatternName: "flaky"})
	require.Len(t, failed, 1)
	assert.Equal(t, procmgr.StateFailed, failed[0].State)

	sup.mu.Lock()
	sup.failCreate[key.ProcessID()] = false
	sup.mu.Unlock()

	h, err := r.GetOrCreate(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, procmgr.StateRunning, h.State)
	assert.Equal(t, 0, h.ErrorCount, "relaunch starts with clean history")
	assert.Equal(t, 2, sup.getCreateCalls(key.ProcessID()))
}

func TestRegistrySettledFailureRecreates(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	spec := nsSpec("keyvalue", "tenant-a")
	h, err := r.GetOrCreate(context.Background(), spec, nil)
	require.NoError(t, err)

	// The process fails after running for a while.
	sup.setState(h.ID.ProcessID(), procmgr.StateFailed)

	h2, err := r.GetOrCreate(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, h.ID, h2.ID)
	assert.Equal(t, procmgr.StateRunning, h2.State)
	assert.Equal(t, 2, sup.getCreateCalls(h.ID.ProcessID()),
		"a failed key is recreated on the next launch")
}

func TestRegistryCreationTimeout(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup, WithCreationTimeout(100*time.Millisecond))

	spec := nsSpec("stuck", "tenant-a")
	key, _ := ResolveKey(spec)
	sup.stallCreate[key.ProcessID()] = true

	start := time.Now()
	_, err := r.GetOrCreate(context.Background(), spec, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreationTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The partial process was told to terminate and dropped from tracking.
	_, ok := sup.GetProcessStatus(key.ProcessID())
	assert.False(t, ok)

	sup.mu.Lock()
	removed := sup.removed[key.ProcessID()]
	sup.mu.Unlock()
	assert.GreaterOrEqual(t, removed, 1)
}

func TestRegistryCallerCancellationDoesNotAbortCreation(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	spec := nsSpec("slow", "tenant-a")
	key, _ := ResolveKey(spec)
	sup.stallCreate[key.ProcessID()] = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.GetOrCreate(ctx, spec, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Creation keeps going; once the process comes up, a second caller
	// gets it without a respawn.
	sup.mu.Lock()
	sup.statuses[key.ProcessID()] = procmgr.ProcessStatus{
		State:   procmgr.StateRunning,
		Healthy: true,
		Address: "127.0.0.1:15099",
	}
	sup.mu.Unlock()

	h, err := r.GetOrCreate(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:15099", h.Address)
	assert.Equal(t, 1, sup.getCreateCalls(key.ProcessID()))
}

func TestRegistryTerminate(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	spec := nsSpec("keyvalue", "tenant-a")
	h, err := r.GetOrCreate(context.Background(), spec, nil)
	require.NoError(t, err)

	err = r.Terminate(context.Background(), h.ID, 5*time.Second)
	require.NoError(t, err)

	_, ok := r.Get(h.ID)
	assert.False(t, ok, "terminated entry is removed")

	// The key is creatable again, as a fresh process.
	h2, err := r.GetOrCreate(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, h.ID, h2.ID)
	assert.Equal(t, 2, sup.getCreateCalls(h.ID.ProcessID()))
}

func TestRegistryTerminateUnknownKey(t *testing.T) {
	r := newTestRegistry(t, newFakeSupervisor())

	err := r.Terminate(context.Background(), "ns:tenant-a:nope", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRemove(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	spec := nsSpec("keyvalue", "tenant-a")
	h, err := r.GetOrCreate(context.Background(), spec, nil)
	require.NoError(t, err)

	// Running processes are not removable.
	err = r.Remove(h.ID)
	require.Error(t, err)

	sup.setState(h.ID.ProcessID(), procmgr.StateTerminated)
	require.NoError(t, r.Remove(h.ID))

	_, ok := r.Get(h.ID)
	assert.False(t, ok)
}

func TestRegistryRemovePurgesFailedHistory(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	spec := nsSpec("broken", "tenant-a")
	key, _ := ResolveKey(spec)
	sup.failCreate[key.ProcessID()] = true

	_, err := r.GetOrCreate(context.Background(), spec, nil)
	require.ErrorIs(t, err, ErrCreationFailed)
	require.Len(t, r.List(Filter{}), 1)

	require.NoError(t, r.Remove(key))
	assert.Empty(t, r.List(Filter{}))
}

func TestRegistryListFilter(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, nsSpec("keyvalue", "tenant-a"), nil)
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, nsSpec("keyvalue", "tenant-b"), nil)
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, nsSpec("stream", "tenant-a"), nil)
	require.NoError(t, err)

	assert.Len(t, r.List(Filter{}), 3)
	assert.Len(t, r.List(Filter{PatternName: "keyvalue"}), 2)
	assert.Len(t, r.List(Filter{Namespace: "tenant-a"}), 2)
	assert.Len(t, r.List(Filter{PatternName: "stream", Namespace: "tenant-a"}), 1)
	assert.Empty(t, r.List(Filter{PatternName: "stream", Namespace: "tenant-b"}))
}

func TestRegistryFailedHistoryBounded(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup, WithFailedHistorySize(2))

	for i := 0; i < 4; i++ {
		spec := nsSpec("broken", fmt.Sprintf("tenant-%d", i))
		key, _ := ResolveKey(spec)
		sup.mu.Lock()
		sup.failCreate[key.ProcessID()] = true
		sup.mu.Unlock()

		_, err := r.GetOrCreate(context.Background(), spec, nil)
		require.ErrorIs(t, err, ErrCreationFailed)
	}

	failures := r.List(Filter{})
	assert.Len(t, failures, 2, "oldest failures are evicted")
}

func TestRegistryHealth(t *testing.T) {
	sup := newFakeSupervisor()
	r := newTestRegistry(t, sup)

	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, nsSpec("keyvalue", "tenant-a"), nil)
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, ProcessSpec{PatternName: "stream", Level: LevelNone}, nil)
	require.NoError(t, err)

	badSpec := nsSpec("broken", "tenant-a")
	badKey, _ := ResolveKey(badSpec)
	sup.failCreate[badKey.ProcessID()] = true
	_, err = r.GetOrCreate(ctx, badSpec, nil)
	require.ErrorIs(t, err, ErrCreationFailed)

	health := r.Health()
	assert.Equal(t, 3, health.Total)
	assert.Equal(t, 2, health.Running)
	assert.Equal(t, 1, health.Failed)
	assert.Equal(t, 2, health.ByIsolation["namespace"])
	assert.Equal(t, 1, health.ByIsolation["none"])
}

func TestRegistryClosedRejectsWork(t *testing.T) {
	r := newTestRegistry(t, newFakeSupervisor())
	r.Close()

	_, err := r.GetOrCreate(context.Background(), nsSpec("keyvalue", "tenant-a"), nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
