package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/prism-data/pattern-launcher/pkg/isolation"
	"github.com/prism-data/pattern-launcher/pkg/procmgr"
)

// Environment variables set on every pattern process. LauncherIDEnv
// doubles as the orphan marker: any process carrying it was spawned
// by a launcher, and a mismatched or stale value identifies orphans
// from a previous launcher instance.
const (
	EnvPatternName = "PATTERN_NAME"
	EnvNamespace   = "PRISM_NAMESPACE"
	EnvSessionID   = "PRISM_SESSION_ID"
	EnvProcessID   = "PROCESS_ID"
	EnvListenPort  = "LISTEN_PORT"
	EnvHealthPort  = "HEALTH_PORT"
	EnvLauncherID  = "PRISM_LAUNCHER_ID"

	// Advisory resource limits from the manifest, enforced by the host
	// facility the pattern runs under.
	EnvCPULimit    = "CPU_LIMIT"
	EnvMemoryLimit = "MEMORY_LIMIT"
)

// processConfig is the launch configuration carried through the
// process manager to the syncer.
type processConfig struct {
	Spec     isolation.ProcessSpec
	Key      isolation.Key
	Manifest *Manifest
	Config   map[string]string
}

// processHandle tracks OS-level state for one spawned process.
type processHandle struct {
	cmd        *exec.Cmd
	listenPort int
	healthPort int
	address    string
	checker    healthChecker
	startTime  time.Time

	// waitCh receives the cmd.Wait result exactly once. A non-blocking
	// read doubles as a liveness probe.
	waitCh chan error

	// healthFails counts consecutive failed probes. Only the process's
	// worker goroutine touches it; syncs are serialized per process.
	healthFails int
}

// exited reports whether the process has been reaped.
func (h *processHandle) exited() (error, bool) {
	select {
	case err := <-h.waitCh:
		return err, true
	default:
		return nil, false
	}
}

// patternSyncer implements procmgr.ProcessSyncer by spawning, probing
// and terminating actual pattern processes.
type patternSyncer struct {
	logger     *slog.Logger
	ports      *portAllocator
	launcherID string
	events     EventPublisher

	mu        sync.RWMutex
	processes map[procmgr.ProcessID]*processHandle
}

func newPatternSyncer(logger *slog.Logger, launcherID string, events EventPublisher) *patternSyncer {
	if events == nil {
		events = &NoopEventPublisher{}
	}
	return &patternSyncer{
		logger:     logger,
		ports:      newPortAllocator(),
		launcherID: launcherID,
		events:     events,
		processes:  make(map[procmgr.ProcessID]*processHandle),
	}
}

// SyncProcess implements procmgr.ProcessSyncer. On first sync it spawns
// the process and waits for it to become healthy; on subsequent syncs
// it probes health and respawns a dead process with fresh ports.
func (s *patternSyncer) SyncProcess(ctx context.Context, updateType procmgr.UpdateType, config any) (procmgr.SyncResult, error) {
	cfg, ok := config.(*processConfig)
	if !ok {
		return procmgr.SyncResult{}, procmgr.Fatal(fmt.Errorf("invalid config type %T", config))
	}

	id := cfg.Key.ProcessID()

	s.mu.RLock()
	handle, exists := s.processes[id]
	s.mu.RUnlock()

	resync := cfg.Manifest.HealthCheck.Interval

	if exists {
		if exitErr, dead := handle.exited(); dead {
			s.logger.Warn("process exited unexpectedly",
				"process_id", string(id), "pattern", cfg.Spec.PatternName, "exit", exitErr)
			s.events.ReportLifecycleEvent(ctx, "crashed",
				fmt.Sprintf("pattern %s process exited", cfg.Spec.PatternName),
				map[string]string{"process_id": string(id)})

			s.reap(id, handle)

			// A crashed process restarts in place under the same key.
			newHandle, err := s.launch(ctx, id, cfg)
			if err != nil {
				return procmgr.SyncResult{}, err
			}
			s.events.ReportLifecycleEvent(ctx, "restarting",
				fmt.Sprintf("pattern %s restarted", cfg.Spec.PatternName),
				map[string]string{"process_id": string(id), "address": newHandle.address})
			return procmgr.SyncResult{Restarted: true, Address: newHandle.address, ResyncAfter: resync}, nil
		}

		// Alive: each failed probe is a soft error the manager counts
		// toward the breaker. At the manifest's failure threshold the
		// process is presumed wedged and replaced.
		if err := handle.checker.Check(ctx); err != nil {
			handle.healthFails++
			if handle.healthFails < cfg.Manifest.HealthCheck.FailureThreshold {
				return procmgr.SyncResult{Address: handle.address, ResyncAfter: resync},
					ErrHealthCheckFailed(cfg.Spec.PatternName, handle.checker.Target(), err)
			}

			s.logger.Warn("health failure threshold reached, restarting process",
				"process_id", string(id), "pattern", cfg.Spec.PatternName,
				"consecutive_failures", handle.healthFails, "error", err)
			s.kill(handle)
			s.reap(id, handle)

			newHandle, lerr := s.launch(ctx, id, cfg)
			if lerr != nil {
				return procmgr.SyncResult{}, lerr
			}
			s.events.ReportLifecycleEvent(ctx, "restarting",
				fmt.Sprintf("pattern %s restarted after failed health checks", cfg.Spec.PatternName),
				map[string]string{"process_id": string(id), "address": newHandle.address})
			return procmgr.SyncResult{Restarted: true, Address: newHandle.address, ResyncAfter: resync}, nil
		}
		handle.healthFails = 0
		return procmgr.SyncResult{Address: handle.address, ResyncAfter: resync}, nil
	}

	handle, err := s.launch(ctx, id, cfg)
	if err != nil {
		return procmgr.SyncResult{}, err
	}
	return procmgr.SyncResult{Address: handle.address, ResyncAfter: resync}, nil
}

// launch spawns the process and blocks until it passes its first
// health check or the startup timeout expires.
func (s *patternSyncer) launch(ctx context.Context, id procmgr.ProcessID, cfg *processConfig) (*processHandle, error) {
	handle, err := s.spawn(id, cfg)
	if err != nil {
		// Spawn failures (missing binary, bad permissions) do not heal
		// on retry.
		return nil, procmgr.Fatal(ErrProcessStartFailed(cfg.Spec.PatternName, err))
	}

	s.mu.Lock()
	s.processes[id] = handle
	s.mu.Unlock()

	if err := s.waitForHealthy(ctx, cfg, handle); err != nil {
		s.kill(handle)
		s.reap(id, handle)
		// A process that never came up fails the attempt outright; only
		// a fresh launch retries.
		return nil, procmgr.Fatal(ErrHealthCheckFailed(cfg.Spec.PatternName, handle.checker.Target(), err))
	}

	s.logger.Info("process healthy",
		"process_id", string(id),
		"pattern", cfg.Spec.PatternName,
		"pid", handle.cmd.Process.Pid,
		"address", handle.address)
	s.events.ReportLifecycleEvent(ctx, "started",
		fmt.Sprintf("pattern %s process healthy", cfg.Spec.PatternName),
		map[string]string{"process_id": string(id), "address": handle.address})
	return handle, nil
}

// spawn starts the pattern executable with freshly allocated ports.
func (s *patternSyncer) spawn(id procmgr.ProcessID, cfg *processConfig) (*processHandle, error) {
	manifest := cfg.Manifest

	listenPort, err := s.ports.Allocate()
	if err != nil {
		return nil, err
	}
	healthPort, err := s.ports.Allocate()
	if err != nil {
		s.ports.Release(listenPort)
		return nil, err
	}

	// Not CommandContext: termination is SIGTERM then grace then
	// SIGKILL, driven by SyncTerminatingProcess.
	cmd := exec.Command(manifest.ExecutablePath(), manifest.Args...)

	cmd.Env = s.processEnv(id, cfg, listenPort, healthPort)

	// Own process group so termination signals reach child processes
	// the pattern may fork.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// TODO: redirect to per-process log files under a configurable dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		s.ports.Release(listenPort)
		s.ports.Release(healthPort)
		return nil, err
	}

	checker, err := newHealthChecker(manifest.HealthCheck, healthPort)
	if err != nil {
		cmd.Process.Kill()
		s.ports.Release(listenPort)
		s.ports.Release(healthPort)
		return nil, err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	s.logger.Info("spawned process",
		"process_id", string(id),
		"pattern", cfg.Spec.PatternName,
		"pid", cmd.Process.Pid,
		"listen_port", listenPort,
		"health_port", healthPort)

	return &processHandle{
		cmd:        cmd,
		listenPort: listenPort,
		healthPort: healthPort,
		address:    fmt.Sprintf("127.0.0.1:%d", listenPort),
		checker:    checker,
		startTime:  time.Now(),
		waitCh:     waitCh,
	}, nil
}

// processEnv builds the complete environment for a spawned process:
// the inherited environment, the launcher contract variables, advisory
// resource limits, then manifest and per-launch overrides.
func (s *patternSyncer) processEnv(id procmgr.ProcessID, cfg *processConfig, listenPort, healthPort int) []string {
	manifest := cfg.Manifest

	env := os.Environ()
	env = append(env,
		fmt.Sprintf("%s=%s", EnvPatternName, cfg.Spec.PatternName),
		fmt.Sprintf("%s=%s", EnvNamespace, cfg.Spec.Namespace),
		fmt.Sprintf("%s=%s", EnvSessionID, cfg.Spec.SessionID),
		fmt.Sprintf("%s=%s", EnvProcessID, string(id)),
		fmt.Sprintf("%s=%d", EnvListenPort, listenPort),
		fmt.Sprintf("%s=%d", EnvHealthPort, healthPort),
		fmt.Sprintf("%s=%s", EnvLauncherID, s.launcherID),
	)
	if manifest.Resources.CPULimit > 0 {
		env = append(env, fmt.Sprintf("%s=%g", EnvCPULimit, manifest.Resources.CPULimit))
	}
	if manifest.Resources.MemoryLimit != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvMemoryLimit, manifest.Resources.MemoryLimit))
	}
	for k, v := range manifest.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range cfg.Config {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// waitForHealthy polls the health checker until it passes, the startup
// timeout expires, or the process dies.
func (s *patternSyncer) waitForHealthy(ctx context.Context, cfg *processConfig, handle *processHandle) error {
	timeout := cfg.Manifest.HealthCheck.StartupTimeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case exitErr := <-handle.waitCh:
			// Put the result back for exited()/terminate paths.
			handle.waitCh <- exitErr
			return fmt.Errorf("process exited during startup: %v", exitErr)

		case <-deadline.C:
			return fmt.Errorf("not healthy after %v: %v", timeout, lastErr)

		case <-ticker.C:
			if err := handle.checker.Check(ctx); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
	}
}

// SyncTerminatingProcess implements procmgr.ProcessSyncer. It sends
// SIGTERM to the process group, waits out the grace period, then
// SIGKILLs. Returns once the process has been reaped.
func (s *patternSyncer) SyncTerminatingProcess(ctx context.Context, config any, gracePeriod time.Duration, statusFn procmgr.ProcessStatusFunc) error {
	cfg, ok := config.(*processConfig)
	if !ok {
		return fmt.Errorf("invalid config type %T", config)
	}

	id := cfg.Key.ProcessID()

	s.mu.RLock()
	handle, exists := s.processes[id]
	s.mu.RUnlock()

	if !exists {
		return nil
	}

	if _, dead := handle.exited(); dead {
		return nil
	}

	pid := handle.cmd.Process.Pid
	s.logger.Info("terminating process",
		"process_id", string(id), "pid", pid, "grace_period", gracePeriod)

	// Negative pid signals the whole group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM failed", "process_id", string(id), "error", err)
	}

	select {
	case <-handle.waitCh:
		s.logger.Info("process exited gracefully", "process_id", string(id))
		return nil

	case <-time.After(gracePeriod):
	}

	s.logger.Warn("grace period expired, killing process group",
		"process_id", string(id), "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		s.logger.Warn("SIGKILL failed", "process_id", string(id), "error", err)
	}

	select {
	case <-handle.waitCh:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("process %d did not die after SIGKILL", pid)
	}
}

// SyncTerminatedProcess implements procmgr.ProcessSyncer. Releases
// ports and tracking once the process is gone.
func (s *patternSyncer) SyncTerminatedProcess(ctx context.Context, config any) error {
	cfg, ok := config.(*processConfig)
	if !ok {
		return fmt.Errorf("invalid config type %T", config)
	}

	id := cfg.Key.ProcessID()

	s.mu.RLock()
	handle, exists := s.processes[id]
	s.mu.RUnlock()

	if !exists {
		return nil
	}

	s.reap(id, handle)
	s.logger.Info("process cleaned up", "process_id", string(id))
	return nil
}

// kill force-kills a process group without waiting.
func (s *patternSyncer) kill(handle *processHandle) {
	if handle.cmd.Process != nil {
		syscall.Kill(-handle.cmd.Process.Pid, syscall.SIGKILL)
	}
}

// reap drops tracking for a handle and releases its resources.
func (s *patternSyncer) reap(id procmgr.ProcessID, handle *processHandle) {
	s.mu.Lock()
	if s.processes[id] == handle {
		delete(s.processes, id)
	}
	s.mu.Unlock()

	handle.checker.Close()
	s.ports.Release(handle.listenPort)
	s.ports.Release(handle.healthPort)
}

// pid returns the OS pid for a tracked process, if any.
func (s *patternSyncer) pid(id procmgr.ProcessID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, exists := s.processes[id]
	if !exists || handle.cmd.Process == nil {
		return 0, false
	}
	return handle.cmd.Process.Pid, true
}

// trackedPIDs returns the pids of all processes the syncer owns.
func (s *patternSyncer) trackedPIDs() map[int]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids := make(map[int]struct{}, len(s.processes))
	for _, handle := range s.processes {
		if handle.cmd.Process != nil {
			pids[handle.cmd.Process.Pid] = struct{}{}
		}
	}
	return pids
}
