package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// OrphanDetector finds pattern processes that carry the launcher env
// marker but are not tracked by this launcher instance, and tears them
// down. That covers processes left behind by a crashed launcher as
// well as processes this instance has lost track of.
type OrphanDetector struct {
	syncer        *patternSyncer
	logger        *slog.Logger
	checkInterval time.Duration
	stopCh        chan struct{}
}

// NewOrphanDetector creates an orphan detector over the syncer's
// tracked process set.
func NewOrphanDetector(syncer *patternSyncer, logger *slog.Logger, checkInterval time.Duration) *OrphanDetector {
	return &OrphanDetector{
		syncer:        syncer,
		logger:        logger,
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
	}
}

// ReconcileOnce runs a single detection pass. Called at startup before
// the launcher accepts work, so stale processes from a previous
// instance are gone before new ones spawn.
func (od *OrphanDetector) ReconcileOnce(ctx context.Context) error {
	return od.detectAndCleanup(ctx)
}

// Start begins the periodic detection loop.
func (od *OrphanDetector) Start(ctx context.Context) {
	ticker := time.NewTicker(od.checkInterval)
	defer ticker.Stop()

	od.logger.Info("orphan detector started", "check_interval", od.checkInterval)

	for {
		select {
		case <-ticker.C:
			if err := od.detectAndCleanup(ctx); err != nil {
				od.logger.Warn("orphan detection failed", "error", err)
			}

		case <-od.stopCh:
			od.logger.Info("orphan detector stopped")
			return

		case <-ctx.Done():
			od.logger.Info("orphan detector stopped", "reason", "context cancelled")
			return
		}
	}
}

// Stop stops the detection loop.
func (od *OrphanDetector) Stop() {
	close(od.stopCh)
}

func (od *OrphanDetector) detectAndCleanup(ctx context.Context) error {
	tracked := od.syncer.trackedPIDs()

	marked, err := od.findMarkedProcesses()
	if err != nil {
		return fmt.Errorf("scan for launcher-marked processes: %w", err)
	}

	var orphans []int
	for _, pid := range marked {
		if _, ok := tracked[pid]; !ok {
			orphans = append(orphans, pid)
		}
	}

	if len(orphans) == 0 {
		return nil
	}

	od.logger.Warn("found orphaned pattern processes", "pids", orphans)

	for _, pid := range orphans {
		if err := od.terminateOrphan(pid); err != nil {
			od.logger.Warn("failed to terminate orphan", "pid", pid, "error", err)
		} else {
			od.logger.Info("terminated orphan process", "pid", pid)
			od.syncer.events.ReportLifecycleEvent(ctx, "orphan_killed",
				"terminated orphaned pattern process",
				map[string]string{"pid": strconv.Itoa(pid)})
		}
	}

	return nil
}

// findMarkedProcesses scans /proc for processes carrying the launcher
// env marker. On systems without /proc the scan finds nothing and
// orphan cleanup relies on process handle tracking alone.
func (od *OrphanDetector) findMarkedProcesses() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, nil
	}

	self := os.Getpid()
	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		if od.hasLauncherMarker(pid) {
			pids = append(pids, pid)
		}
	}

	return pids, nil
}

// hasLauncherMarker checks the process environment for the launcher
// marker variable. Presence is enough: ownership is decided by the
// tracked-pid diff in detectAndCleanup, so a leak from this instance
// is reaped the same way as a leftover from a previous one.
// Unreadable environ files (other users' processes) are skipped.
func (od *OrphanDetector) hasLauncherMarker(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "environ"))
	if err != nil {
		return false
	}

	// Environment variables are null-separated
	for _, envVar := range strings.Split(string(data), "\x00") {
		if strings.HasPrefix(envVar, EnvLauncherID+"=") {
			return true
		}
	}
	return false
}

// terminateOrphan sends SIGTERM, waits up to 5 seconds, then SIGKILLs.
func (od *OrphanDetector) terminateOrphan(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Already gone
		return nil
	}

	timeout := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			od.logger.Warn("orphan did not exit gracefully, force killing", "pid", pid)
			if err := process.Kill(); err != nil {
				return fmt.Errorf("force kill: %w", err)
			}
			return nil

		case <-ticker.C:
			if err := process.Signal(syscall.Signal(0)); err != nil {
				return nil
			}
		}
	}
}
