// Package control exposes the launcher over NATS request/reply.
//
// The control surface is a NATS micro service with JSON payloads under
// the prism.launcher.v1 subject space. A matching Client wraps the
// request side, and EventPublisher pushes lifecycle events to the
// prism.launcher.v1.events subjects.
package control

import (
	"time"

	"github.com/prism-data/pattern-launcher/pkg/isolation"
)

// Subject space for the control API.
const (
	SubjectPrefix = "prism.launcher.v1"

	SubjectLaunch    = SubjectPrefix + ".launch"
	SubjectList      = SubjectPrefix + ".list"
	SubjectTerminate = SubjectPrefix + ".terminate"
	SubjectStatus    = SubjectPrefix + ".status"
	SubjectHealth    = SubjectPrefix + ".health"
	SubjectPatterns  = SubjectPrefix + ".patterns"
	SubjectReload    = SubjectPrefix + ".reload"

	EventSubjectPrefix = SubjectPrefix + ".events"
)

// LaunchRequest asks the launcher for a pattern process.
type LaunchRequest struct {
	PatternName string            `json:"pattern_name"`
	Isolation   string            `json:"isolation,omitempty"`
	Namespace   string            `json:"namespace,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
}

// LaunchResponse carries the resolved process handle.
type LaunchResponse struct {
	Process ProcessInfo `json:"process"`
}

// ProcessInfo is the wire form of a process handle.
type ProcessInfo struct {
	ProcessID    string    `json:"process_id"`
	PatternName  string    `json:"pattern_name"`
	Isolation    string    `json:"isolation"`
	Namespace    string    `json:"namespace,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	State        string    `json:"state"`
	Healthy      bool      `json:"healthy"`
	Address      string    `json:"address,omitempty"`
	RestartCount int       `json:"restart_count"`
	ErrorCount   int       `json:"error_count"`
	LastError    string    `json:"last_error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// ListRequest filters the process snapshot.
type ListRequest struct {
	PatternName string `json:"pattern_name,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

// ListResponse is a point-in-time process snapshot.
type ListResponse struct {
	Processes  []ProcessInfo `json:"processes"`
	TotalCount int           `json:"total_count"`
}

// TerminateRequest stops a process by ID.
type TerminateRequest struct {
	ProcessID       string `json:"process_id"`
	GracePeriodSecs int64  `json:"grace_period_secs,omitempty"`
}

// TerminateResponse reports the termination outcome.
type TerminateResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusRequest fetches one process by ID.
type StatusRequest struct {
	ProcessID string `json:"process_id"`
}

// StatusResponse carries a single process, or NotFound.
type StatusResponse struct {
	Process  *ProcessInfo `json:"process,omitempty"`
	NotFound bool         `json:"not_found,omitempty"`
}

// HealthRequest asks for the launcher health summary.
type HealthRequest struct {
	IncludeProcesses bool `json:"include_processes,omitempty"`
}

// HealthResponse is the launcher health summary.
type HealthResponse struct {
	Healthy       bool           `json:"healthy"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	PatternsKnown int            `json:"patterns_known"`
	Total         int            `json:"total_processes"`
	Starting      int            `json:"starting_processes"`
	Running       int            `json:"running_processes"`
	Terminating   int            `json:"terminating_processes"`
	Failed        int            `json:"failed_processes"`
	ByIsolation   map[string]int `json:"isolation_distribution,omitempty"`
	Processes     []ProcessInfo  `json:"processes,omitempty"`
}

// PatternInfo is the wire form of a discovered manifest.
type PatternInfo struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	IsolationLevel string `json:"isolation_level"`
	Description    string `json:"description,omitempty"`
}

// PatternsResponse lists the discovered manifests.
type PatternsResponse struct {
	Patterns []PatternInfo `json:"patterns"`
}

// ReloadResponse reports a manifest reload outcome.
type ReloadResponse struct {
	Success       bool   `json:"success"`
	PatternsKnown int    `json:"patterns_known"`
	Error         string `json:"error,omitempty"`
}

// Event is the lifecycle event payload published to the events
// subjects.
type Event struct {
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	LauncherID string            `json:"launcher_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func handleToInfo(h isolation.Handle) ProcessInfo {
	return ProcessInfo{
		ProcessID:    string(h.ID),
		PatternName:  h.Spec.PatternName,
		Isolation:    h.Spec.Level.String(),
		Namespace:    h.Spec.Namespace,
		SessionID:    h.Spec.SessionID,
		State:        h.State.String(),
		Healthy:      h.Healthy,
		Address:      h.Address,
		RestartCount: h.RestartCount,
		ErrorCount:   h.ErrorCount,
		LastError:    h.LastError,
		StartedAt:    h.StartedAt,
	}
}
