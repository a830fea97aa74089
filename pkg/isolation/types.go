// Package isolation implements the bulkhead side of the pattern
// launcher: resolving launch requests to isolation keys and mapping
// each key to at most one supervised process.
package isolation

import (
	"fmt"
	"time"

	"github.com/prism-data/pattern-launcher/pkg/procmgr"
)

// Level defines how requests are isolated into processes.
type Level int

const (
	// LevelNone means every request for the pattern shares one process.
	LevelNone Level = iota
	// LevelNamespace means each namespace gets its own process.
	LevelNamespace
	// LevelSession means each session gets its own process.
	LevelSession
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelNamespace:
		return "namespace"
	case LevelSession:
		return "session"
	default:
		return "unknown"
	}
}

// ParseLevel parses an isolation level name as it appears in manifests
// and API requests.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "none":
		return LevelNone, nil
	case "namespace":
		return LevelNamespace, nil
	case "session":
		return LevelSession, nil
	default:
		return LevelNone, fmt.Errorf("invalid isolation level: %q (must be none, namespace, or session)", s)
	}
}

// ProcessSpec describes one launch request. It is constructed per
// request and lives only as long as the process it resolves to.
type ProcessSpec struct {
	PatternName string
	Level       Level
	Namespace   string
	SessionID   string

	// ExtraConfig is passed to the process environment verbatim.
	ExtraConfig map[string]string
}

// Key is the deterministic process identity derived from a ProcessSpec.
// Two specs that resolve to the same key share a process; two specs
// with different keys never do.
type Key string

// ResolveKey maps a spec to its isolation key. Pure: no I/O, no state.
// Fails if the level requires an identifier the spec does not carry.
func ResolveKey(spec ProcessSpec) (Key, error) {
	if spec.PatternName == "" {
		return "", fmt.Errorf("%w: pattern name is empty", ErrInvalidSpec)
	}

	switch spec.Level {
	case LevelNone:
		return Key("shared:" + spec.PatternName), nil
	case LevelNamespace:
		if spec.Namespace == "" {
			return "", fmt.Errorf("%w: namespace is required for namespace isolation", ErrInvalidSpec)
		}
		return Key("ns:" + spec.Namespace + ":" + spec.PatternName), nil
	case LevelSession:
		if spec.SessionID == "" {
			return "", fmt.Errorf("%w: session id is required for session isolation", ErrInvalidSpec)
		}
		return Key("session:" + spec.SessionID + ":" + spec.PatternName), nil
	default:
		return "", fmt.Errorf("%w: unknown isolation level %d", ErrInvalidSpec, spec.Level)
	}
}

// ProcessID converts the key to the supervisor's process identifier.
// Process identity and isolation key are the same string; this is what
// makes get-or-create well-defined.
func (k Key) ProcessID() procmgr.ProcessID {
	return procmgr.ProcessID(k)
}

// Handle is the registry's view of one process. The OS handle stays
// inside the supervisor; callers only ever see this.
type Handle struct {
	ID           Key
	Spec         ProcessSpec
	State        procmgr.State
	Healthy      bool
	Address      string
	RestartCount int
	ErrorCount   int
	LastError    string
	StartedAt    time.Time
}

// Filter selects handles in List. Zero values match everything.
type Filter struct {
	PatternName string
	Namespace   string
}

func (f Filter) matches(h Handle) bool {
	if f.PatternName != "" && h.Spec.PatternName != f.PatternName {
		return false
	}
	if f.Namespace != "" && h.Spec.Namespace != f.Namespace {
		return false
	}
	return true
}
