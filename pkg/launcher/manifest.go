package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prism-data/pattern-launcher/pkg/isolation"
)

// Manifest defines the declarative configuration for a pattern
type Manifest struct {
	// Name of the pattern (e.g., "consumer", "producer")
	Name string `yaml:"name"`

	// Version of the pattern
	Version string `yaml:"version"`

	// Path to executable binary (relative to manifest file)
	Executable string `yaml:"executable"`

	// Arguments passed to the executable
	Args []string `yaml:"args"`

	// Default isolation level (can be overridden at launch time)
	IsolationLevel string `yaml:"isolation_level"`

	// Health check configuration
	HealthCheck HealthCheckConfig `yaml:"healthcheck"`

	// Resource limits
	Resources ResourceConfig `yaml:"resources"`

	// Backend slots required by this pattern
	BackendSlots []BackendSlot `yaml:"backend_slots"`

	// Environment variables for the pattern process
	Environment map[string]string `yaml:"environment"`

	// Optional: Description of the pattern
	Description string `yaml:"description"`

	// Optional: Author/maintainer
	Author string `yaml:"author"`

	// Internal: Absolute path to manifest file (populated during load)
	manifestPath string `yaml:"-"`
}

// HealthCheckConfig defines health check parameters
type HealthCheckConfig struct {
	// Protocol used to probe the process: http, grpc, or tcp
	Protocol string `yaml:"protocol"`

	// HTTP path for health endpoint (http protocol only)
	Path string `yaml:"path"`

	// Interval between health checks
	Interval time.Duration `yaml:"interval"`

	// Timeout for a single health check
	Timeout time.Duration `yaml:"timeout"`

	// Number of consecutive failures before marking unhealthy
	FailureThreshold int `yaml:"failure_threshold"`

	// Maximum time for the process to become healthy after spawn
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// ResourceConfig defines resource limits
type ResourceConfig struct {
	// CPU limit (cores, e.g., 1.0 = 1 core)
	CPULimit float64 `yaml:"cpu_limit"`

	// Memory limit (e.g., "512Mi", "1Gi")
	MemoryLimit string `yaml:"memory_limit"`

	// Optional: Minimum CPU reservation
	CPURequest float64 `yaml:"cpu_request"`

	// Optional: Minimum memory reservation
	MemoryRequest string `yaml:"memory_request"`
}

// BackendSlot defines a required backend dependency
type BackendSlot struct {
	// Name of the slot (e.g., "storage", "messaging")
	Name string `yaml:"name"`

	// Type of backend (e.g., "postgres", "kafka", "redis")
	Type string `yaml:"type"`

	// Whether this slot is required
	Required bool `yaml:"required"`

	// Optional: Configuration schema for this slot
	ConfigSchema map[string]interface{} `yaml:"config_schema"`
}

// LoadManifest loads a manifest from a YAML file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	manifest.manifestPath = absPath

	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	return &manifest, nil
}

// Validate checks if the manifest is valid and fills in defaults
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrInvalidManifest(m.Name, fmt.Errorf("name is required"))
	}

	if m.Version == "" {
		return ErrInvalidManifest(m.Name, fmt.Errorf("version is required"))
	}

	if m.Executable == "" {
		return ErrInvalidManifest(m.Name, fmt.Errorf("executable is required"))
	}

	if _, err := isolation.ParseLevel(m.IsolationLevel); err != nil {
		return ErrInvalidManifest(m.Name,
			fmt.Errorf("invalid isolation_level: %s (must be none, namespace, or session)", m.IsolationLevel))
	}

	// Check the executable exists and is runnable
	execPath := m.ExecutablePath()
	info, err := os.Stat(execPath)
	if err != nil {
		return ErrExecutableNotFound(m.Name, execPath)
	}
	if info.Mode()&0111 == 0 {
		return ErrExecutableNotRunnable(m.Name, execPath)
	}

	switch m.HealthCheck.Protocol {
	case "":
		m.HealthCheck.Protocol = "http"
	case "http", "grpc", "tcp":
	default:
		return ErrInvalidManifest(m.Name,
			fmt.Errorf("invalid healthcheck.protocol: %s (must be http, grpc, or tcp)", m.HealthCheck.Protocol))
	}

	if m.HealthCheck.Protocol == "http" && m.HealthCheck.Path == "" {
		m.HealthCheck.Path = "/health"
	}

	if m.HealthCheck.Interval == 0 {
		m.HealthCheck.Interval = 30 * time.Second
	}

	if m.HealthCheck.Timeout == 0 {
		m.HealthCheck.Timeout = 5 * time.Second
	}

	if m.HealthCheck.FailureThreshold == 0 {
		m.HealthCheck.FailureThreshold = 3
	}

	if m.HealthCheck.StartupTimeout == 0 {
		m.HealthCheck.StartupTimeout = 10 * time.Second
	}

	for _, slot := range m.BackendSlots {
		if slot.Name == "" {
			return ErrInvalidManifest(m.Name, fmt.Errorf("backend slot name is required"))
		}
		if slot.Type == "" {
			return ErrInvalidManifest(m.Name, fmt.Errorf("backend slot %q type is required", slot.Name))
		}
	}

	return nil
}

// DefaultIsolation returns the manifest's isolation level as a typed value.
// Validate guarantees it parses.
func (m *Manifest) DefaultIsolation() isolation.Level {
	level, _ := isolation.ParseLevel(m.IsolationLevel)
	return level
}

// RequiredSlots returns the backend slots marked required
func (m *Manifest) RequiredSlots() []BackendSlot {
	var slots []BackendSlot
	for _, slot := range m.BackendSlots {
		if slot.Required {
			slots = append(slots, slot)
		}
	}
	return slots
}

// ExecutablePath returns the absolute path to the executable
func (m *Manifest) ExecutablePath() string {
	if filepath.IsAbs(m.Executable) {
		return m.Executable
	}

	// Resolve relative to manifest directory
	manifestDir := filepath.Dir(m.manifestPath)
	return filepath.Join(manifestDir, m.Executable)
}

// ManifestPath returns the absolute path to the manifest file
func (m *Manifest) ManifestPath() string {
	return m.manifestPath
}
