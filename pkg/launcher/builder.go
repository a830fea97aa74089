package launcher

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prism-data/pattern-launcher/pkg/isolation"
)

// ServiceBuilder provides a fluent interface for constructing a launcher Service.
//
// Usage:
//
//	service, err := launcher.NewBuilder().
//	    WithPatternsDir("./patterns").
//	    WithNamespaceIsolation().
//	    WithResyncInterval(30 * time.Second).
//	    Build()
//
// All builder methods return the builder for method chaining.
type ServiceBuilder struct {
	config *Config
	err    error
}

// NewBuilder creates a new ServiceBuilder with sensible defaults.
func NewBuilder() *ServiceBuilder {
	return &ServiceBuilder{
		config: DefaultConfig(),
	}
}

// WithPatternsDir sets the directory to scan for pattern manifests.
func (b *ServiceBuilder) WithPatternsDir(dir string) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if dir == "" {
		b.err = fmt.Errorf("patterns directory cannot be empty")
		return b
	}
	b.config.PatternsDir = dir
	return b
}

// WithDefaultIsolation sets the default isolation level for patterns.
func (b *ServiceBuilder) WithDefaultIsolation(level isolation.Level) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	b.config.DefaultIsolation = level
	return b
}

// WithNoneIsolation sets default isolation to NONE (shared process for all requests).
//
// Use case: Stateless patterns with no tenant isolation requirements.
func (b *ServiceBuilder) WithNoneIsolation() *ServiceBuilder {
	return b.WithDefaultIsolation(isolation.LevelNone)
}

// WithNamespaceIsolation sets default isolation to NAMESPACE (one process per tenant).
//
// Use case: Multi-tenant SaaS requiring fault and resource isolation.
func (b *ServiceBuilder) WithNamespaceIsolation() *ServiceBuilder {
	return b.WithDefaultIsolation(isolation.LevelNamespace)
}

// WithSessionIsolation sets default isolation to SESSION (one process per user).
//
// Use case: High-security environments or compliance requirements (PCI-DSS, HIPAA).
func (b *ServiceBuilder) WithSessionIsolation() *ServiceBuilder {
	return b.WithDefaultIsolation(isolation.LevelSession)
}

// WithResyncInterval sets how often the process manager re-checks
// process health.
//
// Lower values: Faster failure detection, higher CPU usage
// Higher values: Slower failure detection, lower CPU usage
func (b *ServiceBuilder) WithResyncInterval(interval time.Duration) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if interval < time.Second {
		b.err = fmt.Errorf("resync interval must be at least 1 second, got %v", interval)
		return b
	}
	b.config.ResyncInterval = interval
	return b
}

// WithBackOffPeriod sets the base delay before retrying failed syncs.
func (b *ServiceBuilder) WithBackOffPeriod(period time.Duration) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if period < 0 {
		b.err = fmt.Errorf("backoff period cannot be negative, got %v", period)
		return b
	}
	b.config.BackOffPeriod = period
	return b
}

// WithBreakerThreshold sets how many consecutive errors mark a process
// FAILED.
func (b *ServiceBuilder) WithBreakerThreshold(n int) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if n < 1 {
		b.err = fmt.Errorf("breaker threshold must be at least 1, got %d", n)
		return b
	}
	b.config.BreakerThreshold = n
	return b
}

// WithGracePeriod sets the default termination grace period.
func (b *ServiceBuilder) WithGracePeriod(d time.Duration) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if d <= 0 {
		b.err = fmt.Errorf("grace period must be positive, got %v", d)
		return b
	}
	b.config.GracePeriod = d
	return b
}

// WithCreationTimeout bounds how long a launch waits for a new process
// to become healthy.
func (b *ServiceBuilder) WithCreationTimeout(d time.Duration) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if d <= 0 {
		b.err = fmt.Errorf("creation timeout must be positive, got %v", d)
		return b
	}
	b.config.CreationTimeout = d
	return b
}

// WithMaxConcurrentCreations caps simultaneous process creations.
// Excess launches queue rather than fail.
func (b *ServiceBuilder) WithMaxConcurrentCreations(n int) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if n < 1 {
		b.err = fmt.Errorf("max concurrent creations must be at least 1, got %d", n)
		return b
	}
	b.config.MaxConcurrentCreations = n
	return b
}

// WithEventPublisher sets the lifecycle event publisher.
func (b *ServiceBuilder) WithEventPublisher(events EventPublisher) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	b.config.Events = events
	return b
}

// WithLogger sets the service logger.
func (b *ServiceBuilder) WithLogger(logger *slog.Logger) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	b.config.Logger = logger
	return b
}

// WithDevelopmentDefaults configures the launcher for local development:
// fast failure detection and quick retries.
func (b *ServiceBuilder) WithDevelopmentDefaults() *ServiceBuilder {
	return b.
		WithResyncInterval(5 * time.Second).
		WithBackOffPeriod(1 * time.Second).
		WithNamespaceIsolation()
}

// WithProductionDefaults configures the launcher for production:
// balanced monitoring and retry pacing that avoids restart storms.
func (b *ServiceBuilder) WithProductionDefaults() *ServiceBuilder {
	return b.
		WithResyncInterval(30 * time.Second).
		WithBackOffPeriod(5 * time.Second).
		WithNamespaceIsolation()
}

// WithConfig directly sets the configuration object.
//
// Note: This replaces all previous builder settings.
func (b *ServiceBuilder) WithConfig(config *Config) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if config == nil {
		b.err = fmt.Errorf("config cannot be nil")
		return b
	}
	b.config = config
	return b
}

// Build creates and initializes the launcher Service.
func (b *ServiceBuilder) Build() (*Service, error) {
	if b.err != nil {
		return nil, fmt.Errorf("builder validation failed: %w", b.err)
	}

	if err := b.validateConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	service, err := NewService(b.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	return service, nil
}

// MustBuild creates the launcher Service and panics on error.
func (b *ServiceBuilder) MustBuild() *Service {
	service, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build launcher service: %v", err))
	}
	return service
}

// GetConfig returns the current configuration without building the service.
func (b *ServiceBuilder) GetConfig() *Config {
	return b.config
}

// validateConfig performs final validation before building the service.
func (b *ServiceBuilder) validateConfig() error {
	if b.config.PatternsDir == "" {
		return fmt.Errorf("patterns directory is required")
	}

	if b.config.ResyncInterval < time.Second {
		return fmt.Errorf("resync interval must be at least 1 second")
	}

	if b.config.BackOffPeriod < 0 {
		return fmt.Errorf("backoff period cannot be negative")
	}

	if b.config.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1")
	}

	return nil
}

// QuickStart creates a launcher service with minimal configuration.
func QuickStart(patternsDir string) (*Service, error) {
	return NewBuilder().
		WithPatternsDir(patternsDir).
		WithNamespaceIsolation().
		Build()
}

// MustQuickStart creates a launcher service with minimal configuration
// and panics on error.
func MustQuickStart(patternsDir string) *Service {
	return NewBuilder().
		WithPatternsDir(patternsDir).
		WithNamespaceIsolation().
		MustBuild()
}
