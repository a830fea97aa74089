package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prism-data/pattern-launcher/pkg/isolation"
	"github.com/prism-data/pattern-launcher/pkg/procmgr"
)

// Service is the pattern launcher: it resolves launch requests to
// isolation keys, reuses running processes, and drives creation,
// health checking and termination through the process manager.
type Service struct {
	config *Config
	logger *slog.Logger

	store    *Store
	syncer   *patternSyncer
	manager  *procmgr.ProcessManager
	registry *isolation.Registry

	orphanDetector *OrphanDetector
	events         EventPublisher

	metrics         *Metrics
	metricsRegistry *prometheus.Registry
	procMetrics     *procmgr.PrometheusMetricsCollector

	launcherID string
	startTime  time.Time

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// Config holds launcher configuration
type Config struct {
	// Patterns directory
	PatternsDir string

	// Default isolation level when neither the request nor the
	// manifest specifies one
	DefaultIsolation isolation.Level

	// Process manager tuning
	ResyncInterval   time.Duration
	BackOffPeriod    time.Duration
	BreakerThreshold int

	// Default grace period for terminations
	GracePeriod time.Duration

	// Creation limits
	CreationTimeout        time.Duration
	MaxConcurrentCreations int

	// Orphan detection interval; zero disables the periodic loop
	// (the startup pass always runs)
	OrphanCheckInterval time.Duration

	// Launcher instance ID stamped into every spawned process's
	// environment. Generated when empty.
	LauncherID string

	// Event publisher for lifecycle events; nil means no-op
	Events EventPublisher

	// Logger; nil means slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		PatternsDir:            "./patterns",
		DefaultIsolation:       isolation.LevelNamespace,
		ResyncInterval:         30 * time.Second,
		BackOffPeriod:          5 * time.Second,
		BreakerThreshold:       5,
		GracePeriod:            10 * time.Second,
		CreationTimeout:        10 * time.Second,
		MaxConcurrentCreations: 8,
		OrphanCheckInterval:    60 * time.Second,
	}
}

// LaunchRequest asks for a pattern process under a given isolation
// scope. Isolation overrides the manifest default when set.
type LaunchRequest struct {
	PatternName string
	Isolation   *isolation.Level
	Namespace   string
	SessionID   string
	Config      map[string]string
}

// HealthStatus is the launcher health summary.
type HealthStatus struct {
	Healthy       bool
	UptimeSeconds int64
	PatternsKnown int
	Total         int
	Starting      int
	Running       int
	Terminating   int
	Failed        int
	ByIsolation   map[string]int
	Processes     []isolation.Handle
}

// NewService creates a launcher service and runs the startup orphan
// reconciliation pass before returning.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	launcherID := config.LauncherID
	if launcherID == "" {
		launcherID = uuid.NewString()
	}

	events := config.Events
	if events == nil {
		events = &NoopEventPublisher{}
	}

	store := NewStore(config.PatternsDir, logger)
	if err := store.Discover(); err != nil {
		return nil, err
	}

	syncer := newPatternSyncer(logger.With("component", "syncer"), launcherID, events)

	procMetrics := procmgr.NewPrometheusMetricsCollector("pattern_launcher")

	manager := procmgr.NewProcessManager(
		procmgr.WithSyncer(syncer),
		procmgr.WithResyncInterval(config.ResyncInterval),
		procmgr.WithBackOffPeriod(config.BackOffPeriod),
		procmgr.WithBreakerThreshold(config.BreakerThreshold),
		procmgr.WithDefaultGracePeriod(config.GracePeriod),
		procmgr.WithMetricsCollector(procMetrics),
		procmgr.WithLogger(logger.With("component", "procmgr")),
	)

	registry := isolation.NewRegistry(manager,
		isolation.WithCreationTimeout(config.CreationTimeout),
		isolation.WithMaxConcurrentCreations(config.MaxConcurrentCreations),
		isolation.WithRegistryLogger(logger.With("component", "registry")),
	)

	ctx, cancel := context.WithCancel(context.Background())

	metricsRegistry := prometheus.NewRegistry()

	svc := &Service{
		config:          config,
		logger:          logger,
		store:           store,
		syncer:          syncer,
		manager:         manager,
		registry:        registry,
		events:          events,
		metrics:         NewMetrics(metricsRegistry),
		metricsRegistry: metricsRegistry,
		procMetrics:     procMetrics,
		launcherID:      launcherID,
		startTime:       time.Now(),
		shutdownCtx:     ctx,
		shutdownCancel:  cancel,
	}

	svc.orphanDetector = NewOrphanDetector(syncer, logger.With("component", "orphans"), config.OrphanCheckInterval)

	// Reclaim anything a previous launcher instance left behind before
	// accepting launches.
	if err := svc.orphanDetector.ReconcileOnce(ctx); err != nil {
		logger.Warn("startup orphan reconciliation failed", "error", err)
	}
	if config.OrphanCheckInterval > 0 {
		go svc.orphanDetector.Start(ctx)
	}

	svc.metrics.setPatternsKnown(store.Count())

	logger.Info("pattern launcher service created",
		"launcher_id", launcherID,
		"patterns", store.Count(),
		"patterns_dir", config.PatternsDir)

	return svc, nil
}

// Launch returns a handle to a process serving the requested pattern
// under the requested isolation scope, creating one if needed.
// Launching an already-running key returns its existing handle.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (isolation.Handle, error) {
	if req.PatternName == "" {
		return isolation.Handle{}, ErrInvalidConfiguration("pattern_name", "", "pattern_name is required")
	}

	manifest, ok := s.store.Get(req.PatternName)
	if !ok {
		return isolation.Handle{}, ErrPatternNotFound(req.PatternName, s.config.PatternsDir)
	}

	level := manifest.DefaultIsolation()
	if req.Isolation != nil {
		level = *req.Isolation
	}

	if level == isolation.LevelNamespace && req.Namespace == "" {
		return isolation.Handle{}, ErrMissingNamespace(req.PatternName)
	}
	if level == isolation.LevelSession && req.SessionID == "" {
		return isolation.Handle{}, ErrMissingSessionID(req.PatternName)
	}

	spec := isolation.ProcessSpec{
		PatternName: req.PatternName,
		Level:       level,
		Namespace:   req.Namespace,
		SessionID:   req.SessionID,
	}

	key, err := isolation.ResolveKey(spec)
	if err != nil {
		return isolation.Handle{}, err
	}

	cfg := &processConfig{
		Spec:     spec,
		Key:      key,
		Manifest: manifest,
		Config:   req.Config,
	}

	start := time.Now()
	handle, err := s.registry.GetOrCreate(ctx, spec, cfg)
	s.metrics.observeLaunch(req.PatternName, level.String(), time.Since(start), err)
	if err != nil {
		return isolation.Handle{}, err
	}

	s.logger.Info("launch resolved",
		"process_id", string(handle.ID),
		"pattern", req.PatternName,
		"isolation", level.String(),
		"address", handle.Address)
	return handle, nil
}

// Get returns the current handle for a process ID, if tracked.
func (s *Service) Get(processID string) (isolation.Handle, bool) {
	return s.registry.Get(isolation.Key(processID))
}

// List returns a point-in-time snapshot of tracked processes,
// including recently failed ones.
func (s *Service) List(filter isolation.Filter) []isolation.Handle {
	return s.registry.List(filter)
}

// Terminate gracefully stops the process identified by processID.
// A zero grace period uses the configured default.
func (s *Service) Terminate(ctx context.Context, processID string, gracePeriod time.Duration) error {
	if gracePeriod <= 0 {
		gracePeriod = s.config.GracePeriod
	}

	key := isolation.Key(processID)
	handle, ok := s.registry.Get(key)
	pattern := ""
	if ok {
		pattern = handle.Spec.PatternName
	}

	err := s.registry.Terminate(ctx, key, gracePeriod)
	s.metrics.observeTerminate(pattern, err)
	if err != nil {
		return err
	}

	s.events.ReportLifecycleEvent(ctx, "stopped",
		fmt.Sprintf("process %s terminated", processID),
		map[string]string{"process_id": processID, "pattern": pattern})
	return nil
}

// Remove drops a terminated or failed process from tracking.
func (s *Service) Remove(processID string) error {
	return s.registry.Remove(isolation.Key(processID))
}

// Health reports launcher health. It always succeeds; degraded states
// are visible in the counts.
func (s *Service) Health(includeProcesses bool) HealthStatus {
	summary := s.registry.Health()
	s.metrics.setProcessGauges(summary.Starting, summary.Running, summary.Terminating, summary.Failed)
	s.metrics.setPatternsKnown(s.store.Count())

	status := HealthStatus{
		Healthy:       true,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		PatternsKnown: s.store.Count(),
		Total:         summary.Total,
		Starting:      summary.Starting,
		Running:       summary.Running,
		Terminating:   summary.Terminating,
		Failed:        summary.Failed,
		ByIsolation:   summary.ByIsolation,
	}
	if includeProcesses {
		status.Processes = s.registry.List(isolation.Filter{})
	}
	return status
}

// Patterns returns the known manifests.
func (s *Service) Patterns() []*Manifest {
	return s.store.List()
}

// ReloadManifests re-scans the patterns directory. Running processes
// keep the manifest they were launched with.
func (s *Service) ReloadManifests() error {
	if err := s.store.Reload(); err != nil {
		return err
	}
	s.metrics.setPatternsKnown(s.store.Count())
	return nil
}

// LauncherID returns this instance's marker value.
func (s *Service) LauncherID() string {
	return s.launcherID
}

// MetricsGatherer returns a gatherer covering launcher and process
// manager metrics, for serving via promhttp.
func (s *Service) MetricsGatherer() prometheus.Gatherer {
	return prometheus.Gatherers{s.metricsRegistry, s.procMetrics.Registry()}
}

// MetricsJSON renders the current metrics snapshot as JSON, for
// consumers that do not scrape the Prometheus text format.
func (s *Service) MetricsJSON() ([]byte, error) {
	return metricsSnapshotJSON(s.MetricsGatherer())
}

// Shutdown gracefully stops all processes and background loops.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down pattern launcher service")

	s.shutdownCancel()
	s.registry.Close()

	if err := s.manager.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown process manager: %w", err)
	}

	s.logger.Info("pattern launcher service shutdown complete")
	return nil
}
