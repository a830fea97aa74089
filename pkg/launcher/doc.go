// Package launcher provides a lightweight process manager for pattern executables.
//
// The launcher implements the bulkhead isolation pattern to manage pattern processes
// with configurable isolation levels, automatic crash recovery, and comprehensive
// observability through Prometheus metrics.
//
// # Quick Start
//
// Create and start a launcher service:
//
//	config := launcher.DefaultConfig()
//	config.PatternsDir = "./patterns"
//
//	service, err := launcher.NewService(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer service.Shutdown(context.Background())
//
//	handle, err := service.Launch(ctx, launcher.LaunchRequest{
//	    PatternName: "consumer",
//	    Namespace:   "tenant-a",
//	})
//
// # Isolation Levels
//
// The launcher supports three isolation levels:
//
// NONE: All requests share a single process instance.
// Use for stateless patterns with no tenant data isolation requirements.
// Lowest resource usage (1 process total).
//
// NAMESPACE: Each namespace (tenant) gets its own process instance.
// Use for multi-tenant SaaS applications requiring fault and resource isolation.
// Medium resource usage (N processes for N tenants).
//
// SESSION: Each session (user) gets its own process instance.
// Use for high-security environments or compliance requirements (PCI-DSS, HIPAA).
// Highest resource usage (M×N processes for M users across N tenants).
//
// # Process Lifecycle
//
// A launched process moves through STARTING, RUNNING, TERMINATING and
// TERMINATED. A process that never becomes healthy, or that keeps
// failing health checks past the circuit breaker threshold, is marked
// FAILED and left visible for inspection until removed or relaunched.
//
// Launching a pattern whose isolation key already maps to a running
// process returns the existing handle; no second process is spawned.
// Concurrent launches of the same key share one creation sequence.
//
// # Pattern Manifests
//
// Patterns are described by manifest.yaml files, one directory per
// pattern under the patterns directory:
//
//	name: consumer
//	version: 1.2.0
//	executable: ./consumer
//	isolation_level: namespace
//	healthcheck:
//	  protocol: http
//	  path: /health
//	  interval: 30s
//	  timeout: 5s
//
// Spawned processes receive their configuration through environment
// variables (PATTERN_NAME, PROCESS_ID, LISTEN_PORT, HEALTH_PORT and
// the isolation scope).
package launcher
