package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/prism-data/pattern-launcher/pkg/isolation"
)

func shutdownService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestBuilderDefaults(t *testing.T) {
	config := NewBuilder().GetConfig()

	if config.PatternsDir != "./patterns" {
		t.Errorf("Expected default patterns dir './patterns', got %s", config.PatternsDir)
	}
	if config.DefaultIsolation != isolation.LevelNamespace {
		t.Errorf("Expected default namespace isolation, got %s", config.DefaultIsolation)
	}
	if config.BreakerThreshold != 5 {
		t.Errorf("Expected default breaker threshold 5, got %d", config.BreakerThreshold)
	}
}

func TestBuilderChaining(t *testing.T) {
	config := NewBuilder().
		WithPatternsDir("/opt/patterns").
		WithSessionIsolation().
		WithResyncInterval(10 * time.Second).
		WithBackOffPeriod(2 * time.Second).
		WithBreakerThreshold(3).
		WithGracePeriod(20 * time.Second).
		WithCreationTimeout(30 * time.Second).
		WithMaxConcurrentCreations(4).
		GetConfig()

	if config.PatternsDir != "/opt/patterns" {
		t.Errorf("PatternsDir = %s", config.PatternsDir)
	}
	if config.DefaultIsolation != isolation.LevelSession {
		t.Errorf("DefaultIsolation = %s", config.DefaultIsolation)
	}
	if config.ResyncInterval != 10*time.Second {
		t.Errorf("ResyncInterval = %v", config.ResyncInterval)
	}
	if config.BackOffPeriod != 2*time.Second {
		t.Errorf("BackOffPeriod = %v", config.BackOffPeriod)
	}
	if config.BreakerThreshold != 3 {
		t.Errorf("BreakerThreshold = %d", config.BreakerThreshold)
	}
	if config.GracePeriod != 20*time.Second {
		t.Errorf("GracePeriod = %v", config.GracePeriod)
	}
	if config.CreationTimeout != 30*time.Second {
		t.Errorf("CreationTimeout = %v", config.CreationTimeout)
	}
	if config.MaxConcurrentCreations != 4 {
		t.Errorf("MaxConcurrentCreations = %d", config.MaxConcurrentCreations)
	}
}

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name    string
		builder *ServiceBuilder
	}{
		{"empty patterns dir", NewBuilder().WithPatternsDir("")},
		{"resync too small", NewBuilder().WithResyncInterval(100 * time.Millisecond)},
		{"negative backoff", NewBuilder().WithBackOffPeriod(-time.Second)},
		{"zero breaker threshold", NewBuilder().WithBreakerThreshold(0)},
		{"zero grace period", NewBuilder().WithGracePeriod(0)},
		{"zero creation timeout", NewBuilder().WithCreationTimeout(0)},
		{"zero max creations", NewBuilder().WithMaxConcurrentCreations(0)},
		{"nil config", NewBuilder().WithConfig(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.builder.Build(); err == nil {
				t.Error("Expected build error, got nil")
			}
		})
	}
}

func TestBuilderFirstErrorWins(t *testing.T) {
	_, err := NewBuilder().
		WithPatternsDir("").
		WithResyncInterval(10 * time.Second).
		Build()

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
}

func TestBuilderPresets(t *testing.T) {
	dev := NewBuilder().WithDevelopmentDefaults().GetConfig()
	if dev.ResyncInterval != 5*time.Second {
		t.Errorf("Development resync = %v", dev.ResyncInterval)
	}
	if dev.BackOffPeriod != time.Second {
		t.Errorf("Development backoff = %v", dev.BackOffPeriod)
	}

	prod := NewBuilder().WithProductionDefaults().GetConfig()
	if prod.ResyncInterval != 30*time.Second {
		t.Errorf("Production resync = %v", prod.ResyncInterval)
	}
	if prod.BackOffPeriod != 5*time.Second {
		t.Errorf("Production backoff = %v", prod.BackOffPeriod)
	}
}

func TestBuilderBuild(t *testing.T) {
	root := t.TempDir()
	writePattern(t, root, "kv", `
name: kv
version: 1.0.0
executable: /bin/cat
isolation_level: none
`)

	service, err := NewBuilder().
		WithPatternsDir(root).
		WithNoneIsolation().
		WithLogger(testLogger()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer shutdownService(t, service)

	if len(service.Patterns()) != 1 {
		t.Errorf("Expected 1 pattern, got %d", len(service.Patterns()))
	}
}

func TestQuickStart(t *testing.T) {
	root := t.TempDir()
	writePattern(t, root, "kv", `
name: kv
version: 1.0.0
executable: /bin/cat
isolation_level: namespace
`)

	service, err := QuickStart(root)
	if err != nil {
		t.Fatalf("QuickStart failed: %v", err)
	}
	defer shutdownService(t, service)

	if service.config.DefaultIsolation != isolation.LevelNamespace {
		t.Errorf("QuickStart isolation = %s", service.config.DefaultIsolation)
	}
}
