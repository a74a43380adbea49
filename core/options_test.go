package core

import (
	"context"
	"testing"
	"time"
)

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Propagation.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Propagation.MaxAttempts)
	}
	if cfg.LiveSync.ReorderWindow != 2*time.Second {
		t.Fatalf("expected default reorder window 2s, got %v", cfg.LiveSync.ReorderWindow)
	}
	policy := cfg.GlobalPolicy()
	if policy.MaxAttempts != 3 || policy.BackOffStrategy != BackOffNone {
		t.Fatalf("unexpected global policy %#v", policy)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceName = " "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected service name error")
	}
	cfg = DefaultConfig()
	cfg.Propagation.BackOffStrategy = "LINEAR"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected backoff strategy error")
	}
	cfg = DefaultConfig()
	cfg.Concurrency = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected concurrency error")
	}
}

func TestCfgxConfigProviderLoadsRawValues(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"service_name": "idm",
		"concurrency":  8,
		"propagation": map[string]any{
			"max_attempts":     5,
			"backoff_strategy": "EXPONENTIAL",
		},
	}})
	cfg, err := provider.Load(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "idm" || cfg.Concurrency != 8 {
		t.Fatalf("unexpected config %#v", cfg)
	}
	if cfg.Propagation.MaxAttempts != 5 || cfg.Propagation.BackOffStrategy != BackOffExponential {
		t.Fatalf("unexpected propagation config %#v", cfg.Propagation)
	}
}

func TestGoOptionsResolverRuntimeWins(t *testing.T) {
	defaults := DefaultConfig()
	loaded := Config{ServiceName: "from-config", Concurrency: 2}
	runtime := Config{Concurrency: 6, History: HistoryConfig{IncludeDryRun: true}}

	resolved, err := GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ServiceName != "from-config" {
		t.Fatalf("expected config layer service name, got %q", resolved.ServiceName)
	}
	if resolved.Concurrency != 6 {
		t.Fatalf("expected runtime concurrency 6, got %d", resolved.Concurrency)
	}
	if !resolved.History.IncludeDryRun {
		t.Fatalf("expected runtime include_dry_run")
	}
	if resolved.Propagation.MaxAttempts != defaults.Propagation.MaxAttempts {
		t.Fatalf("expected default max attempts, got %d", resolved.Propagation.MaxAttempts)
	}
}

func TestResolveConfigUsesDefaultsWithoutProvider(t *testing.T) {
	cfg, err := ResolveConfig(context.Background(), Config{Executor: "worker-1"}, nil, nil)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.Executor != "worker-1" {
		t.Fatalf("expected runtime executor, got %q", cfg.Executor)
	}
	if cfg.ServiceName != "provisioning" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
}
