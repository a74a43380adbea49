package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticConfigLoader serves a fixed raw map, typically decoded from a file.
type StaticConfigLoader struct {
	Values map[string]any
}

func (l StaticConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			ConfigToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			ConfigToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			ConfigToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// ResolveConfig loads configuration through provider and layers runtime overrides on top.
func ResolveConfig(ctx context.Context, runtime Config, provider ConfigProvider, resolver OptionsResolver) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, fmt.Errorf("core: load config: %w", err)
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

// ConfigToLayerMap renders cfg as a layer; zero values are skipped unless includeZero is set.
func ConfigToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || strings.TrimSpace(cfg.Executor) != "" {
		layer["executor"] = cfg.Executor
	}
	if includeZero || cfg.Concurrency != 0 {
		layer["concurrency"] = cfg.Concurrency
	}
	if includeZero || cfg.RunTimeout != 0 {
		layer["run_timeout"] = cfg.RunTimeout
	}

	propagation := map[string]any{}
	if includeZero || cfg.Propagation.MaxAttempts != 0 {
		propagation["max_attempts"] = cfg.Propagation.MaxAttempts
	}
	if includeZero || cfg.Propagation.BackOffStrategy != "" {
		propagation["backoff_strategy"] = string(cfg.Propagation.BackOffStrategy)
	}
	if includeZero || strings.TrimSpace(cfg.Propagation.BackOffParams) != "" {
		propagation["backoff_params"] = cfg.Propagation.BackOffParams
	}
	if includeZero || cfg.Propagation.LockTTL != 0 {
		propagation["lock_ttl"] = cfg.Propagation.LockTTL
	}
	if len(propagation) > 0 {
		layer["propagation"] = propagation
	}

	liveSync := map[string]any{}
	if includeZero || cfg.LiveSync.ReorderWindow != 0 {
		liveSync["reorder_window"] = cfg.LiveSync.ReorderWindow
	}
	if includeZero || cfg.LiveSync.QueueSize != 0 {
		liveSync["queue_size"] = cfg.LiveSync.QueueSize
	}
	if len(liveSync) > 0 {
		layer["live_sync"] = liveSync
	}

	if includeZero || cfg.History.IncludeDryRun {
		layer["history"] = map[string]any{
			"include_dry_run": cfg.History.IncludeDryRun,
		}
	}
	return layer
}
