package core

import (
	"fmt"
	"strings"
	"time"
)

type PropagationConfig struct {
	MaxAttempts     int             `koanf:"max_attempts" mapstructure:"max_attempts"`
	BackOffStrategy BackOffStrategy `koanf:"backoff_strategy" mapstructure:"backoff_strategy"`
	BackOffParams   string          `koanf:"backoff_params" mapstructure:"backoff_params"`
	LockTTL         time.Duration   `koanf:"lock_ttl" mapstructure:"lock_ttl"`
}

type LiveSyncConfig struct {
	ReorderWindow time.Duration `koanf:"reorder_window" mapstructure:"reorder_window"`
	QueueSize     int           `koanf:"queue_size" mapstructure:"queue_size"`
}

type HistoryConfig struct {
	IncludeDryRun bool `koanf:"include_dry_run" mapstructure:"include_dry_run"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Executor    string            `koanf:"executor" mapstructure:"executor"`
	Concurrency int               `koanf:"concurrency" mapstructure:"concurrency"`
	RunTimeout  time.Duration     `koanf:"run_timeout" mapstructure:"run_timeout"`
	Propagation PropagationConfig `koanf:"propagation" mapstructure:"propagation"`
	LiveSync    LiveSyncConfig    `koanf:"live_sync" mapstructure:"live_sync"`
	History     HistoryConfig     `koanf:"history" mapstructure:"history"`
}

const (
	DefaultMaxAttempts   = 3
	DefaultConcurrency   = 4
	DefaultReorderWindow = 2 * time.Second
	DefaultQueueSize     = 256
	DefaultLockTTL       = 5 * time.Minute
)

func DefaultConfig() Config {
	return Config{
		ServiceName: "provisioning",
		Executor:    "provisioning",
		Concurrency: DefaultConcurrency,
		Propagation: PropagationConfig{
			MaxAttempts:     DefaultMaxAttempts,
			BackOffStrategy: BackOffNone,
			LockTTL:         DefaultLockTTL,
		},
		LiveSync: LiveSyncConfig{
			ReorderWindow: DefaultReorderWindow,
			QueueSize:     DefaultQueueSize,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("core: concurrency must be >= 0")
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("core: run_timeout must be >= 0")
	}
	if c.Propagation.MaxAttempts < 0 {
		return fmt.Errorf("core: propagation.max_attempts must be >= 0")
	}
	switch c.Propagation.BackOffStrategy {
	case "", BackOffNone, BackOffConstant, BackOffExponential:
	default:
		return fmt.Errorf("core: unsupported propagation.backoff_strategy %q", c.Propagation.BackOffStrategy)
	}
	if c.LiveSync.ReorderWindow < 0 {
		return fmt.Errorf("core: live_sync.reorder_window must be >= 0")
	}
	if c.LiveSync.QueueSize < 0 {
		return fmt.Errorf("core: live_sync.queue_size must be >= 0")
	}
	return nil
}

// GlobalPolicy is the propagation policy used when no task, resource or realm policy applies.
func (c Config) GlobalPolicy() PropagationPolicy {
	attempts := c.Propagation.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	strategy := c.Propagation.BackOffStrategy
	if strategy == "" {
		strategy = BackOffNone
	}
	return PropagationPolicy{
		Key:             "global",
		MaxAttempts:     attempts,
		BackOffStrategy: strategy,
		BackOffParams:   strings.TrimSpace(c.Propagation.BackOffParams),
	}
}

func (c Config) Workers() int {
	if c.Concurrency <= 0 {
		return 1
	}
	return c.Concurrency
}
