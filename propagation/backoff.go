package propagation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-provisioning/core"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMultiplier     = 2.0
	defaultPeriod         = time.Second
)

// NoBackoff retries immediately.
type NoBackoff struct{}

func (NoBackoff) NextDelay(int) time.Duration {
	return 0
}

type ConstantBackoff struct {
	Period time.Duration
}

func (s ConstantBackoff) NextDelay(int) time.Duration {
	if s.Period <= 0 {
		return defaultPeriod
	}
	return s.Period
}

type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (s ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	max := s.Max
	if max <= 0 {
		max = defaultMaxBackoff
	}
	multiplier := s.Multiplier
	if multiplier <= 1 {
		multiplier = defaultMultiplier
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// SchedulerFor builds the back-off of policy. Params are milliseconds:
// "initial;max;multiplier" for EXPONENTIAL and "period" for CONSTANT.
func SchedulerFor(policy core.PropagationPolicy) (core.BackoffScheduler, error) {
	params := splitParams(policy.BackOffParams)
	switch policy.BackOffStrategy {
	case core.BackOffNone, "":
		return NoBackoff{}, nil
	case core.BackOffConstant:
		period, err := paramDuration(params, 0)
		if err != nil {
			return nil, fmt.Errorf("propagation: policy %q: %w", policy.Key, err)
		}
		return ConstantBackoff{Period: period}, nil
	case core.BackOffExponential:
		initial, err := paramDuration(params, 0)
		if err != nil {
			return nil, fmt.Errorf("propagation: policy %q: %w", policy.Key, err)
		}
		max, err := paramDuration(params, 1)
		if err != nil {
			return nil, fmt.Errorf("propagation: policy %q: %w", policy.Key, err)
		}
		multiplier := 0.0
		if len(params) > 2 && params[2] != "" {
			multiplier, err = strconv.ParseFloat(params[2], 64)
			if err != nil {
				return nil, fmt.Errorf("propagation: policy %q: invalid multiplier %q", policy.Key, params[2])
			}
		}
		return ExponentialBackoff{Initial: initial, Max: max, Multiplier: multiplier}, nil
	default:
		return nil, fmt.Errorf("propagation: policy %q: unsupported backoff strategy %q", policy.Key, policy.BackOffStrategy)
	}
}

func splitParams(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	for index := range parts {
		parts[index] = strings.TrimSpace(parts[index])
	}
	return parts
}

func paramDuration(params []string, index int) (time.Duration, error) {
	if index >= len(params) || params[index] == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(params[index], 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid backoff param %q", params[index])
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
