// Package ratelimit throttles connector calls per resource after a resource
// reports that it is overloaded.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-provisioning/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

type State struct {
	ResourceKey    string
	ThrottledUntil *time.Time
	RetryAfter     *time.Duration
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, resourceKey string) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	ResourceKey string
	RetryAfter  time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: resource %q throttled for %s", strings.TrimSpace(e.ResourceKey), e.RetryAfter)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"resource_key": strings.TrimSpace(e.ResourceKey)}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorThrottled).
		WithMetadata(metadata)
}

// Throttle opens a cool-down window per resource when a connector call fails
// with a throttling error. Calls inside the window fail fast with a transient
// error carrying the remaining wait.
type Throttle struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewThrottle(store StateStore) *Throttle {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &Throttle{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

func (p *Throttle) BeforeCall(ctx context.Context, resourceKey string) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, normalizeKey(resourceKey))
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}
	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		wait := until.Sub(now)
		return &core.ConnectorError{
			ResourceKey: state.ResourceKey,
			Transient:   true,
			RetryAfter:  wait,
			Err:         ThrottledError{ResourceKey: state.ResourceKey, RetryAfter: wait},
		}
	}
	return nil
}

// AfterCall records the result of a connector call. Throttling errors open or
// extend the window; any other result closes it.
func (p *Throttle) AfterCall(ctx context.Context, resourceKey string, callErr error) error {
	if p == nil || p.Store == nil {
		return nil
	}
	resourceKey = normalizeKey(resourceKey)
	now := p.now()
	state, err := p.Store.Get(ctx, resourceKey)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{ResourceKey: resourceKey}
	}
	state.UpdatedAt = now

	if !IsThrottle(callErr) {
		state.Attempts = 0
		state.ThrottledUntil = nil
		state.RetryAfter = nil
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts++
	delay := core.RetryAfterHint(callErr)
	if delay > 0 {
		state.RetryAfter = &delay
	} else {
		state.RetryAfter = nil
		delay = p.nextBackoff(state.Attempts)
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return p.Store.Upsert(ctx, state)
}

// IsThrottle reports whether err signals that the resource is overloaded.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	var throttled ThrottledError
	if errors.As(err, &throttled) {
		return true
	}
	var connectorErr *core.ConnectorError
	if errors.As(err, &connectorErr) {
		return connectorErr.Transient && connectorErr.RetryAfter > 0
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.Category == goerrors.CategoryRateLimit ||
			strings.EqualFold(strings.TrimSpace(richErr.TextCode), core.ErrorThrottled)
	}
	return false
}

func (p *Throttle) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Throttle) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	if attempt <= 0 {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	return delay
}

func (p *Throttle) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

func normalizeKey(resourceKey string) string {
	return strings.TrimSpace(resourceKey)
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, resourceKey string) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeKey(resourceKey)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.ResourceKey = normalizeKey(state.ResourceKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.ResourceKey] = state
	return nil
}
