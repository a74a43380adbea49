// Package livesync turns asynchronous change events into ordered, single-object
// reconciliations. Deltas for the same object key are applied one at a time in
// sequence order; different keys are applied concurrently.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-provisioning/core"
)

var ErrQueueFull = errors.New("livesync: delta queue is full")

const (
	NoteStale        = "stale delta superseded by a newer sequence"
	NoteStopped      = "live task stopped"
	defaultQueueSize = core.DefaultQueueSize
)

type State string

const (
	StateIdle    State = "IDLE"
	StateStarted State = "STARTED"
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
)

// Reconciler applies accepted deltas. Discard records a delta that will never
// be applied.
type Reconciler interface {
	Reconcile(ctx context.Context, delta core.Delta) error
	Discard(ctx context.Context, delta core.Delta, reason string) error
}

type Option func(*Adapter)

// WithReorderWindow bounds how long a sequence gap is waited for before the
// missing deltas are skipped.
func WithReorderWindow(window time.Duration) Option {
	return func(a *Adapter) {
		if window >= 0 {
			a.window = window
		}
	}
}

func WithQueueSize(size int) Option {
	return func(a *Adapter) {
		if size > 0 {
			a.queueSize = size
		}
	}
}

// WithSequenceMemory bounds how many idle keys keep their last applied
// sequence after their queue is released. Zero disables the memory.
func WithSequenceMemory(keys int) Option {
	return func(a *Adapter) {
		if keys >= 0 {
			a.memorySize = keys
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(a *Adapter) {
		a.loggerProvider = provider
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(a *Adapter) {
		a.metrics = metrics
	}
}

type Adapter struct {
	name       string
	reconciler Reconciler
	window     time.Duration
	queueSize  int
	memorySize int

	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	observer       core.Observer

	mu       sync.Mutex
	state    State
	ctx      context.Context
	keys     map[string]*keyQueue
	applied  *sequenceMemory
	buffered int
	workers  sync.WaitGroup
}

type keyQueue struct {
	next    uint64
	pending map[uint64]core.Delta
	ready   []core.Delta
	running bool
	gap     *time.Timer
}

func New(name string, reconciler Reconciler, opts ...Option) (*Adapter, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("livesync: reconciler is required")
	}
	a := &Adapter{
		name:       strings.TrimSpace(name),
		reconciler: reconciler,
		window:     core.DefaultReorderWindow,
		queueSize:  defaultQueueSize,
		memorySize: defaultSequenceMemory,
		state:      StateIdle,
		keys:       map[string]*keyQueue{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.applied = newSequenceMemory(a.memorySize)
	_, a.logger = core.ResolveLogger("livesync", a.loggerProvider, a.logger)
	a.observer = core.NewObserver(a.logger, a.metrics)
	return a, nil
}

func (a *Adapter) State() State {
	if a == nil {
		return StateIdle
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start accepts deltas from now on. In-flight reconciliations keep running
// when ctx is cancelled; use Stop to end the session.
func (a *Adapter) Start(ctx context.Context) error {
	if a == nil {
		return fmt.Errorf("livesync: adapter is not configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateStarted, StateRunning:
		return nil
	case StateStopped:
		return core.ErrLiveTaskStopped
	}
	a.ctx = context.WithoutCancel(ctx)
	a.state = StateStarted
	a.observer.Info(ctx, "live sync started", map[string]any{"task_key": a.name})
	return nil
}

// Submit accepts delta for ordered application. Deltas older than the last
// applied sequence of their key are discarded.
func (a *Adapter) Submit(ctx context.Context, delta core.Delta) error {
	if a == nil {
		return fmt.Errorf("livesync: adapter is not configured")
	}
	key := orderingKey(delta)

	a.mu.Lock()
	if a.state != StateStarted && a.state != StateRunning {
		a.mu.Unlock()
		return core.ErrLiveTaskStopped
	}
	if a.buffered >= a.queueSize {
		a.mu.Unlock()
		return ErrQueueFull
	}
	queue := a.keys[key]
	if queue == nil {
		queue = &keyQueue{next: 1, pending: map[uint64]core.Delta{}}
		if next, ok := a.applied.take(key); ok {
			queue.next = next
		}
		a.keys[key] = queue
	}

	stale := false
	switch {
	case delta.Sequence == 0:
		queue.ready = append(queue.ready, delta)
		a.buffered++
	case delta.Sequence < queue.next:
		stale = true
	default:
		if _, duplicate := queue.pending[delta.Sequence]; duplicate {
			stale = true
			break
		}
		queue.pending[delta.Sequence] = delta
		a.buffered++
		a.promote(key, queue)
	}
	a.dispatch(key, queue)
	a.release(key, queue)
	a.mu.Unlock()

	if stale {
		a.observer.Count(ctx, "provisioning.livesync.stale.total", 1, map[string]string{"task_key": a.name})
		return a.reconciler.Discard(ctx, delta, NoteStale)
	}
	return nil
}

// Stop rejects further deltas, applies the ones already accepted and waits
// for them until ctx is done. Stopping twice is a no-op.
func (a *Adapter) Stop(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateIdle {
		a.state = StateStopped
		a.mu.Unlock()
		return nil
	}
	a.state = StateStopped
	for key, queue := range a.keys {
		if queue.gap != nil {
			queue.gap.Stop()
			queue.gap = nil
		}
		a.flush(queue)
		a.dispatch(key, queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.observer.Info(ctx, "live sync stopped", map[string]any{"task_key": a.name})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// promote moves the contiguous run starting at next to the ready list and arms
// the gap timer when later sequences are still waiting. Callers hold a.mu.
func (a *Adapter) promote(key string, queue *keyQueue) {
	for {
		delta, ok := queue.pending[queue.next]
		if !ok {
			break
		}
		delete(queue.pending, queue.next)
		queue.ready = append(queue.ready, delta)
		queue.next++
	}
	if len(queue.pending) == 0 {
		if queue.gap != nil {
			queue.gap.Stop()
			queue.gap = nil
		}
		return
	}
	if queue.gap != nil {
		return
	}
	if a.window <= 0 {
		a.skipGap(queue)
		return
	}
	queue.gap = time.AfterFunc(a.window, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		queue.gap = nil
		if a.state == StateStopped {
			return
		}
		a.skipGap(queue)
		a.promote(key, queue)
		a.dispatch(key, queue)
	})
}

// skipGap gives up on the missing sequences before the lowest pending one.
func (a *Adapter) skipGap(queue *keyQueue) {
	if len(queue.pending) == 0 {
		return
	}
	lowest := uint64(0)
	for sequence := range queue.pending {
		if lowest == 0 || sequence < lowest {
			lowest = sequence
		}
	}
	queue.next = lowest
	for {
		delta, ok := queue.pending[queue.next]
		if !ok {
			break
		}
		delete(queue.pending, queue.next)
		queue.ready = append(queue.ready, delta)
		queue.next++
	}
	if len(queue.pending) > 0 && a.window <= 0 {
		a.skipGap(queue)
	}
}

// flush releases every pending delta in sequence order.
func (a *Adapter) flush(queue *keyQueue) {
	sequences := make([]uint64, 0, len(queue.pending))
	for sequence := range queue.pending {
		sequences = append(sequences, sequence)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	for _, sequence := range sequences {
		queue.ready = append(queue.ready, queue.pending[sequence])
		delete(queue.pending, sequence)
		queue.next = sequence + 1
	}
}

// dispatch starts the single worker of key when it has ready deltas. Callers hold a.mu.
func (a *Adapter) dispatch(key string, queue *keyQueue) {
	if queue.running || len(queue.ready) == 0 {
		return
	}
	queue.running = true
	if a.state == StateStarted {
		a.state = StateRunning
	}
	a.workers.Add(1)
	go a.drain(key, queue)
}

// release drops the queue of key once it has nothing left to apply or wait
// for, remembering its next sequence. Callers hold a.mu.
func (a *Adapter) release(key string, queue *keyQueue) {
	if queue.running || queue.gap != nil || len(queue.ready) > 0 || len(queue.pending) > 0 {
		return
	}
	if a.keys[key] != queue {
		return
	}
	delete(a.keys, key)
	if queue.next > 1 {
		a.applied.remember(key, queue.next)
	}
}

func (a *Adapter) drain(key string, queue *keyQueue) {
	defer a.workers.Done()
	for {
		a.mu.Lock()
		if len(queue.ready) == 0 {
			queue.running = false
			a.release(key, queue)
			a.mu.Unlock()
			return
		}
		delta := queue.ready[0]
		queue.ready = queue.ready[1:]
		a.buffered--
		ctx := a.ctx
		a.mu.Unlock()

		startedAt := time.Now()
		err := a.reconciler.Reconcile(ctx, delta)
		a.observer.Observe(ctx, startedAt, "livesync.apply", err, map[string]any{
			"task_key":     a.name,
			"ordering_key": key,
			"object_class": delta.Object.ObjectClass,
			"remote_key":   delta.Object.Key,
			"operation":    string(delta.Operation),
			"sequence":     delta.Sequence,
		})
	}
}

func orderingKey(delta core.Delta) string {
	return strings.ToUpper(strings.TrimSpace(delta.Object.ObjectClass)) + "::" + delta.Object.Key
}
