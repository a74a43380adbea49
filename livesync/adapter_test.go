package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-provisioning/core"
)

type recordingReconciler struct {
	mu        sync.Mutex
	applied   []core.Delta
	discarded []core.Delta
	reasons   []string
	block     chan struct{}
}

func (r *recordingReconciler) Reconcile(_ context.Context, delta core.Delta) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, delta)
	return nil
}

func (r *recordingReconciler) Discard(_ context.Context, delta core.Delta, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, delta)
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *recordingReconciler) appliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func delta(operation core.DeltaOperation, key string, sequence uint64) core.Delta {
	return core.Delta{
		Operation: operation,
		Object:    core.ConnectorObject{ObjectClass: "__ACCOUNT__", Key: key},
		Sequence:  sequence,
	}
}

func startedAdapter(t *testing.T, reconciler Reconciler, opts ...Option) *Adapter {
	t.Helper()
	adapter, err := New("live-users", reconciler, opts...)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return adapter
}

func retained(adapter *Adapter) (queues int, remembered int) {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	return len(adapter.keys), adapter.applied.len()
}

func waitForApplied(t *testing.T, reconciler *recordingReconciler, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for reconciler.appliedCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d applied deltas, got %d", want, reconciler.appliedCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdleKeyQueuesAreReleased(t *testing.T) {
	reconciler := &recordingReconciler{}
	adapter := startedAdapter(t, reconciler, WithQueueSize(1000))
	ctx := context.Background()

	const keys = 500
	for i := range keys {
		if err := adapter.Submit(ctx, delta(core.DeltaUpdate, fmt.Sprintf("user-%d", i), 1)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitForApplied(t, reconciler, keys)

	deadline := time.Now().Add(5 * time.Second)
	for {
		queues, remembered := retained(adapter)
		if queues == 0 && remembered == keys {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected idle queues to be released, got %d queues and %d remembered keys", queues, remembered)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := adapter.Submit(ctx, delta(core.DeltaUpdate, "user-7", 1)); err != nil {
		t.Fatalf("late submit: %v", err)
	}
	if queues, _ := retained(adapter); queues != 0 {
		t.Fatalf("expected a stale delta not to keep a queue, got %d", queues)
	}
	_ = adapter.Stop(ctx)
	if len(reconciler.discarded) != 1 || reconciler.reasons[0] != NoteStale {
		t.Fatalf("expected late delta of a released key to be stale, got %v", reconciler.reasons)
	}
}

func TestSequenceMemoryForgetsLeastRecentKeys(t *testing.T) {
	reconciler := &recordingReconciler{}
	adapter := startedAdapter(t, reconciler, WithSequenceMemory(2))
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		_ = adapter.Submit(ctx, delta(core.DeltaUpdate, key, 1))
		waitForApplied(t, reconciler, i+1)
		deadline := time.Now().Add(5 * time.Second)
		for {
			if queues, _ := retained(adapter); queues == 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("expected queue of %q to be released", key)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	if _, remembered := retained(adapter); remembered != 2 {
		t.Fatalf("expected memory bounded to two keys, got %d", remembered)
	}

	// "a" was forgotten, so its first sequence is accepted again.
	_ = adapter.Submit(ctx, delta(core.DeltaUpdate, "a", 1))
	_ = adapter.Submit(ctx, delta(core.DeltaUpdate, "c", 1))
	_ = adapter.Stop(ctx)
	if reconciler.appliedCount() != 4 {
		t.Fatalf("expected forgotten key to be applied again, got %d", reconciler.appliedCount())
	}
	if len(reconciler.discarded) != 1 {
		t.Fatalf("expected remembered key to reject its old sequence, got %d discards", len(reconciler.discarded))
	}
}

func TestSubmitReordersDeltasOfTheSameKey(t *testing.T) {
	reconciler := &recordingReconciler{}
	adapter := startedAdapter(t, reconciler, WithReorderWindow(time.Minute))
	ctx := context.Background()

	if err := adapter.Submit(ctx, delta(core.DeltaUpdate, "5432", 2)); err != nil {
		t.Fatalf("submit update: %v", err)
	}
	if reconciler.appliedCount() != 0 {
		t.Fatalf("expected update to wait for its predecessor")
	}
	if err := adapter.Submit(ctx, delta(core.DeltaCreate, "5432", 1)); err != nil {
		t.Fatalf("submit create: %v", err)
	}
	if err := adapter.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(reconciler.applied) != 2 {
		t.Fatalf("expected two applied deltas, got %d", len(reconciler.applied))
	}
	if reconciler.applied[0].Operation != core.DeltaCreate || reconciler.applied[1].Operation != core.DeltaUpdate {
		t.Fatalf("expected CREATE then UPDATE, got %s then %s", reconciler.applied[0].Operation, reconciler.applied[1].Operation)
	}
}

func TestSubmitDiscardsStaleSequences(t *testing.T) {
	reconciler := &recordingReconciler{}
	adapter := startedAdapter(t, reconciler)
	ctx := context.Background()

	_ = adapter.Submit(ctx, delta(core.DeltaCreate, "a", 1))
	_ = adapter.Submit(ctx, delta(core.DeltaUpdate, "a", 2))
	if err := adapter.Submit(ctx, delta(core.DeltaUpdate, "a", 1)); err != nil {
		t.Fatalf("stale submit: %v", err)
	}
	_ = adapter.Stop(ctx)

	if len(reconciler.discarded) != 1 || reconciler.reasons[0] != NoteStale {
		t.Fatalf("expected one stale discard, got %+v", reconciler.reasons)
	}
	if len(reconciler.applied) != 2 {
		t.Fatalf("expected two applied deltas, got %d", len(reconciler.applied))
	}
}

func TestGapIsSkippedAfterReorderWindow(t *testing.T) {
	reconciler := &recordingReconciler{}
	adapter := startedAdapter(t, reconciler, WithReorderWindow(20*time.Millisecond))
	ctx := context.Background()

	_ = adapter.Submit(ctx, delta(core.DeltaUpdate, "b", 3))
	deadline := time.Now().Add(2 * time.Second)
	for reconciler.appliedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected gap to be skipped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := adapter.Submit(ctx, delta(core.DeltaUpdate, "b", 2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = adapter.Stop(ctx)
	if len(reconciler.discarded) != 1 {
		t.Fatalf("expected late predecessor to be discarded")
	}
}

func TestStopIsIdempotentAndRejectsNewDeltas(t *testing.T) {
	reconciler := &recordingReconciler{block: make(chan struct{})}
	adapter := startedAdapter(t, reconciler)
	ctx := context.Background()

	if err := adapter.Submit(ctx, delta(core.DeltaCreate, "c", 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if adapter.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %s", adapter.State())
	}

	stopped := make(chan error, 1)
	go func() { stopped <- adapter.Stop(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for adapter.State() != StateStopped {
		if time.Now().After(deadline) {
			t.Fatalf("expected STOPPED state")
		}
		time.Sleep(time.Millisecond)
	}
	if err := adapter.Submit(ctx, delta(core.DeltaUpdate, "c", 2)); !errors.Is(err, core.ErrLiveTaskStopped) {
		t.Fatalf("expected ErrLiveTaskStopped, got %v", err)
	}

	close(reconciler.block)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if reconciler.appliedCount() != 1 {
		t.Fatalf("expected in-flight delta to finish")
	}
	if err := adapter.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := adapter.Start(ctx); !errors.Is(err, core.ErrLiveTaskStopped) {
		t.Fatalf("expected restart to be refused, got %v", err)
	}
}

func TestDifferentKeysDoNotBlockEachOther(t *testing.T) {
	reconciler := &recordingReconciler{}
	adapter := startedAdapter(t, reconciler, WithReorderWindow(time.Minute))
	ctx := context.Background()

	_ = adapter.Submit(ctx, delta(core.DeltaUpdate, "waiting", 5))
	_ = adapter.Submit(ctx, delta(core.DeltaCreate, "free", 1))

	deadline := time.Now().Add(2 * time.Second)
	for reconciler.appliedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected independent key to be applied")
		}
		time.Sleep(time.Millisecond)
	}
	reconciler.mu.Lock()
	first := reconciler.applied[0].Object.Key
	reconciler.mu.Unlock()
	if first != "free" {
		t.Fatalf("expected free key first, got %s", first)
	}
	_ = adapter.Stop(ctx)
	if reconciler.appliedCount() != 2 {
		t.Fatalf("expected stop to flush the waiting delta")
	}
}

func TestSubmitRespectsQueueSize(t *testing.T) {
	reconciler := &recordingReconciler{}
	adapter := startedAdapter(t, reconciler, WithReorderWindow(time.Minute), WithQueueSize(1))
	ctx := context.Background()

	_ = adapter.Submit(ctx, delta(core.DeltaUpdate, "x", 4))
	if err := adapter.Submit(ctx, delta(core.DeltaUpdate, "y", 4)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	_ = adapter.Stop(ctx)
}
