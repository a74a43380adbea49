package memoryconnector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-provisioning/core"
)

func TestConnectorCRUDAndKeyAttribute(t *testing.T) {
	ctx := context.Background()
	connector := New("ldap")
	created, err := connector.Create(ctx, "__ACCOUNT__", map[string][]any{"__NAME__": {"rossini"}, "mail": {"r@example.org"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Key != "rossini" {
		t.Fatalf("expected key from key attribute, got %q", created.Key)
	}
	if _, err := connector.Create(ctx, "__ACCOUNT__", map[string][]any{"__NAME__": {"rossini"}}); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}
	updated, err := connector.Update(ctx, "__ACCOUNT__", "rossini", map[string][]any{"mail": {}, "title": {"maestro"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := updated.Attributes["mail"]; ok {
		t.Fatalf("expected empty values to remove the attribute")
	}
	renamed, err := connector.Update(ctx, "__ACCOUNT__", "rossini", map[string][]any{"__NAME__": {"gioachino"}})
	if err != nil || renamed.Key != "gioachino" {
		t.Fatalf("expected rename, got %+v %v", renamed, err)
	}
	if _, err := connector.Get(ctx, "__ACCOUNT__", "rossini"); !errors.Is(err, core.ErrObjectNotFound) {
		t.Fatalf("expected old key gone, got %v", err)
	}
	found, err := connector.Search(ctx, "__ACCOUNT__", core.Filter{Conditions: []core.Condition{{Attribute: "title", Value: "maestro"}}})
	if err != nil || len(found) != 1 {
		t.Fatalf("expected search hit, got %d %v", len(found), err)
	}
	if err := connector.Delete(ctx, "__ACCOUNT__", "gioachino"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if connector.Count("__ACCOUNT__") != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestConnectorEnforcesCapabilities(t *testing.T) {
	connector := New("ro", WithCapabilities(core.CapabilitySearch))
	connector.Put(core.ConnectorObject{ObjectClass: "__ACCOUNT__", Key: "a"})
	err := connector.Delete(context.Background(), "__ACCOUNT__", "a")
	var unsupported *core.CapabilityUnsupportedError
	if !errors.As(err, &unsupported) || unsupported.Capability != core.CapabilityDelete {
		t.Fatalf("expected unsupported delete, got %v", err)
	}
	if connector.Count("__ACCOUNT__") != 1 {
		t.Fatalf("expected object kept")
	}
}

func TestConnectorFailNextInjectsFaults(t *testing.T) {
	ctx := context.Background()
	connector := New("ldap")
	connector.FailNext("create", 2, core.NewTransientError(fmt.Errorf("unavailable")))
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := connector.Create(ctx, "__ACCOUNT__", map[string][]any{"__NAME__": {"x"}}); !core.IsTransient(err) {
			t.Fatalf("attempt %d: expected transient error, got %v", attempt, err)
		}
	}
	if _, err := connector.Create(ctx, "__ACCOUNT__", map[string][]any{"__NAME__": {"x"}}); err != nil {
		t.Fatalf("expected third attempt to succeed, got %v", err)
	}
	if connector.Calls("CREATE") != 3 {
		t.Fatalf("expected 3 create calls, got %d", connector.Calls("CREATE"))
	}
}

func TestConnectorListenDeliversPublishedDeltas(t *testing.T) {
	connector := New("ldap")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan core.Delta, 2)
	done := make(chan error, 1)
	go func() {
		done <- connector.Listen(ctx, "__ACCOUNT__", func(delta core.Delta) error {
			received <- delta
			return nil
		})
	}()
	deadline := time.Now().Add(time.Second)
	for connector.Listeners() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	connector.Publish(core.Delta{Operation: core.DeltaCreate, Sequence: 1, Object: core.ConnectorObject{
		ObjectClass: "__ACCOUNT__", Key: "a", Attributes: map[string][]any{"mail": {"a@example.org"}},
	}})
	select {
	case delta := <-received:
		if delta.Object.Key != "a" || delta.ReceivedAt.IsZero() {
			t.Fatalf("unexpected delta %+v", delta)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delta")
	}
	if _, ok := connector.Object("__ACCOUNT__", "a"); !ok {
		t.Fatalf("expected published object stored")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("listen: %v", err)
	}
}

func TestResolverReportsMissingConnector(t *testing.T) {
	resolver := NewResolver(New("ldap"))
	if _, err := resolver.Connector("ldap"); err != nil {
		t.Fatalf("expected registered connector, got %v", err)
	}
	if _, err := resolver.Connector("db"); !errors.Is(err, core.ErrConnectorNotFound) {
		t.Fatalf("expected not registered, got %v", err)
	}
}
