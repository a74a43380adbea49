package core

import (
	"context"
	"errors"
	"testing"
)

func TestCatalogLookups(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog()

	if err := catalog.PutResource(Resource{Key: "ldap", Provisions: []Provision{{AnyType: AnyTypeUser, ObjectClass: "__ACCOUNT__"}}}); err != nil {
		t.Fatalf("put resource: %v", err)
	}
	if err := catalog.PutSchema(AnyTypeSchema{AnyType: "user"}); err != nil {
		t.Fatalf("put schema: %v", err)
	}
	if err := catalog.PutRealm(Realm{FullPath: "even/two", PropagationPolicy: "retry"}); err != nil {
		t.Fatalf("put realm: %v", err)
	}
	if err := catalog.PutTask(Task{Key: "pull", Direction: DirectionPull, ResourceKey: "ldap"}); err != nil {
		t.Fatalf("put task: %v", err)
	}
	if err := catalog.PutTask(Task{Key: "bad", Direction: DirectionPull}); err == nil {
		t.Fatalf("expected invalid task to be rejected")
	}

	resource, err := catalog.Resource(ctx, "ldap")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if _, ok := resource.Provision("user"); !ok {
		t.Fatalf("expected case insensitive provision lookup")
	}
	if _, err := catalog.Schema(ctx, "USER"); err != nil {
		t.Fatalf("schema: %v", err)
	}
	realm, err := catalog.Realm(ctx, "/even/two")
	if err != nil || realm.PropagationPolicy != "retry" {
		t.Fatalf("expected normalized realm lookup, got %#v %v", realm, err)
	}
	if _, err := catalog.Task(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}
	if _, err := catalog.Policy(ctx, "missing"); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("expected policy not found, got %v", err)
	}
	tasks, err := catalog.Tasks(ctx)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected one task, got %d %v", len(tasks), err)
	}
}
