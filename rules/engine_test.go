package rules

import (
	"context"
	"testing"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/expression"
)

func TestDecidePullTable(t *testing.T) {
	tests := []struct {
		name      string
		in        Input
		target    core.Target
		operation core.ResourceOperation
		link      core.LinkChange
		status    core.OutcomeStatus
	}{
		{
			name:      "unmatched provision creates internal entity",
			in:        Input{Direction: core.DirectionPull, Correlation: core.CorrelationNone, Unmatching: core.UnmatchingProvision},
			target:    core.TargetInternal,
			operation: core.OperationCreate,
			link:      core.LinkAdd,
		},
		{
			name:   "unmatched ignore does nothing",
			in:     Input{Direction: core.DirectionPull, Correlation: core.CorrelationNone, Unmatching: core.UnmatchingIgnore},
			target: core.TargetNone, operation: core.OperationNone, link: core.LinkKeep,
			status: core.OutcomeSuccess,
		},
		{
			name:      "matched update writes internal entity",
			in:        Input{Direction: core.DirectionPull, Correlation: core.CorrelationOne, Matching: core.MatchingUpdate},
			target:    core.TargetInternal,
			operation: core.OperationUpdate,
			link:      core.LinkAdd,
		},
		{
			name:      "delete delta removes linked entity",
			in:        Input{Direction: core.DirectionPull, Correlation: core.CorrelationOne, Deletion: true},
			target:    core.TargetInternal,
			operation: core.OperationDelete,
			link:      core.LinkRemove,
		},
		{
			name:   "delete delta without match succeeds",
			in:     Input{Direction: core.DirectionPull, Correlation: core.CorrelationNone, Deletion: true},
			status: core.OutcomeSuccess,
		},
		{
			name:   "ambiguous correlation fails",
			in:     Input{Direction: core.DirectionPull, Correlation: core.CorrelationMany},
			status: core.OutcomeFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Decide(tt.in)
			if decision.Status != tt.status {
				t.Fatalf("expected status %q, got %q (%s)", tt.status, decision.Status, decision.Note)
			}
			if tt.status != "" && tt.target == "" {
				return
			}
			if decision.Target != tt.target || decision.Operation != tt.operation || decision.Link != tt.link {
				t.Fatalf("unexpected decision %+v", decision)
			}
		})
	}
}

func TestDecidePushTable(t *testing.T) {
	all := core.AllCapabilities()
	tests := []struct {
		name      string
		in        Input
		operation core.ResourceOperation
		link      core.LinkChange
		status    core.OutcomeStatus
	}{
		{"assign creates and links", Input{Correlation: core.CorrelationNone, Unmatching: core.UnmatchingAssign}, core.OperationCreate, core.LinkAdd, ""},
		{"provision creates without link", Input{Correlation: core.CorrelationNone, Unmatching: core.UnmatchingProvision}, core.OperationCreate, core.LinkKeep, ""},
		{"unlink removes link only", Input{Correlation: core.CorrelationNone, Unmatching: core.UnmatchingUnlink}, core.OperationNone, core.LinkRemove, ""},
		{"update propagates", Input{Correlation: core.CorrelationOne, Matching: core.MatchingUpdate}, core.OperationUpdate, core.LinkKeep, ""},
		{"deprovision keeps link", Input{Correlation: core.CorrelationOne, Matching: core.MatchingDeprovision}, core.OperationDelete, core.LinkKeep, ""},
		{"unassign deletes and unlinks", Input{Correlation: core.CorrelationOne, Matching: core.MatchingUnassign}, core.OperationDelete, core.LinkRemove, ""},
		{"link records link", Input{Correlation: core.CorrelationOne, Matching: core.MatchingLink}, core.OperationNone, core.LinkAdd, ""},
		{"ignore", Input{Correlation: core.CorrelationOne, Matching: core.MatchingIgnore}, core.OperationNone, core.LinkKeep, core.OutcomeSuccess},
		{"linked but missing fails", Input{Correlation: core.CorrelationNone, Linked: true, Unmatching: core.UnmatchingAssign}, "", "", core.OutcomeFailure},
		{"create disabled", Input{Correlation: core.CorrelationNone, Unmatching: core.UnmatchingAssign, DisableCreate: true}, core.OperationCreate, core.LinkKeep, core.OutcomeNotAttempted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Direction = core.DirectionPush
			tt.in.Capabilities = all
			decision := Decide(tt.in)
			if decision.Status != tt.status {
				t.Fatalf("expected status %q, got %q (%s)", tt.status, decision.Status, decision.Note)
			}
			if tt.status == core.OutcomeFailure {
				return
			}
			if decision.Operation != tt.operation || decision.Link != tt.link {
				t.Fatalf("unexpected decision %+v", decision)
			}
		})
	}
}

func TestDecideDowngradesUnsupportedDelete(t *testing.T) {
	in := Input{
		Direction:    core.DirectionPush,
		Correlation:  core.CorrelationOne,
		Matching:     core.MatchingUnassign,
		Capabilities: core.NewCapabilitySet(core.CapabilitySearch, core.CapabilityCreate, core.CapabilityUpdate),
	}
	decision := Decide(in)
	if decision.Terminal() {
		t.Fatalf("expected link removal to still execute, got %+v", decision)
	}
	if decision.Operation != core.OperationNone || decision.Link != core.LinkRemove {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if decision.Note != CapabilityNote(core.CapabilityDelete) {
		t.Fatalf("expected capability note, got %q", decision.Note)
	}

	in.Matching = core.MatchingDeprovision
	decision = Decide(in)
	if decision.Status != core.OutcomeSuccess || decision.Note == "" || decision.Mutates() {
		t.Fatalf("expected noted no-op, got %+v", decision)
	}
}

func TestScopeFiltersByAnyType(t *testing.T) {
	ctx := context.Background()
	scope, err := NewScope(map[string]string{"user": `!("ldap" in resources)`})
	if err != nil {
		t.Fatalf("new scope: %v", err)
	}
	linked := expression.EntityEnv(core.Entity{Key: "u1"}, []string{"ldap"})
	unlinked := expression.EntityEnv(core.Entity{Key: "u2"}, nil)
	if ok, err := scope.Allows(ctx, core.AnyTypeUser, linked); err != nil || ok {
		t.Fatalf("expected linked user out of scope, got %v %v", ok, err)
	}
	if ok, err := scope.Allows(ctx, core.AnyTypeUser, unlinked); err != nil || !ok {
		t.Fatalf("expected unlinked user in scope, got %v %v", ok, err)
	}
	if ok, _ := scope.Allows(ctx, core.AnyTypeGroup, linked); !ok {
		t.Fatalf("expected unfiltered type in scope")
	}
	if ok, _ := InScope(ctx, map[string]string{"USER": `name == "verdi"`}, "user", map[string]any{"name": "verdi"}); !ok {
		t.Fatalf("expected InScope to match")
	}
	if _, err := NewScope(map[string]string{"user": `name ==`}); err == nil {
		t.Fatalf("expected compile error")
	}
}
