// Package rules decides what a reconciliation run does with one correlated object.
package rules

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-provisioning/core"
)

const (
	NoteAmbiguous       = "ambiguous correlation"
	NoteLinkedMissing   = "linked object not found on resource"
	NoteNothingToDelete = "nothing to delete"
	NoteIgnored         = "ignored by rule"
)

// Input is everything Decide needs for one object on one resource.
type Input struct {
	Direction   core.Direction
	Correlation core.CorrelationKind
	// Linked is true when a stored link to the resource exists.
	Linked bool
	// Deletion marks a pull DELETE delta.
	Deletion     bool
	Unmatching   core.UnmatchingRule
	Matching     core.MatchingRule
	Capabilities core.CapabilitySet

	DisableCreate bool
	DisableUpdate bool
	DisableDelete bool
}

// InputForTask fills the rule and perform flags from task.
func InputForTask(task core.Task, correlation core.CorrelationKind, linked bool, capabilities core.CapabilitySet) Input {
	return Input{
		Direction:     task.Direction,
		Correlation:   correlation,
		Linked:        linked,
		Unmatching:    task.Unmatching(),
		Matching:      task.Matching(),
		Capabilities:  capabilities,
		DisableCreate: task.DisableCreate,
		DisableUpdate: task.DisableUpdate,
		DisableDelete: task.DisableDelete,
	}
}

// Decision is the action selected for one object. A decision with Status set
// executes nothing and is recorded as is.
type Decision struct {
	Rule      string
	Target    core.Target
	Operation core.ResourceOperation
	Link      core.LinkChange
	Status    core.OutcomeStatus
	Note      string
}

func (d Decision) Terminal() bool {
	return d.Status != ""
}

// Mutates reports whether executing the decision writes anything.
func (d Decision) Mutates() bool {
	if d.Terminal() {
		return false
	}
	return (d.Target != core.TargetNone && d.Operation != core.OperationNone) || d.Link != core.LinkKeep
}

type action struct {
	target    core.Target
	operation core.ResourceOperation
	link      core.LinkChange
}

var (
	none = action{target: core.TargetNone, operation: core.OperationNone, link: core.LinkKeep}

	pullUnmatched = map[core.UnmatchingRule]action{
		core.UnmatchingAssign:    {core.TargetInternal, core.OperationCreate, core.LinkAdd},
		core.UnmatchingProvision: {core.TargetInternal, core.OperationCreate, core.LinkAdd},
		core.UnmatchingIgnore:    none,
		core.UnmatchingUnlink:    none,
	}
	pullMatched = map[core.MatchingRule]action{
		core.MatchingUpdate:      {core.TargetInternal, core.OperationUpdate, core.LinkAdd},
		core.MatchingDeprovision: {core.TargetExternal, core.OperationDelete, core.LinkKeep},
		core.MatchingUnassign:    {core.TargetExternal, core.OperationDelete, core.LinkRemove},
		core.MatchingLink:        {core.TargetNone, core.OperationNone, core.LinkAdd},
		core.MatchingUnlink:      {core.TargetNone, core.OperationNone, core.LinkRemove},
		core.MatchingIgnore:      none,
	}
	pushUnmatched = map[core.UnmatchingRule]action{
		core.UnmatchingAssign:    {core.TargetExternal, core.OperationCreate, core.LinkAdd},
		core.UnmatchingProvision: {core.TargetExternal, core.OperationCreate, core.LinkKeep},
		core.UnmatchingIgnore:    none,
		core.UnmatchingUnlink:    {core.TargetNone, core.OperationNone, core.LinkRemove},
	}
	pushMatched = map[core.MatchingRule]action{
		core.MatchingUpdate:      {core.TargetExternal, core.OperationUpdate, core.LinkKeep},
		core.MatchingDeprovision: {core.TargetExternal, core.OperationDelete, core.LinkKeep},
		core.MatchingUnassign:    {core.TargetExternal, core.OperationDelete, core.LinkRemove},
		core.MatchingLink:        {core.TargetNone, core.OperationNone, core.LinkAdd},
		core.MatchingUnlink:      {core.TargetNone, core.OperationNone, core.LinkRemove},
		core.MatchingIgnore:      none,
	}
)

// Decide classifies one object. Invalid directions or rules decide a failure.
func Decide(in Input) Decision {
	if in.Correlation == core.CorrelationMany {
		return Decision{Rule: "CORRELATION:MANY", Status: core.OutcomeFailure, Note: NoteAmbiguous}
	}
	if err := in.Direction.Validate(); err != nil {
		return Decision{Status: core.OutcomeFailure, Note: err.Error()}
	}

	unmatching := in.Unmatching
	if unmatching == "" {
		unmatching = core.UnmatchingProvision
	}
	matching := in.Matching
	if matching == "" {
		matching = core.MatchingUpdate
	}
	matched := in.Correlation == core.CorrelationOne

	var (
		rule     string
		selected action
		ok       bool
	)
	switch {
	case in.Direction == core.DirectionPull && in.Deletion:
		rule = "DELTA:DELETE"
		if !matched {
			return Decision{Rule: rule, Status: core.OutcomeSuccess, Note: NoteNothingToDelete}
		}
		selected, ok = action{core.TargetInternal, core.OperationDelete, core.LinkRemove}, true
	case in.Direction == core.DirectionPull && matched:
		rule = "MATCHING:" + string(matching)
		selected, ok = pullMatched[matching]
	case in.Direction == core.DirectionPull:
		rule = "UNMATCHING:" + string(unmatching)
		selected, ok = pullUnmatched[unmatching]
	case matched:
		rule = "MATCHING:" + string(matching)
		selected, ok = pushMatched[matching]
	default:
		rule = "UNMATCHING:" + string(unmatching)
		if in.Linked {
			switch unmatching {
			case core.UnmatchingAssign, core.UnmatchingProvision:
				return Decision{Rule: rule, Status: core.OutcomeFailure, Note: NoteLinkedMissing}
			}
		}
		selected, ok = pushUnmatched[unmatching]
	}
	if !ok {
		return Decision{Rule: rule, Status: core.OutcomeFailure, Note: fmt.Sprintf("unsupported rule for %s", in.Direction)}
	}
	if selected == none {
		return Decision{Rule: rule, Target: core.TargetNone, Operation: core.OperationNone, Link: core.LinkKeep, Status: core.OutcomeSuccess, Note: NoteIgnored}
	}

	decision := Decision{Rule: rule, Target: selected.target, Operation: selected.operation, Link: selected.link}
	if note, blocked := blockedByTask(in, decision); blocked {
		return Decision{Rule: rule, Target: decision.Target, Operation: decision.Operation, Link: core.LinkKeep, Status: core.OutcomeNotAttempted, Note: note}
	}
	return gateCapability(in, decision)
}

func blockedByTask(in Input, decision Decision) (string, bool) {
	switch decision.Operation {
	case core.OperationCreate:
		if in.DisableCreate {
			return "create disabled by task", true
		}
	case core.OperationUpdate:
		if in.DisableUpdate {
			return "update disabled by task", true
		}
	case core.OperationDelete:
		if in.DisableDelete {
			return "delete disabled by task", true
		}
	case core.OperationNone:
		if decision.Link != core.LinkKeep && in.DisableUpdate {
			return "link change disabled by task", true
		}
	}
	return "", false
}

// gateCapability downgrades external operations the resource cannot perform to
// NONE with a note. Link changes are kept.
func gateCapability(in Input, decision Decision) Decision {
	if decision.Target != core.TargetExternal {
		return decision
	}
	capability, ok := decision.Operation.RequiredCapability()
	if !ok || in.Capabilities.Has(capability) {
		return decision
	}
	decision.Target = core.TargetNone
	decision.Operation = core.OperationNone
	decision.Note = CapabilityNote(capability)
	if decision.Link == core.LinkKeep {
		decision.Status = core.OutcomeSuccess
	}
	return decision
}

// CapabilityNote is the message recorded when a resource lacks capability.
func CapabilityNote(capability core.Capability) string {
	return fmt.Sprintf("capability %s not supported by resource, treated as IGNORE", strings.ToUpper(string(capability)))
}
