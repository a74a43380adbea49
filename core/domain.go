package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidExecutionStatusTransition = errors.New("core: invalid execution status transition")
	ErrInvalidDirection                 = errors.New("core: invalid task direction")
	ErrTaskNotFound                     = errors.New("core: task not found")
	ErrResourceNotFound                 = errors.New("core: resource not found")
	ErrProvisionNotFound                = errors.New("core: provision not found")
	ErrSchemaNotFound                   = errors.New("core: schema not found")
	ErrPolicyNotFound                   = errors.New("core: propagation policy not found")
	ErrRealmNotFound                    = errors.New("core: realm not found")
	ErrEntityNotFound                   = errors.New("core: entity not found")
	ErrExecutionNotFound                = errors.New("core: task execution not found")
	ErrLinkNotFound                     = errors.New("core: resource link not found")
	ErrObjectNotFound                   = errors.New("core: connector object not found")
	ErrConnectorNotFound                = errors.New("core: connector not registered")
	ErrTaskBusy                         = errors.New("core: task already running")
	ErrLiveTaskStopped                  = errors.New("core: live task stopped")
)

const (
	AnyTypeUser  = "USER"
	AnyTypeGroup = "GROUP"

	// PasswordAttribute carries the password of a connector object.
	PasswordAttribute = "__PASSWORD__"
	// EnableAttribute carries the enabled flag when a push task syncs status.
	EnableAttribute = "__ENABLE__"
	// KeyAttribute addresses the object key in a Filter condition.
	KeyAttribute = "__KEY__"

	RootRealm = "/"
)

type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

func (d Direction) Validate() error {
	switch d {
	case DirectionPull, DirectionPush:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDirection, d)
	}
}

type MappingPurpose string

const (
	PurposePull        MappingPurpose = "PULL"
	PurposePropagation MappingPurpose = "PROPAGATION"
	PurposeBoth        MappingPurpose = "BOTH"
	PurposeNone        MappingPurpose = "NONE"
)

// Allows reports whether an item with this purpose takes part in the given direction.
func (p MappingPurpose) Allows(direction Direction) bool {
	switch p {
	case PurposeBoth:
		return true
	case PurposePull:
		return direction == DirectionPull
	case PurposePropagation:
		return direction == DirectionPush
	default:
		return false
	}
}

type UnmatchingRule string

const (
	UnmatchingAssign    UnmatchingRule = "ASSIGN"
	UnmatchingProvision UnmatchingRule = "PROVISION"
	UnmatchingIgnore    UnmatchingRule = "IGNORE"
	UnmatchingUnlink    UnmatchingRule = "UNLINK"
)

type MatchingRule string

const (
	MatchingUpdate      MatchingRule = "UPDATE"
	MatchingDeprovision MatchingRule = "DEPROVISION"
	MatchingUnassign    MatchingRule = "UNASSIGN"
	MatchingLink        MatchingRule = "LINK"
	MatchingUnlink      MatchingRule = "UNLINK"
	MatchingIgnore      MatchingRule = "IGNORE"
)

type Capability string

const (
	CapabilitySearch   Capability = "SEARCH"
	CapabilitySync     Capability = "SYNC"
	CapabilityLiveSync Capability = "LIVE_SYNC"
	CapabilityCreate   Capability = "CREATE"
	CapabilityUpdate   Capability = "UPDATE"
	CapabilityDelete   Capability = "DELETE"
)

type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(capabilities ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(capabilities))
	for _, capability := range capabilities {
		capability = Capability(strings.TrimSpace(strings.ToUpper(string(capability))))
		if capability == "" {
			continue
		}
		set[capability] = struct{}{}
	}
	return set
}

func AllCapabilities() CapabilitySet {
	return NewCapabilitySet(
		CapabilitySearch,
		CapabilitySync,
		CapabilityLiveSync,
		CapabilityCreate,
		CapabilityUpdate,
		CapabilityDelete,
	)
}

func (s CapabilitySet) Has(capability Capability) bool {
	if s == nil {
		return false
	}
	_, ok := s[capability]
	return ok
}

func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for capability := range s {
		out = append(out, capability)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type ResourceOperation string

const (
	OperationCreate ResourceOperation = "CREATE"
	OperationUpdate ResourceOperation = "UPDATE"
	OperationDelete ResourceOperation = "DELETE"
	OperationNone   ResourceOperation = "NONE"
)

// RequiredCapability returns the connector capability an external operation needs.
func (o ResourceOperation) RequiredCapability() (Capability, bool) {
	switch o {
	case OperationCreate:
		return CapabilityCreate, true
	case OperationUpdate:
		return CapabilityUpdate, true
	case OperationDelete:
		return CapabilityDelete, true
	default:
		return "", false
	}
}

type Target string

const (
	TargetNone     Target = "none"
	TargetInternal Target = "internal"
	TargetExternal Target = "external"
)

type LinkChange string

const (
	LinkKeep   LinkChange = "keep"
	LinkAdd    LinkChange = "add"
	LinkRemove LinkChange = "remove"
)

type CorrelationKind string

const (
	CorrelationNone CorrelationKind = "NONE"
	CorrelationOne  CorrelationKind = "ONE"
	CorrelationMany CorrelationKind = "MANY"
)

// CorrelationKindOf classifies a match count.
func CorrelationKindOf(matches int) CorrelationKind {
	switch {
	case matches <= 0:
		return CorrelationNone
	case matches == 1:
		return CorrelationOne
	default:
		return CorrelationMany
	}
}

type OutcomeStatus string

const (
	OutcomeSuccess      OutcomeStatus = "SUCCESS"
	OutcomeFailure      OutcomeStatus = "FAILURE"
	OutcomeNotAttempted OutcomeStatus = "NOT_ATTEMPTED"
)

type BackOffStrategy string

const (
	BackOffNone        BackOffStrategy = "NONE"
	BackOffConstant    BackOffStrategy = "CONSTANT"
	BackOffExponential BackOffStrategy = "EXPONENTIAL"
)

type DeltaOperation string

const (
	DeltaCreate DeltaOperation = "CREATE"
	DeltaUpdate DeltaOperation = "UPDATE"
	DeltaDelete DeltaOperation = "DELETE"
)

type JobAction string

const (
	JobActionStart JobAction = "START"
	JobActionStop  JobAction = "STOP"
)

type Item struct {
	IntAttrName        string         `yaml:"int_attr_name" json:"int_attr_name"`
	ExtAttrName        string         `yaml:"ext_attr_name" json:"ext_attr_name"`
	Purpose            MappingPurpose `yaml:"purpose" json:"purpose"`
	IsKey              bool           `yaml:"key" json:"key"`
	IsPassword         bool           `yaml:"password" json:"password"`
	MandatoryCondition string         `yaml:"mandatory_condition" json:"mandatory_condition"`
	TransformerExpr    string         `yaml:"transformer" json:"transformer"`
	Transforms         []string       `yaml:"transforms" json:"transforms"`
}

type Mapping struct {
	Items []Item `yaml:"items" json:"items"`
}

type Provision struct {
	AnyType         string   `yaml:"any_type" json:"any_type"`
	ObjectClass     string   `yaml:"object_class" json:"object_class"`
	AuxClasses      []string `yaml:"aux_classes" json:"aux_classes"`
	IgnoreCaseMatch bool     `yaml:"ignore_case_match" json:"ignore_case_match"`
	Mapping         Mapping  `yaml:"mapping" json:"mapping"`
}

type Resource struct {
	Key               string      `yaml:"key" json:"key"`
	Priority          *int        `yaml:"priority" json:"priority"`
	PropagationPolicy string      `yaml:"propagation_policy" json:"propagation_policy"`
	Provisions        []Provision `yaml:"provisions" json:"provisions"`
	Actions           []string    `yaml:"actions" json:"actions"`
}

func (r Resource) Provision(anyType string) (Provision, bool) {
	anyType = strings.TrimSpace(anyType)
	for _, provision := range r.Provisions {
		if strings.EqualFold(provision.AnyType, anyType) {
			return provision, true
		}
	}
	return Provision{}, false
}

func (r Resource) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("core: resource key is required")
	}
	seen := map[string]struct{}{}
	for _, provision := range r.Provisions {
		anyType := strings.ToUpper(strings.TrimSpace(provision.AnyType))
		if anyType == "" {
			return fmt.Errorf("core: resource %q has a provision without any type", r.Key)
		}
		if _, exists := seen[anyType]; exists {
			return fmt.Errorf("core: resource %q has more than one provision for %s", r.Key, anyType)
		}
		seen[anyType] = struct{}{}
	}
	return nil
}

type EvaluatorKind string

const (
	EvaluatorKeyEquality EvaluatorKind = "key_equality"
	EvaluatorExpression  EvaluatorKind = "expression"
	EvaluatorTransform   EvaluatorKind = "transform"
	EvaluatorNoop        EvaluatorKind = "noop"
)

// EvaluatorSpec selects a built-in Evaluator implementation.
type EvaluatorSpec struct {
	Kind       EvaluatorKind `yaml:"kind" json:"kind"`
	Expression string        `yaml:"expression" json:"expression"`
	Attributes []string      `yaml:"attributes" json:"attributes"`
	Transforms []string      `yaml:"transforms" json:"transforms"`
}

type Task struct {
	Key               string                   `yaml:"key" json:"key"`
	Direction         Direction                `yaml:"direction" json:"direction"`
	ResourceKey       string                   `yaml:"resource" json:"resource"`
	PropagateTo       []string                 `yaml:"propagate_to" json:"propagate_to"`
	AnyTypes          []string                 `yaml:"any_types" json:"any_types"`
	UnmatchingRule    UnmatchingRule           `yaml:"unmatching_rule" json:"unmatching_rule"`
	MatchingRule      MatchingRule             `yaml:"matching_rule" json:"matching_rule"`
	Filters           map[string]string        `yaml:"filters" json:"filters"`
	CorrelationRules  map[string]EvaluatorSpec `yaml:"correlation_rules" json:"correlation_rules"`
	SourceRealm       string                   `yaml:"source_realm" json:"source_realm"`
	DestinationRealm  string                   `yaml:"destination_realm" json:"destination_realm"`
	PropagationPolicy string                   `yaml:"propagation_policy" json:"propagation_policy"`
	DisableCreate     bool                     `yaml:"disable_create" json:"disable_create"`
	DisableUpdate     bool                     `yaml:"disable_update" json:"disable_update"`
	DisableDelete     bool                     `yaml:"disable_delete" json:"disable_delete"`
	SyncStatus        bool                     `yaml:"sync_status" json:"sync_status"`
	CronExpression    string                   `yaml:"cron" json:"cron"`
	Live              bool                     `yaml:"live" json:"live"`
	Actions           []string                 `yaml:"actions" json:"actions"`
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.Key) == "" {
		return fmt.Errorf("core: task key is required")
	}
	if err := t.Direction.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ResourceKey) == "" {
		return fmt.Errorf("core: task %q resource is required", t.Key)
	}
	if t.Live && t.Direction != DirectionPull {
		return fmt.Errorf("core: task %q live mode requires pull direction", t.Key)
	}
	if t.Live && strings.TrimSpace(t.CronExpression) != "" {
		return fmt.Errorf("core: task %q cannot be both live and scheduled", t.Key)
	}
	switch t.UnmatchingRule {
	case "", UnmatchingAssign, UnmatchingProvision, UnmatchingIgnore, UnmatchingUnlink:
	default:
		return fmt.Errorf("core: task %q unsupported unmatching rule %q", t.Key, t.UnmatchingRule)
	}
	switch t.MatchingRule {
	case "", MatchingUpdate, MatchingDeprovision, MatchingUnassign, MatchingLink, MatchingUnlink, MatchingIgnore:
	default:
		return fmt.Errorf("core: task %q unsupported matching rule %q", t.Key, t.MatchingRule)
	}
	return nil
}

// Resources returns the primary resource followed by additional propagation targets.
func (t Task) Resources() []string {
	out := []string{strings.TrimSpace(t.ResourceKey)}
	seen := map[string]struct{}{out[0]: {}}
	for _, key := range t.PropagateTo {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func (t Task) Unmatching() UnmatchingRule {
	if t.UnmatchingRule == "" {
		return UnmatchingProvision
	}
	return t.UnmatchingRule
}

func (t Task) Matching() MatchingRule {
	if t.MatchingRule == "" {
		return MatchingUpdate
	}
	return t.MatchingRule
}

type PropagationPolicy struct {
	Key             string          `yaml:"key" json:"key"`
	MaxAttempts     int             `yaml:"max_attempts" json:"max_attempts"`
	BackOffStrategy BackOffStrategy `yaml:"backoff_strategy" json:"backoff_strategy"`
	BackOffParams   string          `yaml:"backoff_params" json:"backoff_params"`
}

type Realm struct {
	FullPath          string `yaml:"path" json:"path"`
	PropagationPolicy string `yaml:"propagation_policy" json:"propagation_policy"`
}

// NormalizeRealm returns a clean absolute realm path.
func NormalizeRealm(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == RootRealm {
		return RootRealm
	}
	parts := strings.Split(path, "/")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return RootRealm
	}
	return "/" + strings.Join(kept, "/")
}

// ParentRealm returns the parent path and false for the root realm.
func ParentRealm(path string) (string, bool) {
	path = NormalizeRealm(path)
	if path == RootRealm {
		return "", false
	}
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return RootRealm, true
	}
	return path[:idx], true
}

// InRealm reports whether realm equals scope or is nested below it.
func InRealm(realm string, scope string) bool {
	realm = NormalizeRealm(realm)
	scope = NormalizeRealm(scope)
	if scope == RootRealm || realm == scope {
		return true
	}
	return strings.HasPrefix(realm, scope+"/")
}

type SchemaType string

const (
	SchemaString  SchemaType = "STRING"
	SchemaLong    SchemaType = "LONG"
	SchemaDouble  SchemaType = "DOUBLE"
	SchemaBoolean SchemaType = "BOOLEAN"
	SchemaDate    SchemaType = "DATE"
)

type SchemaAttribute struct {
	Name              string     `yaml:"name" json:"name"`
	Type              SchemaType `yaml:"type" json:"type"`
	ConversionPattern string     `yaml:"conversion_pattern" json:"conversion_pattern"`
	Multivalue        bool       `yaml:"multivalue" json:"multivalue"`
}

type AnyTypeSchema struct {
	AnyType    string                       `yaml:"any_type" json:"any_type"`
	Attributes []SchemaAttribute            `yaml:"attributes" json:"attributes"`
	AuxClasses map[string][]SchemaAttribute `yaml:"aux_classes" json:"aux_classes"`
}

// Effective returns the union of the base attributes and the named auxiliary classes.
func (s AnyTypeSchema) Effective(auxClasses []string) map[string]SchemaAttribute {
	out := make(map[string]SchemaAttribute, len(s.Attributes))
	for _, attr := range s.Attributes {
		out[attr.Name] = attr
	}
	for _, class := range auxClasses {
		for _, attr := range s.AuxClasses[strings.TrimSpace(class)] {
			if _, exists := out[attr.Name]; !exists {
				out[attr.Name] = attr
			}
		}
	}
	return out
}

type Membership struct {
	GroupKey   string           `yaml:"group" json:"group"`
	Attributes map[string][]any `yaml:"attributes" json:"attributes"`
}

type Entity struct {
	Key         string           `yaml:"key" json:"key"`
	AnyType     string           `yaml:"any_type" json:"any_type"`
	Name        string           `yaml:"name" json:"name"`
	Realm       string           `yaml:"realm" json:"realm"`
	Suspended   bool             `yaml:"suspended" json:"suspended"`
	Password    string           `yaml:"password" json:"-"`
	AuxClasses  []string         `yaml:"aux_classes" json:"aux_classes"`
	Attributes  map[string][]any `yaml:"attributes" json:"attributes"`
	Memberships []Membership     `yaml:"memberships" json:"memberships"`
}

func (e Entity) Clone() Entity {
	out := e
	out.AuxClasses = append([]string(nil), e.AuxClasses...)
	out.Attributes = CloneAttributes(e.Attributes)
	if len(e.Memberships) > 0 {
		out.Memberships = make([]Membership, 0, len(e.Memberships))
		for _, membership := range e.Memberships {
			out.Memberships = append(out.Memberships, Membership{
				GroupKey:   membership.GroupKey,
				Attributes: CloneAttributes(membership.Attributes),
			})
		}
	}
	return out
}

func (e Entity) Membership(groupKey string) (Membership, bool) {
	for _, membership := range e.Memberships {
		if membership.GroupKey == groupKey {
			return membership, true
		}
	}
	return Membership{}, false
}

type ConnectorObject struct {
	ObjectClass string           `json:"object_class"`
	Key         string           `json:"key"`
	Attributes  map[string][]any `json:"attributes"`
}

func (o ConnectorObject) Clone() ConnectorObject {
	out := o
	out.Attributes = CloneAttributes(o.Attributes)
	return out
}

func (o ConnectorObject) Values(name string) []any {
	if o.Attributes == nil {
		return nil
	}
	return o.Attributes[name]
}

// ObjectImage is a point-in-time snapshot used for before/after audit.
type ObjectImage struct {
	Key        string           `json:"key"`
	Attributes map[string][]any `json:"attributes"`
}

func ImageOfObject(object *ConnectorObject) *ObjectImage {
	if object == nil {
		return nil
	}
	attrs := RedactAttributes(object.Attributes)
	delete(attrs, PasswordAttribute)
	return &ObjectImage{Key: object.Key, Attributes: attrs}
}

func ImageOfEntity(entity *Entity) *ObjectImage {
	if entity == nil {
		return nil
	}
	return &ObjectImage{Key: entity.Key, Attributes: RedactAttributes(entity.Attributes)}
}

type Outcome struct {
	ID          string
	ExecutionID string
	ChainID     string
	Attempt     int
	TaskKey     string
	ResourceKey string
	AnyType     string
	AnyKey      string
	RemoteKey   string
	Operation   ResourceOperation
	Status      OutcomeStatus
	Before      *ObjectImage
	After       *ObjectImage
	Message     string
	DryRun      bool
	CreatedAt   time.Time
}

func (o Outcome) Failed() bool {
	return o.Status == OutcomeFailure
}

type ExecutionStatus string

const (
	ExecutionJobFired ExecutionStatus = "JOB_FIRED"
	ExecutionRunning  ExecutionStatus = "RUNNING"
	ExecutionSuccess  ExecutionStatus = "SUCCESS"
	ExecutionFailure  ExecutionStatus = "FAILURE"
	ExecutionNotSent  ExecutionStatus = "NOT_SENT"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailure, ExecutionNotSent:
		return true
	default:
		return false
	}
}

type TaskExecution struct {
	ID       string
	TaskKey  string
	Start    time.Time
	End      *time.Time
	Status   ExecutionStatus
	Executor string
	Message  string
	DryRun   bool
	Metadata map[string]any
}

func (e *TaskExecution) TransitionTo(status ExecutionStatus, message string, now time.Time) error {
	if e == nil {
		return nil
	}
	if !executionTransitionAllowed(e.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidExecutionStatusTransition, e.Status, status)
	}
	e.Status = status
	if strings.TrimSpace(message) != "" {
		e.Message = strings.TrimSpace(message)
	}
	if status.Terminal() {
		end := now
		e.End = &end
	}
	return nil
}

func executionTransitionAllowed(current, next ExecutionStatus) bool {
	allowed := map[ExecutionStatus]map[ExecutionStatus]struct{}{
		ExecutionJobFired: {
			ExecutionRunning: {},
			ExecutionFailure: {},
			ExecutionNotSent: {},
		},
		ExecutionRunning: {
			ExecutionSuccess: {},
			ExecutionFailure: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type ResourceLink struct {
	ID          string
	ResourceKey string
	AnyType     string
	AnyKey      string
	RemoteKey   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Delta struct {
	Operation  DeltaOperation
	Object     ConnectorObject
	Sequence   uint64
	ReceivedAt time.Time
}

type Condition struct {
	Attribute  string
	Value      any
	IgnoreCase bool
}

// Filter is a conjunction of equality conditions.
type Filter struct {
	Conditions []Condition
}

func (f Filter) Empty() bool {
	return len(f.Conditions) == 0
}

func CloneAttributes(in map[string][]any) map[string][]any {
	if len(in) == 0 {
		return map[string][]any{}
	}
	out := make(map[string][]any, len(in))
	for key, values := range in {
		out[key] = append([]any(nil), values...)
	}
	return out
}
