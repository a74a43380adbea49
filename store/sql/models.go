package sqlstore

import (
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-provisioning/core"
)

type executionRecord struct {
	bun.BaseModel `bun:"table:provisioning_task_executions,alias:pte"`

	ID        string         `bun:"id,pk"`
	TaskKey   string         `bun:"task_key,notnull"`
	Status    string         `bun:"status,notnull"`
	Executor  string         `bun:"executor,notnull"`
	Message   string         `bun:"message,notnull"`
	DryRun    bool           `bun:"dry_run,notnull"`
	Metadata  map[string]any `bun:"metadata,type:jsonb,notnull"`
	StartedAt time.Time      `bun:"started_at,nullzero,notnull"`
	EndedAt   *time.Time     `bun:"ended_at,nullzero"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type outcomeRecord struct {
	bun.BaseModel `bun:"table:provisioning_outcomes,alias:po"`

	ID          string            `bun:"id,pk"`
	ExecutionID string            `bun:"execution_id,notnull"`
	Seq         int64             `bun:"seq,notnull"`
	ChainID     string            `bun:"chain_id,notnull"`
	Attempt     int               `bun:"attempt,notnull"`
	TaskKey     string            `bun:"task_key,notnull"`
	ResourceKey string            `bun:"resource_key,notnull"`
	AnyType     string            `bun:"any_type,notnull"`
	AnyKey      string            `bun:"any_key,notnull"`
	RemoteKey   string            `bun:"remote_key,notnull"`
	Operation   string            `bun:"operation,notnull"`
	Status      string            `bun:"status,notnull"`
	Before      *core.ObjectImage `bun:"before_image,type:jsonb"`
	After       *core.ObjectImage `bun:"after_image,type:jsonb"`
	Message     string            `bun:"message,notnull"`
	DryRun      bool              `bun:"dry_run,notnull"`
	CreatedAt   time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type linkRecord struct {
	bun.BaseModel `bun:"table:provisioning_resource_links,alias:prl"`

	ID          string    `bun:"id,pk"`
	ResourceKey string    `bun:"resource_key,notnull"`
	AnyType     string    `bun:"any_type,notnull"`
	AnyKey      string    `bun:"any_key,notnull"`
	RemoteKey   string    `bun:"remote_key,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type policyRecord struct {
	bun.BaseModel `bun:"table:provisioning_policies,alias:pp"`

	ID              string    `bun:"id,pk"`
	Key             string    `bun:"policy_key,notnull"`
	MaxAttempts     int       `bun:"max_attempts,notnull"`
	BackOffStrategy string    `bun:"backoff_strategy,notnull"`
	BackOffParams   string    `bun:"backoff_params,notnull"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newExecutionRecord(execution core.TaskExecution, now time.Time) *executionRecord {
	record := &executionRecord{
		ID:        strings.TrimSpace(execution.ID),
		TaskKey:   strings.TrimSpace(execution.TaskKey),
		Status:    string(execution.Status),
		Executor:  execution.Executor,
		Message:   execution.Message,
		DryRun:    execution.DryRun,
		Metadata:  copyAnyMap(execution.Metadata),
		StartedAt: execution.Start.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = now
	}
	if execution.End != nil {
		end := execution.End.UTC()
		record.EndedAt = &end
	}
	return record
}

func (r *executionRecord) toDomain() core.TaskExecution {
	if r == nil {
		return core.TaskExecution{}
	}
	out := core.TaskExecution{
		ID:       r.ID,
		TaskKey:  r.TaskKey,
		Start:    r.StartedAt.UTC(),
		Status:   core.ExecutionStatus(r.Status),
		Executor: r.Executor,
		Message:  r.Message,
		DryRun:   r.DryRun,
		Metadata: copyAnyMap(r.Metadata),
	}
	if r.EndedAt != nil {
		end := r.EndedAt.UTC()
		out.End = &end
	}
	return out
}

func newOutcomeRecord(outcome core.Outcome, position int64, now time.Time) *outcomeRecord {
	createdAt := outcome.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	return &outcomeRecord{
		ID:          strings.TrimSpace(outcome.ID),
		ExecutionID: strings.TrimSpace(outcome.ExecutionID),
		Seq:         position,
		ChainID:     outcome.ChainID,
		Attempt:     outcome.Attempt,
		TaskKey:     outcome.TaskKey,
		ResourceKey: outcome.ResourceKey,
		AnyType:     outcome.AnyType,
		AnyKey:      outcome.AnyKey,
		RemoteKey:   outcome.RemoteKey,
		Operation:   string(outcome.Operation),
		Status:      string(outcome.Status),
		Before:      outcome.Before,
		After:       outcome.After,
		Message:     outcome.Message,
		DryRun:      outcome.DryRun,
		CreatedAt:   createdAt,
	}
}

func (r *outcomeRecord) toDomain() core.Outcome {
	if r == nil {
		return core.Outcome{}
	}
	return core.Outcome{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		ChainID:     r.ChainID,
		Attempt:     r.Attempt,
		TaskKey:     r.TaskKey,
		ResourceKey: r.ResourceKey,
		AnyType:     r.AnyType,
		AnyKey:      r.AnyKey,
		RemoteKey:   r.RemoteKey,
		Operation:   core.ResourceOperation(r.Operation),
		Status:      core.OutcomeStatus(r.Status),
		Before:      r.Before,
		After:       r.After,
		Message:     r.Message,
		DryRun:      r.DryRun,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func (r *linkRecord) toDomain() core.ResourceLink {
	if r == nil {
		return core.ResourceLink{}
	}
	return core.ResourceLink{
		ID:          r.ID,
		ResourceKey: r.ResourceKey,
		AnyType:     r.AnyType,
		AnyKey:      r.AnyKey,
		RemoteKey:   r.RemoteKey,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func (r *policyRecord) toDomain() core.PropagationPolicy {
	if r == nil {
		return core.PropagationPolicy{}
	}
	return core.PropagationPolicy{
		Key:             r.Key,
		MaxAttempts:     r.MaxAttempts,
		BackOffStrategy: core.BackOffStrategy(r.BackOffStrategy),
		BackOffParams:   r.BackOffParams,
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func normalizeAnyType(anyType string) string {
	return strings.ToUpper(strings.TrimSpace(anyType))
}
