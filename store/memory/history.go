package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/goliatone/go-provisioning/core"
)

// ExecutionStore is an in-memory core.ExecutionStore.
type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]core.TaskExecution
	order      []string
}

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{executions: map[string]core.TaskExecution{}}
}

func (s *ExecutionStore) Create(_ context.Context, execution core.TaskExecution) (core.TaskExecution, error) {
	if strings.TrimSpace(execution.TaskKey) == "" {
		return core.TaskExecution{}, fmt.Errorf("memorystore: execution task key is required")
	}
	if strings.TrimSpace(execution.ID) == "" {
		execution.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return core.TaskExecution{}, fmt.Errorf("memorystore: execution %q already exists", execution.ID)
	}
	s.executions[execution.ID] = cloneExecution(execution)
	s.order = append(s.order, execution.ID)
	return cloneExecution(execution), nil
}

func (s *ExecutionStore) Update(_ context.Context, execution core.TaskExecution) (core.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[execution.ID]
	if !ok {
		return core.TaskExecution{}, fmt.Errorf("%w: %q", core.ErrExecutionNotFound, execution.ID)
	}
	if current.Status.Terminal() {
		return core.TaskExecution{}, fmt.Errorf("%w: execution %q is already %s",
			core.ErrInvalidExecutionStatusTransition, execution.ID, current.Status)
	}
	s.executions[execution.ID] = cloneExecution(execution)
	return cloneExecution(execution), nil
}

func (s *ExecutionStore) Get(_ context.Context, id string) (core.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return core.TaskExecution{}, fmt.Errorf("%w: %q", core.ErrExecutionNotFound, id)
	}
	return cloneExecution(execution), nil
}

// List returns executions of taskKey newest first.
func (s *ExecutionStore) List(_ context.Context, taskKey string, filter core.ExecutionFilter) ([]core.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.TaskExecution{}
	for index := len(s.order) - 1; index >= 0; index-- {
		execution := s.executions[s.order[index]]
		if execution.TaskKey != taskKey {
			continue
		}
		if execution.DryRun && !filter.IncludeDryRun {
			continue
		}
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		if filter.Since != nil && execution.Start.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneExecution(execution))
	}
	return paginate(out, filter.Offset, filter.Limit), nil
}

// OutcomeStore is an in-memory append-only core.OutcomeStore.
type OutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[string][]core.Outcome
}

func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{outcomes: map[string][]core.Outcome{}}
}

func (s *OutcomeStore) Append(_ context.Context, outcomes ...core.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, outcome := range outcomes {
		if strings.TrimSpace(outcome.ExecutionID) == "" {
			return fmt.Errorf("memorystore: outcome execution id is required")
		}
		if strings.TrimSpace(outcome.ID) == "" {
			outcome.ID = uuid.NewString()
		}
		s.outcomes[outcome.ExecutionID] = append(s.outcomes[outcome.ExecutionID], outcome)
	}
	return nil
}

// ListByExecution returns outcomes in recording order.
func (s *OutcomeStore) ListByExecution(_ context.Context, executionID string) ([]core.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.outcomes[executionID]
	out := make([]core.Outcome, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneExecution(execution core.TaskExecution) core.TaskExecution {
	out := execution
	if execution.End != nil {
		end := *execution.End
		out.End = &end
	}
	if len(execution.Metadata) > 0 {
		out.Metadata = make(map[string]any, len(execution.Metadata))
		for key, value := range execution.Metadata {
			out.Metadata[key] = value
		}
	}
	return out
}

func paginate[T any](items []T, offset int, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
