package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-provisioning/core"
)

// ExecutionStore persists task executions.
type ExecutionStore struct {
	db   *bun.DB
	repo repository.Repository[*executionRecord]
	now  func() time.Time
}

func NewExecutionStore(db *bun.DB) (*ExecutionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*executionRecord](db, executionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid execution repository wiring: %w", err)
		}
	}
	return &ExecutionStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ExecutionStore) Create(ctx context.Context, execution core.TaskExecution) (core.TaskExecution, error) {
	if s == nil || s.repo == nil {
		return core.TaskExecution{}, fmt.Errorf("sqlstore: execution store is not configured")
	}
	if strings.TrimSpace(execution.TaskKey) == "" {
		return core.TaskExecution{}, fmt.Errorf("sqlstore: execution task key is required")
	}
	if strings.TrimSpace(execution.ID) == "" {
		execution.ID = uuid.NewString()
	}
	record := newExecutionRecord(execution, s.now())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.TaskExecution{}, err
	}
	return created.toDomain(), nil
}

// Update rewrites a non-terminal execution. Terminal executions are immutable.
func (s *ExecutionStore) Update(ctx context.Context, execution core.TaskExecution) (core.TaskExecution, error) {
	if s == nil || s.db == nil {
		return core.TaskExecution{}, fmt.Errorf("sqlstore: execution store is not configured")
	}
	id := strings.TrimSpace(execution.ID)
	if id == "" {
		return core.TaskExecution{}, fmt.Errorf("sqlstore: execution id is required")
	}

	var out core.TaskExecution
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := findExecutionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if core.ExecutionStatus(current.Status).Terminal() {
			return fmt.Errorf("%w: execution %q is already %s",
				core.ErrInvalidExecutionStatusTransition, id, current.Status)
		}
		record := newExecutionRecord(execution, s.now())
		record.CreatedAt = current.CreatedAt
		if _, err := tx.NewUpdate().Model(record).Where("id = ?", id).Exec(ctx); err != nil {
			return err
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.TaskExecution{}, err
	}
	return out, nil
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (core.TaskExecution, error) {
	if s == nil || s.db == nil {
		return core.TaskExecution{}, fmt.Errorf("sqlstore: execution store is not configured")
	}
	record, err := findExecutionTx(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return core.TaskExecution{}, err
	}
	return record.toDomain(), nil
}

// List returns executions of taskKey newest first.
func (s *ExecutionStore) List(ctx context.Context, taskKey string, filter core.ExecutionFilter) ([]core.TaskExecution, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: execution store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.SelectBy("task_key", "=", strings.TrimSpace(taskKey)),
		repository.OrderBy("started_at DESC"),
		repository.OrderBy("created_at DESC"),
	}
	if !filter.IncludeDryRun {
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.dry_run = ?", false)
		}))
	}
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", status))
	}
	if filter.Since != nil {
		selectors = append(selectors, repository.SelectByTimetz("started_at", ">=", filter.Since.UTC()))
	}
	if filter.Limit > 0 || filter.Offset > 0 {
		limit, offset := filter.Limit, max(filter.Offset, 0)
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			if limit > 0 {
				q = q.Limit(limit)
			}
			return q.Offset(offset)
		}))
	}

	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.TaskExecution, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findExecutionTx(ctx context.Context, db bun.IDB, id string) (*executionRecord, error) {
	record := &executionRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", core.ErrExecutionNotFound, id)
		}
		return nil, err
	}
	return record, nil
}

var _ core.ExecutionStore = (*ExecutionStore)(nil)
