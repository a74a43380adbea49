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

// PolicyStore persists named propagation policies.
type PolicyStore struct {
	db   *bun.DB
	repo repository.Repository[*policyRecord]
	now  func() time.Time
}

func NewPolicyStore(db *bun.DB) (*PolicyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*policyRecord](db, policyHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid policy repository wiring: %w", err)
		}
	}
	return &PolicyStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PolicyStore) Policy(ctx context.Context, key string) (core.PropagationPolicy, error) {
	if s == nil || s.db == nil {
		return core.PropagationPolicy{}, fmt.Errorf("sqlstore: policy store is not configured")
	}
	record, err := findPolicyTx(ctx, s.db, strings.TrimSpace(key))
	if err != nil {
		return core.PropagationPolicy{}, err
	}
	if record == nil {
		return core.PropagationPolicy{}, fmt.Errorf("%w: %q", core.ErrPolicyNotFound, key)
	}
	return record.toDomain(), nil
}

func (s *PolicyStore) List(ctx context.Context) ([]core.PropagationPolicy, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: policy store is not configured")
	}
	records, _, err := s.repo.List(ctx, repository.OrderBy("policy_key ASC"))
	if err != nil {
		return nil, err
	}
	out := make([]core.PropagationPolicy, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *PolicyStore) Upsert(ctx context.Context, policy core.PropagationPolicy) (core.PropagationPolicy, error) {
	if s == nil || s.db == nil {
		return core.PropagationPolicy{}, fmt.Errorf("sqlstore: policy store is not configured")
	}
	policy.Key = strings.TrimSpace(policy.Key)
	if policy.Key == "" {
		return core.PropagationPolicy{}, fmt.Errorf("sqlstore: policy key is required")
	}
	if policy.MaxAttempts < 0 {
		return core.PropagationPolicy{}, fmt.Errorf("sqlstore: policy %q max attempts must not be negative", policy.Key)
	}
	if policy.BackOffStrategy == "" {
		policy.BackOffStrategy = core.BackOffNone
	}
	now := s.now()

	var out core.PropagationPolicy
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findPolicyTx(ctx, tx, policy.Key)
		if err != nil {
			return err
		}
		if record == nil {
			record = &policyRecord{ID: uuid.NewString(), Key: policy.Key, CreatedAt: now}
			fillPolicyRecord(record, policy, now)
			if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
				return err
			}
			out = record.toDomain()
			return nil
		}
		fillPolicyRecord(record, policy, now)
		if _, err := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx); err != nil {
			return err
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.PropagationPolicy{}, err
	}
	return out, nil
}

func (s *PolicyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: policy store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*policyRecord)(nil)).
		Where("policy_key = ?", strings.TrimSpace(key)).
		Exec(ctx)
	return err
}

func fillPolicyRecord(record *policyRecord, policy core.PropagationPolicy, now time.Time) {
	record.MaxAttempts = policy.MaxAttempts
	record.BackOffStrategy = string(policy.BackOffStrategy)
	record.BackOffParams = strings.TrimSpace(policy.BackOffParams)
	record.UpdatedAt = now
}

func findPolicyTx(ctx context.Context, db bun.IDB, key string) (*policyRecord, error) {
	record := &policyRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.policy_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

var _ core.PolicyStore = (*PolicyStore)(nil)
