package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-provisioning/core"
)

// OutcomeStore is an append-only outcome log. Position keeps recording order
// within an execution.
type OutcomeStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewOutcomeStore(db *bun.DB) (*OutcomeStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &OutcomeStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *OutcomeStore) Append(ctx context.Context, outcomes ...core.Outcome) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outcome store is not configured")
	}
	if len(outcomes) == 0 {
		return nil
	}
	for _, outcome := range outcomes {
		if strings.TrimSpace(outcome.ExecutionID) == "" {
			return fmt.Errorf("sqlstore: outcome execution id is required")
		}
	}
	now := s.now()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		positions := map[string]int64{}
		records := make([]*outcomeRecord, 0, len(outcomes))
		for _, outcome := range outcomes {
			executionID := strings.TrimSpace(outcome.ExecutionID)
			position, ok := positions[executionID]
			if !ok {
				last, err := lastOutcomePositionTx(ctx, tx, executionID)
				if err != nil {
					return err
				}
				position = last
			}
			position++
			positions[executionID] = position
			if strings.TrimSpace(outcome.ID) == "" {
				outcome.ID = uuid.NewString()
			}
			records = append(records, newOutcomeRecord(outcome, position, now))
		}
		_, err := tx.NewInsert().Model(&records).Exec(ctx)
		return err
	})
}

// ListByExecution returns outcomes in recording order.
func (s *OutcomeStore) ListByExecution(ctx context.Context, executionID string) ([]core.Outcome, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outcome store is not configured")
	}
	records := []*outcomeRecord{}
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.execution_id = ?", strings.TrimSpace(executionID)).
		OrderExpr("?TableAlias.seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Outcome, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func lastOutcomePositionTx(ctx context.Context, tx bun.Tx, executionID string) (int64, error) {
	var last int64
	err := tx.NewSelect().
		Model((*outcomeRecord)(nil)).
		ColumnExpr("COALESCE(MAX(?TableAlias.seq), 0)").
		Where("?TableAlias.execution_id = ?", executionID).
		Scan(ctx, &last)
	if err != nil {
		return 0, err
	}
	return last, nil
}

var _ core.OutcomeStore = (*OutcomeStore)(nil)
