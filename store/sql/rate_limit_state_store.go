package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-provisioning/ratelimit"
)

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:provisioning_throttle_state,alias:pts"`

	ID             string     `bun:"id,pk"`
	ResourceKey    string     `bun:"resource_key,notnull"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	RetryAfterMS   *int64     `bun:"retry_after_ms"`
	Attempts       int        `bun:"attempts,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// RateLimitStateStore persists per-resource throttle windows so they survive
// restarts and are shared by every runtime on the same database.
type RateLimitStateStore struct {
	db *bun.DB
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RateLimitStateStore{db: db}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, resourceKey string) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	resourceKey = strings.TrimSpace(resourceKey)
	if resourceKey == "" {
		return ratelimit.State{}, fmt.Errorf("sqlstore: resource key is required")
	}
	record, err := findRateLimitStateTx(ctx, s.db, resourceKey)
	if err != nil {
		return ratelimit.State{}, err
	}
	if record == nil {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return record.toDomain(), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	state.ResourceKey = strings.TrimSpace(state.ResourceKey)
	if state.ResourceKey == "" {
		return fmt.Errorf("sqlstore: resource key is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findRateLimitStateTx(ctx, tx, state.ResourceKey)
		if err != nil {
			return err
		}
		created := false
		if record == nil {
			created = true
			record = &rateLimitStateRecord{
				ID:          uuid.NewString(),
				ResourceKey: state.ResourceKey,
				CreatedAt:   state.UpdatedAt.UTC(),
			}
		}
		record.Attempts = state.Attempts
		record.UpdatedAt = state.UpdatedAt.UTC()
		record.ThrottledUntil = copyTimePointer(state.ThrottledUntil)
		record.RetryAfterMS = nil
		if state.RetryAfter != nil {
			value := state.RetryAfter.Milliseconds()
			record.RetryAfterMS = &value
		}

		if created {
			_, insertErr := tx.NewInsert().Model(record).Exec(ctx)
			return insertErr
		}
		_, updateErr := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return updateErr
	})
}

func (r *rateLimitStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	state := ratelimit.State{
		ResourceKey:    r.ResourceKey,
		ThrottledUntil: copyTimePointer(r.ThrottledUntil),
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.RetryAfterMS != nil {
		value := time.Duration(*r.RetryAfterMS) * time.Millisecond
		state.RetryAfter = &value
	}
	return state
}

func findRateLimitStateTx(ctx context.Context, db bun.IDB, resourceKey string) (*rateLimitStateRecord, error) {
	record := &rateLimitStateRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.resource_key = ?", resourceKey).
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

func copyTimePointer(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := in.UTC()
	return &value
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
