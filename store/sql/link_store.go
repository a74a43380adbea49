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

// LinkStore persists resource links, unique per resource, any type and any key.
type LinkStore struct {
	db   *bun.DB
	repo repository.Repository[*linkRecord]
	now  func() time.Time
}

func NewLinkStore(db *bun.DB) (*LinkStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*linkRecord](db, linkHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid link repository wiring: %w", err)
		}
	}
	return &LinkStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *LinkStore) Get(ctx context.Context, resourceKey string, anyType string, anyKey string) (core.ResourceLink, error) {
	if s == nil || s.db == nil {
		return core.ResourceLink{}, fmt.Errorf("sqlstore: link store is not configured")
	}
	record, err := findLinkTx(ctx, s.db, strings.TrimSpace(resourceKey), normalizeAnyType(anyType), strings.TrimSpace(anyKey))
	if err != nil {
		return core.ResourceLink{}, err
	}
	if record == nil {
		return core.ResourceLink{}, fmt.Errorf("%w: %s/%s/%s", core.ErrLinkNotFound, resourceKey, anyType, anyKey)
	}
	return record.toDomain(), nil
}

func (s *LinkStore) FindByRemoteKey(ctx context.Context, resourceKey string, anyType string, remoteKey string) (core.ResourceLink, error) {
	if s == nil || s.db == nil {
		return core.ResourceLink{}, fmt.Errorf("sqlstore: link store is not configured")
	}
	record := &linkRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.resource_key = ?", strings.TrimSpace(resourceKey)).
		Where("?TableAlias.any_type = ?", normalizeAnyType(anyType)).
		Where("?TableAlias.remote_key = ?", remoteKey).
		OrderExpr("?TableAlias.updated_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ResourceLink{}, fmt.Errorf("%w: %s/%s remote %q", core.ErrLinkNotFound, resourceKey, anyType, remoteKey)
		}
		return core.ResourceLink{}, err
	}
	return record.toDomain(), nil
}

// ListByAny returns the links of an entity ordered by resource key.
func (s *LinkStore) ListByAny(ctx context.Context, anyType string, anyKey string) ([]core.ResourceLink, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: link store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("any_type", "=", normalizeAnyType(anyType)),
		repository.SelectBy("any_key", "=", strings.TrimSpace(anyKey)),
		repository.OrderBy("resource_key ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.ResourceLink, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *LinkStore) Upsert(ctx context.Context, link core.ResourceLink) (core.ResourceLink, error) {
	if s == nil || s.db == nil {
		return core.ResourceLink{}, fmt.Errorf("sqlstore: link store is not configured")
	}
	link.ResourceKey = strings.TrimSpace(link.ResourceKey)
	link.AnyType = normalizeAnyType(link.AnyType)
	link.AnyKey = strings.TrimSpace(link.AnyKey)
	link.RemoteKey = strings.TrimSpace(link.RemoteKey)
	if link.ResourceKey == "" || link.AnyType == "" || link.AnyKey == "" {
		return core.ResourceLink{}, fmt.Errorf("sqlstore: link resource, any type and any key are required")
	}
	now := s.now()

	var out core.ResourceLink
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findLinkTx(ctx, tx, link.ResourceKey, link.AnyType, link.AnyKey)
		if err != nil {
			return err
		}
		if record == nil {
			record = &linkRecord{
				ID:          uuid.NewString(),
				ResourceKey: link.ResourceKey,
				AnyType:     link.AnyType,
				AnyKey:      link.AnyKey,
				RemoteKey:   link.RemoteKey,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if !isUniqueViolation(insertErr) {
					return insertErr
				}
				record, err = findLinkTx(ctx, tx, link.ResourceKey, link.AnyType, link.AnyKey)
				if err != nil {
					return err
				}
				if record == nil {
					return insertErr
				}
			} else {
				out = record.toDomain()
				return nil
			}
		}

		record.RemoteKey = link.RemoteKey
		record.UpdatedAt = now
		if _, updateErr := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx); updateErr != nil {
			return updateErr
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.ResourceLink{}, err
	}
	return out, nil
}

func (s *LinkStore) Delete(ctx context.Context, resourceKey string, anyType string, anyKey string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: link store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*linkRecord)(nil)).
		Where("resource_key = ?", strings.TrimSpace(resourceKey)).
		Where("any_type = ?", normalizeAnyType(anyType)).
		Where("any_key = ?", strings.TrimSpace(anyKey)).
		Exec(ctx)
	return err
}

func findLinkTx(ctx context.Context, db bun.IDB, resourceKey string, anyType string, anyKey string) (*linkRecord, error) {
	record := &linkRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.resource_key = ?", resourceKey).
		Where("?TableAlias.any_type = ?", anyType).
		Where("?TableAlias.any_key = ?", anyKey).
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

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var _ core.LinkStore = (*LinkStore)(nil)
