package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketplace-orchestrator/internal/models"
)

// Store persists pending actions and the status of the resources they target.
type Store interface {
	// InTx runs fn against a store bound to one database transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error
	FindOpen(ctx context.Context, resourceID int64) (*models.PendingAction, error)
	Get(ctx context.Context, id int64) (models.PendingAction, error)
	Create(ctx context.Context, a *models.PendingAction) error
	Resolve(ctx context.Context, id int64, resolution, by string, at time.Time) (bool, error)
	ListOpen(ctx context.Context, limit int) ([]models.PendingAction, error)
	ResourceStatus(ctx context.Context, resourceID int64) (string, error)
	SetResourceStatus(ctx context.Context, resourceID int64, status string) error
}

// resourceTable holds the resources the queue acts on.
const resourceTable = "listings"

// GormStore implements Store on the tenant database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) FindOpen(ctx context.Context, resourceID int64) (*models.PendingAction, error) {
	var a models.PendingAction
	err := s.db.WithContext(ctx).
		Where("resource_id = ? AND resolution IS NULL", resourceID).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open pending action: %w", err)
	}
	return &a, nil
}

// Get loads an action and locks it for the rest of the transaction.
func (s *GormStore) Get(ctx context.Context, id int64) (models.PendingAction, error) {
	var a models.PendingAction
	err := s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PendingAction{}, fmt.Errorf("pending action %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.PendingAction{}, fmt.Errorf("load pending action: %w", err)
	}
	return a, nil
}

func (s *GormStore) Create(ctx context.Context, a *models.PendingAction) error {
	err := s.db.WithContext(ctx).Create(a).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert pending action: %w", err)
	}
	return nil
}

// Resolve stamps the resolution once; it reports false if the action was already resolved.
func (s *GormStore) Resolve(ctx context.Context, id int64, resolution, by string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PendingAction{}).
		Where("id = ? AND resolution IS NULL", id).
		Updates(map[string]interface{}{
			"resolution":   resolution,
			"is_confirmed": resolution == models.ResolutionConfirmed,
			"confirmed_at": at,
			"confirmed_by": by,
		})
	if res.Error != nil {
		return false, fmt.Errorf("resolve pending action: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ListOpen(ctx context.Context, limit int) ([]models.PendingAction, error) {
	var out []models.PendingAction
	q := s.db.WithContext(ctx).Where("resolution IS NULL").Order("detected_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list open pending actions: %w", err)
	}
	return out, nil
}

// ResourceStatus reads and row-locks the resource so concurrent detections serialize.
func (s *GormStore) ResourceStatus(ctx context.Context, resourceID int64) (string, error) {
	var row struct{ Status string }
	err := s.db.WithContext(ctx).Table(resourceTable).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("status").
		Where("id = ?", resourceID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("resource %d: %w", resourceID, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load resource status: %w", err)
	}
	return row.Status, nil
}

func (s *GormStore) SetResourceStatus(ctx context.Context, resourceID int64, status string) error {
	res := s.db.WithContext(ctx).Table(resourceTable).
		Where("id = ?", resourceID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("set resource status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resource %d: %w", resourceID, models.ErrNotFound)
	}
	return nil
}
