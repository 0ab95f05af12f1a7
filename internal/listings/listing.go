// Package listings persists the tenant's listings, the domain resource that publish,
// bulk-policy and import jobs act upon.
package listings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketplace-orchestrator/internal/models"
)

// Local listing statuses outside the confirmation queue.
const (
	StatusDraft     = "draft"
	StatusPublished = models.ResourceActive
)

type Listing struct {
	ID          int64              `gorm:"primaryKey" json:"id"`
	Marketplace models.Marketplace `gorm:"column:marketplace;type:text;not null" json:"marketplace"`
	RemoteID    *string            `gorm:"column:remote_id;type:text" json:"remote_id,omitempty"`
	Title       string             `gorm:"column:title;type:text;not null" json:"title"`
	PriceCents  int64              `gorm:"column:price_cents;not null" json:"price_cents"`
	Status      string             `gorm:"column:status;type:text;not null;default:draft" json:"status"`
	PolicyID    *string            `gorm:"column:policy_id;type:text" json:"policy_id,omitempty"`
	Details     datatypes.JSON     `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	LastSeenJob *int64             `gorm:"column:last_seen_job" json:"last_seen_job,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func (Listing) TableName() string { return "listings" }

// UpsertOutcome tells how an imported remote item changed the local copy.
type UpsertOutcome int

const (
	Created UpsertOutcome = iota
	Changed
	Unchanged
)

// RemoteSnapshot is the subset of a remote item kept locally.
type RemoteSnapshot struct {
	RemoteID   string
	Title      string
	PriceCents int64
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, id int64) (Listing, error) {
	var l Listing
	err := r.db.WithContext(ctx).First(&l, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Listing{}, fmt.Errorf("listing %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return Listing{}, fmt.Errorf("load listing: %w", err)
	}
	return l, nil
}

// MarkPublished records the remote id once the marketplace accepted the listing.
func (r *Repository) MarkPublished(ctx context.Context, id int64, remoteID string) error {
	res := r.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"remote_id":  remoteID,
			"status":     StatusPublished,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("mark listing published: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("listing %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// UpsertRemote stores one imported item and stamps it as seen by jobID.
func (r *Repository) UpsertRemote(ctx context.Context, mp models.Marketplace, item RemoteSnapshot, jobID int64) (int64, UpsertOutcome, error) {
	var out UpsertOutcome
	var id int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Listing
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("marketplace = ? AND remote_id = ?", mp, item.RemoteID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			remoteID := item.RemoteID
			l := Listing{
				Marketplace: mp,
				RemoteID:    &remoteID,
				Title:       item.Title,
				PriceCents:  item.PriceCents,
				Status:      StatusPublished,
				LastSeenJob: &jobID,
			}
			if err := tx.Create(&l).Error; err != nil {
				return err
			}
			id, out = l.ID, Created
			return nil
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"last_seen_job": jobID}
		out = Unchanged
		if existing.Title != item.Title || existing.PriceCents != item.PriceCents {
			updates["title"] = item.Title
			updates["price_cents"] = item.PriceCents
			updates["updated_at"] = time.Now()
			out = Changed
		}
		id = existing.ID
		return tx.Model(&existing).Updates(updates).Error
	})
	if err != nil {
		return 0, 0, fmt.Errorf("upsert %s/%s: %w", mp, item.RemoteID, err)
	}
	return id, out, nil
}

// ApplyDetails stores the detail document fetched during enrichment.
func (r *Repository) ApplyDetails(ctx context.Context, id int64, details models.Payload) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	err = r.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"details": datatypes.JSON(raw), "updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("apply details: %w", err)
	}
	return nil
}

// ApplyPolicy sets policyID and reports false when the listing already had it.
func (r *Repository) ApplyPolicy(ctx context.Context, id int64, policyID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ? AND (policy_id IS NULL OR policy_id <> ?)", id, policyID).
		Updates(map[string]interface{}{"policy_id": policyID, "updated_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("apply policy: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ActiveIDs lists published listing ids of a marketplace in id order.
func (r *Repository) ActiveIDs(ctx context.Context, mp models.Marketplace) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&Listing{}).
		Where("marketplace = ? AND status = ? AND remote_id IS NOT NULL", mp, StatusPublished).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active listings: %w", err)
	}
	return ids, nil
}

// UnseenActive returns published listings of mp that the import run jobID did not touch.
func (r *Repository) UnseenActive(ctx context.Context, mp models.Marketplace, jobID int64) ([]Listing, error) {
	var out []Listing
	err := r.db.WithContext(ctx).
		Where("marketplace = ? AND status = ? AND remote_id IS NOT NULL", mp, StatusPublished).
		Where("last_seen_job IS NULL OR last_seen_job <> ?", jobID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unseen listings: %w", err)
	}
	return out, nil
}
