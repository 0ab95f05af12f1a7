package models

import (
	"time"

	"gorm.io/datatypes"
)

// Resource statuses touched by the confirmation queue.
const (
	ResourceActive              = "active"
	ResourcePendingConfirmation = "pending_confirmation"
	ResourceSold                = "sold"
	ResourceArchived            = "archived"
	ResourceDeleted             = "deleted"
)

// PendingActionType names a proposed transition on a resource.
type PendingActionType string

const (
	ActionMarkSold            PendingActionType = "mark_sold"
	ActionArchive             PendingActionType = "archive"
	ActionDeleteRemoteListing PendingActionType = "delete_remote_listing"
)

var pendingTargets = map[PendingActionType]string{
	ActionMarkSold:            ResourceSold,
	ActionArchive:             ResourceArchived,
	ActionDeleteRemoteListing: ResourceDeleted,
}

// TargetStatus is the resource status applied on confirm.
func (a PendingActionType) TargetStatus() (string, bool) {
	s, ok := pendingTargets[a]
	return s, ok
}

// Resolutions of a pending action.
const (
	ResolutionConfirmed = "confirmed"
	ResolutionRejected  = "rejected"
)

// PendingAction is a proposed but unconfirmed state transition on a resource.
type PendingAction struct {
	ID             int64             `gorm:"primaryKey" json:"id"`
	ResourceID     int64             `gorm:"column:resource_id;not null;index" json:"resource_id"`
	ActionType     PendingActionType `gorm:"column:action_type;type:text;not null" json:"action_type"`
	Marketplace    Marketplace       `gorm:"column:marketplace;type:text;not null" json:"marketplace"`
	PreviousStatus string            `gorm:"column:previous_status;type:text;not null" json:"previous_status"`
	ContextData    datatypes.JSON    `gorm:"column:context_data;type:jsonb" json:"context_data,omitempty"`
	DetectedAt     time.Time         `gorm:"column:detected_at;not null" json:"detected_at"`
	ConfirmedAt    *time.Time        `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`
	ConfirmedBy    *string           `gorm:"column:confirmed_by;type:text" json:"confirmed_by,omitempty"`
	IsConfirmed    bool              `gorm:"column:is_confirmed;not null;default:false" json:"is_confirmed"`
	Resolution     *string           `gorm:"column:resolution;type:text" json:"resolution,omitempty"`
}

func (PendingAction) TableName() string { return "pending_actions" }

// Resolved reports whether the action was confirmed or rejected already.
func (p PendingAction) Resolved() bool {
	return p.Resolution != nil
}
