// Package handlers holds the job handlers registered by the worker, one per handler
// key of the action-type registry.
package handlers

import (
	"context"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/listings"
	"marketplace-orchestrator/internal/marketplace"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/pending"
	"marketplace-orchestrator/internal/photos"
	"marketplace-orchestrator/internal/worker"
	"marketplace-orchestrator/internal/workflow"
)

// Handler keys as stored in action_types.handler_key.
const (
	KeyPublishListing  = "listing.publish"
	KeyBulkApplyPolicy = "policy.bulk_apply"
	KeyImportInventory = "inventory.import"
)

// ListingStore is the listing persistence the handlers use.
type ListingStore interface {
	Get(ctx context.Context, id int64) (listings.Listing, error)
	MarkPublished(ctx context.Context, id int64, remoteID string) error
	UpsertRemote(ctx context.Context, mp models.Marketplace, item listings.RemoteSnapshot, jobID int64) (int64, listings.UpsertOutcome, error)
	ApplyDetails(ctx context.Context, id int64, details models.Payload) error
	ApplyPolicy(ctx context.Context, id int64, policyID string) (bool, error)
	ActiveIDs(ctx context.Context, mp models.Marketplace) ([]int64, error)
	UnseenActive(ctx context.Context, mp models.Marketplace, jobID int64) ([]listings.Listing, error)
}

// Detector files pending actions.
type Detector interface {
	Detect(ctx context.Context, d pending.Detection) (models.PendingAction, bool, error)
}

// PhotoStager normalizes listing photos before upload.
type PhotoStager interface {
	Stage(ctx context.Context, req photos.Request) (photos.Staged, error)
}

// Deps wires the handlers to their collaborators.
type Deps struct {
	Config      config.Config
	Marketplace marketplace.Client
	Listings    ListingStore
	Photos      PhotoStager
	Pending     Detector
	// Pacer returns the pagination pacer for a marketplace.
	Pacer func(mp models.Marketplace) workflow.Pacer
}

// Register binds every handler to reg.
func Register(reg *worker.Registry, d Deps) {
	reg.Register(KeyPublishListing, &PublishListing{deps: d})
	reg.Register(KeyBulkApplyPolicy, &BulkApplyPolicy{deps: d})
	reg.Register(KeyImportInventory, &ImportInventory{deps: d})
}

func targetID(job models.Job, fromInput int64) int64 {
	if fromInput != 0 {
		return fromInput
	}
	if job.TargetResourceID != nil {
		return *job.TargetResourceID
	}
	return 0
}
