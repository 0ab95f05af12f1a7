package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/marketplace"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/photos"
	"marketplace-orchestrator/internal/tasks"
	"marketplace-orchestrator/internal/worker"
)

type publishInput struct {
	ListingID  int64          `json:"listing_id"`
	Title      string         `json:"title"`
	PriceCents int64          `json:"price_cents"`
	Photos     []string       `json:"photos"`
	Attributes models.Payload `json:"attributes"`
}

// PublishListing uploads each photo and then creates the remote listing, one task per
// remote call, so a retry only repeats the calls that did not succeed.
type PublishListing struct {
	deps Deps
}

const createListingTask = "create listing"

func photoTask(i, n int) string {
	return fmt.Sprintf("upload photo %d/%d", i, n)
}

func (h *PublishListing) Execute(ctx context.Context, exec *worker.Execution) (models.Payload, error) {
	job := exec.Job
	var in publishInput
	if err := job.InputData.Decode(&in); err != nil {
		return nil, models.Permanent(err)
	}
	listingID := targetID(job, in.ListingID)
	if listingID == 0 {
		return nil, fmt.Errorf("publish needs a listing id: %w", models.ErrInvalidInput)
	}
	listing, err := h.deps.Listings.Get(ctx, listingID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.Permanent(err)
		}
		return nil, err
	}
	if in.Title == "" {
		in.Title = listing.Title
	}
	if in.PriceCents == 0 {
		in.PriceCents = listing.PriceCents
	}
	if in.Title == "" || in.PriceCents <= 0 {
		return nil, fmt.Errorf("listing %d needs a title and a price: %w", listingID, models.ErrInvalidInput)
	}

	descriptions := make([]string, 0, len(in.Photos)+1)
	for i := range in.Photos {
		descriptions = append(descriptions, photoTask(i+1, len(in.Photos)))
	}
	descriptions = append(descriptions, createListingTask)

	orch := exec.Tasks()
	steps, err := orch.EnsureTasks(ctx, job, descriptions)
	if err != nil {
		return nil, err
	}

	funcs := make(map[string]tasks.Func, len(descriptions))
	for i, src := range in.Photos {
		i, src := i, src
		funcs[photoTask(i+1, len(in.Photos))] = func(ctx context.Context, task models.Task) (models.Payload, error) {
			if err := checkCancel(ctx, exec); err != nil {
				return nil, err
			}
			staged, err := h.deps.Photos.Stage(ctx, photos.Request{
				SourceURL: src,
				Key:       fmt.Sprintf("listings/%d/job-%d-photo-%d.jpg", listingID, job.ID, i+1),
			})
			if err != nil {
				return nil, err
			}
			remoteID, err := h.deps.Marketplace.UploadPhoto(ctx, job.Marketplace, marketplace.PhotoUpload{
				Location:    staged.Location,
				ContentType: staged.ContentType,
				Position:    i + 1,
			})
			if err != nil {
				return nil, err
			}
			return models.Payload{"remote_photo_id": remoteID, "location": staged.Location}, nil
		}
	}
	funcs[createListingTask] = func(ctx context.Context, task models.Task) (models.Payload, error) {
		if err := checkCancel(ctx, exec); err != nil {
			return nil, err
		}
		remote, err := h.deps.Marketplace.CreateListing(ctx, job.Marketplace, marketplace.ListingDraft{
			Title:      in.Title,
			PriceCents: in.PriceCents,
			PhotoIDs:   uploadedPhotoIDs(steps),
			Attributes: in.Attributes,
		})
		if err != nil {
			return nil, err
		}
		if err := h.deps.Listings.MarkPublished(ctx, listingID, remote.ID); err != nil {
			// The remote listing exists; surface its id so an operator can reconcile.
			return models.Payload{"remote_id": remote.ID}, err
		}
		return models.Payload{"remote_id": remote.ID, "url": remote.URL}, nil
	}

	ok, runErr := orch.ExecuteJobWithTasks(ctx, job, steps, funcs)
	if !ok {
		partial := models.Payload{"uploaded_photo_ids": uploadedPhotoIDs(steps), "listing_id": listingID}
		for _, s := range steps {
			if s.Status == models.TaskFailed {
				partial["failed_task"] = s.Description
			}
		}
		log.Warn().Err(runErr).Int64("job_id", job.ID).Int64("listing_id", listingID).
			Int("photos_uploaded", len(uploadedPhotoIDs(steps))).Msg("publish stopped after partial progress")
		return partial, runErr
	}

	result := tasks.Results(steps)[len(steps)]
	return models.Payload{
		"listing_id": listingID,
		"remote_id":  result["remote_id"],
		"url":        result["url"],
		"photo_ids":  uploadedPhotoIDs(steps),
	}, nil
}

// uploadedPhotoIDs lists remote photo ids of successful upload tasks in position order.
func uploadedPhotoIDs(steps []models.Task) []string {
	ids := []string{}
	for _, s := range steps {
		if !s.Done() || s.Description == createListingTask {
			continue
		}
		if id, ok := s.Result["remote_photo_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func checkCancel(ctx context.Context, exec *worker.Execution) error {
	requested, err := exec.CancelRequested(ctx)
	if err != nil {
		return err
	}
	if requested {
		return models.ErrCancelled
	}
	return nil
}
