package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/worker"
	"marketplace-orchestrator/internal/workflow"
)

type bulkPolicyInput struct {
	PolicyID   string  `json:"policy_id"`
	ListingIDs []int64 `json:"listing_ids"`
}

// BulkApplyPolicy applies a shipping or return policy to many listings with
// bounded-concurrency batches, checkpointing after each batch.
type BulkApplyPolicy struct {
	deps Deps
}

func (h *BulkApplyPolicy) Execute(ctx context.Context, exec *worker.Execution) (models.Payload, error) {
	job := exec.Job
	var in bulkPolicyInput
	if err := job.InputData.Decode(&in); err != nil {
		return nil, models.Permanent(err)
	}
	if in.PolicyID == "" {
		return nil, fmt.Errorf("bulk policy needs policy_id: %w", models.ErrInvalidInput)
	}

	initial, resumed, err := workflow.StateFrom(job.ResultData)
	if err != nil {
		return nil, models.Permanent(err)
	}
	if resumed {
		log.Info().Int64("job_id", job.ID).Int("cursor", initial.Cursor).Msg("resuming bulk policy from checkpoint")
	}

	ids := in.ListingIDs
	switch {
	case len(ids) > 0:
	case len(initial.Targets) > 0:
		ids = initial.Targets
	default:
		// The active set drifts between runs; pin it so the cursor stays meaningful.
		if ids, err = h.deps.Listings.ActiveIDs(ctx, job.Marketplace); err != nil {
			return nil, err
		}
		if resumed && initial.Cursor > 0 {
			log.Warn().Int64("job_id", job.ID).Msg("checkpoint carries no target list; cursor applied to the current active set")
		}
		initial.Targets = ids
	}

	wf := workflow.New(initial, exec.ReportProgress)
	stop := exec.WatchCancel(ctx, wf.Cancel)
	defer stop()

	state, runErr := wf.FanOut(ctx, ids, workflow.FanOutOptions{
		BatchSize: h.deps.Config.DispatchBatchSize,
		PoolSize:  h.deps.Config.WorkerPoolSize,
	}, func(ctx context.Context, id int64) (workflow.Outcome, error) {
		return h.apply(ctx, job.Marketplace, id, in.PolicyID)
	})
	if runErr == nil {
		state.Targets = nil
	}
	return state.Payload(), runErr
}

func (h *BulkApplyPolicy) apply(ctx context.Context, mp models.Marketplace, id int64, policyID string) (workflow.Outcome, error) {
	listing, err := h.deps.Listings.Get(ctx, id)
	if err != nil {
		return workflow.Skipped, err
	}
	if listing.PolicyID != nil && *listing.PolicyID == policyID {
		return workflow.Skipped, nil
	}
	if listing.RemoteID == nil {
		return workflow.Skipped, errors.New("listing is not published")
	}
	if err := h.deps.Marketplace.UpdateListing(ctx, mp, *listing.RemoteID, models.Payload{"policy_id": policyID}); err != nil {
		return workflow.Skipped, err
	}
	if _, err := h.deps.Listings.ApplyPolicy(ctx, id, policyID); err != nil {
		return workflow.Skipped, err
	}
	return workflow.Updated, nil
}
