package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/listings"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/pending"
	"marketplace-orchestrator/internal/worker"
	"marketplace-orchestrator/internal/workflow"
)

const defaultPerPage = 100

type importInput struct {
	PerPage int `json:"per_page"`
}

// remoteSold are inventory statuses that suggest the item sold elsewhere.
var remoteSold = map[string]bool{"sold": true, "sold_out": true}

// ImportInventory pages through a marketplace inventory, upserting each item and
// enriching it with a detail call while later pages import. Signs that an item sold
// are filed as pending actions rather than applied.
type ImportInventory struct {
	deps Deps
}

func (h *ImportInventory) Execute(ctx context.Context, exec *worker.Execution) (models.Payload, error) {
	job := exec.Job
	var in importInput
	if err := job.InputData.Decode(&in); err != nil {
		return nil, models.Permanent(err)
	}
	if in.PerPage <= 0 {
		in.PerPage = defaultPerPage
	}

	initial, _, err := workflow.StateFrom(job.ResultData)
	if err != nil {
		return nil, models.Permanent(err)
	}
	wf := workflow.New(initial, exec.ReportProgress)
	stop := exec.WatchCancel(ctx, wf.Cancel)
	defer stop()

	// Remote ids are needed for the detail call; local ids flow through the workflow.
	remoteIDs := newIDIndex()

	page := func(ctx context.Context, n int) (workflow.PageResult, error) {
		inv, err := h.deps.Marketplace.ListInventory(ctx, job.Marketplace, n+1, in.PerPage)
		if err != nil {
			return workflow.PageResult{}, err
		}
		res := workflow.PageResult{Total: inv.Total, Last: !inv.HasMore || len(inv.Items) == 0}
		for _, item := range inv.Items {
			id, outcome, err := h.deps.Listings.UpsertRemote(ctx, job.Marketplace, listings.RemoteSnapshot{
				RemoteID:   item.ID,
				Title:      item.Title,
				PriceCents: item.PriceCents,
			}, job.ID)
			if err != nil {
				log.Warn().Err(err).Int64("job_id", job.ID).Str("remote_id", item.ID).Msg("import item failed")
				res.Errored++
				continue
			}
			switch outcome {
			case listings.Created:
				res.Imported++
				res.EnrichIDs = append(res.EnrichIDs, id)
				remoteIDs.put(id, item.ID)
			case listings.Changed:
				res.Updated++
				res.EnrichIDs = append(res.EnrichIDs, id)
				remoteIDs.put(id, item.ID)
			default:
				res.Skipped++
			}
			if remoteSold[strings.ToLower(item.Status)] {
				h.flagSold(ctx, job, id, models.Payload{"reason": "remote_status", "remote_status": item.Status, "remote_id": item.ID})
			}
		}
		return res, nil
	}

	enrich := func(ctx context.Context, id int64) error {
		remoteID, ok := remoteIDs.get(id)
		if !ok {
			return fmt.Errorf("no remote id for listing %d", id)
		}
		details, err := h.deps.Marketplace.ListingDetails(ctx, job.Marketplace, remoteID)
		if err != nil {
			return err
		}
		return h.deps.Listings.ApplyDetails(ctx, id, details)
	}

	cleanup := func(ctx context.Context) (int, error) {
		unseen, err := h.deps.Listings.UnseenActive(ctx, job.Marketplace, job.ID)
		if err != nil {
			return 0, err
		}
		flagged := 0
		for _, l := range unseen {
			if h.flagSold(ctx, job, l.ID, models.Payload{"reason": "missing_from_inventory"}) {
				flagged++
			}
		}
		return flagged, nil
	}

	var pacer workflow.Pacer
	if h.deps.Pacer != nil {
		pacer = h.deps.Pacer(job.Marketplace)
	}
	state, runErr := wf.PagedImport(ctx, page, enrich, workflow.PagedImportOptions{
		EnrichBatchSize: h.deps.Config.EnrichBatchSize,
		PoolSize:        h.deps.Config.WorkerPoolSize,
		MaxPages:        h.deps.Config.MaxPagesPerRun,
		Pacer:           pacer,
		Cleanup:         cleanup,
	})
	var can *workflow.ContinueAsNewError
	if errors.As(runErr, &can) {
		return can.Checkpoint.Payload(), runErr
	}
	return state.Payload(), runErr
}

// flagSold files a mark_sold pending action; it reports whether a new one was created.
func (h *ImportInventory) flagSold(ctx context.Context, job models.Job, id int64, why models.Payload) bool {
	if h.deps.Pending == nil {
		return false
	}
	why["job_id"] = job.ID
	_, created, err := h.deps.Pending.Detect(ctx, pending.Detection{
		ResourceID:  id,
		ActionType:  models.ActionMarkSold,
		Marketplace: job.Marketplace,
		Context:     why,
	})
	if err != nil {
		log.Warn().Err(err).Int64("job_id", job.ID).Int64("listing_id", id).Msg("file pending mark_sold")
		return false
	}
	return created
}
