package workflow

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"marketplace-orchestrator/internal/telemetry"
)

// PageResult reports what importing one remote page did.
type PageResult struct {
	// EnrichIDs are local ids that still need their detail call.
	EnrichIDs []int64
	Imported  int
	Updated   int
	Skipped   int
	Errored   int
	// Total is the remote item count, once the remote reports it.
	Total *int
	Last  bool
}

// PageFunc fetches and imports page number page (0-based) synchronously.
type PageFunc func(ctx context.Context, page int) (PageResult, error)

// EnrichFunc fetches details for one imported item.
type EnrichFunc func(ctx context.Context, id int64) error

// CleanupFunc runs once after the last page and returns how many items it flagged.
type CleanupFunc func(ctx context.Context) (int, error)

// PagedImportOptions tune the import.
type PagedImportOptions struct {
	EnrichBatchSize int
	PoolSize        int
	// MaxPages bounds pages per execution; reaching it returns a ContinueAsNewError.
	MaxPages int
	Pacer    Pacer
	Cleanup  CleanupFunc
}

type enricher struct {
	w       *Workflow
	fn      EnrichFunc
	pool    errgroup.Group
	flushes sync.WaitGroup
}

func newEnricher(w *Workflow, fn EnrichFunc, poolSize int) *enricher {
	e := &enricher{w: w, fn: fn}
	e.pool.SetLimit(poolSize)
	return e
}

// flush dispatches ids on the shared pool without blocking the page loop.
func (e *enricher) flush(ctx context.Context, ids []int64) {
	if len(ids) == 0 || e.fn == nil {
		return
	}
	e.flushes.Add(1)
	go func() {
		defer e.flushes.Done()
		for _, id := range ids {
			id := id
			e.pool.Go(func() error {
				err := e.fn(ctx, id)
				e.w.update(func(s *State) {
					if err != nil {
						s.Counters.Errored++
					} else {
						s.Counters.Enriched++
					}
				})
				if err != nil {
					telemetry.WorkflowItems.WithLabelValues("enrich_errored").Inc()
					log.Debug().Err(err).Int64("item_id", id).Msg("enrichment failed")
				} else {
					telemetry.WorkflowItems.WithLabelValues("enriched").Inc()
				}
				return nil
			})
		}
	}()
}

// drain waits for every dispatched enrichment.
func (e *enricher) drain() {
	e.flushes.Wait()
	_ = e.pool.Wait()
}

// PagedImport walks remote pages from the checkpoint cursor with a fixed delay between
// calls. Discovered ids are buffered and enriched in parallel batches while paging
// continues. After the last page the optional cleanup phase runs.
func (w *Workflow) PagedImport(ctx context.Context, page PageFunc, enrich EnrichFunc, opts PagedImportOptions) (State, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.EnrichBatchSize <= 0 {
		opts.EnrichBatchSize = 1
	}
	if w.State().Phase == "" || w.State().Phase == PhaseDispatch {
		w.update(func(s *State) { s.Phase = PhaseImport })
	}

	enr := newEnricher(w, enrich, opts.PoolSize)
	var buf []int64
	pages := 0

	if w.State().Phase == PhaseImport {
		for {
			if w.Cancelled() {
				enr.flush(ctx, buf)
				enr.drain()
				return w.State(), w.cancelledErr()
			}
			if err := ctx.Err(); err != nil {
				enr.drain()
				return w.State(), err
			}
			if opts.MaxPages > 0 && pages >= opts.MaxPages {
				enr.flush(ctx, buf)
				enr.drain()
				if err := w.checkpoint(ctx); err != nil {
					log.Warn().Err(err).Msg("persist import progress")
				}
				return w.State(), &ContinueAsNewError{Checkpoint: w.State()}
			}
			if opts.Pacer != nil {
				if err := opts.Pacer.Wait(ctx); err != nil {
					enr.drain()
					return w.State(), err
				}
			}

			res, err := page(ctx, w.State().Cursor)
			if err != nil {
				enr.flush(ctx, buf)
				enr.drain()
				return w.State(), err
			}
			pages++
			w.update(func(s *State) {
				s.Cursor++
				s.Current += res.Imported + res.Updated + res.Skipped + res.Errored
				s.Counters.Imported += res.Imported
				s.Counters.Updated += res.Updated
				s.Counters.Skipped += res.Skipped
				s.Counters.Errored += res.Errored
				if res.Total != nil {
					total := *res.Total
					s.Total = &total
				}
			})

			buf = append(buf, res.EnrichIDs...)
			if len(buf) >= opts.EnrichBatchSize {
				enr.flush(ctx, buf)
				buf = nil
			}
			if err := w.checkpoint(ctx); err != nil {
				log.Warn().Err(err).Msg("persist import progress")
			}
			if res.Last {
				break
			}
		}
		w.update(func(s *State) { s.Phase = PhaseEnrich })
	}

	enr.flush(ctx, buf)
	enr.drain()
	if err := w.checkpoint(ctx); err != nil {
		log.Warn().Err(err).Msg("persist enrich progress")
	}

	if opts.Cleanup != nil {
		if w.Cancelled() {
			return w.State(), w.cancelledErr()
		}
		w.update(func(s *State) { s.Phase = PhaseCleanup })
		flagged, err := opts.Cleanup(ctx)
		if err != nil {
			return w.State(), err
		}
		w.update(func(s *State) { s.Flagged += flagged })
	}

	w.update(func(s *State) { s.Phase = PhaseDone })
	if err := w.checkpoint(ctx); err != nil {
		log.Warn().Err(err).Msg("persist final progress")
	}
	return w.State(), nil
}
