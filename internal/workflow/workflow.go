package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/telemetry"
)

// ProgressSink persists a snapshot after each dispatch batch or page.
type ProgressSink func(ctx context.Context, p models.Progress) error

// Pacer spaces calls on the pagination path.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Outcome classifies one successful fan-out activity.
type Outcome int

const (
	Updated Outcome = iota
	Skipped
)

// Activity processes one target id.
type Activity func(ctx context.Context, id int64) (Outcome, error)

// Workflow holds in-memory state, a cancel flag and the progress sink.
type Workflow struct {
	mu        sync.Mutex
	state     State
	cancelled atomic.Bool
	sink      ProgressSink
}

// New starts a workflow from initial, which is the zero State for a first run or a
// checkpoint for a continued one.
func New(initial State, sink ProgressSink) *Workflow {
	return &Workflow{state: initial, sink: sink}
}

// Cancel is the signal entry point. The main loop honors it before the next batch
// or page; in-flight activities finish.
func (w *Workflow) Cancel() {
	w.cancelled.Store(true)
}

func (w *Workflow) Cancelled() bool {
	return w.cancelled.Load()
}

// Query answers progress from memory without touching the database.
func (w *Workflow) Query() models.Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Progress()
}

// State returns a copy of the checkpoint.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.state
	if st.Total != nil {
		total := *st.Total
		st.Total = &total
	}
	if st.Targets != nil {
		st.Targets = append([]int64(nil), st.Targets...)
	}
	return st
}

func (w *Workflow) update(fn func(*State)) {
	w.mu.Lock()
	fn(&w.state)
	w.mu.Unlock()
}

func (w *Workflow) checkpoint(ctx context.Context) error {
	if w.sink == nil {
		return nil
	}
	return w.sink(ctx, w.Query())
}

func (w *Workflow) cancelledErr() error {
	st := w.State()
	return fmt.Errorf("workflow stopped in %s at cursor %d: %w", st.Phase, st.Cursor, models.ErrCancelled)
}

// FanOutOptions size the dispatch batches and the sliding window.
type FanOutOptions struct {
	BatchSize int
	PoolSize  int
}

// FanOut applies act to every id in dispatch batches of BatchSize. Within a batch at
// most PoolSize activities run at once and a new one starts as soon as any finishes.
// Activity errors are counted, not fatal. Progress is checkpointed after every batch.
func (w *Workflow) FanOut(ctx context.Context, ids []int64, opts FanOutOptions, act Activity) (State, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = len(ids)
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	total := len(ids)
	w.update(func(s *State) {
		s.Phase = PhaseDispatch
		s.Total = &total
	})

	for start := w.State().Cursor; start < total; start += opts.BatchSize {
		if w.Cancelled() {
			return w.State(), w.cancelledErr()
		}
		if err := ctx.Err(); err != nil {
			return w.State(), err
		}
		end := start + opts.BatchSize
		if end > total {
			end = total
		}

		var g errgroup.Group
		g.SetLimit(opts.PoolSize)
		for _, id := range ids[start:end] {
			id := id
			g.Go(func() error {
				out, err := act(ctx, id)
				w.update(func(s *State) {
					switch {
					case err != nil:
						s.Counters.Errored++
					case out == Skipped:
						s.Counters.Skipped++
					default:
						s.Counters.Updated++
					}
				})
				if err != nil {
					telemetry.WorkflowItems.WithLabelValues("errored").Inc()
					log.Debug().Err(err).Int64("target_id", id).Msg("fan-out activity failed")
				} else {
					telemetry.WorkflowItems.WithLabelValues("ok").Inc()
				}
				return nil
			})
		}
		_ = g.Wait()

		w.update(func(s *State) {
			s.Cursor = end
			s.Current = end
		})
		if err := w.checkpoint(ctx); err != nil {
			log.Warn().Err(err).Int("cursor", end).Msg("persist fan-out progress")
		}
	}

	w.update(func(s *State) { s.Phase = PhaseDone })
	return w.State(), nil
}
