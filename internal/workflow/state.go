// Package workflow runs operations too large for one job/task pair: bounded-concurrency
// fan-out over many ids and paced pagination over remote inventories. Workflow state is
// a small serializable checkpoint that can be handed to a fresh execution.
package workflow

import (
	"fmt"

	"marketplace-orchestrator/internal/models"
)

// Phases reported by batch workflows.
const (
	PhaseDispatch = "dispatch"
	PhaseImport   = "import"
	PhaseEnrich   = "enrich"
	PhaseCleanup  = "cleanup"
	PhaseDone     = "done"
)

const checkpointKey = "checkpoint"

// State is the checkpoint: a cursor plus running counters.
type State struct {
	Phase    string          `json:"phase"`
	Cursor   int             `json:"cursor"`
	Current  int             `json:"current"`
	Total    *int            `json:"total,omitempty"`
	Flagged  int             `json:"flagged,omitempty"`
	Counters models.Counters `json:"counters"`
	// Targets pins a fan-out's id list when it was resolved at run time, so a resumed
	// run indexes Cursor into the same list.
	Targets []int64 `json:"targets,omitempty"`
}

// Progress renders the externally visible snapshot with a UI label.
func (s State) Progress() models.Progress {
	p := models.Progress{
		Phase:    s.Phase,
		Cursor:   s.Cursor,
		Current:  s.Current,
		Counters: s.Counters,
	}
	if s.Total != nil {
		total := *s.Total
		p.Total = &total
	}
	p.Label = s.label()
	return p
}

func (s State) label() string {
	switch s.Phase {
	case PhaseDispatch:
		if s.Total != nil {
			return fmt.Sprintf("Processed %d of %d", s.Current, *s.Total)
		}
	case PhaseImport:
		if s.Total != nil {
			return fmt.Sprintf("Importing page %d (%d of %d items)", s.Cursor, s.Current, *s.Total)
		}
		return fmt.Sprintf("Importing page %d (%d items)", s.Cursor, s.Current)
	case PhaseEnrich:
		return fmt.Sprintf("Enriching details (%d enriched)", s.Counters.Enriched)
	case PhaseCleanup:
		return "Checking for listings no longer on the marketplace"
	case PhaseDone:
		return fmt.Sprintf("Done: %d imported, %d updated, %d errors", s.Counters.Imported, s.Counters.Updated, s.Counters.Errored)
	}
	return fmt.Sprintf("%d processed", s.Current)
}

// Payload wraps the state for storage in a job's result_data.
func (s State) Payload() models.Payload {
	p, err := models.PayloadFrom(s)
	if err != nil {
		return models.Payload{}
	}
	return models.Payload{checkpointKey: p, "progress": s.Progress()}
}

// StateFrom restores a checkpoint from a job payload. ok is false when the payload
// carries none.
func StateFrom(p models.Payload) (State, bool, error) {
	if raw, ok := p[checkpointKey]; !ok || raw == nil {
		return State{}, false, nil
	}
	var env struct {
		Checkpoint State `json:"checkpoint"`
	}
	if err := p.Decode(&env); err != nil {
		return State{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return env.Checkpoint, true, nil
}

// ContinueAsNewError ends the current execution and asks for a fresh one resuming
// from Checkpoint.
type ContinueAsNewError struct {
	Checkpoint State
}

func (e *ContinueAsNewError) Error() string {
	return fmt.Sprintf("continue as new from %s cursor %d", e.Checkpoint.Phase, e.Checkpoint.Cursor)
}
