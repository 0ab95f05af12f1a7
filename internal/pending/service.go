// Package pending is the confirmation queue for state changes suggested by untrusted
// external signals. Detectors never change a resource's status directly; they file a
// pending action that a person or an automated confirmer resolves exactly once.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/telemetry"
)

var errAlreadyResolved = errors.New("pending action already resolved")

// Detection is one suspected external state change.
type Detection struct {
	ResourceID  int64                    `json:"resource_id"`
	ActionType  models.PendingActionType `json:"action_type"`
	Marketplace models.Marketplace       `json:"marketplace"`
	Context     models.Payload           `json:"context_data,omitempty"`
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(st Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Detect files a pending action and moves the resource to pending_confirmation,
// recording its previous status. If the resource already has an open action, that
// action is returned and nothing changes; created reports which case applied.
func (s *Service) Detect(ctx context.Context, d Detection) (models.PendingAction, bool, error) {
	if _, ok := d.ActionType.TargetStatus(); !ok {
		return models.PendingAction{}, false, fmt.Errorf("unknown pending action type %q: %w", d.ActionType, models.ErrInvalidInput)
	}
	if !d.Marketplace.Valid() {
		return models.PendingAction{}, false, fmt.Errorf("unknown marketplace %q: %w", d.Marketplace, models.ErrInvalidInput)
	}
	var contextData datatypes.JSON
	if d.Context != nil {
		raw, err := json.Marshal(d.Context)
		if err != nil {
			return models.PendingAction{}, false, fmt.Errorf("encode context: %w", err)
		}
		contextData = raw
	}

	var result models.PendingAction
	created := false
	err := s.store.InTx(ctx, func(tx Store) error {
		previous, err := tx.ResourceStatus(ctx, d.ResourceID)
		if err != nil {
			return err
		}
		existing, err := tx.FindOpen(ctx, d.ResourceID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = *existing
			return nil
		}

		action := models.PendingAction{
			ResourceID:     d.ResourceID,
			ActionType:     d.ActionType,
			Marketplace:    d.Marketplace,
			PreviousStatus: previous,
			ContextData:    contextData,
			DetectedAt:     s.now(),
		}
		if err := tx.Create(ctx, &action); err != nil {
			return err
		}
		if err := tx.SetResourceStatus(ctx, d.ResourceID, models.ResourcePendingConfirmation); err != nil {
			return err
		}
		result, created = action, true
		return nil
	})
	if errors.Is(err, models.ErrDuplicateKey) {
		// A concurrent detector won; hand back its action.
		existing, findErr := s.store.FindOpen(ctx, d.ResourceID)
		if findErr != nil {
			return models.PendingAction{}, false, findErr
		}
		if existing == nil {
			return models.PendingAction{}, false, fmt.Errorf("resource %d: %w", d.ResourceID, models.ErrConflict)
		}
		return *existing, false, nil
	}
	if err != nil {
		return models.PendingAction{}, false, err
	}

	if created {
		telemetry.PendingActions.WithLabelValues("detected").Inc()
		log.Info().Int64("resource_id", d.ResourceID).Str("action_type", string(d.ActionType)).
			Str("previous_status", result.PreviousStatus).Msg("pending action filed")
	} else {
		telemetry.PendingActions.WithLabelValues("duplicate").Inc()
	}
	return result, created, nil
}

// Confirm applies the action's target status. It returns nil, nil when the action was
// already resolved.
func (s *Service) Confirm(ctx context.Context, id int64, by string) (*models.PendingAction, error) {
	return s.resolve(ctx, id, by, models.ResolutionConfirmed)
}

// Reject restores the resource to the status it had before detection. It returns nil,
// nil when the action was already resolved.
func (s *Service) Reject(ctx context.Context, id int64, by string) (*models.PendingAction, error) {
	return s.resolve(ctx, id, by, models.ResolutionRejected)
}

func (s *Service) resolve(ctx context.Context, id int64, by, resolution string) (*models.PendingAction, error) {
	var out *models.PendingAction
	err := s.store.InTx(ctx, func(tx Store) error {
		action, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if action.Resolved() {
			return nil
		}

		status := action.PreviousStatus
		if resolution == models.ResolutionConfirmed {
			target, ok := action.ActionType.TargetStatus()
			if !ok {
				return fmt.Errorf("pending action %d has unknown type %q: %w", id, action.ActionType, models.ErrInvalidInput)
			}
			status = target
		}
		if err := tx.SetResourceStatus(ctx, action.ResourceID, status); err != nil {
			return err
		}

		at := s.now()
		applied, err := tx.Resolve(ctx, id, resolution, by, at)
		if err != nil {
			return err
		}
		if !applied {
			// Roll back the status write; someone else resolved it first.
			return errAlreadyResolved
		}
		action.Resolution = &resolution
		action.IsConfirmed = resolution == models.ResolutionConfirmed
		action.ConfirmedAt = &at
		action.ConfirmedBy = &by
		out = &action
		return nil
	})
	if errors.Is(err, errAlreadyResolved) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if out != nil {
		telemetry.PendingActions.WithLabelValues(resolution).Inc()
		log.Info().Int64("pending_action_id", id).Str("resolution", resolution).Str("by", by).Msg("pending action resolved")
	}
	return out, nil
}

// ListOpen returns unresolved actions, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]models.PendingAction, error) {
	return s.store.ListOpen(ctx, limit)
}
