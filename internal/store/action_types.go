package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"marketplace-orchestrator/internal/models"
)

// ResolveActionType maps (marketplace, code) to its registry row.
func (s *Store) ResolveActionType(ctx context.Context, marketplace models.Marketplace, code string) (models.ActionType, error) {
	var at models.ActionType
	err := s.pool.QueryRow(ctx, `
		SELECT id, marketplace, code, handler_key, description
		FROM action_types WHERE marketplace = $1 AND code = $2
	`, marketplace, code).Scan(&at.ID, &at.Marketplace, &at.Code, &at.HandlerKey, &at.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ActionType{}, fmt.Errorf("action type %s/%s: %w", marketplace, code, models.ErrInvalidInput)
	}
	if err != nil {
		return models.ActionType{}, fmt.Errorf("query action type: %w", err)
	}
	return at, nil
}

// ListActionTypes returns the whole registry.
func (s *Store) ListActionTypes(ctx context.Context) ([]models.ActionType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, marketplace, code, handler_key, description
		FROM action_types ORDER BY marketplace, code
	`)
	if err != nil {
		return nil, fmt.Errorf("list action types: %w", err)
	}
	defer rows.Close()

	var out []models.ActionType
	for rows.Next() {
		var at models.ActionType
		if err := rows.Scan(&at.ID, &at.Marketplace, &at.Code, &at.HandlerKey, &at.Description); err != nil {
			return nil, fmt.Errorf("scan action type: %w", err)
		}
		out = append(out, at)
	}
	return out, rows.Err()
}
