package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/models"
)

// ListEvents returns a user's events in commit order, optionally after a
// given event id so subscribers can replay from an offset.
func (s *Store) ListEvents(ctx context.Context, userID string, since *uuid.UUID, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var events []models.Event
	err := withRetry(ctx, func(ctx context.Context) error {
		events = nil
		var rows pgx.Rows
		var err error
		if since != nil {
			rows, err = s.pool.Query(ctx, `
				SELECT event_id, user_id, task_id, step_id, event_type, payload, occurred_at
				FROM events
				WHERE user_id = $1
				  AND (occurred_at, event_id) > (SELECT occurred_at, event_id FROM events WHERE event_id = $2)
				ORDER BY occurred_at, event_id
				LIMIT $3`, userID, *since, limit)
		} else {
			rows, err = s.pool.Query(ctx, `
				SELECT event_id, user_id, task_id, step_id, event_type, payload, occurred_at
				FROM events
				WHERE user_id = $1
				ORDER BY occurred_at, event_id
				LIMIT $2`, userID, limit)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e models.Event
			var payload []byte
			if err := rows.Scan(&e.EventID, &e.UserID, &e.TaskID, &e.StepID, &e.EventType, &payload, &e.OccurredAt); err != nil {
				return err
			}
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &e.Payload); err != nil {
					return fmt.Errorf("%w: event payload: %v", domainerr.ErrInternal, err)
				}
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	return events, err
}

// FetchEvent returns one event's payload, used to hydrate truncated
// NOTIFY deliveries.
func (s *Store) FetchEvent(ctx context.Context, eventID uuid.UUID) (map[string]any, error) {
	var raw []byte
	err := withRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `SELECT payload FROM events WHERE event_id = $1`, eventID).Scan(&raw)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: event %s", domainerr.ErrNotFound, eventID)
		}
		return nil, err
	}
	var payload map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: event payload: %v", domainerr.ErrInternal, err)
		}
	}
	return payload, nil
}

// GetStep fetches a single MicroStep.
func (s *Store) GetStep(ctx context.Context, stepID uuid.UUID) (*models.MicroStep, error) {
	var m models.MicroStep
	err := withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+stepColumns+`
			FROM micro_steps WHERE step_id = $1`, stepID)
		return scanMicroStep(row, &m)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: step %s", domainerr.ErrNotFound, stepID)
		}
		return nil, err
	}
	return &m, nil
}

// ClassificationPatch re-types a step after a clarification answer.
type ClassificationPatch struct {
	LeafType           models.LeafType
	AutomationPlan     *models.AutomationPlan
	ClarificationNeeds []models.ClarificationNeed
	EstimatedMinutes   int
	DecompositionState string
}

// UpdateStepClassification applies a classification patch and appends the
// given events in one transaction. Terminal steps reject the patch.
func (s *Store) UpdateStepClassification(ctx context.Context, stepID uuid.UUID, patch ClassificationPatch, events []models.Event) (*models.MicroStep, error) {
	var result models.MicroStep
	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		m, userID, err := lockStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if m.IsTerminal() {
			return fmt.Errorf("%w: step %s is %s (terminal)", domainerr.ErrConflictState, stepID, m.Status)
		}

		m.LeafType = patch.LeafType
		m.AutomationPlan = patch.AutomationPlan
		m.ClarificationNeeds = patch.ClarificationNeeds
		if patch.EstimatedMinutes > 0 {
			m.EstimatedMinutes = patch.EstimatedMinutes
		}
		if patch.DecompositionState != "" {
			m.DecompositionState = patch.DecompositionState
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %w", domainerr.ErrValidation, err)
		}

		plan, err := marshalOrNil(m.AutomationPlan)
		if err != nil {
			return err
		}
		needs, err := json.Marshal(m.ClarificationNeeds)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE micro_steps SET leaf_type=$1, automation_plan=$2, clarification_needs=$3,
			       estimated_minutes=$4, decomposition_state=$5, updated_at=now()
			WHERE step_id=$6`,
			m.LeafType, plan, needs, m.EstimatedMinutes, m.DecompositionState, stepID); err != nil {
			return err
		}
		for i := range events {
			if events[i].UserID == "" {
				events[i].UserID = userID
			}
			if err := appendEventTx(ctx, tx, &events[i]); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		result = *m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FinalizeDraft flips every pending step of a draft task to DONE, closing
// the clarification loop and completing persistence of a CLARIFY capture.
func (s *Store) FinalizeDraft(ctx context.Context, taskID uuid.UUID) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE micro_steps SET decomposition_state='DONE', updated_at=now()
			WHERE parent_task_id = $1 AND decomposition_state = 'PENDING_CLARIFICATION'`, taskID)
		return err
	})
}
