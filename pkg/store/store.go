// Package store is the single source of truth for Task, MicroStep, and
// Event entities, backed by a pgx connection pool. Multi-entity writes
// run in a single transaction with row locks (SELECT ... FOR UPDATE,
// then write).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/models"
)

// Store owns the durable copy of every entity.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateTask inserts a new Task, failing domainerr.ErrConflict if task_id
// already exists.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) (uuid.UUID, error) {
	if err := t.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", domainerr.ErrValidation, err)
	}
	if t.TaskID == uuid.Nil {
		t.TaskID = uuid.New()
	}

	err := withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO tasks (task_id, user_id, title, description, status, priority, scope,
			                    estimated_hours, parent_task_id, created_at, updated_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (task_id) DO NOTHING`,
			t.TaskID, t.UserID, t.Title, t.Description, t.Status, t.Priority, t.Scope,
			t.EstimatedHours, t.ParentTaskID, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: task %s already exists", domainerr.ErrConflict, t.TaskID)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return t.TaskID, nil
}

// GetTask fetches a Task by id, failing domainerr.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	var t models.Task
	err := withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT task_id, user_id, title, description, status, priority, scope,
			       estimated_hours, parent_task_id, created_at, updated_at, completed_at
			FROM tasks WHERE task_id = $1`, taskID)
		return scanTask(row, &t)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", domainerr.ErrNotFound, taskID)
		}
		return nil, err
	}
	return &t, nil
}

func scanTask(row pgx.Row, t *models.Task) error {
	return row.Scan(&t.TaskID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Scope,
		&t.EstimatedHours, &t.ParentTaskID, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
}

// ListMicroSteps returns every step of a task, ordered by step_number
// ascending.
func (s *Store) ListMicroSteps(ctx context.Context, taskID uuid.UUID) ([]models.MicroStep, error) {
	var steps []models.MicroStep
	err := withRetry(ctx, func(ctx context.Context) error {
		steps = nil
		rows, err := s.pool.Query(ctx, `
			SELECT step_id, parent_task_id, step_number, description, short_label, icon,
			       estimated_minutes, delegation_mode, leaf_type, automation_plan,
			       clarification_needs, tags, actual_minutes, parent_step_id, level, is_leaf,
			       decomposition_state, status, started_at, completed_at, created_at, updated_at
			FROM micro_steps WHERE parent_task_id = $1 ORDER BY step_number ASC`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m models.MicroStep
			if err := scanMicroStep(rows, &m); err != nil {
				return err
			}
			steps = append(steps, m)
		}
		return rows.Err()
	})
	return steps, err
}

func scanMicroStep(row pgx.Row, m *models.MicroStep) error {
	var automationPlan, clarificationNeeds, tags []byte
	if err := row.Scan(&m.StepID, &m.ParentTaskID, &m.StepNumber, &m.Description, &m.ShortLabel, &m.Icon,
		&m.EstimatedMinutes, &m.DelegationMode, &m.LeafType, &automationPlan,
		&clarificationNeeds, &tags, &m.ActualMinutes, &m.ParentStepID, &m.Level, &m.IsLeaf,
		&m.DecompositionState, &m.Status, &m.StartedAt, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return err
	}
	if len(automationPlan) > 0 {
		var ap models.AutomationPlan
		if err := json.Unmarshal(automationPlan, &ap); err != nil {
			return fmt.Errorf("%w: automation_plan: %w", domainerr.ErrInternal, err)
		}
		m.AutomationPlan = &ap
	}
	if len(clarificationNeeds) > 0 {
		if err := json.Unmarshal(clarificationNeeds, &m.ClarificationNeeds); err != nil {
			return fmt.Errorf("%w: clarification_needs: %w", domainerr.ErrInternal, err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &m.Tags); err != nil {
			return fmt.Errorf("%w: tags: %w", domainerr.ErrInternal, err)
		}
	}
	return nil
}

// UpsertTaskWithSteps atomically persists a Task and its full MicroStep
// tree. Re-entrant: a second call with the same task_id and idempotencyKey
// is a no-op; a different idempotencyKey against an existing task_id fails
// domainerr.ErrConflict.
func (s *Store) UpsertTaskWithSteps(ctx context.Context, t *models.Task, steps []models.MicroStep, idempotencyKey string) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domainerr.ErrValidation, err)
	}
	if err := models.ValidateSequence(steps); err != nil {
		return fmt.Errorf("%w: %w", domainerr.ErrValidation, err)
	}
	for i := range steps {
		if err := steps[i].Validate(); err != nil {
			return fmt.Errorf("%w: step %d: %w", domainerr.ErrValidation, steps[i].StepNumber, err)
		}
	}

	return withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var existingKey *string
		err = tx.QueryRow(ctx, `SELECT idempotency_key FROM tasks WHERE task_id = $1`, t.TaskID).Scan(&existingKey)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// fresh insert, fall through
		case err != nil:
			return err
		default:
			if existingKey != nil && *existingKey == idempotencyKey {
				return nil // already applied, re-entrant no-op
			}
			return fmt.Errorf("%w: task %s already exists with a different idempotency key", domainerr.ErrConflict, t.TaskID)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tasks (task_id, user_id, title, description, status, priority, scope,
			                    estimated_hours, parent_task_id, idempotency_key, created_at, updated_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			t.TaskID, t.UserID, t.Title, t.Description, t.Status, t.Priority, t.Scope,
			t.EstimatedHours, t.ParentTaskID, idempotencyKey, t.CreatedAt, t.UpdatedAt, t.CompletedAt); err != nil {
			return err
		}

		for i := range steps {
			if err := insertStep(ctx, tx, &steps[i]); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

func insertStep(ctx context.Context, tx pgx.Tx, m *models.MicroStep) error {
	if m.StepID == uuid.Nil {
		m.StepID = uuid.New()
	}
	automationPlan, err := marshalOrNil(m.AutomationPlan)
	if err != nil {
		return err
	}
	clarificationNeeds, err := json.Marshal(m.ClarificationNeeds)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO micro_steps (step_id, parent_task_id, step_number, description, short_label, icon,
		                          estimated_minutes, delegation_mode, leaf_type, automation_plan,
		                          clarification_needs, tags, actual_minutes, parent_step_id, level, is_leaf,
		                          decomposition_state, status, started_at, completed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		m.StepID, m.ParentTaskID, m.StepNumber, m.Description, m.ShortLabel, m.Icon,
		m.EstimatedMinutes, m.DelegationMode, m.LeafType, automationPlan,
		clarificationNeeds, tags, m.ActualMinutes, m.ParentStepID, m.Level, m.IsLeaf,
		m.DecompositionState, m.Status, m.StartedAt, m.CompletedAt, m.CreatedAt, m.UpdatedAt)
	return err
}

func marshalOrNil(plan *models.AutomationPlan) ([]byte, error) {
	if plan == nil {
		return nil, nil
	}
	return json.Marshal(plan)
}

// allowedStepTransitions encodes the step state machine. The Store
// enforces it too, so a client cannot bypass the runtime.
var allowedStepTransitions = map[models.StepStatus]map[models.StepStatus]bool{
	models.StepStatusTodo:       {models.StepStatusInProgress: true, models.StepStatusCancelled: true},
	models.StepStatusInProgress: {models.StepStatusCompleted: true, models.StepStatusCancelled: true},
}

// StepPatch carries the subset of MicroStep fields UpdateStep may change.
// Terminal-state steps reject every patch.
type StepPatch struct {
	Status             *models.StepStatus
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ActualMinutes      *int
	ClarificationNeeds *[]models.ClarificationNeed
}

// UpdateStep applies patch inside a row-locked transaction, enforcing the
// state machine and immutability of terminal steps.
func (s *Store) UpdateStep(ctx context.Context, stepID uuid.UUID, patch StepPatch) (*models.MicroStep, error) {
	var result models.MicroStep
	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var m models.MicroStep
		row := tx.QueryRow(ctx, `
			SELECT step_id, parent_task_id, step_number, description, short_label, icon,
			       estimated_minutes, delegation_mode, leaf_type, automation_plan,
			       clarification_needs, tags, actual_minutes, parent_step_id, level, is_leaf,
			       decomposition_state, status, started_at, completed_at, created_at, updated_at
			FROM micro_steps WHERE step_id = $1 FOR UPDATE`, stepID)
		if err := scanMicroStep(row, &m); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: step %s", domainerr.ErrNotFound, stepID)
			}
			return err
		}

		if m.IsTerminal() {
			return fmt.Errorf("%w: step %s is %s (terminal)", domainerr.ErrConflictState, stepID, m.Status)
		}
		if patch.Status != nil {
			if !allowedStepTransitions[m.Status][*patch.Status] {
				return fmt.Errorf("%w: step %s cannot go %s -> %s", domainerr.ErrConflictState, stepID, m.Status, *patch.Status)
			}
			m.Status = *patch.Status
		}
		if patch.StartedAt != nil {
			m.StartedAt = patch.StartedAt
		}
		if patch.CompletedAt != nil {
			m.CompletedAt = patch.CompletedAt
		}
		if patch.ActualMinutes != nil {
			m.ActualMinutes = patch.ActualMinutes
		}
		if patch.ClarificationNeeds != nil {
			m.ClarificationNeeds = *patch.ClarificationNeeds
		}
		m.UpdatedAt = time.Now().UTC()

		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %w", domainerr.ErrValidation, err)
		}

		clarificationNeeds, err := json.Marshal(m.ClarificationNeeds)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE micro_steps SET status=$1, started_at=$2, completed_at=$3, actual_minutes=$4,
			       clarification_needs=$5, updated_at=$6 WHERE step_id=$7`,
			m.Status, m.StartedAt, m.CompletedAt, m.ActualMinutes, clarificationNeeds, m.UpdatedAt, stepID); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AppendEvent persists an immutable Event row, monotonic per user via
// occurred_at, never overwritten.
func (s *Store) AppendEvent(ctx context.Context, e *models.Event) (uuid.UUID, error) {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return uuid.Nil, err
	}
	err = withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO events (event_id, user_id, task_id, step_id, event_type, payload, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.EventID, e.UserID, e.TaskID, e.StepID, e.EventType, payload, e.OccurredAt)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	return e.EventID, nil
}

// Progress summarizes a Task's MicroStep completion.
type Progress struct {
	Total              int
	Completed          int
	InProgress         int
	Percent            float64
	TotalMinutesEst    int
	TotalMinutesActual int
}

// GetProgress aggregates MicroStep counts and minute totals for a task.
func (s *Store) GetProgress(ctx context.Context, taskID uuid.UUID) (*Progress, error) {
	var p Progress
	err := withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT
				count(*),
				count(*) FILTER (WHERE status = 'COMPLETED'),
				count(*) FILTER (WHERE status = 'IN_PROGRESS'),
				coalesce(sum(estimated_minutes), 0),
				coalesce(sum(actual_minutes), 0)
			FROM micro_steps WHERE parent_task_id = $1`, taskID)
		return row.Scan(&p.Total, &p.Completed, &p.InProgress, &p.TotalMinutesEst, &p.TotalMinutesActual)
	})
	if err != nil {
		return nil, err
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	return &p, nil
}

// DeleteTask soft-archives a Task — tasks are never hard-deleted — by
// marking it CANCELLED and cascading CANCELLED + StepCancelled emission
// to every non-terminal step, all in one transaction.
func (s *Store) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		rows, err := tx.Query(ctx, `
			SELECT step_id FROM micro_steps WHERE parent_task_id = $1 AND status IN ('TODO','IN_PROGRESS') FOR UPDATE`,
			taskID)
		if err != nil {
			return err
		}
		var cancelled []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			cancelled = append(cancelled, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE micro_steps SET status='CANCELLED', updated_at=$1
			WHERE parent_task_id = $2 AND status IN ('TODO','IN_PROGRESS')`, now, taskID); err != nil {
			return err
		}
		for _, id := range cancelled {
			payload, _ := json.Marshal(map[string]any{"reason": "task_deleted"})
			if _, err := tx.Exec(ctx, `
				INSERT INTO events (event_id, user_id, task_id, step_id, event_type, payload, occurred_at)
				SELECT $1, user_id, $2, $3, 'StepCancelled', $4, $5 FROM tasks WHERE task_id = $2`,
				uuid.New(), taskID, id, payload, now); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE tasks SET status='CANCELLED', updated_at=$1 WHERE task_id=$2`, now, taskID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}
