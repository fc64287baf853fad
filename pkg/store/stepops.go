package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/models"
)

// stepColumns is the full column list the runtime needs back from any
// step read, per the ListMicroSteps contract.
const stepColumns = `step_id, parent_task_id, step_number, description, short_label, icon,
       estimated_minutes, delegation_mode, leaf_type, automation_plan,
       clarification_needs, tags, actual_minutes, parent_step_id, level, is_leaf,
       decomposition_state, status, started_at, completed_at, created_at, updated_at`

// StartResult is the outcome of StartStep: the updated step plus the
// events appended in the same transaction.
type StartResult struct {
	Step   *models.MicroStep
	Events []models.Event
}

// StartStep transitions TODO → IN_PROGRESS, records started_at, and
// appends StepStarted, all in one transaction.
func (s *Store) StartStep(ctx context.Context, stepID uuid.UUID, now time.Time) (*StartResult, error) {
	var result StartResult
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
		if m.Status != models.StepStatusTodo {
			return fmt.Errorf("%w: step %s cannot start from %s", domainerr.ErrConflictState, stepID, m.Status)
		}

		m.Status = models.StepStatusInProgress
		m.StartedAt = &now
		m.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			UPDATE micro_steps SET status=$1, started_at=$2, updated_at=$3 WHERE step_id=$4`,
			m.Status, m.StartedAt, m.UpdatedAt, stepID); err != nil {
			return err
		}

		ev := models.Event{
			EventID:    uuid.New(),
			EventType:  models.EventStepStarted,
			UserID:     userID,
			TaskID:     &m.ParentTaskID,
			StepID:     &m.StepID,
			Payload:    map[string]any{"step_number": m.StepNumber},
			OccurredAt: now,
		}
		if err := appendEventTx(ctx, tx, &ev); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		result = StartResult{Step: m, Events: []models.Event{ev}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CompleteResult is the outcome of CompleteStep. Replayed completions
// return the terminal step with Replayed=true and no events.
type CompleteResult struct {
	Step          *models.MicroStep
	XPAwarded     int
	StreakDays    int
	TaskCompleted bool
	Replayed      bool
	Events        []models.Event
}

// CompleteStep transitions a step to COMPLETED and, in the same
// transaction: computes actual minutes, awards XP via xpFor, updates the
// user's streak on the first completion of the UTC day, promotes the
// parent task when every sibling is terminal with at least one COMPLETED,
// and appends the corresponding events. Completing an already-COMPLETED
// step is an idempotent replay: same step back, no second emission.
func (s *Store) CompleteStep(ctx context.Context, stepID uuid.UUID, actualMinutes *int, now time.Time, xpFor func(estimated, actual int) int) (*CompleteResult, error) {
	var result CompleteResult
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
		switch m.Status {
		case models.StepStatusCompleted:
			streak, err := currentStreak(ctx, tx, userID)
			if err != nil {
				return err
			}
			result = CompleteResult{Step: m, StreakDays: streak, Replayed: true}
			return tx.Commit(ctx)
		case models.StepStatusCancelled:
			return fmt.Errorf("%w: step %s is CANCELLED", domainerr.ErrConflictState, stepID)
		}

		actual := resolveActualMinutes(m, actualMinutes, now)
		m.Status = models.StepStatusCompleted
		m.ActualMinutes = &actual
		m.CompletedAt = &now
		m.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			UPDATE micro_steps SET status=$1, actual_minutes=$2, completed_at=$3, updated_at=$4
			WHERE step_id=$5`,
			m.Status, m.ActualMinutes, m.CompletedAt, m.UpdatedAt, stepID); err != nil {
			return err
		}

		xp := xpFor(m.EstimatedMinutes, actual)
		streak, streakChanged, err := awardProgress(ctx, tx, userID, xp, now)
		if err != nil {
			return err
		}

		events := []models.Event{
			{
				EventID:   uuid.New(),
				EventType: models.EventStepCompleted,
				UserID:    userID,
				TaskID:    &m.ParentTaskID,
				StepID:    &m.StepID,
				Payload: map[string]any{
					"step_number":    m.StepNumber,
					"actual_minutes": actual,
				},
				OccurredAt: now,
			},
			{
				EventID:    uuid.New(),
				EventType:  models.EventXPAwarded,
				UserID:     userID,
				TaskID:     &m.ParentTaskID,
				StepID:     &m.StepID,
				Payload:    map[string]any{"xp": xp},
				OccurredAt: now,
			},
		}
		if streakChanged {
			events = append(events, models.Event{
				EventID:    uuid.New(),
				EventType:  models.EventStreakUpdated,
				UserID:     userID,
				TaskID:     &m.ParentTaskID,
				Payload:    map[string]any{"streak_days": streak},
				OccurredAt: now,
			})
		}

		promoted, err := promoteTaskIfDone(ctx, tx, m.ParentTaskID, now)
		if err != nil {
			return err
		}

		for i := range events {
			if err := appendEventTx(ctx, tx, &events[i]); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		result = CompleteResult{
			Step:          m,
			XPAwarded:     xp,
			StreakDays:    streak,
			TaskCompleted: promoted,
			Events:        events,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelResult is the outcome of CancelStep.
type CancelResult struct {
	Step   *models.MicroStep
	Events []models.Event
}

// CancelStep transitions any non-terminal step to CANCELLED and appends
// StepCancelled. No XP is awarded.
func (s *Store) CancelStep(ctx context.Context, stepID uuid.UUID, reason string, now time.Time) (*CancelResult, error) {
	var result CancelResult
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

		m.Status = models.StepStatusCancelled
		m.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			UPDATE micro_steps SET status=$1, updated_at=$2 WHERE step_id=$3`,
			m.Status, m.UpdatedAt, stepID); err != nil {
			return err
		}

		payload := map[string]any{"step_number": m.StepNumber}
		if reason != "" {
			payload["reason"] = reason
		}
		ev := models.Event{
			EventID:    uuid.New(),
			EventType:  models.EventStepCancelled,
			UserID:     userID,
			TaskID:     &m.ParentTaskID,
			StepID:     &m.StepID,
			Payload:    payload,
			OccurredAt: now,
		}
		if err := appendEventTx(ctx, tx, &ev); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		result = CancelResult{Step: m, Events: []models.Event{ev}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// lockStep reads a step FOR UPDATE along with its owning user.
func lockStep(ctx context.Context, tx pgx.Tx, stepID uuid.UUID) (*models.MicroStep, string, error) {
	var m models.MicroStep
	row := tx.QueryRow(ctx, `
		SELECT `+stepColumns+`
		FROM micro_steps WHERE step_id = $1 FOR UPDATE`, stepID)
	if err := scanMicroStep(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", fmt.Errorf("%w: step %s", domainerr.ErrNotFound, stepID)
		}
		return nil, "", err
	}
	var userID string
	if err := tx.QueryRow(ctx, `SELECT user_id FROM tasks WHERE task_id = $1`, m.ParentTaskID).Scan(&userID); err != nil {
		return nil, "", err
	}
	return &m, userID, nil
}

// resolveActualMinutes prefers the caller's figure and otherwise derives
// it from started_at; a never-started TODO step completes with its
// estimate.
func resolveActualMinutes(m *models.MicroStep, supplied *int, now time.Time) int {
	if supplied != nil && *supplied >= 0 {
		return *supplied
	}
	if m.StartedAt != nil {
		minutes := int(now.Sub(*m.StartedAt).Round(time.Minute) / time.Minute)
		if minutes < 0 {
			minutes = 0
		}
		return minutes
	}
	return m.EstimatedMinutes
}

// awardProgress adds XP and advances the streak under the user_progress
// row lock. The streak moves once per UTC calendar day: consecutive days
// increment it, a gap resets it to 1, and repeat completions on the same
// day leave it alone.
func awardProgress(ctx context.Context, tx pgx.Tx, userID string, xp int, now time.Time) (streak int, changed bool, err error) {
	today := now.UTC().Truncate(24 * time.Hour)

	// Ensure the row exists before locking it, so two first-ever
	// completions serialize on the lock instead of racing the insert.
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_progress (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return 0, false, err
	}

	var lastDate *time.Time
	var current int
	if err := tx.QueryRow(ctx, `
		SELECT streak_days, last_completed_date FROM user_progress
		WHERE user_id = $1 FOR UPDATE`, userID).Scan(&current, &lastDate); err != nil {
		return 0, false, err
	}

	streak = current
	switch {
	case lastDate != nil && lastDate.UTC().Truncate(24*time.Hour).Equal(today):
		// Already counted today.
	case lastDate != nil && lastDate.UTC().Truncate(24*time.Hour).Equal(today.AddDate(0, 0, -1)):
		streak = current + 1
		changed = true
	default:
		streak = 1
		changed = true
	}

	if _, err := tx.Exec(ctx, `
		UPDATE user_progress SET xp_total = xp_total + $1, streak_days = $2,
		       last_completed_date = $3, updated_at = $4
		WHERE user_id = $5`, xp, streak, today, now, userID); err != nil {
		return 0, false, err
	}
	return streak, changed, nil
}

func currentStreak(ctx context.Context, tx pgx.Tx, userID string) (int, error) {
	var streak int
	err := tx.QueryRow(ctx, `SELECT streak_days FROM user_progress WHERE user_id = $1`, userID).Scan(&streak)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return streak, err
}

// promoteTaskIfDone completes the parent task when all its steps are
// terminal with at least one COMPLETED. The task row is locked so
// concurrent sibling completions promote exactly once.
func promoteTaskIfDone(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, now time.Time) (bool, error) {
	var status models.TaskStatus
	if err := tx.QueryRow(ctx, `
		SELECT status FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&status); err != nil {
		return false, err
	}
	if status == models.TaskStatusCompleted || status == models.TaskStatusCancelled {
		return false, nil
	}

	var open, completed int
	if err := tx.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status NOT IN ('COMPLETED','CANCELLED')),
			count(*) FILTER (WHERE status = 'COMPLETED')
		FROM micro_steps WHERE parent_task_id = $1`, taskID).Scan(&open, &completed); err != nil {
		return false, err
	}
	if open > 0 || completed == 0 {
		return false, nil
	}

	_, err := tx.Exec(ctx, `
		UPDATE tasks SET status='COMPLETED', completed_at=$1, updated_at=$1 WHERE task_id=$2`, now, taskID)
	return err == nil, err
}

// ListStalledAutomations returns IN_PROGRESS DIGITAL steps whose last
// update is older than the threshold — dispatches lost to queue overflow
// or handler failure, due for a retry.
func (s *Store) ListStalledAutomations(ctx context.Context, olderThan time.Duration) ([]models.MicroStep, error) {
	var steps []models.MicroStep
	err := withRetry(ctx, func(ctx context.Context) error {
		steps = nil
		rows, err := s.pool.Query(ctx, `
			SELECT `+stepColumns+`
			FROM micro_steps
			WHERE status = 'IN_PROGRESS' AND leaf_type = 'DIGITAL'
			  AND automation_plan IS NOT NULL
			  AND updated_at < now() - make_interval(secs => $1)
			ORDER BY updated_at
			LIMIT 100`, olderThan.Seconds())
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

// appendEventTx inserts an event row inside an open transaction.
func appendEventTx(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO events (event_id, user_id, task_id, step_id, event_type, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.EventID, e.UserID, e.TaskID, e.StepID, e.EventType, payload, e.OccurredAt)
	return err
}
