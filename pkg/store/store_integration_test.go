package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blopit/microtask/pkg/database"
	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test", Database: "test",
		SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return New(client.Pool)
}

func newValidTask() *models.Task {
	return &models.Task{
		TaskID:         uuid.New(),
		UserID:         "user-1",
		Title:          "Clean the garage",
		Status:         models.TaskStatusTodo,
		Priority:       models.PriorityMedium,
		Scope:          models.ScopeMulti,
		EstimatedHours: 0.5,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
}

func newValidStep(taskID uuid.UUID, n int) models.MicroStep {
	now := time.Now().UTC()
	return models.MicroStep{
		StepID:         uuid.New(),
		ParentTaskID:   taskID,
		StepNumber:     n,
		Description:    "Put tools back on the shelf",
		EstimatedMinutes: 3,
		DelegationMode: models.DelegationDo,
		LeafType:       models.LeafHuman,
		Status:         models.StepStatusTodo,
		IsLeaf:         true,
		DecompositionState: "DONE",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newValidTask()

	id, err := s.CreateTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, id)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
}

func TestCreateTask_DuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newValidTask()

	_, err := s.CreateTask(ctx, task)
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, task)
	assert.ErrorIs(t, err, domainerr.ErrConflict)
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domainerr.ErrNotFound)
}

func TestUpsertTaskWithSteps_IdempotentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newValidTask()
	steps := []models.MicroStep{newValidStep(task.TaskID, 1), newValidStep(task.TaskID, 2)}
	steps[1].StepNumber = 2

	require.NoError(t, s.UpsertTaskWithSteps(ctx, task, steps, "key-1"))
	require.NoError(t, s.UpsertTaskWithSteps(ctx, task, steps, "key-1"))

	got, err := s.ListMicroSteps(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, got[0].StepNumber)
	assert.Equal(t, 2, got[1].StepNumber)
}

func TestUpsertTaskWithSteps_MismatchedKeyConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newValidTask()
	steps := []models.MicroStep{newValidStep(task.TaskID, 1)}

	require.NoError(t, s.UpsertTaskWithSteps(ctx, task, steps, "key-1"))
	err := s.UpsertTaskWithSteps(ctx, task, steps, "key-2")
	assert.ErrorIs(t, err, domainerr.ErrConflict)
}

func TestUpdateStep_IllegalTransitionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newValidTask()
	steps := []models.MicroStep{newValidStep(task.TaskID, 1)}
	require.NoError(t, s.UpsertTaskWithSteps(ctx, task, steps, "key-1"))

	completed := models.StepStatusCompleted
	_, err := s.UpdateStep(ctx, steps[0].StepID, StepPatch{Status: &completed})
	assert.ErrorIs(t, err, domainerr.ErrConflictState)
}

func TestUpdateStep_TerminalStepIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newValidTask()
	steps := []models.MicroStep{newValidStep(task.TaskID, 1)}
	require.NoError(t, s.UpsertTaskWithSteps(ctx, task, steps, "key-1"))

	inProgress := models.StepStatusInProgress
	_, err := s.UpdateStep(ctx, steps[0].StepID, StepPatch{Status: &inProgress})
	require.NoError(t, err)

	cancelled := models.StepStatusCancelled
	_, err = s.UpdateStep(ctx, steps[0].StepID, StepPatch{Status: &cancelled})
	require.NoError(t, err)

	_, err = s.UpdateStep(ctx, steps[0].StepID, StepPatch{Status: &inProgress})
	assert.ErrorIs(t, err, domainerr.ErrConflictState)
}

func TestGetProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newValidTask()
	steps := []models.MicroStep{newValidStep(task.TaskID, 1), newValidStep(task.TaskID, 2)}
	steps[1].StepNumber = 2
	require.NoError(t, s.UpsertTaskWithSteps(ctx, task, steps, "key-1"))

	inProgress := models.StepStatusInProgress
	_, err := s.UpdateStep(ctx, steps[0].StepID, StepPatch{Status: &inProgress})
	require.NoError(t, err)

	p, err := s.GetProgress(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 1, p.InProgress)
	assert.Equal(t, 0, p.Completed)
}

func TestAppendEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newValidTask()
	_, err := s.CreateTask(ctx, task)
	require.NoError(t, err)

	id, err := s.AppendEvent(ctx, &models.Event{
		EventType: models.EventTaskCaptured,
		UserID:    task.UserID,
		TaskID:    &task.TaskID,
		Payload:   map[string]any{"title": task.Title},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}
