package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsbx/internal/model"
	"github.com/cuemby/tsbx/internal/store"
)

func newSandbox(state model.SandboxState) *model.Sandbox {
	now := time.Now()
	return &model.Sandbox{
		ID:                 uuid.NewString(),
		CreatedBy:          "user-1",
		State:              state,
		CreatedAt:          now,
		LastActivityAt:     now,
		IdleTimeoutSeconds: 900,
	}
}

func TestClaimPendingRequests_SingleWriter(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()

	sb := newSandbox(model.SandboxIdle)
	require.NoError(t, s.InsertSandbox(ctx, sb))

	for i := 0; i < 5; i++ {
		r := &model.Request{
			ID:        uuid.NewString(),
			SandboxID: sb.ID,
			Type:      model.RequestExecuteCommand,
			Status:    model.RequestPending,
			CreatedBy: "user-1",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, s.InsertRequest(ctx, r))
	}

	first, err := s.ClaimPendingRequests(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	second, err := s.ClaimPendingRequests(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, second, 2, "already-claimed rows must not be returned again")

	seen := map[string]bool{}
	for _, r := range append(first, second...) {
		assert.False(t, seen[r.ID], "request %s claimed twice", r.ID)
		seen[r.ID] = true
		assert.Equal(t, model.RequestProcessing, r.Status)
	}
}

func TestUpdateTask_AppendIsCumulative(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()

	sb := newSandbox(model.SandboxBusy)
	require.NoError(t, s.InsertSandbox(ctx, sb))

	task := &model.Task{
		ID:        uuid.NewString(),
		SandboxID: sb.ID,
		CreatedBy: "user-1",
		Status:    model.TaskProcessing,
		Type:      model.TaskNL,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.InsertTask(ctx, task))

	_, err := s.UpdateTask(ctx, task.ID, store.TaskMutation{
		AppendSegments: []model.Segment{{Type: model.SegmentCommentary, Text: "thinking"}},
	})
	require.NoError(t, err)

	updated, err := s.UpdateTask(ctx, task.ID, store.TaskMutation{
		AppendSegments: []model.Segment{{Type: model.SegmentToolCall, Tool: "run_bash"}},
	})
	require.NoError(t, err)
	require.Len(t, updated.Segments, 2)
	assert.Equal(t, model.SegmentCommentary, updated.Segments[0].Type)
	assert.Equal(t, model.SegmentToolCall, updated.Segments[1].Type)
}

func TestUpdateTask_TerminalStickiness(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()

	sb := newSandbox(model.SandboxBusy)
	require.NoError(t, s.InsertSandbox(ctx, sb))

	task := &model.Task{
		ID:        uuid.NewString(),
		SandboxID: sb.ID,
		CreatedBy: "user-1",
		Status:    model.TaskCompleted,
		Type:      model.TaskNL,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.InsertTask(ctx, task))

	cancelled := model.TaskCancelled
	result, err := s.UpdateTask(ctx, task.ID, store.TaskMutation{
		Status:         &cancelled,
		ExpectStatusIn: []model.TaskStatus{model.TaskQueued, model.TaskProcessing},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, result.Status, "a racing reconciler must not override a terminal status")
}

func TestFindSandboxesNeedingAutoTerminate(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()

	now := time.Now()
	overdue := newSandbox(model.SandboxIdle)
	past := now.Add(-1000 * time.Second)
	overdue.IdleFrom = &past
	overdue.IdleTimeoutSeconds = 60
	require.NoError(t, s.InsertSandbox(ctx, overdue))

	fresh := newSandbox(model.SandboxIdle)
	recent := now.Add(-5 * time.Second)
	fresh.IdleFrom = &recent
	fresh.IdleTimeoutSeconds = 900
	require.NoError(t, s.InsertSandbox(ctx, fresh))

	due, err := s.FindSandboxesNeedingAutoTerminate(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, overdue.ID, due[0].ID)
}

func TestInsertTask_IdempotentOnDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	sb := newSandbox(model.SandboxBusy)
	require.NoError(t, s.InsertSandbox(ctx, sb))

	id := uuid.NewString()
	first := &model.Task{ID: id, SandboxID: sb.ID, Status: model.TaskQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.InsertTask(ctx, first))

	dup := &model.Task{ID: id, SandboxID: sb.ID, Status: model.TaskProcessing, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.InsertTask(ctx, dup))

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, got.Status, "duplicate insert must not overwrite the original row")
}
