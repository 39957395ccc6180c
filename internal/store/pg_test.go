package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cuemby/tsbx/internal/model"
	"github.com/cuemby/tsbx/internal/store"
)

// Integration tests against a real Postgres, grounded on the teacher's
// test/util.SetupTestDatabase shared-testcontainer pattern — adapted here
// to this package's hand-written Bootstrap DDL instead of ent's generated
// schema migration.

var (
	sharedDSN     string
	containerOnce sync.Once
	containerErr  error
)

func sharedPostgresDSN(t *testing.T) string {
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared postgres testcontainer")
		c, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("tsbx_test"),
			postgres.WithUsername("tsbx"),
			postgres.WithPassword("tsbx"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		sharedDSN, containerErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr, "starting shared postgres testcontainer")
	return sharedDSN
}

func newPGStore(t *testing.T) *store.PGStore {
	ctx := context.Background()
	s, err := store.NewPGStore(ctx, store.Config{DSN: sharedPostgresDSN(t)})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPGStore_SandboxRoundTrip(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sb := &model.Sandbox{
		ID:                 uuid.NewString(),
		CreatedBy:          "user-1",
		State:              model.SandboxInitializing,
		CreatedAt:          now,
		LastActivityAt:     now,
		IdleTimeoutSeconds: 900,
	}
	require.NoError(t, s.InsertSandbox(ctx, sb))

	got, err := s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, sb.ID, got.ID)
	require.Equal(t, model.SandboxInitializing, got.State)

	got.State = model.SandboxIdle
	got.IdleFrom = &now
	require.NoError(t, s.UpdateSandbox(ctx, got))

	reread, err := s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, model.SandboxIdle, reread.State)
}

func TestPGStore_ClaimPendingRequests_SingleWriter(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]any{})
	require.NoError(t, err)

	req := &model.Request{
		ID:        uuid.NewString(),
		SandboxID: uuid.NewString(),
		Type:      model.RequestCreateSandbox,
		Status:    model.RequestPending,
		CreatedBy: "user-1",
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertRequest(ctx, req))

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimPendingRequests(ctx, 10)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, r := range claimed {
				seen[r.ID]++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, seen[req.ID], "exactly one worker must observe the pending request")
}

func TestPGStore_GetSandbox_NotFound(t *testing.T) {
	s := newPGStore(t)
	_, err := s.GetSandbox(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}
