// Package store defines the durable persistence surface (C1) used by the
// Request Worker, the Reconciler, and the Agent Runtime: Sandboxes,
// Requests, and Tasks with row-level claim-and-own locking.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cuemby/tsbx/internal/model"
)

// ErrNotFound is returned when a row lookup by id finds nothing.
var ErrNotFound = errors.New("store: row not found")

// ErrAlreadyExists names a duplicate-row condition. No Store implementation
// in this package returns it: InsertTask is idempotent and silently keeps
// the existing row when the id is already present.
var ErrAlreadyExists = errors.New("store: row already exists")

// Store is the minimal, capability-oriented surface the control plane
// depends on. Implementations must provide single-writer claim semantics
// (§8 "Single-writer claim"): for any Request row, at most one concurrent
// caller may observe it in a ClaimPendingRequests result.
type Store interface {
	// Sandboxes

	InsertSandbox(ctx context.Context, sb *model.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*model.Sandbox, error)
	UpdateSandbox(ctx context.Context, sb *model.Sandbox) error
	ListActiveSandboxes(ctx context.Context) ([]*model.Sandbox, error)
	FindSandboxesNeedingAutoTerminate(ctx context.Context, now time.Time) ([]*model.Sandbox, error)
	BackfillIdleBusyFrom(ctx context.Context, now time.Time) error

	// Requests

	InsertRequest(ctx context.Context, r *model.Request) error
	ClaimPendingRequests(ctx context.Context, limit int) ([]*model.Request, error)
	CompleteRequest(ctx context.Context, id string, payload json.RawMessage) error
	FailRequest(ctx context.Context, id string, reason string) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	ListUnprocessedCreateTaskRequests(ctx context.Context, sandboxID string) ([]*model.Request, error)

	// Tasks

	InsertTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, id string, mut TaskMutation) (*model.Task, error)
	ClaimPendingTasks(ctx context.Context, sandboxID string, limit int) ([]*model.Task, error)
	FindTimedOutTasks(ctx context.Context, now time.Time) ([]*model.Task, error)
	LatestInFlightTask(ctx context.Context, sandboxID string) (*model.Task, error)
	// ListTasksForSandbox returns every task for a sandbox in created_at
	// order, for conversation reconstruction (§4.6 "Conversation state").
	// Read-only: unlike ClaimPendingTasks it never mutates status.
	ListTasksForSandbox(ctx context.Context, sandboxID string) ([]*model.Task, error)

	// Snapshots

	InsertSnapshot(ctx context.Context, s *model.Snapshot) error

	Close() error
}

// TaskMutation describes an atomic, append-only update to a Task row.
// AppendSegments must be applied strictly as an append — implementations
// must never rewrite or drop previously-stored segments (§4: "Segments are
// append-only while processing; once terminal, segments are immutable").
type TaskMutation struct {
	Status          *model.TaskStatus
	AppendSegments  []model.Segment
	Output          []model.ContentItem
	// ExpectStatusIn, when non-empty, makes the mutation a no-op (returning
	// the unmodified row, no error) if the task's current status is not in
	// this set — the mechanism implementations use to honor "terminal
	// stickiness" (§8) and the reconciler-vs-agent race rule (§5).
	ExpectStatusIn []model.TaskStatus
}
