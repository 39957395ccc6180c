package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/tsbx/internal/model"
)

// FakeStore is an in-memory Store used by unit tests that exercise
// claim/mutation semantics without a running Postgres instance. It
// preserves the same single-writer claim contract as PGStore by holding
// one mutex for the lifetime of a claim-and-update sequence.
type FakeStore struct {
	mu        sync.Mutex
	sandboxes map[string]*model.Sandbox
	requests  map[string]*model.Request
	tasks     map[string]*model.Task
	snapshots map[string]*model.Snapshot
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		sandboxes: map[string]*model.Sandbox{},
		requests:  map[string]*model.Request{},
		tasks:     map[string]*model.Task{},
		snapshots: map[string]*model.Snapshot{},
	}
}

func (f *FakeStore) Close() error { return nil }

// ── Sandboxes ──

func (f *FakeStore) InsertSandbox(_ context.Context, sb *model.Sandbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[sb.ID] = sb.Clone()
	return nil
}

func (f *FakeStore) GetSandbox(_ context.Context, id string) (*model.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sb.Clone(), nil
}

func (f *FakeStore) UpdateSandbox(_ context.Context, sb *model.Sandbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sandboxes[sb.ID]; !ok {
		return ErrNotFound
	}
	f.sandboxes[sb.ID] = sb.Clone()
	return nil
}

func (f *FakeStore) ListActiveSandboxes(_ context.Context) ([]*model.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Sandbox
	for _, sb := range f.sandboxes {
		if !sb.State.IsTerminal() {
			out = append(out, sb.Clone())
		}
	}
	sortSandboxes(out)
	return out, nil
}

func (f *FakeStore) FindSandboxesNeedingAutoTerminate(_ context.Context, now time.Time) ([]*model.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Sandbox
	for _, sb := range f.sandboxes {
		switch {
		case sb.State == model.SandboxIdle && sb.IdleFrom != nil:
			if !sb.IdleFrom.Add(time.Duration(sb.IdleTimeoutSeconds) * time.Second).After(now) {
				out = append(out, sb.Clone())
			}
		case sb.State == model.SandboxInitializing:
			if !sb.CreatedAt.Add(time.Duration(sb.IdleTimeoutSeconds) * time.Second).After(now) {
				out = append(out, sb.Clone())
			}
		}
	}
	sortSandboxes(out)
	return out, nil
}

func (f *FakeStore) BackfillIdleBusyFrom(_ context.Context, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sb := range f.sandboxes {
		if sb.State == model.SandboxIdle && sb.IdleFrom == nil {
			t := now
			sb.IdleFrom = &t
		}
		if sb.State == model.SandboxBusy && sb.BusyFrom == nil {
			t := now
			sb.BusyFrom = &t
		}
	}
	return nil
}

func sortSandboxes(s []*model.Sandbox) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}

// ── Requests ──

func (f *FakeStore) InsertRequest(_ context.Context, r *model.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *r
	f.requests[r.ID] = &clone
	return nil
}

func (f *FakeStore) ClaimPendingRequests(_ context.Context, limit int) ([]*model.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*model.Request
	for _, r := range f.requests {
		if r.Status == model.RequestPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*model.Request, 0, len(pending))
	for _, r := range pending {
		r.Status = model.RequestProcessing
		now := time.Now()
		r.StartedAt = &now
		clone := *r
		out = append(out, &clone)
	}
	return out, nil
}

func (f *FakeStore) CompleteRequest(_ context.Context, id string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = model.RequestCompleted
	r.Payload = payload
	now := time.Now()
	r.CompletedAt = &now
	return nil
}

func (f *FakeStore) FailRequest(_ context.Context, id string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = model.RequestFailed
	r.Error = reason
	now := time.Now()
	r.CompletedAt = &now
	return nil
}

func (f *FakeStore) GetRequest(_ context.Context, id string) (*model.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (f *FakeStore) ListUnprocessedCreateTaskRequests(_ context.Context, sandboxID string) ([]*model.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Request
	for _, r := range f.requests {
		if r.SandboxID == sandboxID && r.Type == model.RequestCreateTask &&
			(r.Status == model.RequestPending || r.Status == model.RequestProcessing) {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ── Tasks ──

func (f *FakeStore) InsertTask(_ context.Context, t *model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.ID]; ok {
		return nil
	}
	clone := cloneTask(t)
	f.tasks[t.ID] = clone
	return nil
}

func (f *FakeStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (f *FakeStore) UpdateTask(_ context.Context, id string, mut TaskMutation) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if len(mut.ExpectStatusIn) > 0 && !statusIn(t.Status, mut.ExpectStatusIn) {
		return cloneTask(t), nil
	}
	if mut.Status != nil {
		t.Status = *mut.Status
	}
	if len(mut.AppendSegments) > 0 {
		t.Segments = append(t.Segments, mut.AppendSegments...)
	}
	if mut.Output != nil {
		t.Output = mut.Output
	}
	t.UpdatedAt = time.Now()
	return cloneTask(t), nil
}

func (f *FakeStore) ClaimPendingTasks(_ context.Context, sandboxID string, limit int) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []*model.Task
	for _, t := range f.tasks {
		if t.SandboxID == sandboxID {
			matching = append(matching, t)
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].CreatedAt.Equal(matching[j].CreatedAt) {
			return matching[i].ID < matching[j].ID
		}
		return matching[i].CreatedAt.Before(matching[j].CreatedAt)
	})
	if len(matching) > limit {
		matching = matching[len(matching)-limit:]
	}
	out := make([]*model.Task, 0, len(matching))
	for _, t := range matching {
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (f *FakeStore) FindTimedOutTasks(_ context.Context, now time.Time) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Task
	for _, t := range f.tasks {
		if (t.Status == model.TaskQueued || t.Status == model.TaskProcessing) &&
			t.TimeoutAt != nil && !t.TimeoutAt.After(now) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *FakeStore) ListTasksForSandbox(_ context.Context, sandboxID string) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Task
	for _, t := range f.tasks {
		if t.SandboxID == sandboxID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *FakeStore) LatestInFlightTask(_ context.Context, sandboxID string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.Task
	for _, t := range f.tasks {
		if t.SandboxID != sandboxID {
			continue
		}
		if t.Status != model.TaskQueued && t.Status != model.TaskProcessing {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) ||
			(t.CreatedAt.Equal(latest.CreatedAt) && t.ID > latest.ID) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneTask(latest), nil
}

func cloneTask(t *model.Task) *model.Task {
	clone := *t
	clone.Segments = append([]model.Segment(nil), t.Segments...)
	clone.Output = append([]model.ContentItem(nil), t.Output...)
	clone.Input.Content = append([]model.ContentItem(nil), t.Input.Content...)
	return &clone
}

// ── Snapshots ──

func (f *FakeStore) InsertSnapshot(_ context.Context, snap *model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *snap
	f.snapshots[snap.ID] = &clone
	return nil
}

var _ Store = (*FakeStore)(nil)
