package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/tsbx/internal/model"
)

// Config holds connection parameters for the Postgres-backed Store,
// mirroring the shape of the teacher's database.Config (pkg/database/config.go)
// but without the ent/migrate dependency — spec.md Non-goals exclude
// "Schema migrations and the concrete SQL dialect", so Bootstrap below is a
// single idempotent DDL pass rather than a migration framework.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PGStore implements Store on top of a pgx connection pool using
// SELECT ... FOR UPDATE SKIP LOCKED for claim-and-own semantics (§9 design
// note, option i).
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore opens a connection pool and verifies connectivity.
func NewPGStore(ctx context.Context, cfg Config) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing store DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// NewPGStoreFromPool wraps an already-constructed pool (used by tests wired
// against testcontainers-go/modules/postgres).
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

const bootstrapDDL = `
CREATE TABLE IF NOT EXISTS sandboxes (
	id                   TEXT PRIMARY KEY,
	created_by           TEXT NOT NULL,
	state                TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	last_activity_at     TIMESTAMPTZ NOT NULL,
	idle_from            TIMESTAMPTZ,
	busy_from            TIMESTAMPTZ,
	context_cutoff_at    TIMESTAMPTZ,
	idle_timeout_seconds INT NOT NULL,
	last_context_length  INT NOT NULL DEFAULT 0,
	snapshot_id          TEXT,
	parent_sandbox_id    TEXT,
	metadata_json        JSONB NOT NULL DEFAULT '{}',
	tags_json            JSONB NOT NULL DEFAULT '[]',
	cpu_seconds          DOUBLE PRECISION NOT NULL DEFAULT 0,
	network_bytes        BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sandbox_requests (
	id            TEXT PRIMARY KEY,
	sandbox_id    TEXT NOT NULL REFERENCES sandboxes(id),
	request_type  TEXT NOT NULL,
	created_by    TEXT NOT NULL,
	payload_json  JSONB NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error         TEXT
);
CREATE INDEX IF NOT EXISTS sandbox_requests_claim_idx
	ON sandbox_requests (status, created_at, id);

CREATE TABLE IF NOT EXISTS sandbox_tasks (
	id              TEXT PRIMARY KEY,
	sandbox_id      TEXT NOT NULL REFERENCES sandboxes(id),
	created_by      TEXT NOT NULL,
	status          TEXT NOT NULL,
	task_type       TEXT NOT NULL,
	input_json      JSONB NOT NULL,
	segments_json   JSONB NOT NULL DEFAULT '[]',
	output_json     JSONB NOT NULL DEFAULT '[]',
	timeout_seconds INT,
	timeout_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sandbox_tasks_sandbox_idx
	ON sandbox_tasks (sandbox_id, created_at, id);
CREATE INDEX IF NOT EXISTS sandbox_tasks_timeout_idx
	ON sandbox_tasks (timeout_at) WHERE timeout_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS snapshots (
	id            TEXT PRIMARY KEY,
	sandbox_id    TEXT NOT NULL,
	trigger_type  TEXT NOT NULL,
	metadata_json JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL
);
`

// Bootstrap creates the tables/indexes this Store depends on, idempotently.
func (s *PGStore) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, bootstrapDDL); err != nil {
		return fmt.Errorf("bootstrapping schema: %w", err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Sandboxes
// ────────────────────────────────────────────────────────────

func (s *PGStore) InsertSandbox(ctx context.Context, sb *model.Sandbox) error {
	metadata, err := json.Marshal(emptyIfNil(sb.Metadata))
	if err != nil {
		return fmt.Errorf("marshaling sandbox metadata: %w", err)
	}
	tags, err := json.Marshal(sb.Tags)
	if err != nil {
		return fmt.Errorf("marshaling sandbox tags: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sandboxes (
			id, created_by, state, created_at, last_activity_at, idle_from, busy_from,
			context_cutoff_at, idle_timeout_seconds, last_context_length, snapshot_id,
			parent_sandbox_id, metadata_json, tags_json, cpu_seconds, network_bytes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		sb.ID, sb.CreatedBy, string(sb.State), sb.CreatedAt, sb.LastActivityAt,
		sb.IdleFrom, sb.BusyFrom, sb.ContextCutoffAt, sb.IdleTimeoutSeconds,
		sb.LastContextLength, sb.SnapshotID, sb.ParentSandboxID, metadata, tags,
		sb.RuntimeStats.CPUSeconds, sb.RuntimeStats.NetworkBytes)
	if err != nil {
		return fmt.Errorf("inserting sandbox: %w", err)
	}
	return nil
}

func (s *PGStore) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	row := s.pool.QueryRow(ctx, sandboxSelectColumns+` WHERE id = $1`, id)
	sb, err := scanSandbox(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting sandbox %s: %w", id, err)
	}
	return sb, nil
}

func (s *PGStore) UpdateSandbox(ctx context.Context, sb *model.Sandbox) error {
	metadata, err := json.Marshal(emptyIfNil(sb.Metadata))
	if err != nil {
		return fmt.Errorf("marshaling sandbox metadata: %w", err)
	}
	tags, err := json.Marshal(sb.Tags)
	if err != nil {
		return fmt.Errorf("marshaling sandbox tags: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sandboxes SET
			state = $2, last_activity_at = $3, idle_from = $4, busy_from = $5,
			context_cutoff_at = $6, idle_timeout_seconds = $7, last_context_length = $8,
			snapshot_id = $9, parent_sandbox_id = $10, metadata_json = $11, tags_json = $12,
			cpu_seconds = $13, network_bytes = $14
		WHERE id = $1`,
		sb.ID, string(sb.State), sb.LastActivityAt, sb.IdleFrom, sb.BusyFrom,
		sb.ContextCutoffAt, sb.IdleTimeoutSeconds, sb.LastContextLength, sb.SnapshotID,
		sb.ParentSandboxID, metadata, tags, sb.RuntimeStats.CPUSeconds, sb.RuntimeStats.NetworkBytes)
	if err != nil {
		return fmt.Errorf("updating sandbox %s: %w", sb.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListActiveSandboxes(ctx context.Context) ([]*model.Sandbox, error) {
	rows, err := s.pool.Query(ctx, sandboxSelectColumns+`
		WHERE state NOT IN ('terminated', 'deleted')
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

func (s *PGStore) FindSandboxesNeedingAutoTerminate(ctx context.Context, now time.Time) ([]*model.Sandbox, error) {
	rows, err := s.pool.Query(ctx, sandboxSelectColumns+`
		WHERE
			(state = 'idle' AND idle_from IS NOT NULL
				AND idle_from + make_interval(secs => idle_timeout_seconds) <= $1)
			OR
			(state = 'initializing'
				AND created_at + make_interval(secs => idle_timeout_seconds) <= $1)
		ORDER BY created_at ASC, id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("finding sandboxes needing auto-terminate: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

func (s *PGStore) BackfillIdleBusyFrom(ctx context.Context, now time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE sandboxes SET idle_from = $1 WHERE state = 'idle' AND idle_from IS NULL`, now); err != nil {
		return fmt.Errorf("backfilling idle_from: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE sandboxes SET busy_from = $1 WHERE state = 'busy' AND busy_from IS NULL`, now); err != nil {
		return fmt.Errorf("backfilling busy_from: %w", err)
	}
	return nil
}

const sandboxSelectColumns = `
	SELECT id, created_by, state, created_at, last_activity_at, idle_from, busy_from,
		context_cutoff_at, idle_timeout_seconds, last_context_length, snapshot_id,
		parent_sandbox_id, metadata_json, tags_json, cpu_seconds, network_bytes
	FROM sandboxes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSandbox(row rowScanner) (*model.Sandbox, error) {
	var sb model.Sandbox
	var state string
	var metadata, tags []byte
	if err := row.Scan(&sb.ID, &sb.CreatedBy, &state, &sb.CreatedAt, &sb.LastActivityAt,
		&sb.IdleFrom, &sb.BusyFrom, &sb.ContextCutoffAt, &sb.IdleTimeoutSeconds,
		&sb.LastContextLength, &sb.SnapshotID, &sb.ParentSandboxID, &metadata, &tags,
		&sb.RuntimeStats.CPUSeconds, &sb.RuntimeStats.NetworkBytes); err != nil {
		return nil, err
	}
	sb.State = model.SandboxState(state)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &sb.Metadata)
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &sb.Tags)
	}
	return &sb, nil
}

func scanSandboxes(rows pgx.Rows) ([]*model.Sandbox, error) {
	var out []*model.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// ────────────────────────────────────────────────────────────
// Requests
// ────────────────────────────────────────────────────────────

func (s *PGStore) InsertRequest(ctx context.Context, r *model.Request) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sandbox_requests (id, sandbox_id, request_type, created_by, payload_json, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.SandboxID, string(r.Type), r.CreatedBy, r.Payload, string(r.Status), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

const requestSelectColumns = `
	SELECT id, sandbox_id, request_type, created_by, payload_json, status,
		created_at, started_at, completed_at, error
	FROM sandbox_requests`

func scanRequest(row rowScanner) (*model.Request, error) {
	var r model.Request
	var typ, status string
	var errField *string
	if err := row.Scan(&r.ID, &r.SandboxID, &typ, &r.CreatedBy, &r.Payload, &status,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &errField); err != nil {
		return nil, err
	}
	r.Type = model.RequestType(typ)
	r.Status = model.RequestStatus(status)
	if errField != nil {
		r.Error = *errField
	}
	return &r, nil
}

// ClaimPendingRequests atomically marks up to limit oldest pending rows as
// processing and returns them, using a single FOR UPDATE SKIP LOCKED +
// UPDATE statement so two workers can never observe the same row (§8
// "Single-writer claim").
func (s *PGStore) ClaimPendingRequests(ctx context.Context, limit int) ([]*model.Request, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM sandbox_requests
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sandbox_requests
		SET status = 'processing', started_at = now()
		WHERE id IN (SELECT id FROM claimed)
		RETURNING id, sandbox_id, request_type, created_by, payload_json, status,
			created_at, started_at, completed_at, error`, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming pending requests: %w", err)
	}
	defer rows.Close()

	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Postgres does not guarantee RETURNING order; re-sort client-side to
	// preserve the created_at-ascending, id-tiebreak contract (§4.1).
	sortRequestsByCreatedAt(out)
	return out, nil
}

func (s *PGStore) CompleteRequest(ctx context.Context, id string, payload json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sandbox_requests SET status = 'completed', payload_json = $2, completed_at = now()
		WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("completing request %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) FailRequest(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sandbox_requests SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failing request %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := s.pool.QueryRow(ctx, requestSelectColumns+` WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting request %s: %w", id, err)
	}
	return r, nil
}

func (s *PGStore) ListUnprocessedCreateTaskRequests(ctx context.Context, sandboxID string) ([]*model.Request, error) {
	rows, err := s.pool.Query(ctx, requestSelectColumns+`
		WHERE sandbox_id = $1 AND request_type = 'create_task' AND status IN ('pending','processing')
		ORDER BY created_at ASC, id ASC`, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed create_task requests: %w", err)
	}
	defer rows.Close()
	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ────────────────────────────────────────────────────────────
// Tasks
// ────────────────────────────────────────────────────────────

func (s *PGStore) InsertTask(ctx context.Context, t *model.Task) error {
	input, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("marshaling task input: %w", err)
	}
	segments, err := json.Marshal(segmentsOrEmpty(t.Segments))
	if err != nil {
		return fmt.Errorf("marshaling task segments: %w", err)
	}
	output, err := json.Marshal(contentOrEmpty(t.Output))
	if err != nil {
		return fmt.Errorf("marshaling task output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sandbox_tasks (
			id, sandbox_id, created_by, status, task_type, input_json, segments_json,
			output_json, timeout_seconds, timeout_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.SandboxID, t.CreatedBy, string(t.Status), string(t.Type), input, segments,
		output, t.TimeoutSeconds, t.TimeoutAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

const taskSelectColumns = `
	SELECT id, sandbox_id, created_by, status, task_type, input_json, segments_json,
		output_json, timeout_seconds, timeout_at, created_at, updated_at
	FROM sandbox_tasks`

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var status, typ string
	var input, segments, output []byte
	if err := row.Scan(&t.ID, &t.SandboxID, &t.CreatedBy, &status, &typ, &input, &segments,
		&output, &t.TimeoutSeconds, &t.TimeoutAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Type = model.TaskType(typ)
	if len(input) > 0 {
		_ = json.Unmarshal(input, &t.Input)
	}
	if len(segments) > 0 {
		_ = json.Unmarshal(segments, &t.Segments)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &t.Output)
	}
	return &t, nil
}

func (s *PGStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelectColumns+` WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask applies a TaskMutation transactionally: it re-reads the task
// row FOR UPDATE, honors ExpectStatusIn (a no-op if the status has already
// moved on — this is how terminal stickiness, §8, is enforced against a
// racing reconciler), appends segments, and writes status/output.
func (s *PGStore) UpdateTask(ctx context.Context, id string, mut TaskMutation) (*model.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning task update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, taskSelectColumns+` WHERE id = $1 FOR UPDATE`, id)
	current, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locking task %s: %w", id, err)
	}

	if len(mut.ExpectStatusIn) > 0 && !statusIn(current.Status, mut.ExpectStatusIn) {
		return current, nil
	}

	newStatus := current.Status
	if mut.Status != nil {
		newStatus = *mut.Status
	}
	newSegments := append(append([]model.Segment(nil), current.Segments...), mut.AppendSegments...)
	newOutput := current.Output
	if mut.Output != nil {
		newOutput = mut.Output
	}

	segmentsJSON, err := json.Marshal(segmentsOrEmpty(newSegments))
	if err != nil {
		return nil, fmt.Errorf("marshaling segments: %w", err)
	}
	outputJSON, err := json.Marshal(contentOrEmpty(newOutput))
	if err != nil {
		return nil, fmt.Errorf("marshaling output: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sandbox_tasks SET status = $2, segments_json = $3, output_json = $4, updated_at = now()
		WHERE id = $1`, id, string(newStatus), segmentsJSON, outputJSON); err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing task update: %w", err)
	}

	current.Status = newStatus
	current.Segments = newSegments
	current.Output = newOutput
	return current, nil
}

// ClaimPendingTasks returns the most recent window of tasks for a sandbox,
// whatever their status, oldest-first; it does not change any row. The
// Agent Runtime applies its own status/dedup/boundary filtering on top
// (§4.6 step 2).
func (s *PGStore) ClaimPendingTasks(ctx context.Context, sandboxID string, limit int) ([]*model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelectColumns+`
		WHERE sandbox_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, sandboxID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent tasks: %w", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseTaskSlice(out) // was DESC (most recent N); return ascending
	return out, nil
}

func (s *PGStore) FindTimedOutTasks(ctx context.Context, now time.Time) ([]*model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelectColumns+`
		WHERE status IN ('queued','processing') AND timeout_at IS NOT NULL AND timeout_at <= $1
		ORDER BY created_at ASC, id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("finding timed-out tasks: %w", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) ListTasksForSandbox(ctx context.Context, sandboxID string) ([]*model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelectColumns+`
		WHERE sandbox_id = $1
		ORDER BY created_at ASC, id ASC`, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks for sandbox: %w", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) LatestInFlightTask(ctx context.Context, sandboxID string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelectColumns+`
		WHERE sandbox_id = $1 AND status IN ('queued','processing')
		ORDER BY created_at DESC, id DESC LIMIT 1`, sandboxID)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting latest in-flight task: %w", err)
	}
	return t, nil
}

// ────────────────────────────────────────────────────────────
// Snapshots
// ────────────────────────────────────────────────────────────

func (s *PGStore) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	metadata, err := json.Marshal(emptyIfNil(snap.Metadata))
	if err != nil {
		return fmt.Errorf("marshaling snapshot metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (id, sandbox_id, trigger_type, metadata_json, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		snap.ID, snap.SandboxID, snap.TriggerType, metadata, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// helpers
// ────────────────────────────────────────────────────────────

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func segmentsOrEmpty(s []model.Segment) []model.Segment {
	if s == nil {
		return []model.Segment{}
	}
	return s
}

func contentOrEmpty(c []model.ContentItem) []model.ContentItem {
	if c == nil {
		return []model.ContentItem{}
	}
	return c
}

func statusIn(status model.TaskStatus, set []model.TaskStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func sortRequestsByCreatedAt(r []*model.Request) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0; j-- {
			if less(r[j], r[j-1]) {
				r[j], r[j-1] = r[j-1], r[j]
			} else {
				break
			}
		}
	}
}

func less(a, b *model.Request) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func reverseTaskSlice(t []*model.Task) {
	for i, j := 0, len(t)-1; i < j; i, j = i+1, j-1 {
		t[i], t[j] = t[j], t[i]
	}
}
