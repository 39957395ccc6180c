package requestworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/tsbx/internal/errs"
	"github.com/cuemby/tsbx/internal/model"
	"github.com/cuemby/tsbx/internal/runtime"
	"github.com/cuemby/tsbx/internal/store"
	"github.com/cuemby/tsbx/internal/token"
)

const workDir = "/workspace"

// handlers holds the shared dependencies every per-type handler needs.
type handlers struct {
	store   store.Store
	runtime runtime.Adapter
	issuer  *token.Issuer
	config  Config
}

// dispatch routes a claimed Request to its per-type handler (§4.4).
func (h *handlers) dispatch(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	switch req.Type {
	case model.RequestCreateSandbox:
		return h.createSandbox(ctx, req)
	case model.RequestTerminateSandbox:
		return h.terminateSandbox(ctx, req)
	case model.RequestCreateSnapshot:
		return h.createSnapshot(ctx, req)
	case model.RequestCreateTask:
		return h.createTask(ctx, req)
	case model.RequestFileRead:
		return h.fileRead(ctx, req)
	case model.RequestFileMetadata:
		return h.fileMetadata(ctx, req)
	case model.RequestFileList:
		return h.fileList(ctx, req)
	case model.RequestFileDelete:
		return h.fileDelete(ctx, req)
	case model.RequestExecuteCommand:
		return h.executeCommand(ctx, req)
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

func volumeName(sandboxID string) string { return "tsbx-sandbox-" + sandboxID }

type createSandboxPayload struct {
	Env           map[string]string `json:"env"`
	Instructions  *string            `json:"instructions,omitempty"`
	Setup         *string            `json:"setup,omitempty"`
	Prompt        *string            `json:"prompt,omitempty"`
	SnapshotID    *string            `json:"snapshot_id,omitempty"`
	Principal     string             `json:"principal"`
	PrincipalType string             `json:"principal_type"`
	UserToken     string             `json:"user_token"`
}

// createSandbox mints a token, provisions the sandbox's volume and
// container, restores a snapshot or writes initial files if requested,
// and optionally queues a startup task (§4.4).
func (h *handlers) createSandbox(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	var p createSandboxPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("parsing create_sandbox payload: %w", err)
	}

	sb, err := h.store.GetSandbox(ctx, req.SandboxID)
	if err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		sb = &model.Sandbox{
			ID:                 req.SandboxID,
			CreatedBy:          p.Principal,
			State:              model.SandboxInitializing,
			CreatedAt:          req.CreatedAt,
			LastActivityAt:     req.CreatedAt,
			IdleTimeoutSeconds: int(h.config.defaultIdleTimeoutSeconds()),
		}
		if err := h.store.InsertSandbox(ctx, sb); err != nil {
			return nil, fmt.Errorf("inserting sandbox row: %w", err)
		}
	}

	tok, err := h.issuer.Issue(p.Principal, p.PrincipalType, sb.ID)
	if err != nil {
		return nil, fmt.Errorf("minting sandbox token: %w", err)
	}

	if err := h.runtime.CreateVolume(ctx, volumeName(sb.ID)); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}

	env := h.buildEnv(sb.ID, p, tok, req.CreatedAt)

	opts := runtime.CreateOptions{
		Image: h.config.SandboxImage,
		Env:   env,
		Mounts: []runtime.Mount{
			{Source: volumeName(sb.ID), Target: workDir, IsVolume: true},
		},
	}
	if err := h.runtime.CreateContainer(ctx, sb.ID, opts); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}

	if p.SnapshotID != nil {
		if err := h.restoreSnapshot(ctx, sb.ID, *p.SnapshotID); err != nil {
			return nil, fmt.Errorf("restoring snapshot %s: %w", *p.SnapshotID, err)
		}
	}
	if p.Instructions != nil {
		if err := h.writeFile(ctx, sb.ID, "INSTRUCTIONS.md", *p.Instructions); err != nil {
			return nil, fmt.Errorf("writing instructions: %w", err)
		}
	}
	if p.Setup != nil {
		if err := h.writeFile(ctx, sb.ID, "setup.sh", *p.Setup); err != nil {
			return nil, fmt.Errorf("writing setup script: %w", err)
		}
	}

	if p.Prompt != nil {
		task := &model.Task{
			ID:        uuid.NewString(),
			SandboxID: sb.ID,
			CreatedBy: p.Principal,
			Status:    model.TaskQueued,
			Type:      model.TaskNL,
			Input:     model.TaskInput{Content: []model.ContentItem{{Type: "text", Content: *p.Prompt}}},
			CreatedAt: req.CreatedAt.Add(time.Second),
		}
		if err := h.store.InsertTask(ctx, task); err != nil {
			return nil, fmt.Errorf("queuing startup task: %w", err)
		}
	}

	return json.Marshal(map[string]any{"sandbox_id": sb.ID})
}

func (c Config) defaultIdleTimeoutSeconds() int {
	if c.defaultIdleTimeout() > 0 {
		return int(c.defaultIdleTimeout().Seconds())
	}
	return 900
}

func (c Config) defaultIdleTimeout() time.Duration { return c.DefaultIdleTimeout }

func (h *handlers) buildEnv(sandboxID string, p createSandboxPayload, tok string, requestCreatedAt time.Time) map[string]string {
	env := map[string]string{}
	for k, v := range p.Env {
		env[k] = v
	}
	env["TSBX_API_URL"] = h.config.APIURL
	env["SANDBOX_ID"] = sandboxID
	env["TSBX_SANDBOX_DIR"] = workDir
	env["TSBX_TOKEN"] = tok
	// No REST callback API is implemented (spec.md Non-goals exclude REST
	// handlers); the agent runtime is instead handed the store DSN
	// directly so it can claim and update its own tasks. See DESIGN.md.
	env["TSBX_STORE_DSN"] = h.config.StoreDSN
	env["TSBX_PRINCIPAL"] = p.Principal
	env["TSBX_PRINCIPAL_TYPE"] = p.PrincipalType
	env["TSBX_HOST_NAME"] = h.config.HostName
	env["TSBX_HOST_URL"] = h.config.HostURL
	env["TSBX_INFERENCE_URL"] = h.config.InferenceURL
	env["TSBX_INFERENCE_MODEL"] = h.config.InferenceModel
	if h.config.InferenceAPIKey != "" {
		env["TSBX_INFERENCE_API_KEY"] = h.config.InferenceAPIKey
	}
	if h.config.InferenceTimeout > 0 {
		env["TSBX_INFERENCE_TIMEOUT_SECS"] = fmt.Sprintf("%d", int(h.config.InferenceTimeout.Seconds()))
	}
	env["TSBX_REQUEST_CREATED_AT"] = requestCreatedAt.UTC().Format(time.RFC3339)
	if p.Setup != nil {
		env["TSBX_HAS_SETUP"] = "1"
	}
	if p.UserToken != "" {
		env["TSBX_USER_TOKEN"] = p.UserToken
	}
	return env
}

type terminateSandboxPayload struct {
	DelaySeconds *int    `json:"delay_seconds,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Note         string  `json:"note,omitempty"`
}

// terminateSandbox implements the three-way branch of §4.4: task_timeout
// only cancels the in-flight task; idle_timeout/user stop and remove the
// container after a best-effort snapshot.
func (h *handlers) terminateSandbox(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	var p terminateSandboxPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("parsing terminate_sandbox payload: %w", err)
		}
	}
	reason := p.Reason
	if reason == "" {
		reason = "user"
	}

	if p.DelaySeconds != nil {
		delay := *p.DelaySeconds
		if delay < 5 {
			delay = 5
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(delay) * time.Second):
		}
	}

	if reason == "task_timeout" {
		return h.cancelInFlightTaskAndIdle(ctx, req.SandboxID, reason)
	}

	sb, err := h.store.GetSandbox(ctx, req.SandboxID)
	if err != nil {
		return nil, err
	}

	snapID := uuid.NewString()
	if err := h.createSnapshotBestEffort(ctx, sb.ID, snapID, "pre_stop"); err != nil {
		// best-effort: log-worthy but not fatal to termination.
		_ = err
	}

	if err := h.runtime.StopAndRemove(ctx, sb.ID); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}

	sb.State = model.SandboxTerminated
	if err := h.store.UpdateSandbox(ctx, sb); err != nil {
		return nil, err
	}

	if _, err := h.cancelInFlightTaskAndIdle(ctx, sb.ID, reason); err != nil {
		return nil, err
	}

	unprocessed, err := h.store.ListUnprocessedCreateTaskRequests(ctx, sb.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range unprocessed {
		if err := h.store.FailRequest(ctx, r.ID, "cancelled"); err != nil {
			return nil, err
		}
	}

	return json.Marshal(map[string]any{"sandbox_id": sb.ID, "state": "terminated"})
}

func (h *handlers) cancelInFlightTaskAndIdle(ctx context.Context, sandboxID, reason string) (json.RawMessage, error) {
	task, err := h.store.LatestInFlightTask(ctx, sandboxID)
	if err != nil {
		if err == store.ErrNotFound {
			return json.Marshal(map[string]any{"sandbox_id": sandboxID})
		}
		return nil, err
	}

	now := time.Now()
	runtimeSeconds := now.Sub(task.CreatedAt).Seconds()
	cancelled := model.TaskCancelled
	if _, err := h.store.UpdateTask(ctx, task.ID, store.TaskMutation{
		Status: &cancelled,
		AppendSegments: []model.Segment{{
			Type: model.SegmentCancelled, Reason: reason, At: &now, RuntimeSeconds: &runtimeSeconds,
		}},
		ExpectStatusIn: []model.TaskStatus{model.TaskQueued, model.TaskProcessing},
	}); err != nil {
		return nil, err
	}

	sb, err := h.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.State == model.SandboxBusy {
		sb.State = model.SandboxIdle
		sb.IdleFrom = &now
		sb.BusyFrom = nil
		if err := h.store.UpdateSandbox(ctx, sb); err != nil {
			return nil, err
		}
	}
	return json.Marshal(map[string]any{"sandbox_id": sandboxID})
}

type createSnapshotPayload struct {
	SnapshotID  string         `json:"snapshot_id"`
	TriggerType string         `json:"trigger_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (h *handlers) createSnapshot(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	var p createSnapshotPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("parsing create_snapshot payload: %w", err)
	}

	sb, err := h.store.GetSandbox(ctx, req.SandboxID)
	if err != nil {
		return nil, err
	}
	if sb.State.IsTerminal() {
		return nil, errs.New(errs.KindNotAvailable, "sandbox not available")
	}
	health, err := h.runtime.InspectHealth(ctx, sb.ID)
	if err != nil || health != runtime.HealthRunningResponsive {
		return nil, errs.New(errs.KindNotAvailable, "sandbox not available")
	}

	if err := h.createSnapshotBestEffort(ctx, sb.ID, p.SnapshotID, p.TriggerType); err != nil {
		return nil, errs.New(errs.KindNotAvailable, "sandbox not available")
	}

	if err := h.store.InsertSnapshot(ctx, &model.Snapshot{
		ID: p.SnapshotID, SandboxID: sb.ID, TriggerType: defaultString(p.TriggerType, "manual"),
		Metadata: p.Metadata, CreatedAt: time.Now(),
	}); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{"snapshot_id": p.SnapshotID})
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

type createTaskPayload struct {
	TaskID         string          `json:"task_id"`
	TaskType       string          `json:"task_type,omitempty"`
	Input          model.TaskInput `json:"input"`
	TimeoutSeconds *int            `json:"timeout_seconds,omitempty"`
}

// createTask is idempotent on task_id and offsets created_at by +1s from
// the request row to deduplicate against the open/wake marker (§4.4).
func (h *handlers) createTask(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	var p createTaskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("parsing create_task payload: %w", err)
	}

	if _, err := h.store.GetTask(ctx, p.TaskID); err == nil {
		return json.Marshal(map[string]any{"task_id": p.TaskID})
	} else if err != store.ErrNotFound {
		return nil, err
	}

	taskType := model.TaskNL
	if p.TaskType == string(model.TaskRaw) {
		taskType = model.TaskRaw
	}

	createdAt := req.CreatedAt.Add(time.Second)
	task := &model.Task{
		ID: p.TaskID, SandboxID: req.SandboxID, CreatedBy: req.CreatedBy,
		Status: model.TaskQueued, Type: taskType, Input: p.Input,
		TimeoutSeconds: p.TimeoutSeconds, CreatedAt: createdAt,
	}
	if p.TimeoutSeconds != nil {
		deadline := createdAt.Add(time.Duration(*p.TimeoutSeconds) * time.Second)
		task.TimeoutAt = &deadline
	}
	if err := h.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"task_id": p.TaskID})
}

func (h *handlers) executeCommand(ctx context.Context, req *model.Request) (json.RawMessage, error) {
	var p struct {
		Argv []string `json:"argv"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("parsing execute_command payload: %w", err)
	}
	if err := h.requireResponsive(ctx, req.SandboxID); err != nil {
		return nil, err
	}
	res, err := h.runtime.ExecCollect(ctx, req.SandboxID, p.Argv, runtime.ExecOptions{WorkDir: workDir})
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err)
	}
	return json.Marshal(map[string]any{
		"exit_code": res.ExitCode, "stdout": string(res.Stdout), "stderr": string(res.Stderr),
	})
}

func (h *handlers) requireResponsive(ctx context.Context, sandboxID string) error {
	sb, err := h.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sb.State.IsTerminal() {
		return errs.New(errs.KindNotAvailable, "sandbox not available")
	}
	health, err := h.runtime.InspectHealth(ctx, sandboxID)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err)
	}
	if health != runtime.HealthRunningResponsive {
		return errs.New(errs.KindNotAvailable, "sandbox not available")
	}
	return nil
}
