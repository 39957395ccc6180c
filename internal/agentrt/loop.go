// Package agentrt implements the Agent Runtime (C6): the in-sandbox
// process that polls for queued tasks and drives the Agent Loop state
// machine, grounded on the teacher's ReActController iteration structure
// and the original implementation's exact classification/retry semantics.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/tsbx/internal/errs"
	"github.com/cuemby/tsbx/internal/guardrails"
	"github.com/cuemby/tsbx/internal/llm"
	"github.com/cuemby/tsbx/internal/model"
	"github.com/cuemby/tsbx/internal/plan"
	"github.com/cuemby/tsbx/internal/store"
)

const (
	maxToolOutputChars = 8000
	previewChars       = 100
	recentToolResults  = 10
	pollWindow         = 50
	defaultRetryLimit  = 10
)

// Runner drives one sandbox's Agent Loop: polling the Store for queued
// tasks and executing them to completion, one at a time, no parallelism
// within a task.
type Runner struct {
	SandboxID        string
	Store            store.Store
	LLM              llm.Client
	Plan             *plan.Manager
	Tools            *Registry
	RequestCreatedAt time.Time

	processed map[string]bool
}

// New builds a Runner for one sandbox container.
func New(sandboxID string, st store.Store, client llm.Client, planMgr *plan.Manager, tools *Registry, requestCreatedAt time.Time) *Runner {
	return &Runner{
		SandboxID:        sandboxID,
		Store:            st,
		LLM:              client,
		Plan:             planMgr,
		Tools:            tools,
		RequestCreatedAt: requestCreatedAt,
		processed:        map[string]bool{},
	}
}

// PollOnce fetches the most recent window of tasks for this sandbox,
// filters to ones not yet processed and not preceding the process's task
// boundary, and runs each eligible task's Agent Loop in created_at order,
// transitioning the sandbox busy/idle around the batch.
func (r *Runner) PollOnce(ctx context.Context) error {
	tasks, err := r.Store.ClaimPendingTasks(ctx, r.SandboxID, pollWindow)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}

	var eligible []*model.Task
	for _, t := range tasks {
		if r.processed[t.ID] {
			continue
		}
		if t.Status != model.TaskQueued && t.Status != model.TaskProcessing {
			continue
		}
		if t.CreatedAt.Before(r.RequestCreatedAt) {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return nil
	}

	if err := r.setSandboxState(ctx, model.SandboxBusy); err != nil {
		return err
	}
	defer r.setSandboxState(ctx, model.SandboxIdle)

	for _, t := range eligible {
		if err := r.RunTask(ctx, t.ID); err != nil {
			// Do not mark as processed on error; leave status as-is so the
			// next poll retries it.
			continue
		}
		r.processed[t.ID] = true
	}
	return nil
}

// setSandboxState transitions the sandbox with a short bounded retry,
// mirroring the original implementation's 3-attempt/200ms backoff.
func (r *Runner) setSandboxState(ctx context.Context, state model.SandboxState) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		sb, err := r.Store.GetSandbox(ctx, r.SandboxID)
		if err != nil {
			lastErr = err
		} else {
			now := time.Now()
			sb.State = state
			sb.LastActivityAt = now
			switch state {
			case model.SandboxIdle:
				sb.IdleFrom = &now
				sb.BusyFrom = nil
			case model.SandboxBusy:
				sb.BusyFrom = &now
				sb.IdleFrom = nil
			}
			if err := r.Store.UpdateSandbox(ctx, sb); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return lastErr
}

// taskState is the per-task mutable state carried across Agent Loop
// iterations (§4.6 "State per task").
type taskState struct {
	conversation []llm.Message
	spillRetries int
	emptyRetries int
	callRetries  int
}

// RunTask executes one task's Agent Loop to completion or exhaustion.
func (r *Runner) RunTask(ctx context.Context, taskID string) error {
	task, err := r.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := r.validateInput(task); err != nil {
		return err
	}

	if task.Status == model.TaskQueued {
		processing := model.TaskProcessing
		updated, err := r.Store.UpdateTask(ctx, taskID, store.TaskMutation{
			Status:         &processing,
			ExpectStatusIn: []model.TaskStatus{model.TaskQueued},
		})
		if err != nil {
			return err
		}
		task = updated
	}

	st := &taskState{}
	st.conversation, err = r.buildConversation(ctx, task)
	if err != nil {
		return err
	}

	for {
		task, err = r.Store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.TaskProcessing && task.Status != model.TaskQueued {
			return nil // externally cancelled or already terminal; abort silently
		}

		systemPrompt := r.buildSystemPrompt(task)
		messages := append([]llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}, st.conversation...)

		resp, err := r.callModel(ctx, messages)
		if err != nil {
			return err // bubble to caller; task stays processing/queued for retry
		}

		task, err = r.Store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.TaskProcessing && task.Status != model.TaskQueued {
			return nil
		}

		done, err := r.dispatch(ctx, taskID, st, resp)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (r *Runner) validateInput(task *model.Task) error {
	for _, item := range task.Input.Content {
		if item.Type == "text" {
			if err := guardrails.ValidateInput(item.Content); err != nil {
				return err
			}
		}
	}
	return nil
}

// callModel calls the LLM with a bounded retry (250ms*attempt backoff,
// up to 10 attempts) — on exhaustion the error is bubbled to the caller
// so the task is left as-is for the next poll, never marked failed.
func (r *Runner) callModel(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= defaultRetryLimit; attempt++ {
		resp, err := r.LLM.Generate(ctx, llm.Request{Messages: messages, Tools: r.Tools.Definitions()})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	return nil, errs.Wrap(errs.KindTimeout, lastErr)
}

// buildSystemPrompt is recomputed every turn so plan-file and time
// changes are visible (§4.6 step 2).
func (r *Runner) buildSystemPrompt(task *model.Task) string {
	note, _, _ := r.Plan.NoteAndStatus()
	var b strings.Builder
	b.WriteString("You are an autonomous agent operating inside a sandbox. ")
	b.WriteString("Use the available tools to make progress on the task, then call `output` to finish.\n\n")
	b.WriteString(note)
	b.WriteString("\n\nCurrent time: ")
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	return b.String()
}

func truncateForPreview(s string) string {
	if len(s) <= previewChars {
		return s
	}
	return s[:previewChars] + "...(truncated)"
}

func truncateForOutput(s string) string {
	if len(s) <= maxToolOutputChars {
		return s
	}
	return s[:maxToolOutputChars] + "...(truncated)"
}

func marshalOrEmpty(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
