package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/tsbx/internal/guardrails"
	"github.com/cuemby/tsbx/internal/llm"
	"github.com/cuemby/tsbx/internal/metrics"
	"github.com/cuemby/tsbx/internal/model"
	"github.com/cuemby/tsbx/internal/plan"
	"github.com/cuemby/tsbx/internal/store"
)

// dispatch applies one LLM response to the task: classifying it, running
// the corresponding tool (if any), appending segments, and reporting
// whether the task reached a terminal state.
func (r *Runner) dispatch(ctx context.Context, taskID string, st *taskState, resp *llm.Response) (bool, error) {
	input := salvageInput{Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		input.ToolCalls = append(input.ToolCalls, nativeToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	class, salvaged := classify(input)
	metrics.AgentLoopIterationsTotal.WithLabelValues(class.String()).Inc()

	if resp.TotalTokens > 0 {
		r.recordContextLength(ctx, resp.TotalTokens)
	}

	switch class {
	case classNativeToolCall:
		tc := resp.ToolCalls[0]
		return r.dispatchToolCall(ctx, taskID, st, tc.Name, json.RawMessage(tc.Arguments), resp)

	case classSalvageableToolCall:
		return r.dispatchToolCall(ctx, taskID, st, salvaged.toolName, salvaged.args, resp)

	case classMalformedToolLike:
		st.spillRetries++
		r.pushDevNote(st, "Your response looked like a tool call but was not valid JSON. Call a tool using the documented tool_call shape.")
		if st.spillRetries >= defaultRetryLimit {
			return r.noProgress(ctx, taskID, st)
		}
		return false, nil

	case classRawJSONSpill:
		st.spillRetries++
		r.pushDevNote(st, "Your response was raw JSON that was not a recognized tool call. Call a tool, or respond with plain text.")
		if st.spillRetries >= defaultRetryLimit {
			return r.noProgress(ctx, taskID, st)
		}
		return false, nil

	case classEmptyThinkingOnly:
		st.emptyRetries++
		r.pushDevNote(st, "Your response contained no tool call and no text. Call a tool or provide your final output.")
		if st.emptyRetries >= defaultRetryLimit {
			return r.noProgress(ctx, taskID, st)
		}
		return false, nil

	default: // classPlainText
		r.pushDevNote(st, "No tool_call was provided. If you are finished, call `output`; otherwise call the appropriate tool.")
		return false, nil
	}
}

func (r *Runner) pushDevNote(st *taskState, text string) {
	st.conversation = append(st.conversation, llm.Message{Role: llm.RoleSystem, Content: text})
}

// noProgress records commentary and a nudge, then lets the loop continue
// once more — matching the original implementation's fallthrough for
// retry-exhausted classes.
func (r *Runner) noProgress(ctx context.Context, taskID string, st *taskState) (bool, error) {
	now := time.Now()
	_, err := r.Store.UpdateTask(ctx, taskID, store.TaskMutation{
		AppendSegments: []model.Segment{{
			Type: model.SegmentNote, Level: "warning",
			Text: "Repeated malformed or empty responses; nudging the model to make progress.",
			At:   &now,
		}},
	})
	if err != nil {
		return false, err
	}
	r.pushDevNote(st, "Let's make progress: call exactly one tool, or call `output` if the task is complete.")
	return false, nil
}

func (r *Runner) recordContextLength(ctx context.Context, totalTokens int) {
	sb, err := r.Store.GetSandbox(ctx, r.SandboxID)
	if err != nil {
		return
	}
	sb.LastContextLength = totalTokens
	_ = r.Store.UpdateSandbox(ctx, sb)
}

// dispatchToolCall handles classes (a) and (b) identically once a tool
// name and args have been identified: unknown tools are refused with a
// tool_call_invalid segment, a warning note and a developer note; known tools execute, get their result appended as a
// segment with a plan-status note, and — if the tool is `output` —
// attempt to finalize the task.
func (r *Runner) dispatchToolCall(ctx context.Context, taskID string, st *taskState, toolName string, args json.RawMessage, resp *llm.Response) (bool, error) {
	now := time.Now()

	if !r.Tools.Known(toolName) {
		_, err := r.Store.UpdateTask(ctx, taskID, store.TaskMutation{
			AppendSegments: []model.Segment{
				{Type: model.SegmentToolCallInvalid, Tool: toolName, Args: decodeArgs(args), At: &now},
				{Type: model.SegmentNote, Level: "warning", Text: fmt.Sprintf("Unknown tool %q. Use one of the registered tools.", toolName), At: &now},
			},
		})
		if err != nil {
			return false, err
		}
		metrics.AgentToolCallsTotal.WithLabelValues(toolName, "unknown").Inc()
		st.callRetries++
		r.pushDevNote(st, fmt.Sprintf("Unknown tool %q. Use one of the registered tools.", toolName))
		if st.callRetries >= defaultRetryLimit {
			return r.noProgress(ctx, taskID, st)
		}
		return false, nil
	}

	st.conversation = append(st.conversation, llm.Message{
		Role: llm.RoleAssistant,
		Content: marshalOrEmpty(map[string]any{
			"tool_call": map[string]any{"tool": toolName, "args": decodeArgs(args)},
		}),
	})

	envelope := r.Tools.Execute(ctx, toolName, args)
	fullOutput := marshalOrEmpty(envelope)
	preview := truncateForOutput(fullOutput)
	metrics.AgentToolCallsTotal.WithLabelValues(toolName, toolOutcome(envelope)).Inc()

	note, planStatus, _ := r.Plan.NoteAndStatus()

	_, err := r.Store.UpdateTask(ctx, taskID, store.TaskMutation{
		AppendSegments: []model.Segment{
			{Type: model.SegmentToolCall, Tool: toolName, Args: decodeArgs(args), At: &now},
			{Type: model.SegmentToolResult, Tool: toolName, Output: envelope, At: &now},
			{Type: model.SegmentNote, Level: "info", Text: note, At: &now},
		},
	})
	if err != nil {
		return false, err
	}

	st.conversation = append(st.conversation, llm.Message{
		Role:     llm.RoleTool,
		Content:  preview,
		ToolName: toolName,
	})

	if toolName != "output" {
		return false, nil
	}
	return r.finalizeOutput(ctx, taskID, st, args, planStatus)
}

func toolOutcome(envelope map[string]any) string {
	if status, _ := envelope["status"].(string); status == "error" {
		return "error"
	}
	return "ok"
}

func decodeArgs(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// finalizeOutput enforces the plan invariant: output is refused unless
// the plan is absent/empty/fully checked (§4.7).
func (r *Runner) finalizeOutput(ctx context.Context, taskID string, st *taskState, args json.RawMessage, status plan.Status) (bool, error) {
	if status == plan.StatusPending {
		r.pushDevNote(st, "The plan still has unchecked items. Finish them, or update the plan, before calling `output`.")
		return false, nil
	}
	if status == plan.StatusUnreadable {
		r.pushDevNote(st, "The plan file could not be read. Use `update_plan` to regenerate it before calling `output`.")
		return false, nil
	}

	var outputArgs struct {
		Items []model.ContentItem `json:"items"`
	}
	if err := json.Unmarshal(args, &outputArgs); err != nil {
		r.pushDevNote(st, "The output call's items were not well-formed; retry with a valid items array.")
		return false, nil
	}

	for i, item := range outputArgs.Items {
		outputArgs.Items[i].Content = guardrails.SanitizeOutput(item.Content)
	}

	now := time.Now()
	completed := model.TaskCompleted
	_, err := r.Store.UpdateTask(ctx, taskID, store.TaskMutation{
		Status: &completed,
		Output: outputArgs.Items,
		AppendSegments: []model.Segment{
			{Type: model.SegmentFinal, Channel: "final", At: &now},
		},
		ExpectStatusIn: []model.TaskStatus{model.TaskQueued, model.TaskProcessing},
	})
	if err != nil {
		return false, err
	}
	if task, terr := r.Store.GetTask(ctx, taskID); terr == nil {
		metrics.TaskCompletionDuration.Observe(now.Sub(task.CreatedAt).Seconds())
	}
	return true, nil
}
