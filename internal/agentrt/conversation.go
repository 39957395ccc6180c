package agentrt

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/tsbx/internal/llm"
	"github.com/cuemby/tsbx/internal/model"
)

const (
	compactSummaryTotalCap = 3000
	compactSummaryItemCap  = 1200
)

// buildConversation reconstructs the message history for a task: the
// user's input content, plus every prior task in the sandbox (subject to
// the sandbox's context_cutoff_at) replayed as assistant/tool turns with
// the sliding truncation window from §4.6 "Conversation reconstruction":
// the most recent recentToolResults tool results of an in-flight task get
// the full 8000-char cap, earlier ones get a 100-char preview, and
// completed tasks are replayed as one compact synthesized assistant
// message instead of their full segment history.
func (r *Runner) buildConversation(ctx context.Context, task *model.Task) ([]llm.Message, error) {
	sb, err := r.Store.GetSandbox(ctx, r.SandboxID)
	if err != nil {
		return nil, err
	}

	priorTasks, err := r.Store.ListTasksForSandbox(ctx, r.SandboxID)
	if err != nil {
		return nil, err
	}

	var messages []llm.Message
	for _, t := range priorTasks {
		if t.ID == task.ID {
			continue
		}
		if sb.ContextCutoffAt != nil && t.CreatedAt.Before(*sb.ContextCutoffAt) {
			continue
		}
		messages = append(messages, replayTask(t)...)
	}

	messages = append(messages, inputMessages(task)...)
	return messages, nil
}

func inputMessages(task *model.Task) []llm.Message {
	var out []llm.Message
	for _, item := range task.Input.Content {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: item.Content})
	}
	return out
}

// replayTask turns one prior task's segments into conversation messages.
// A completed task collapses to a single compact assistant message; an
// in-flight (still processing/queued, e.g. resumed after a restart) task
// replays its tool_call/tool_result segments with the sliding window.
func replayTask(t *model.Task) []llm.Message {
	var out []llm.Message
	out = append(out, inputMessages(t)...)

	if t.Status.IsTerminal() {
		out = append(out, llm.Message{Role: llm.RoleAssistant, Content: compactSummary(t)})
		return out
	}

	toolResultCount := 0
	for i := len(t.Segments) - 1; i >= 0; i-- {
		if t.Segments[i].Type == model.SegmentToolResult {
			toolResultCount++
		}
	}
	seen := 0
	for _, seg := range t.Segments {
		switch seg.Type {
		case model.SegmentToolCall:
			out = append(out, llm.Message{
				Role: llm.RoleAssistant,
				Content: marshalOrEmpty(map[string]any{
					"tool_call": map[string]any{"tool": seg.Tool, "args": seg.Args},
				}),
			})
		case model.SegmentToolResult:
			seen++
			remaining := toolResultCount - seen
			full := marshalOrEmpty(seg.Output)
			var content string
			if remaining < recentToolResults {
				content = truncateForOutput(full)
			} else {
				content = truncateForPreview(full)
			}
			out = append(out, llm.Message{Role: llm.RoleTool, Content: content, ToolName: seg.Tool})
		}
	}
	return out
}

// compactSummary synthesizes a short assistant message standing in for a
// completed task's full turn history, capped at compactSummaryTotalCap
// total / compactSummaryItemCap per item.
func compactSummary(t *model.Task) string {
	var parts []string
	total := 0
	for _, item := range t.Output {
		text := item.Content
		if len(text) > compactSummaryItemCap {
			text = text[:compactSummaryItemCap] + "...(truncated)"
		}
		if total+len(text) > compactSummaryTotalCap {
			remaining := compactSummaryTotalCap - total
			if remaining <= 0 {
				break
			}
			text = text[:remaining] + "...(truncated)"
		}
		parts = append(parts, text)
		total += len(text)
		if total >= compactSummaryTotalCap {
			break
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("[prior task %s completed with no output]", t.ID)
	}
	return strings.Join(parts, "\n\n")
}
