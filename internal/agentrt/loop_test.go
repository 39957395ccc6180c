package agentrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsbx/internal/llm"
	"github.com/cuemby/tsbx/internal/model"
	"github.com/cuemby/tsbx/internal/plan"
	"github.com/cuemby/tsbx/internal/store"
)

func newRunner(t *testing.T, st store.Store, client llm.Client, reg *Registry) *Runner {
	t.Helper()
	mgr := plan.New(t.TempDir())
	return New("sb-1", st, client, mgr, reg, time.Now().Add(-time.Hour))
}

func insertTask(t *testing.T, st store.Store, input string) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:        "task-1",
		SandboxID: "sb-1",
		Status:    model.TaskQueued,
		Type:      model.TaskNL,
		Input:     model.TaskInput{Content: []model.ContentItem{{Type: "text", Content: input}}},
		CreatedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, st.InsertTask(context.Background(), task))
	return task
}

func TestClassify_NativeToolCall(t *testing.T) {
	class, _ := classify(salvageInput{ToolCalls: []nativeToolCall{{Name: "run_bash", Arguments: `{}`}}})
	assert.Equal(t, classNativeToolCall, class)
}

func TestClassify_SalvageableFlat(t *testing.T) {
	class, call := classify(salvageInput{Content: `{"tool":"run_bash","args":{"commands":"echo hi"}}`})
	require.Equal(t, classSalvageableToolCall, class)
	assert.Equal(t, "run_bash", call.toolName)
}

func TestClassify_SalvageableFenced(t *testing.T) {
	class, call := classify(salvageInput{Content: "```json\n{\"tool_call\":{\"tool\":\"output\",\"args\":{}}}\n```"})
	require.Equal(t, classSalvageableToolCall, class)
	assert.Equal(t, "output", call.toolName)
}

func TestClassify_MalformedToolLike(t *testing.T) {
	class, _ := classify(salvageInput{Content: `{"tool": "run_bash", "args": }`})
	assert.Equal(t, classMalformedToolLike, class)
}

func TestClassify_RawJSONSpill(t *testing.T) {
	class, _ := classify(salvageInput{Content: `{"foo": "bar"}`})
	assert.Equal(t, classRawJSONSpill, class)
}

func TestClassify_EmptyThinkingOnly(t *testing.T) {
	class, _ := classify(salvageInput{Content: "   "})
	assert.Equal(t, classEmptyThinkingOnly, class)
}

func TestClassify_PlainText(t *testing.T) {
	class, _ := classify(salvageInput{Content: "I will now run the tests."})
	assert.Equal(t, classPlainText, class)
}

func TestDispatch_UnknownToolAppendsInvalidSegment(t *testing.T) {
	st := store.NewFakeStore()
	task := insertTask(t, st, "do something")
	reg := NewRegistry()
	r := newRunner(t, st, &llm.FakeClient{}, reg)

	done, err := r.dispatch(context.Background(), task.ID, &taskState{}, &llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "no_such_tool", Arguments: "{}"}},
	})
	require.NoError(t, err)
	assert.False(t, done)

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(got.Segments), 2)
	assert.Equal(t, model.SegmentToolCallInvalid, got.Segments[len(got.Segments)-2].Type)
	assert.Equal(t, model.SegmentNote, got.Segments[len(got.Segments)-1].Type)
	assert.Equal(t, "warning", got.Segments[len(got.Segments)-1].Level)
}

func TestDispatch_OutputRefusedWithPendingPlan(t *testing.T) {
	st := store.NewFakeStore()
	task := insertTask(t, st, "do something")
	reg := NewRegistry()
	mgr := plan.New(t.TempDir())
	require.NoError(t, mgr.Write("- [ ] write tests\n- [x] setup\n"))
	reg.Register(&OutputTool{})
	r := New("sb-1", st, &llm.FakeClient{}, mgr, reg, time.Now().Add(-time.Hour))

	done, err := r.dispatch(context.Background(), task.ID, &taskState{}, &llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "output", Arguments: `{"items":[{"type":"text","content":"done"}]}`}},
	})
	require.NoError(t, err)
	assert.False(t, done)

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, got.Status)
}

func TestDispatch_OutputCompletesTaskWhenPlanClear(t *testing.T) {
	st := store.NewFakeStore()
	task := insertTask(t, st, "do something")
	reg := NewRegistry()
	mgr := plan.New(t.TempDir())
	require.NoError(t, mgr.Write("- [x] write tests\n"))
	reg.Register(&OutputTool{})
	r := New("sb-1", st, &llm.FakeClient{}, mgr, reg, time.Now().Add(-time.Hour))

	done, err := r.dispatch(context.Background(), task.ID, &taskState{}, &llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "output", Arguments: `{"items":[{"type":"text","content":"Bearer abcdefghijklmnop"}]}`}},
	})
	require.NoError(t, err)
	assert.True(t, done)

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	require.Len(t, got.Output, 1)
	assert.Contains(t, got.Output[0].Content, "[REDACTED:")
}

func TestRunTask_CompletesViaOutputTool(t *testing.T) {
	st := store.NewFakeStore()
	task := insertTask(t, st, "finish the job")
	reg := NewRegistry()
	reg.Register(&OutputTool{})
	client := &llm.FakeClient{}
	client.Responses = []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "output", Arguments: `{"items":[{"type":"text","content":"ok"}]}`}}},
	}
	mgr := plan.New(t.TempDir())
	r := New("sb-1", st, client, mgr, reg, time.Now().Add(-time.Hour))

	require.NoError(t, r.RunTask(context.Background(), task.ID))

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
}

func TestNoProgress_AfterRetryExhaustion(t *testing.T) {
	st := store.NewFakeStore()
	task := insertTask(t, st, "do something")
	reg := NewRegistry()
	r := newRunner(t, st, &llm.FakeClient{}, reg)

	stt := &taskState{}
	for i := 0; i < defaultRetryLimit; i++ {
		_, err := r.dispatch(context.Background(), task.ID, stt, &llm.Response{Content: ""})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, stt.emptyRetries, defaultRetryLimit)
}
