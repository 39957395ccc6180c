package plan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsbx/internal/plan"
)

func TestNoteAndStatus_Missing(t *testing.T) {
	m := plan.New(t.TempDir())
	note, status, err := m.NoteAndStatus()
	require.NoError(t, err)
	assert.Equal(t, plan.StatusMissing, status)
	assert.Contains(t, note, "update_plan")
}

func TestNoteAndStatus_PendingMarksNextTask(t *testing.T) {
	m := plan.New(t.TempDir())
	require.NoError(t, m.Write("- [x] set up repo\n- [ ] write tests\n- [ ] ship\n"))

	note, status, err := m.NoteAndStatus()
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, status)
	assert.Contains(t, note, "write tests  <= NEXT TASK")
	assert.NotContains(t, note, "ship  <= NEXT TASK")
}

func TestNoteAndStatus_Complete(t *testing.T) {
	m := plan.New(t.TempDir())
	require.NoError(t, m.Write("- [x] set up repo\n* [X] ship\n"))

	_, status, err := m.NoteAndStatus()
	require.NoError(t, err)
	assert.Equal(t, plan.StatusComplete, status)
}

func TestNoteAndStatus_Empty(t *testing.T) {
	m := plan.New(t.TempDir())
	require.NoError(t, m.Write("just prose, no checklist lines here\n"))

	_, status, err := m.NoteAndStatus()
	require.NoError(t, err)
	assert.Equal(t, plan.StatusEmpty, status)
}

func TestParseItems(t *testing.T) {
	items := plan.ParseItems("- [ ] one\n* [x] two\nnot a task line\n")
	require.Len(t, items, 2)
	assert.False(t, items[0].Done)
	assert.Equal(t, "one", items[0].Text)
	assert.True(t, items[1].Done)
	assert.Equal(t, "two", items[1].Text)
}
