package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vulnscan/pkg/types"
)

type fakeStore struct {
	tasks map[string]*types.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*types.Task)}
}

func (f *fakeStore) CreateTask(t *types.Task) error {
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}
func (f *fakeStore) GetTask(id string) (*types.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, assert.AnError
	}
	cp := *t
	return &cp, nil
}
func (f *fakeStore) ListTasks(status types.TaskStatus) ([]*types.Task, error) {
	var out []*types.Task
	for _, t := range f.tasks {
		if status == "" || t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (f *fakeStore) UpdateTask(t *types.Task) error {
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}
func (f *fakeStore) DeleteTask(id string) error { delete(f.tasks, id); return nil }

func (f *fakeStore) UpsertScanNode(*types.ScanNode) error             { return nil }
func (f *fakeStore) GetScanNode(string) (*types.ScanNode, error)      { return nil, nil }
func (f *fakeStore) ListScanNodes() ([]*types.ScanNode, error)        { return nil, nil }
func (f *fakeStore) DeleteScanNode(string) error                      { return nil }
func (f *fakeStore) PutCaseMetadata(*types.CaseMetadata) error        { return nil }
func (f *fakeStore) ListCaseMetadata() ([]*types.CaseMetadata, error) { return nil, nil }
func (f *fakeStore) AppendStatRecord(*types.StatRecord) error         { return nil }
func (f *fakeStore) ListStatRecordsByTask(string) ([]*types.StatRecord, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func TestCreateAndCount(t *testing.T) {
	m := NewManager(newFakeStore())
	task, err := m.Create("t1", []string{"192.168.1.0/30"}, nil, types.PolicyFull, nil, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, 2, task.ProgressTotal)
	assert.Equal(t, 0, task.ProgressDone)
}

func TestCreateRejectsOutOfRangePriority(t *testing.T) {
	m := NewManager(newFakeStore())
	_, err := m.Create("t1", []string{"a.com"}, nil, types.PolicyFull, nil, 11, nil)
	assert.Error(t, err)
}

func TestStateMachineHappyPath(t *testing.T) {
	m := NewManager(newFakeStore())
	task, err := m.Create("t1", []string{"a.com"}, nil, types.PolicyFull, nil, 5, nil)
	require.NoError(t, err)

	require.NoError(t, m.MarkRunning(task.ID))
	got, _ := m.Get(task.ID)
	assert.Equal(t, types.TaskRunning, got.Status)

	ok, err := m.Pause(task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = m.Get(task.ID)
	assert.Equal(t, types.TaskPaused, got.Status)

	ok, err = m.Cancel(task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = m.Get(task.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, "Task cancelled by user", got.ErrorMessage)

	ok, err = m.Resume(task.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPauseOnNonRunningReturnsFalseWithoutMutation(t *testing.T) {
	m := NewManager(newFakeStore())
	task, _ := m.Create("t1", []string{"a.com"}, nil, types.PolicyFull, nil, 5, nil)

	ok, err := m.Pause(task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := m.Get(task.ID)
	assert.Equal(t, types.TaskPending, got.Status)
}

func TestUpdateProgressClampsToTotal(t *testing.T) {
	m := NewManager(newFakeStore())
	task, _ := m.Create("t1", []string{"192.168.1.0/30"}, nil, types.PolicyFull, nil, 5, nil)

	require.NoError(t, m.UpdateProgress(task.ID, 10, 0))
	got, _ := m.Get(task.ID)
	assert.Equal(t, 2, got.ProgressDone)
}

func TestUpdateProgressIsMonotonicUnderRedelivery(t *testing.T) {
	m := NewManager(newFakeStore())
	task, _ := m.Create("t1", []string{"10.0.0.0/28"}, nil, types.PolicyFull, nil, 5, nil)

	require.NoError(t, m.UpdateProgress(task.ID, 5, 0))
	require.NoError(t, m.UpdateProgress(task.ID, 3, 0))

	got, _ := m.Get(task.ID)
	assert.Equal(t, 5, got.ProgressDone)
}

func TestMarkCompletedSnapsProgressToTotal(t *testing.T) {
	m := NewManager(newFakeStore())
	task, _ := m.Create("t1", []string{"a.com", "b.com"}, nil, types.PolicyFull, nil, 5, nil)
	require.NoError(t, m.MarkRunning(task.ID))

	require.NoError(t, m.MarkCompleted(task.ID))
	got, _ := m.Get(task.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, got.ProgressTotal, got.ProgressDone)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	m := NewManager(newFakeStore())
	task, _ := m.Create("t1", []string{"a.com"}, nil, types.PolicyFull, nil, 5, nil)
	require.NoError(t, m.MarkRunning(task.ID))
	require.NoError(t, m.MarkCompleted(task.ID))

	// Redelivered results must not move a finished task.
	require.NoError(t, m.MarkFailed(task.ID, "late failure"))
	require.NoError(t, m.MarkRunning(task.ID))

	got, _ := m.Get(task.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}
