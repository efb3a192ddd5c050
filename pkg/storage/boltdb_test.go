package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vulnscan/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)

	task := &types.Task{
		ID:            "t1",
		Name:          "sweep",
		Targets:       []string{"192.168.1.0/30"},
		Policy:        types.PolicyFull,
		Priority:      5,
		Status:        types.TaskPending,
		ProgressTotal: 2,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.CreateTask(task))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "sweep", got.Name)
	assert.Equal(t, types.TaskPending, got.Status)

	got.Status = types.TaskRunning
	require.NoError(t, s.UpdateTask(got))

	running, err := s.ListTasks(types.TaskRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	pending, err := s.ListTasks(types.TaskPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.DeleteTask("t1"))
	_, err = s.GetTask("t1")
	assert.Error(t, err)
}

func TestScanNodeUpsert(t *testing.T) {
	s := newTestStore(t)

	node := &types.ScanNode{ID: "n1", Status: types.NodeOnline, MaxTasks: 10}
	require.NoError(t, s.UpsertScanNode(node))

	node.Status = types.NodeBusy
	require.NoError(t, s.UpsertScanNode(node))

	got, err := s.GetScanNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeBusy, got.Status)

	nodes, err := s.ListScanNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestStatRecordsFilterByTask(t *testing.T) {
	s := newTestStore(t)

	for i, taskID := range []string{"a", "a", "b"} {
		require.NoError(t, s.AppendStatRecord(&types.StatRecord{
			ID:     string(rune('r' + i)),
			TaskID: taskID,
			VulnID: "cve-1",
			Status: types.StatSuccess,
		}))
	}

	recs, err := s.ListStatRecordsByTask("a")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
