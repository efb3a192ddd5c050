package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vulnscan/pkg/task"
	"github.com/cuemby/vulnscan/pkg/types"
)

type fakeStore struct {
	tasks map[string]*types.Task
	nodes map[string]*types.ScanNode
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: make(map[string]*types.Task),
		nodes: make(map[string]*types.ScanNode),
	}
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

func (f *fakeStore) UpsertScanNode(n *types.ScanNode) error {
	cp := *n
	f.nodes[n.ID] = &cp
	return nil
}
func (f *fakeStore) GetScanNode(id string) (*types.ScanNode, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, assert.AnError
	}
	cp := *n
	return &cp, nil
}
func (f *fakeStore) ListScanNodes() ([]*types.ScanNode, error) {
	var out []*types.ScanNode
	for _, n := range f.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}
func (f *fakeStore) DeleteScanNode(id string) error { delete(f.nodes, id); return nil }

func (f *fakeStore) PutCaseMetadata(*types.CaseMetadata) error                 { return nil }
func (f *fakeStore) ListCaseMetadata() ([]*types.CaseMetadata, error)          { return nil, nil }
func (f *fakeStore) AppendStatRecord(*types.StatRecord) error                  { return nil }
func (f *fakeStore) ListStatRecordsByTask(string) ([]*types.StatRecord, error) { return nil, nil }
func (f *fakeStore) Close() error                                              { return nil }

type fakeBroker struct {
	published []*types.Chunk
	failAfter int // publish fails once this many chunks have gone out; -1 never
}

func (f *fakeBroker) PublishChunk(_ context.Context, chunk *types.Chunk) error {
	if f.failAfter >= 0 && len(f.published) >= f.failAfter {
		return assert.AnError
	}
	f.published = append(f.published, chunk)
	return nil
}

func (f *fakeBroker) ConsumeResults(context.Context, string, func(*types.Result) error) error {
	return nil
}

func setup(t *testing.T, chunkSize int) (*Dispatcher, *task.Manager, *fakeStore, *fakeBroker) {
	t.Helper()
	store := newFakeStore()
	tasks := task.NewManager(store)
	broker := &fakeBroker{failAfter: -1}
	d := New(Config{ChunkSize: chunkSize}, tasks, store, broker, nil)
	return d, tasks, store, broker
}

func TestDispatchTaskChunksAndMarksRunning(t *testing.T) {
	d, tasks, _, broker := setup(t, 2)

	created, err := tasks.Create("t1", []string{"a.com", "b.com", "c.com"}, nil, types.PolicyFull, nil, 5, nil)
	require.NoError(t, err)

	require.NoError(t, d.DispatchTask(context.Background(), created))

	require.Len(t, broker.published, 2)
	assert.Equal(t, []string{"a.com", "b.com"}, broker.published[0].Targets)
	assert.Equal(t, []string{"c.com"}, broker.published[1].Targets)
	assert.Equal(t, 0, broker.published[0].ChunkID)
	assert.Equal(t, 2, broker.published[0].TotalChunks)
	assert.Equal(t, "scan", broker.published[0].Type)

	got, _ := tasks.Get(created.ID)
	assert.Equal(t, types.TaskRunning, got.Status)
}

func TestSchedulePendingHonorsPriorityOrder(t *testing.T) {
	d, tasks, _, broker := setup(t, 256)

	low, _ := tasks.Create("low", []string{"a.com"}, nil, types.PolicyFull, nil, 2, nil)
	high, _ := tasks.Create("high", []string{"b.com"}, nil, types.PolicyFull, nil, 9, nil)

	require.NoError(t, d.SchedulePendingTasks(context.Background()))

	require.Len(t, broker.published, 2)
	assert.Equal(t, high.ID, broker.published[0].TaskID)
	assert.Equal(t, low.ID, broker.published[1].TaskID)
}

func TestScheduleMarksFailedAndContinues(t *testing.T) {
	store := newFakeStore()
	tasks := task.NewManager(store)
	broker := &fakeBroker{failAfter: 0}
	d := New(Config{}, tasks, store, broker, nil)

	first, _ := tasks.Create("a", []string{"a.com"}, nil, types.PolicyFull, nil, 9, nil)
	second, _ := tasks.Create("b", []string{"b.com"}, nil, types.PolicyFull, nil, 5, nil)

	require.NoError(t, d.SchedulePendingTasks(context.Background()))

	got, _ := tasks.Get(first.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	got, _ = tasks.Get(second.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
}

func TestApplyProgressAccumulatesAndCompletes(t *testing.T) {
	d, tasks, _, _ := setup(t, 256)

	created, _ := tasks.Create("t1", []string{"192.168.1.0/29"}, nil, types.PolicyFull, nil, 5, nil)
	require.Equal(t, 6, created.ProgressTotal)
	require.NoError(t, tasks.MarkRunning(created.ID))

	require.NoError(t, d.ApplyResult(&types.Result{TaskID: created.ID, Status: types.ResultProgress, Completed: 4}))
	got, _ := tasks.Get(created.ID)
	assert.Equal(t, 4, got.ProgressDone)
	assert.Equal(t, types.TaskRunning, got.Status)

	require.NoError(t, d.ApplyResult(&types.Result{TaskID: created.ID, Status: types.ResultProgress, Completed: 2}))
	got, _ = tasks.Get(created.ID)
	assert.Equal(t, 6, got.ProgressDone)
	assert.Equal(t, types.TaskCompleted, got.Status)
}

func TestApplyProgressClampsRedelivery(t *testing.T) {
	d, tasks, _, _ := setup(t, 256)

	created, _ := tasks.Create("t1", []string{"a.com", "b.com"}, nil, types.PolicyFull, nil, 5, nil)
	require.NoError(t, tasks.MarkRunning(created.ID))

	// The same delta redelivered three times can over-accumulate, but the
	// persisted value clamps at the total.
	for i := 0; i < 3; i++ {
		require.NoError(t, d.ApplyResult(&types.Result{TaskID: created.ID, Status: types.ResultProgress, Completed: 2}))
	}
	got, _ := tasks.Get(created.ID)
	assert.Equal(t, got.ProgressTotal, got.ProgressDone)
}

func TestApplyFailedResult(t *testing.T) {
	d, tasks, _, _ := setup(t, 256)

	created, _ := tasks.Create("t1", []string{"a.com"}, nil, types.PolicyFull, nil, 5, nil)
	require.NoError(t, tasks.MarkRunning(created.ID))

	require.NoError(t, d.ApplyResult(&types.Result{TaskID: created.ID, Status: types.ResultFailed, Error: "boom"}))
	got, _ := tasks.Get(created.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestApplyUnknownResultKindIsDropped(t *testing.T) {
	d, _, _, _ := setup(t, 256)
	assert.NoError(t, d.ApplyResult(&types.Result{TaskID: "nope", Status: "mystery"}))
}

func TestSweepStaleNodes(t *testing.T) {
	d, _, store, _ := setup(t, 256)
	d.cfg.NodeStaleAfter = 10 * time.Second

	require.NoError(t, store.UpsertScanNode(&types.ScanNode{
		ID: "fresh", Status: types.NodeOnline, LastHeartbeat: time.Now(),
	}))
	require.NoError(t, store.UpsertScanNode(&types.ScanNode{
		ID: "stale", Status: types.NodeOnline, LastHeartbeat: time.Now().Add(-time.Minute),
	}))

	d.sweepStaleNodes()

	fresh, _ := store.GetScanNode("fresh")
	assert.Equal(t, types.NodeOnline, fresh.Status)
	stale, _ := store.GetScanNode("stale")
	assert.Equal(t, types.NodeOffline, stale.Status)
}
