package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vulnscan/pkg/auth"
	"github.com/cuemby/vulnscan/pkg/fingerprint"
	"github.com/cuemby/vulnscan/pkg/registry"
	"github.com/cuemby/vulnscan/pkg/types"
)

type memStore struct {
	stats []*types.StatRecord
}

func (m *memStore) CreateTask(*types.Task) error                             { return nil }
func (m *memStore) GetTask(string) (*types.Task, error)                      { return nil, nil }
func (m *memStore) ListTasks(types.TaskStatus) ([]*types.Task, error)        { return nil, nil }
func (m *memStore) UpdateTask(*types.Task) error                             { return nil }
func (m *memStore) DeleteTask(string) error                                  { return nil }
func (m *memStore) UpsertScanNode(*types.ScanNode) error                     { return nil }
func (m *memStore) GetScanNode(string) (*types.ScanNode, error)              { return nil, nil }
func (m *memStore) ListScanNodes() ([]*types.ScanNode, error)                { return nil, nil }
func (m *memStore) DeleteScanNode(string) error                              { return nil }
func (m *memStore) PutCaseMetadata(*types.CaseMetadata) error                { return nil }
func (m *memStore) ListCaseMetadata() ([]*types.CaseMetadata, error)         { return nil, nil }
func (m *memStore) AppendStatRecord(rec *types.StatRecord) error {
	m.stats = append(m.stats, rec)
	return nil
}
func (m *memStore) ListStatRecordsByTask(taskID string) ([]*types.StatRecord, error) {
	return m.stats, nil
}
func (m *memStore) Close() error { return nil }

type slowCase struct {
	id    string
	delay time.Duration
	err   error
}

func (c slowCase) Metadata() types.CaseMetadata {
	return types.CaseMetadata{ID: c.id, Severity: types.SeverityHigh}
}

func (c slowCase) Verify(ctx context.Context, target string, session any, fps []types.Fingerprint) (types.VulnResult, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return types.VulnResult{}, ctx.Err()
		}
	}
	if c.err != nil {
		return types.VulnResult{}, c.err
	}
	return types.VulnResult{CaseID: c.id, Target: target, Vulnerable: true}, nil
}

func (c slowCase) Cleanup(ctx context.Context, target string, session any) error { return nil }

func newExecutor(store *memStore, reg *registry.Registry, timeout time.Duration) *Executor {
	return New(fingerprint.New(nil), reg, registry.NewToolRegistry(), auth.NewManager(), store, timeout, 10)
}

func TestRunTargetRecordsSuccessStat(t *testing.T) {
	reg := registry.New()
	reg.Register(slowCase{id: "cve-1"})
	store := &memStore{}
	ex := newExecutor(store, reg, time.Second)

	task := &types.Task{ID: "t1", Policy: types.PolicyFull}
	results := ex.runTarget(context.Background(), task, "127.0.0.1")

	require.Len(t, results, 1)
	assert.True(t, results[0].Vulnerable)
	require.Len(t, store.stats, 1)
	assert.Equal(t, types.StatSuccess, store.stats[0].Status)
}

func TestRunTargetRecordsTimeoutStat(t *testing.T) {
	reg := registry.New()
	reg.Register(slowCase{id: "cve-slow", delay: 100 * time.Millisecond})
	store := &memStore{}
	ex := newExecutor(store, reg, 10*time.Millisecond)

	task := &types.Task{ID: "t1", Policy: types.PolicyFull}
	ex.runTarget(context.Background(), task, "127.0.0.1")

	require.Len(t, store.stats, 1)
	assert.Equal(t, types.StatTimeout, store.stats[0].Status)
}

func TestRunTargetRecordsFailStat(t *testing.T) {
	reg := registry.New()
	reg.Register(slowCase{id: "cve-err", err: errors.New("boom")})
	store := &memStore{}
	ex := newExecutor(store, reg, time.Second)

	task := &types.Task{ID: "t1", Policy: types.PolicyFull}
	ex.runTarget(context.Background(), task, "127.0.0.1")

	require.Len(t, store.stats, 1)
	assert.Equal(t, types.StatFail, store.stats[0].Status)
}

type panicCase struct{}

func (panicCase) Metadata() types.CaseMetadata {
	return types.CaseMetadata{ID: "cve-panic", Severity: types.SeverityHigh}
}

func (panicCase) Verify(ctx context.Context, target string, session any, fps []types.Fingerprint) (types.VulnResult, error) {
	panic("nil plugin state")
}

func (panicCase) Cleanup(ctx context.Context, target string, session any) error { return nil }

func TestRunTargetRecoversPanickingVerify(t *testing.T) {
	reg := registry.New()
	reg.Register(panicCase{})
	store := &memStore{}
	ex := newExecutor(store, reg, time.Second)

	task := &types.Task{ID: "t1", Policy: types.PolicyFull}
	results := ex.runTarget(context.Background(), task, "127.0.0.1")

	require.Len(t, results, 1)
	assert.False(t, results[0].Vulnerable)
	require.Len(t, store.stats, 1)
	assert.Equal(t, types.StatFail, store.stats[0].Status)
}

func TestRunChunkReportsProgressPerTarget(t *testing.T) {
	reg := registry.New()
	reg.Register(slowCase{id: "cve-1"})
	store := &memStore{}
	ex := newExecutor(store, reg, time.Second)

	task := &types.Task{ID: "t1", Policy: types.PolicyFull}
	chunk := &types.Chunk{TaskID: "t1", Targets: []string{"a.com", "b.com"}}

	var deltas int
	ex.RunChunk(context.Background(), task, chunk, func(taskID string, delta int) {
		assert.Equal(t, "t1", taskID)
		deltas += delta
	})

	assert.Equal(t, 2, deltas)
}

func TestAcquireSessionAnonymousWithoutAuth(t *testing.T) {
	reg := registry.New()
	store := &memStore{}
	ex := newExecutor(store, reg, time.Second)

	task := &types.Task{ID: "t1"}
	session := ex.acquireSession(context.Background(), task, "example.com")
	assert.Empty(t, session.Token)
}

func TestAcquireSessionUsesFirstLoginPoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"tok"}`))
	}))
	defer srv.Close()

	reg := registry.New()
	store := &memStore{}
	ex := newExecutor(store, reg, time.Second)

	task := &types.Task{
		ID: "t1",
		Auth: map[string]*types.Credentials{
			"admin": {Username: "u", Password: "p", LoginURL: "/login"},
		},
	}

	host := srv.Listener.Addr().String()
	session := ex.acquireSession(context.Background(), task, host)
	assert.Equal(t, "tok", session.Token)
}
