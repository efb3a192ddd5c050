package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vulnscan/pkg/types"
)

const sampleManifest = `
tasks:
  - name: internal-sweep
    targets:
      - 192.168.1.0/30
      - intranet.example.com
    policy: redline
    priority: 8
  - name: app-scan
    targets:
      - app.example.com
    auth:
      admin:
        username: admin
        password: hunter2
        login_url: /api/login
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, sampleManifest))
	require.NoError(t, err)
	require.Len(t, m.Tasks, 2)

	assert.Equal(t, "internal-sweep", m.Tasks[0].Name)
	assert.Equal(t, "redline", m.Tasks[0].Policy)
	assert.Equal(t, 8, m.Tasks[0].Priority)
	assert.Equal(t, "hunter2", m.Tasks[1].Auth["admin"].Password)
	assert.Equal(t, "/api/login", m.Tasks[1].Auth["admin"].LoginURL)
}

func TestLoadManifestRejectsBadYAML(t *testing.T) {
	_, err := LoadManifest(writeManifest(t, "tasks: ["))
	assert.Error(t, err)
}

func TestApplyManifestCreatesTasks(t *testing.T) {
	mgr := NewManager(newFakeStore())
	m, err := LoadManifest(writeManifest(t, sampleManifest))
	require.NoError(t, err)

	created, err := mgr.ApplyManifest(m)
	require.NoError(t, err)
	require.Len(t, created, 2)

	assert.Equal(t, types.PolicyRedline, created[0].Policy)
	assert.Equal(t, 3, created[0].ProgressTotal)
	assert.Equal(t, types.TaskPending, created[1].Status)
	assert.Equal(t, 5, created[1].Priority)
}

func TestApplyManifestStopsOnInvalidEntry(t *testing.T) {
	mgr := NewManager(newFakeStore())
	manifest := &Manifest{Tasks: []ManifestTask{
		{Name: "ok", Targets: []string{"a.com"}},
		{Name: "bad", Targets: []string{"b.com"}, Priority: 42},
	}}

	created, err := mgr.ApplyManifest(manifest)
	assert.Error(t, err)
	assert.Len(t, created, 1)
}
