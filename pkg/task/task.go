// Package task implements the scan-task lifecycle: the state machine,
// pagination, and idempotent progress updates. Progress updates clamp
// against the task's total so a redelivered result message can never
// regress or overshoot the completed count.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/metrics"
	"github.com/cuemby/vulnscan/pkg/storage"
	"github.com/cuemby/vulnscan/pkg/target"
	"github.com/cuemby/vulnscan/pkg/types"
)

// Manager owns every Task record's lifecycle transitions. State
// transitions are serialized per-task by mu; the persistence layer itself
// has no row-locking primitive to re-read-then-write under, so this
// in-process mutex is the serialization point instead.
type Manager struct {
	mu    sync.Mutex
	store storage.Store
}

// NewManager builds a Task Manager backed by store.
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

// Create validates priority, computes progress_total via the Target
// Expander's Count, and persists a new pending Task.
func (m *Manager) Create(name string, targets []string, auth map[string]*types.Credentials, policy types.Policy, vulnIDs []string, priority int, options map[string]string) (*types.Task, error) {
	if priority < 1 || priority > 10 {
		return nil, fmt.Errorf("priority must be in [1,10], got %d", priority)
	}
	if policy == "" {
		policy = types.PolicyFull
	}

	now := time.Now()
	t := &types.Task{
		ID:            uuid.NewString(),
		Name:          name,
		Targets:       targets,
		Auth:          auth,
		Policy:        policy,
		VulnIDs:       vulnIDs,
		Priority:      priority,
		Options:       options,
		Status:        types.TaskPending,
		ProgressTotal: target.Count(targets),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.CreateTask(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksCreated.Inc()
	log.Logger.Info().Str("task_id", t.ID).Str("name", name).Msg("task created")
	return t, nil
}

// Get returns a task by id.
func (m *Manager) Get(id string) (*types.Task, error) {
	return m.store.GetTask(id)
}

// List returns tasks matching status (empty = all), paginated.
func (m *Manager) List(status types.TaskStatus, page, size int) ([]*types.Task, int, error) {
	all, err := m.store.ListTasks(status)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)

	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start >= total {
		return []*types.Task{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// ListAll returns every task matching status (empty = all), unpaginated.
func (m *Manager) ListAll(status types.TaskStatus) ([]*types.Task, error) {
	return m.store.ListTasks(status)
}

// Pause transitions a running task to paused. Returns false without
// mutating state on any other transition.
func (m *Manager) Pause(id string) (bool, error) {
	return m.transition(id, func(t *types.Task) bool {
		if t.Status != types.TaskRunning {
			return false
		}
		t.Status = types.TaskPaused
		return true
	})
}

// Resume transitions a paused task to running.
func (m *Manager) Resume(id string) (bool, error) {
	return m.transition(id, func(t *types.Task) bool {
		if t.Status != types.TaskPaused {
			return false
		}
		t.Status = types.TaskRunning
		return true
	})
}

// Cancel transitions any non-terminal task to failed, setting the
// cancellation error message. Valid from any state except completed and
// failed.
func (m *Manager) Cancel(id string) (bool, error) {
	return m.transition(id, func(t *types.Task) bool {
		if t.Status == types.TaskCompleted || t.Status == types.TaskFailed {
			return false
		}
		t.Status = types.TaskFailed
		t.ErrorMessage = "Task cancelled by user"
		return true
	})
}

// MarkRunning transitions a pending task to running. Any other state is
// left untouched, so a redelivered dispatch cannot resurrect a finished
// task.
func (m *Manager) MarkRunning(id string) error {
	_, err := m.transition(id, func(t *types.Task) bool {
		if t.Status != types.TaskPending {
			return false
		}
		t.Status = types.TaskRunning
		return true
	})
	return err
}

// MarkCompleted transitions a running or paused task to completed,
// snapping progress to total. Idempotent under result redelivery: a task
// already terminal stays as it is.
func (m *Manager) MarkCompleted(id string) error {
	changed, err := m.transition(id, func(t *types.Task) bool {
		if t.Status != types.TaskRunning && t.Status != types.TaskPaused {
			return false
		}
		t.Status = types.TaskCompleted
		t.ProgressDone = t.ProgressTotal
		return true
	})
	if err == nil && changed {
		metrics.TasksCompleted.Inc()
		log.Logger.Info().Str("task_id", id).Msg("task completed")
	}
	return err
}

// MarkFailed transitions any non-terminal task to failed with the given
// error.
func (m *Manager) MarkFailed(id, errMsg string) error {
	changed, err := m.transition(id, func(t *types.Task) bool {
		if t.Status == types.TaskCompleted || t.Status == types.TaskFailed {
			return false
		}
		t.Status = types.TaskFailed
		t.ErrorMessage = errMsg
		return true
	})
	if err == nil && changed {
		metrics.TasksFailed.Inc()
		log.Logger.Error().Str("task_id", id).Str("error", errMsg).Msg("task failed")
	}
	return err
}

// UpdateProgress applies an absolute, idempotent completed value:
// completed ← max(task.progress_completed, min(completed, progress_total)).
// total, if non-zero, overwrites progress_total first.
func (m *Manager) UpdateProgress(id string, completed int, total int) error {
	_, err := m.transition(id, func(t *types.Task) bool {
		if total > 0 {
			t.ProgressTotal = total
		}
		clamped := completed
		if clamped > t.ProgressTotal {
			clamped = t.ProgressTotal
		}
		if clamped > t.ProgressDone {
			t.ProgressDone = clamped
		}
		return true
	})
	return err
}

// transition loads the task, applies mutate under the manager's lock, and
// persists the result if mutate reports a change. mutate returns false to
// signal an illegal transition that leaves the task untouched.
func (m *Manager) transition(id string, mutate func(*types.Task) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.GetTask(id)
	if err != nil {
		return false, err
	}

	if !mutate(t) {
		return false, nil
	}

	t.UpdatedAt = time.Now()
	if err := m.store.UpdateTask(t); err != nil {
		return false, err
	}
	return true, nil
}
