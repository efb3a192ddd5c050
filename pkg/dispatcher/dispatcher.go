// Package dispatcher owns the scheduler side of the work pipeline: it
// expands pending tasks into chunks, publishes them to the work broker,
// consumes result messages back into task progress, and sweeps scan-node
// records whose heartbeats have gone stale.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vulnscan/pkg/events"
	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/metrics"
	"github.com/cuemby/vulnscan/pkg/storage"
	"github.com/cuemby/vulnscan/pkg/target"
	"github.com/cuemby/vulnscan/pkg/task"
	"github.com/cuemby/vulnscan/pkg/types"
)

// Broker is the slice of the work-broker surface the dispatcher uses.
type Broker interface {
	PublishChunk(ctx context.Context, chunk *types.Chunk) error
	ConsumeResults(ctx context.Context, consumerTag string, handler func(*types.Result) error) error
}

// Config tunes the dispatcher's loops.
type Config struct {
	ChunkSize        int
	ScheduleInterval time.Duration
	NodeStaleAfter   time.Duration
	ConsumerTag      string
}

// Dispatcher publishes chunk messages and applies result messages. All
// progress deltas for a task funnel through the single result consumer,
// so the accumulated completed value is serialized without extra locking
// beyond the accumulator map's own mutex.
type Dispatcher struct {
	cfg    Config
	tasks  *task.Manager
	store  storage.Store
	broker Broker
	bus    *events.Broker
	logger zerolog.Logger

	progressMu sync.Mutex
	progress   map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Dispatcher. bus may be nil to disable event emission.
func New(cfg Config, tasks *task.Manager, store storage.Store, broker Broker, bus *events.Broker) *Dispatcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = target.DefaultChunkSize
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = 5 * time.Second
	}
	if cfg.NodeStaleAfter <= 0 {
		cfg.NodeStaleAfter = 30 * time.Second
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "dispatcher"
	}
	return &Dispatcher{
		cfg:      cfg,
		tasks:    tasks,
		store:    store,
		broker:   broker,
		bus:      bus,
		logger:   log.WithComponent("dispatcher"),
		progress: make(map[string]int),
		stopCh:   make(chan struct{}),
	}
}

// DispatchTask expands and chunks a task's targets, publishes one
// persistent message per chunk in ascending chunk id, then marks the task
// running.
func (d *Dispatcher) DispatchTask(ctx context.Context, t *types.Task) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ChunkDispatchDuration)

	addresses := target.Expand(t.Targets)
	chunks := target.Chunk(addresses, d.cfg.ChunkSize)

	for i, targets := range chunks {
		chunk := &types.Chunk{
			TaskID:      t.ID,
			ChunkID:     i,
			Targets:     targets,
			TotalChunks: len(chunks),
			Type:        "scan",
		}
		if err := d.broker.PublishChunk(ctx, chunk); err != nil {
			return fmt.Errorf("publish chunk %d/%d: %w", i, len(chunks), err)
		}
		metrics.ChunksDispatched.Inc()
	}

	if err := d.tasks.MarkRunning(t.ID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	d.emit(events.EventTaskDispatched, "task dispatched", map[string]string{
		"task_id": t.ID,
		"chunks":  strconv.Itoa(len(chunks)),
	})
	d.logger.Info().Str("task_id", t.ID).Int("chunks", len(chunks)).Int("targets", len(addresses)).Msg("task dispatched")
	return nil
}

// SchedulePendingTasks lists pending tasks ordered by (priority desc,
// created asc) and dispatches each. A dispatch failure marks that task
// failed and the loop continues with the rest.
func (d *Dispatcher) SchedulePendingTasks(ctx context.Context) error {
	pending, err := d.tasks.ListAll(types.TaskPending)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, t := range pending {
		if err := d.DispatchTask(ctx, t); err != nil {
			d.logger.Error().Err(err).Str("task_id", t.ID).Msg("dispatch failed")
			if markErr := d.tasks.MarkFailed(t.ID, err.Error()); markErr != nil {
				d.logger.Error().Err(markErr).Str("task_id", t.ID).Msg("failed to mark task failed")
			}
			d.emit(events.EventTaskFailed, "task dispatch failed", map[string]string{"task_id": t.ID})
		}
	}
	return nil
}

// StartResultConsumer begins consuming the result queue. Each message is
// applied before it is acked by the broker layer; an unknown kind is
// logged and dropped so a poison pill cannot wedge the queue.
func (d *Dispatcher) StartResultConsumer(ctx context.Context) error {
	return d.broker.ConsumeResults(ctx, d.cfg.ConsumerTag, d.ApplyResult)
}

// ApplyResult folds one result message into the owning task's record.
func (d *Dispatcher) ApplyResult(result *types.Result) error {
	switch result.Status {
	case types.ResultProgress:
		return d.applyProgress(result)

	case types.ResultCompleted:
		d.clearProgress(result.TaskID)
		if err := d.tasks.MarkCompleted(result.TaskID); err != nil {
			return err
		}
		d.emit(events.EventTaskCompleted, "task completed", map[string]string{"task_id": result.TaskID})
		return nil

	case types.ResultFailed:
		d.clearProgress(result.TaskID)
		if err := d.tasks.MarkFailed(result.TaskID, result.Error); err != nil {
			return err
		}
		d.emit(events.EventTaskFailed, "task failed", map[string]string{"task_id": result.TaskID})
		return nil

	default:
		d.logger.Warn().Str("task_id", result.TaskID).Str("kind", string(result.Status)).Msg("unknown result kind, dropping")
		return nil
	}
}

func (d *Dispatcher) applyProgress(result *types.Result) error {
	t, err := d.tasks.Get(result.TaskID)
	if err != nil {
		return err
	}

	d.progressMu.Lock()
	acc, seeded := d.progress[result.TaskID]
	if !seeded {
		acc = t.ProgressDone
	}
	acc += result.Completed
	d.progress[result.TaskID] = acc
	d.progressMu.Unlock()

	if err := d.tasks.UpdateProgress(result.TaskID, acc, 0); err != nil {
		return err
	}

	if acc >= t.ProgressTotal && t.Status == types.TaskRunning {
		d.clearProgress(result.TaskID)
		if err := d.tasks.MarkCompleted(result.TaskID); err != nil {
			return err
		}
		d.emit(events.EventTaskCompleted, "task completed", map[string]string{"task_id": result.TaskID})
	}
	return nil
}

func (d *Dispatcher) clearProgress(taskID string) {
	d.progressMu.Lock()
	delete(d.progress, taskID)
	d.progressMu.Unlock()
}

// Run drives the scheduling loop: every ScheduleInterval it dispatches
// pending tasks and sweeps stale scan-node records. Cycle errors are
// logged and the loop continues.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ScheduleInterval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", d.cfg.ScheduleInterval).Msg("dispatcher started")
	for {
		select {
		case <-ticker.C:
			if err := d.SchedulePendingTasks(ctx); err != nil {
				d.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
			d.sweepStaleNodes()
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher stopped")
			return
		case <-d.stopCh:
			d.logger.Info().Msg("dispatcher stopped")
			return
		}
	}
}

// Stop terminates Run.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// sweepStaleNodes marks online nodes whose last heartbeat is older than
// NodeStaleAfter as offline, so the node inventory reflects dead scanner
// processes that never got to deregister.
func (d *Dispatcher) sweepStaleNodes() {
	nodes, err := d.store.ListScanNodes()
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list scan nodes")
		return
	}

	now := time.Now()
	for _, n := range nodes {
		if n.Status == types.NodeOffline {
			continue
		}
		if now.Sub(n.LastHeartbeat) <= d.cfg.NodeStaleAfter {
			continue
		}
		n.Status = types.NodeOffline
		if err := d.store.UpsertScanNode(n); err != nil {
			d.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to mark node offline")
			continue
		}
		d.logger.Warn().Str("node_id", n.ID).Time("last_heartbeat", n.LastHeartbeat).Msg("node heartbeat stale, marked offline")
		d.emit(events.EventNodeDown, "node heartbeat stale", map[string]string{"node_id": n.ID})
	}
}

func (d *Dispatcher) emit(eventType events.EventType, message string, metadata map[string]string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.New(eventType, message, metadata))
}
