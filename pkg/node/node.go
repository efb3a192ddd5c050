// Package node implements the scanner-node manager: lifecycle,
// heartbeating, and chunk-message dispatch into the concurrency pool.
// Heartbeat errors are logged and swallowed rather than tearing the node
// down.
package node

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/vulnscan/pkg/broker"
	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/metrics"
	"github.com/cuemby/vulnscan/pkg/pool"
	"github.com/cuemby/vulnscan/pkg/storage"
	"github.com/cuemby/vulnscan/pkg/types"
)

// State is the Node Manager's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Handler processes one decoded chunk message.
type Handler func(ctx context.Context, chunk *types.Chunk) error

// Config configures a Manager.
type Config struct {
	NodeID            string
	MaxConcurrency    int
	HeartbeatInterval time.Duration
	Store             storage.Store
	Broker            *broker.Broker
}

// Manager owns one scanner-node's lifecycle: its Concurrency Pool, its
// ScanNode heartbeat record, and broker-driven chunk dispatch.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	state State
	pool  *pool.Pool

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	stopCh chan struct{}
}

// New builds a Node Manager. A blank NodeID generates one.
func New(cfg Config) *Manager {
	if cfg.NodeID == "" {
		cfg.NodeID = fmt.Sprintf("node-%d", time.Now().UnixNano())
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 100
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		state:    StateStopped,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a chunk-message "type" to a handler. Scan chunks
// arrive with type "scan".
func (m *Manager) RegisterHandler(msgType string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[msgType] = h
}

// Start constructs the Concurrency Pool, upserts the ScanNode record as
// online, and launches the heartbeat loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return fmt.Errorf("node manager already started")
	}
	m.state = StateStarting
	m.pool = pool.New(m.cfg.MaxConcurrency)
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	node := &types.ScanNode{
		ID:            m.cfg.NodeID,
		Status:        types.NodeOnline,
		CPULoad:       cpuLoad(),
		MemoryLoad:    memoryLoad(),
		MaxTasks:      m.cfg.MaxConcurrency,
		LastHeartbeat: time.Now(),
	}
	if err := m.cfg.Store.UpsertScanNode(node); err != nil {
		log.Logger.Error().Err(err).Msg("failed to register scan node")
	}

	go m.heartbeatLoop()

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()
	log.Logger.Info().Str("node_id", m.cfg.NodeID).Int("max_concurrency", m.cfg.MaxConcurrency).Msg("node manager started")
	return nil
}

// Run consumes chunk messages from the broker until the context is
// cancelled or Stop is called. If no broker is configured it blocks until
// stopped.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Broker == nil {
		<-m.stopCh
		return nil
	}

	err := m.cfg.Broker.ConsumeChunks(ctx, m.cfg.NodeID, func(chunk *types.Chunk) error {
		m.handlersMu.RLock()
		h, ok := m.handlers[chunk.Type]
		m.handlersMu.RUnlock()

		if !ok {
			log.Logger.Warn().Str("type", chunk.Type).Msg("no handler registered, dropping chunk")
			return nil
		}

		// Submit to the pool; the message is acked by the broker layer
		// immediately after this call returns, regardless of outcome.
		// Redelivery after a crash is expected and handled by progress
		// clamping on the scheduler side.
		return m.pool.Submit(ctx, func(ctx context.Context) error {
			return h(ctx, chunk)
		})
	})
	if err != nil {
		return fmt.Errorf("consume chunks: %w", err)
	}

	<-m.stopCh
	return nil
}

// Stop cancels the heartbeat, stops the pool with a 30s grace period,
// disconnects the broker, and marks the node offline.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	p := m.pool
	m.mu.Unlock()

	close(m.stopCh)
	if p != nil {
		p.Stop(30 * time.Second)
	}

	if m.cfg.Broker != nil {
		if err := m.cfg.Broker.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("broker close failed")
		}
	}

	if node, err := m.cfg.Store.GetScanNode(m.cfg.NodeID); err == nil {
		node.Status = types.NodeOffline
		node.LastHeartbeat = time.Now()
		if err := m.cfg.Store.UpsertScanNode(node); err != nil {
			log.Logger.Error().Err(err).Msg("failed to mark node offline")
		}
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	log.Logger.Info().Str("node_id", m.cfg.NodeID).Msg("node manager stopped")
}

// ActiveTasks returns the pool's current active count.
func (m *Manager) ActiveTasks() int {
	m.mu.Lock()
	p := m.pool
	m.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.ActiveCount()
}

func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.sendHeartbeat(); err != nil {
				metrics.HeartbeatFailures.Inc()
				log.Logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sendHeartbeat() error {
	node, err := m.cfg.Store.GetScanNode(m.cfg.NodeID)
	if err != nil {
		node = &types.ScanNode{ID: m.cfg.NodeID, MaxTasks: m.cfg.MaxConcurrency}
	}
	node.Status = types.NodeOnline
	node.CPULoad = cpuLoad()
	node.MemoryLoad = memoryLoad()
	node.TasksRunning = m.ActiveTasks()
	if node.TasksRunning >= m.cfg.MaxConcurrency {
		node.Status = types.NodeBusy
	}
	node.LastHeartbeat = time.Now()
	return m.cfg.Store.UpsertScanNode(node)
}

// cpuLoad approximates process CPU load as runtime goroutine pressure.
// Good enough for a heartbeat gauge without cgroup/proc parsing.
func cpuLoad() float64 {
	n := runtime.NumGoroutine()
	load := float64(n) / float64(100*runtime.NumCPU())
	if load > 1 {
		load = 1
	}
	return load
}

func memoryLoad() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	// Crude fraction of a conservative 1GiB ceiling; sufficient for the
	// heartbeat gauge without requiring cgroup/proc parsing.
	const ceiling = 1 << 30
	load := float64(stats.Sys) / float64(ceiling)
	if load > 1 {
		load = 1
	}
	return load
}
