// Package app is the composition root: it assembles the injectable
// components of each process exactly once from configuration, wires their
// lifecycles together, and tears everything down on shutdown. The
// scheduler process never constructs a concurrency pool; the scanner
// process never constructs a dispatcher.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/vulnscan/pkg/api"
	"github.com/cuemby/vulnscan/pkg/auth"
	"github.com/cuemby/vulnscan/pkg/broker"
	"github.com/cuemby/vulnscan/pkg/cases"
	"github.com/cuemby/vulnscan/pkg/config"
	"github.com/cuemby/vulnscan/pkg/dispatcher"
	"github.com/cuemby/vulnscan/pkg/events"
	"github.com/cuemby/vulnscan/pkg/executor"
	"github.com/cuemby/vulnscan/pkg/fingerprint"
	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/node"
	"github.com/cuemby/vulnscan/pkg/probe"
	"github.com/cuemby/vulnscan/pkg/registry"
	"github.com/cuemby/vulnscan/pkg/storage"
	"github.com/cuemby/vulnscan/pkg/task"
	"github.com/cuemby/vulnscan/pkg/types"
)

// Scheduler bundles the scheduler process's components.
type Scheduler struct {
	Store      storage.Store
	Bus        *events.Broker
	Tasks      *task.Manager
	Broker     *broker.Broker
	Dispatcher *dispatcher.Dispatcher
	API        *api.Server

	collector *Collector
	listen    string
}

// NewScheduler builds the scheduler process. A broker connection failure
// here is a startup error: a scheduler that cannot publish work is
// misconfigured, not degraded.
func NewScheduler(cfg *config.Config) (*Scheduler, error) {
	store, err := storage.NewBoltStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b, err := broker.Connect(brokerConfig(cfg))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	bus := events.NewBroker()
	tasks := task.NewManager(store)
	disp := dispatcher.New(dispatcher.Config{
		NodeStaleAfter: 3 * cfg.HeartbeatInterval(),
	}, tasks, store, b, bus)

	return &Scheduler{
		Store:      store,
		Bus:        bus,
		Tasks:      tasks,
		Broker:     b,
		Dispatcher: disp,
		API:        api.NewServer(tasks, store, bus),
		collector:  NewCollector(store, nil, 15*time.Second),
		listen:     cfg.ListenAddr(),
	}, nil
}

// Run starts every scheduler component and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Bus.Start()
	go logEvents(s.Bus)
	s.collector.Start()

	if err := s.Dispatcher.StartResultConsumer(ctx); err != nil {
		return fmt.Errorf("start result consumer: %w", err)
	}
	go s.Dispatcher.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.API.Start(s.listen) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.API.Stop(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("api shutdown failed")
	}
	s.Dispatcher.Stop()
	s.collector.Stop()
	s.Bus.Stop()
	if err := s.Broker.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("broker close failed")
	}
	return s.Store.Close()
}

// Scanner bundles the scanner-node process's components.
type Scanner struct {
	Store        storage.Store
	Bus          *events.Broker
	Broker       *broker.Broker
	Registry     *registry.Registry
	Tools        *registry.ToolRegistry
	Auth         *auth.Manager
	Fingerprints *fingerprint.Engine
	Executor     *executor.Executor
	Node         *node.Manager

	collector *Collector
}

// NewScanner builds the scanner-node process. The broker is connected
// best-effort: on failure the node starts in isolated mode and serves
// only directly submitted work.
func NewScanner(cfg *config.Config) (*Scanner, error) {
	store, err := storage.NewBoltStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b, err := broker.Connect(brokerConfig(cfg))
	if err != nil {
		log.Logger.Warn().Err(err).Msg("broker unavailable, starting in isolated mode")
		b = nil
	}

	var cache fingerprint.Cache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.PoolSize = cfg.RedisPoolSize
		cache = fingerprint.NewRedisCache(redis.NewClient(opts), time.Hour)
	}

	bus := events.NewBroker()
	engine := fingerprint.New(cache)
	reg := registry.New()
	tools := registry.NewToolRegistry()
	cases.RegisterBuiltin(reg, tools)

	if cfg.PluginDir != "" {
		loaded, err := reg.LoadFromDirectory(cfg.PluginDir)
		if err != nil {
			log.Logger.Warn().Err(err).Str("dir", cfg.PluginDir).Msg("plugin directory scan failed")
		} else if loaded > 0 {
			log.Logger.Info().Int("loaded", loaded).Str("dir", cfg.PluginDir).Msg("case plugins loaded")
		}
	}

	am := auth.NewManager()
	exec := executor.New(engine, reg, tools, am, store, cfg.DefaultTimeout(), cfg.ScannerRateLimit).
		WithProber(probe.NewServiceProber(0))

	nodeMgr := node.New(node.Config{
		NodeID:            cfg.NodeID,
		MaxConcurrency:    cfg.ScannerMaxConcurrency,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Store:             store,
		Broker:            b,
	})

	s := &Scanner{
		Store:        store,
		Bus:          bus,
		Broker:       b,
		Registry:     reg,
		Tools:        tools,
		Auth:         am,
		Fingerprints: engine,
		Executor:     exec,
		Node:         nodeMgr,
		collector:    NewCollector(store, am, 15*time.Second),
	}
	nodeMgr.RegisterHandler("scan", s.handleChunk)
	return s, nil
}

// handleChunk is the scan handler bound to incoming chunk messages.
func (s *Scanner) handleChunk(ctx context.Context, chunk *types.Chunk) error {
	logger := log.WithChunkID(chunk.TaskID, chunk.ChunkID)

	t, err := s.Store.GetTask(chunk.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("task record unavailable, failing chunk")
		s.publishResult(ctx, &types.Result{
			TaskID: chunk.TaskID,
			Status: types.ResultFailed,
			Error:  fmt.Sprintf("task record unavailable: %v", err),
		})
		return nil
	}

	results := s.Executor.RunChunk(ctx, t, chunk, func(taskID string, delta int) {
		s.publishResult(ctx, &types.Result{
			TaskID:    taskID,
			Status:    types.ResultProgress,
			Completed: delta,
		})
	})

	for _, r := range results {
		if !r.Vulnerable {
			continue
		}
		logger.Warn().Str("case_id", r.CaseID).Str("target", r.Target).Msg("vulnerability confirmed")
		s.Bus.Publish(events.New(events.EventVulnFound, r.Description, map[string]string{
			"task_id": chunk.TaskID,
			"case_id": r.CaseID,
			"target":  r.Target,
		}))
	}
	return nil
}

func (s *Scanner) publishResult(ctx context.Context, result *types.Result) {
	if s.Broker == nil {
		return
	}
	if err := s.Broker.PublishResult(ctx, result); err != nil {
		log.Logger.Warn().Err(err).Str("task_id", result.TaskID).Msg("result publish failed")
	}
}

// Run starts the scanner node and blocks until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	s.Bus.Start()
	go logEvents(s.Bus)
	s.collector.Start()

	if err := s.Node.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Node.Run(runCtx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("node run: %w", err)
		}
	}

	s.Node.Stop()
	s.Auth.CloseAll()
	s.collector.Stop()
	s.Bus.Stop()
	return s.Store.Close()
}

func brokerConfig(cfg *config.Config) broker.Config {
	bc := broker.DefaultConfig(cfg.RabbitMQURL)
	if cfg.RabbitMQExchange != "" {
		bc.Exchange = cfg.RabbitMQExchange
	}
	if cfg.RabbitMQTaskQueue != "" {
		bc.TaskQueue = cfg.RabbitMQTaskQueue
	}
	if cfg.RabbitMQResultQueue != "" {
		bc.ResultQueue = cfg.RabbitMQResultQueue
	}
	return bc
}

// logEvents drains the bus into the structured log so every lifecycle
// event is visible without an external sink.
func logEvents(bus *events.Broker) {
	sub := bus.Subscribe()
	for ev := range sub {
		log.Logger.Info().
			Str("event", string(ev.Type)).
			Fields(map[string]any{"metadata": ev.Metadata}).
			Msg(ev.Message)
	}
}
