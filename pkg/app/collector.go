package app

import (
	"time"

	"github.com/cuemby/vulnscan/pkg/auth"
	"github.com/cuemby/vulnscan/pkg/metrics"
	"github.com/cuemby/vulnscan/pkg/storage"
	"github.com/cuemby/vulnscan/pkg/types"
)

// Collector periodically snapshots task, node and session state into the
// Prometheus gauges, so scrapes reflect current totals rather than only
// event counters.
type Collector struct {
	store    storage.Store
	auth     *auth.Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a Collector. am may be nil for processes without an
// auth manager.
func NewCollector(store storage.Store, am *auth.Manager, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		auth:     am,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectNodeMetrics()

	if c.auth != nil {
		metrics.AuthSessionsActive.Set(float64(c.auth.ActiveCount()))
	}
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks("")
	if err != nil {
		return
	}

	counts := map[types.TaskStatus]int{
		types.TaskPending:   0,
		types.TaskRunning:   0,
		types.TaskPaused:    0,
		types.TaskCompleted: 0,
		types.TaskFailed:    0,
	}
	for _, t := range tasks {
		counts[t.Status]++
	}
	for status, n := range counts {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.store.ListScanNodes()
	if err != nil {
		return
	}

	counts := map[types.NodeStatus]int{
		types.NodeOnline:  0,
		types.NodeOffline: 0,
		types.NodeBusy:    0,
	}
	for _, n := range nodes {
		counts[n.Status]++
	}
	for status, n := range counts {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
