// Package storage defines the record-store contract the task manager,
// dispatcher, node manager and case executor use to persist their
// collections, and a BoltDB-backed implementation of it.
//
// The store is deliberately opaque: point get by primary key, filtered
// list, update-by-key, delete-by-key, append. No transactional
// multi-record operations across collections, so the interface makes no
// such promise.
package storage

import (
	"github.com/cuemby/vulnscan/pkg/types"
)

// Store is the persistence contract for the engine's collections: tasks,
// scan nodes, vulnerability case metadata, and the append-only stat
// records. Targets and fingerprints are not separately persisted:
// fingerprints are cached in-process (pkg/fingerprint) and targets live
// only inside Task.Targets and transient Chunks.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks(status types.TaskStatus) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error

	// Scan nodes
	UpsertScanNode(node *types.ScanNode) error
	GetScanNode(id string) (*types.ScanNode, error)
	ListScanNodes() ([]*types.ScanNode, error)
	DeleteScanNode(id string) error

	// Vulnerability case metadata (a cache of what the registry loaded;
	// the registry itself is the source of truth in-process)
	PutCaseMetadata(meta *types.CaseMetadata) error
	ListCaseMetadata() ([]*types.CaseMetadata, error)

	// Stat records (append-only)
	AppendStatRecord(rec *types.StatRecord) error
	ListStatRecordsByTask(taskID string) ([]*types.StatRecord, error)

	Close() error
}
