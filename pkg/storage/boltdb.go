package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/vulnscan/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks     = []byte("tasks")
	bucketScanNodes = []byte("scan_nodes")
	bucketVulnCases = []byte("vuln_cases")
	bucketStats     = []byte("stat_records")
)

// BoltStore implements Store using an embedded BoltDB file, one bucket
// per logical collection with JSON-marshaled values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "vulnscan.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketScanNodes, bucketVulnCases, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Tasks

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks(status types.TaskStatus) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if status == "" || task.Status == status {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// Scan nodes

func (s *BoltStore) UpsertScanNode(node *types.ScanNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketScanNodes).Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetScanNode(id string) (*types.ScanNode, error) {
	var node types.ScanNode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketScanNodes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("scan node not found: %s", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListScanNodes() ([]*types.ScanNode, error) {
	var nodes []*types.ScanNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScanNodes).ForEach(func(k, v []byte) error {
			var node types.ScanNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteScanNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScanNodes).Delete([]byte(id))
	})
}

// Vulnerability case metadata

func (s *BoltStore) PutCaseMetadata(meta *types.CaseMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVulnCases).Put([]byte(meta.ID), data)
	})
}

func (s *BoltStore) ListCaseMetadata() ([]*types.CaseMetadata, error) {
	var metas []*types.CaseMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVulnCases).ForEach(func(k, v []byte) error {
			var meta types.CaseMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, &meta)
			return nil
		})
	})
	return metas, err
}

// Stat records

func (s *BoltStore) AppendStatRecord(rec *types.StatRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStats).Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) ListStatRecordsByTask(taskID string) ([]*types.StatRecord, error) {
	var recs []*types.StatRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStats).ForEach(func(k, v []byte) error {
			var rec types.StatRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.TaskID == taskID {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	return recs, err
}
