// Package principal implements the scheduling side of cdktr: the workflow
// queue, the cron scheduler, the control server, the heartbeat monitor, and
// the log/status persistence pipeline.
package principal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nicelgueta/cdktr/pkg/protocol"
)

// QueuedRun is one runnable workflow instance waiting for an agent.
type QueuedRun struct {
	WorkflowID         string                 `json:"workflow_id"`
	WorkflowInstanceID string                 `json:"workflow_instance_id"`
	Origin             protocol.TriggerOrigin `json:"trigger_origin"`
}

var bucketQueue = []byte("queue")

// Queue is the bounded FIFO of runnable workflow instances. Contents are
// snapshotted to a bbolt file on a fixed cadence and replayed on startup,
// so a principal restart loses at most one persistence interval of enqueues.
type Queue struct {
	mu       sync.Mutex
	items    []QueuedRun
	capacity int
	dirty    bool

	db     *bbolt.DB
	logger *slog.Logger
}

// OpenQueue opens the snapshot file at path, replays any persisted entries
// in their original order, and returns the queue. Replay happens before the
// control server starts accepting connections.
func OpenQueue(path string, capacity int, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue snapshot %s: %w", path, err)
	}

	q := &Queue{capacity: capacity, db: db, logger: logger}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketQueue)
		if err != nil {
			return err
		}
		// Sequence keys are big-endian uint64s, so cursor order is FIFO
		// order.
		return bucket.ForEach(func(_, v []byte) error {
			var run QueuedRun
			if err := json.Unmarshal(v, &run); err != nil {
				q.logger.Warn("skipping corrupt queue snapshot entry", "error", err)
				return nil
			}
			if len(q.items) < capacity {
				q.items = append(q.items, run)
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("replay queue snapshot: %w", err)
	}

	if len(q.items) > 0 {
		q.logger.Info("workflow queue replayed from snapshot", "entries", len(q.items))
	}
	return q, nil
}

// Close persists a final snapshot and closes the file.
func (q *Queue) Close() error {
	if err := q.Persist(); err != nil {
		q.logger.Error("final queue snapshot failed", "error", err)
	}
	return q.db.Close()
}

// Enqueue appends a run, rejecting with QueueFull at capacity.
func (q *Queue) Enqueue(run QueuedRun) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return protocol.Errorf(protocol.KindQueueFull, "workflow queue at capacity %d", q.capacity)
	}
	q.items = append(q.items, run)
	q.dirty = true
	return nil
}

// Take pops the head of the queue. It never blocks.
func (q *Queue) Take() (QueuedRun, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedRun{}, false
	}
	run := q.items[0]
	q.items = q.items[1:]
	q.dirty = true
	return run, true
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Persist atomically rewrites the snapshot with the current contents.
func (q *Queue) Persist() error {
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	snapshot := make([]QueuedRun, len(q.items))
	copy(snapshot, q.items)
	q.dirty = false
	q.mu.Unlock()

	err := q.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketQueue); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(bucketQueue)
		if err != nil {
			return err
		}
		for i, run := range snapshot {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			data, err := json.Marshal(run)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.mu.Lock()
		q.dirty = true
		q.mu.Unlock()
		return protocol.Errorf(protocol.KindPersistenceFailed, "queue snapshot: %v", err)
	}
	return nil
}

// Start snapshots the queue on the configured cadence until ctx is done.
func (q *Queue) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Persist(); err != nil {
				q.logger.Warn("queue snapshot failed, retrying next tick", "error", err)
			}
		}
	}
}
