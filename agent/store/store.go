// Package store is the agent's assignment store: the durable, local record
// of every assignment the agent has accepted, surviving process restarts.
// Backed by a single bbolt file so the agent has no external database
// dependency on a storage node.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/TritonDataCenter/rebalancer/common"
)

var assignmentsBucket = []byte("assignments")

// Errors returned by Store methods, mapped onto HTTP status codes by the
// controller's handlers.
var (
	ErrConflict  = errors.New("assignment already exists")
	ErrNotFound  = errors.New("assignment not found")
	ErrForbidden = errors.New("assignment not in a deletable state")
)

// DBFailureCounter is satisfied by *common.Metrics' DBOperationFailuresTotal
// field; kept as a narrow interface so tests don't need a real registry.
type DBFailureCounter interface {
	Inc()
}

type noopCounter struct{}

func (noopCounter) Inc() {}

// Store is the bbolt-backed assignment store. bbolt commits are fsync'd by
// default (no Options.NoSync), so crash-before-ack means crash-before-effect
// without any extra WAL of our own.
type Store struct {
	db         *bolt.DB
	dbFailures DBFailureCounter
}

// Open creates (or re-opens) the single-file store at path, normally
// <data_dir>/assignments.db.
func Open(path string, dbFailures DBFailureCounter) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening assignment store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(assignmentsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing assignment store: %w", err)
	}
	if dbFailures == nil {
		dbFailures = noopCounter{}
	}
	return &Store{db: db, dbFailures: dbFailures}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create persists a new assignment with state=scheduled and every task
// pending.
func (s *Store) Create(id common.AssignmentID, destShark common.StorageNodeId, tasks []common.Task) error {
	taskMap := make(map[common.ObjectId]*common.Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		t.Status = common.ETaskStatus.Pending()
		t.Reason = nil
		taskMap[t.ObjectID] = &t
	}

	a := common.Assignment{
		ID:        id,
		DestShark: destShark,
		Tasks:     taskMap,
		State:     common.EAssignmentState.Scheduled(),
		CreatedAt: time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(assignmentsBucket)
		key := []byte(id.String())
		if b.Get(key) != nil {
			return ErrConflict
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return s.classify(err)
}

// Get reconstructs the full Assignment view, per-task statuses included.
func (s *Store) Get(id common.AssignmentID) (common.Assignment, error) {
	var a common.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(assignmentsBucket).Get([]byte(id.String()))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return common.Assignment{}, s.classify(err)
	}
	return a, nil
}

// SetState persists a new assignment-level state. State only moves forward
// (scheduled -> running -> complete); the Controller is the only caller and
// is trusted to enforce ordering, but we still refuse to move backwards from
// complete.
func (s *Store) SetState(id common.AssignmentID, state common.AssignmentState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(assignmentsBucket)
		key := []byte(id.String())
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var a common.Assignment
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.State == common.EAssignmentState.Complete() {
			return fmt.Errorf("assignment %s already complete", id)
		}
		a.State = state
		out, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	return s.classify(err)
}

// PendingTasks returns every task still pending.
func (s *Store) PendingTasks(id common.AssignmentID) ([]common.Task, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if a.State == common.EAssignmentState.Complete() {
		return nil, fmt.Errorf("assignment %s already complete", id)
	}
	var pending []common.Task
	for _, t := range a.Tasks {
		if t.Status == common.ETaskStatus.Pending() {
			pending = append(pending, *t)
		}
	}
	return pending, nil
}

// MarkTask records one task's terminal outcome. Idempotent: writing the same
// outcome twice is a no-op.
func (s *Store) MarkTask(id common.AssignmentID, objectID common.ObjectId, status common.TaskStatus, reason *common.ErrorKind) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(assignmentsBucket)
		key := []byte(id.String())
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var a common.Assignment
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		t, ok := a.Tasks[objectID]
		if !ok {
			return fmt.Errorf("task %s not found in assignment %s", objectID, id)
		}
		if t.Status == status && equalReason(t.Reason, reason) {
			return nil // already recorded; no-op
		}
		t.Status = status
		t.Reason = reason
		out, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	return s.classify(err)
}

func equalReason(a, b *common.ErrorKind) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Delete removes all rows for id. Only legal once state=complete, enforced
// with ErrForbidden (HTTP 403 at the handler).
func (s *Store) Delete(id common.AssignmentID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(assignmentsBucket)
		key := []byte(id.String())
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var a common.Assignment
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.State != common.EAssignmentState.Complete() {
			return ErrForbidden
		}
		return b.Delete(key)
	})
	return s.classify(err)
}

// IncompleteAssignments returns ids whose state is scheduled or running,
// read on startup to resume interrupted work.
func (s *Store) IncompleteAssignments() ([]common.AssignmentID, error) {
	var ids []common.AssignmentID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(assignmentsBucket).ForEach(func(k, v []byte) error {
			var a common.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.State == common.EAssignmentState.Scheduled() || a.State == common.EAssignmentState.Running() {
				ids = append(ids, a.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, s.classify(err)
	}
	return ids, nil
}

// classify passes domain errors (conflict/not-found/forbidden) through
// untouched but counts everything else as a store failure, mirroring the
// manager job store's degrade-observability-not-progress policy.
func (s *Store) classify(err error) error {
	switch {
	case err == nil, errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		return err
	default:
		s.dbFailures.Inc()
		return err
	}
}
