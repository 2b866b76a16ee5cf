// Package metadata is the metadata rewriter: for every EvacuateObject that
// has reached post_processing, it performs an optimistic-concurrency swap of
// the from_shark entry for the dest_shark entry against the external
// metadata store, retrying exactly once on a write-time etag conflict before
// failing terminally.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/TritonDataCenter/rebalancer/common"
)

const bucketManta = "manta"

var errDuplicateShark = errors.New("metadata: destination shark already present")
var errMissingSharks = errors.New("metadata: from_shark not present in sharks array")

// Store is the per-shard external metadata store. Implementations must
// provide read-your-writes and a server-side etag.
type Store interface {
	Get(ctx context.Context, shard common.ShardId, bucket, key string) (value json.RawMessage, etag common.Etag, err error)
	Put(ctx context.Context, shard common.ShardId, bucket, key string, value json.RawMessage, ifEtag common.Etag) (newEtag common.Etag, err error)
}

// ErrNotFound and ErrEtagConflict are the two outcomes Store implementations
// report distinctly from a generic transport failure.
var (
	ErrNotFound    = errors.New("metadata: not found")
	ErrEtagConflict = errors.New("metadata: etag conflict")
)

// JobStore is the narrow slice of jobstore.Store the rewriter depends on.
type JobStore interface {
	PostProcessingObjects(ctx context.Context, jobID common.JobID, limit int) ([]common.EvacuateObject, error)
	UpdateObjectStatus(ctx context.Context, jobID common.JobID, objectID common.ObjectId, status common.EvacuateObjectStatus, skippedReason, errorReason *common.ErrorKind) error
	IncrementJobResult(ctx context.Context, jobID common.JobID, status common.EvacuateObjectStatus) error
}

// Directory is the narrow slice of directory.Directory the rewriter needs,
// to resolve the destination shark's datacenter for the new sharks entry.
type Directory interface {
	Lookup(ctx context.Context, id common.StorageNodeId) (common.StorageNode, bool)
}

type Rewriter struct {
	store     Store
	jobStore  JobStore
	directory Directory
	metrics   *common.Metrics
	logger    common.ILoggerResetable

	mu  sync.Mutex
	sem *semaphore.Weighted
}

func New(store Store, jobStore JobStore, directory Directory, concurrency int64, metrics *common.Metrics, logger common.ILoggerResetable) *Rewriter {
	return &Rewriter{
		store:     store,
		jobStore:  jobStore,
		directory: directory,
		metrics:   metrics,
		logger:    logger,
		sem:       semaphore.NewWeighted(concurrency),
	}
}

// SetConcurrency applies the SetMetadataThreads dynamic update. In-flight
// swaps holding the old semaphore finish normally; only new acquisitions
// observe the new limit.
func (r *Rewriter) SetConcurrency(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sem = semaphore.NewWeighted(n)
}

func (r *Rewriter) semaphoreHandle() *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sem
}

// Tick drains up to limit post_processing objects for job and swaps each
// concurrently, bounded by the current concurrency setting.
func (r *Rewriter) Tick(ctx context.Context, job common.Job, limit int) error {
	objs, err := r.jobStore.PostProcessingObjects(ctx, job.ID, limit)
	if err != nil {
		return fmt.Errorf("rewriter: listing post_processing objects: %w", err)
	}

	var wg sync.WaitGroup
	for _, obj := range objs {
		obj := obj
		sem := r.semaphoreHandle()
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			r.processOne(ctx, job, obj)
		}()
	}
	wg.Wait()
	return nil
}

func (r *Rewriter) processOne(ctx context.Context, job common.Job, obj common.EvacuateObject) {
	err := r.swap(ctx, job, obj)
	if err != nil {
		kind, ok := common.KindOf(err)
		if !ok {
			kind = common.KindBadMantaObject
		}
		if uerr := r.jobStore.UpdateObjectStatus(ctx, job.ID, obj.ObjectID, common.EObjectStatus.Error(), nil, &kind); uerr != nil {
			r.logf("rewriter: marking %s error: %v", obj.ObjectID, uerr)
			return
		}
		r.recordResult(ctx, job.ID, common.EObjectStatus.Error())
		return
	}

	if uerr := r.jobStore.UpdateObjectStatus(ctx, job.ID, obj.ObjectID, common.EObjectStatus.Complete(), nil, nil); uerr != nil {
		r.logf("rewriter: marking %s complete: %v", obj.ObjectID, uerr)
		return
	}
	r.recordResult(ctx, job.ID, common.EObjectStatus.Complete())
}

// swap reads the current metadata row, verifies it still carries the etag
// recorded at discovery, replaces the source shark entry, and writes back
// etag-guarded.
func (r *Rewriter) swap(ctx context.Context, job common.Job, obj common.EvacuateObject) error {
	if obj.DestShark == nil {
		return common.NewTaskError(common.KindBadMantaObject, fmt.Errorf("object %s reached post_processing with no dest_shark", obj.ObjectID))
	}

	destDatacenter := job.FromSharkDatacenter
	if r.directory != nil {
		if node, ok := r.directory.Lookup(ctx, *obj.DestShark); ok {
			destDatacenter = node.Datacenter
		}
	}

	blob, curEtag, err := r.store.Get(ctx, obj.Shard, bucketManta, string(obj.ObjectID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return common.NewTaskError(common.KindMissingSharks, err)
		}
		return common.NewTaskError(common.KindNetworkError, err)
	}
	if curEtag != obj.Etag {
		return common.NewTaskError(common.KindEtagConflict, fmt.Errorf("read: expected etag %s, actual %s", obj.Etag, curEtag))
	}

	newBlob, err := replaceShark(blob, job.FromShark, *obj.DestShark, destDatacenter)
	if err != nil {
		if errors.Is(err, errDuplicateShark) {
			return common.NewTaskError(common.KindDuplicateShark, err)
		}
		return common.NewTaskError(common.KindMissingSharks, err)
	}

	_, err = r.store.Put(ctx, obj.Shard, bucketManta, string(obj.ObjectID), newBlob, curEtag)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrEtagConflict) {
		return common.NewTaskError(common.KindNetworkError, err)
	}

	// One retry after re-reading; a second conflict is terminal.
	blob2, etag2, gerr := r.store.Get(ctx, obj.Shard, bucketManta, string(obj.ObjectID))
	if gerr != nil {
		return common.NewTaskError(common.KindEtagConflict, gerr)
	}
	newBlob2, rerr := replaceShark(blob2, job.FromShark, *obj.DestShark, destDatacenter)
	if rerr != nil {
		if errors.Is(rerr, errDuplicateShark) {
			return common.NewTaskError(common.KindDuplicateShark, rerr)
		}
		return common.NewTaskError(common.KindMissingSharks, rerr)
	}
	if _, err := r.store.Put(ctx, obj.Shard, bucketManta, string(obj.ObjectID), newBlob2, etag2); err != nil {
		return common.NewTaskError(common.KindEtagConflict, fmt.Errorf("metadata update failed after retry: %w", err))
	}
	return nil
}

func (r *Rewriter) recordResult(ctx context.Context, jobID common.JobID, status common.EvacuateObjectStatus) {
	if err := r.jobStore.IncrementJobResult(ctx, jobID, status); err != nil {
		r.logf("rewriter: incrementing job result %s/%s: %v", jobID, status, err)
	}
	if r.metrics != nil {
		r.metrics.JobResultsTotal.WithLabelValues(status.String()).Inc()
	}
}

func (r *Rewriter) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Log(common.LogWarning, fmt.Sprintf(format, args...))
	}
}

type sharkEntry struct {
	MantaStorageID string `json:"manta_storage_id"`
	Datacenter     string `json:"datacenter"`
}

// replaceShark finds from_shark's entry in blob's "sharks" array and swaps
// it for dest_shark/dest_datacenter, preserving every other field in the
// document untouched.
func replaceShark(blob json.RawMessage, fromShark, destShark common.StorageNodeId, destDatacenter string) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("parsing metadata blob: %w", err)
	}
	rawSharks, ok := doc["sharks"]
	if !ok {
		return nil, errMissingSharks
	}
	var sharks []sharkEntry
	if err := json.Unmarshal(rawSharks, &sharks); err != nil {
		return nil, fmt.Errorf("parsing sharks array: %w", err)
	}

	foundAt := -1
	for i, s := range sharks {
		if s.MantaStorageID == string(fromShark) {
			foundAt = i
			continue
		}
		if s.MantaStorageID == string(destShark) {
			return nil, errDuplicateShark
		}
	}
	if foundAt < 0 {
		return nil, errMissingSharks
	}
	sharks[foundAt] = sharkEntry{MantaStorageID: string(destShark), Datacenter: destDatacenter}

	newRaw, err := json.Marshal(sharks)
	if err != nil {
		return nil, err
	}
	doc["sharks"] = newRaw
	return json.Marshal(doc)
}
