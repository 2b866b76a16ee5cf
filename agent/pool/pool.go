// Package pool is the agent's download worker pool: a bounded-concurrency
// fetch + MD5-verify + atomic-rename pipeline. Concurrency is capped with
// golang.org/x/sync/semaphore rather than a hand-rolled buffered-channel
// pool. Per-object streaming goes through common.MD5Writer, which feeds the
// digest as bytes are written to the staging file.
package pool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/TritonDataCenter/rebalancer/common"
)

const downloadReadChunk = 256 * 1024

// AssignmentStore is the narrow slice of agent/store.Store the pool needs,
// so tests can substitute a fake without depending on bbolt.
type AssignmentStore interface {
	MarkTask(id common.AssignmentID, objectID common.ObjectId, status common.TaskStatus, reason *common.ErrorKind) error
}

// Pool is single-process and cooperatively scheduled: the only shared
// mutable state between tasks is the Assignment Store and the filesystem.
// Workers are handed the store directly, never a back-pointer to the
// Controller.
type Pool struct {
	client  *http.Client
	sem     *semaphore.Weighted
	mantaRoot string
	timeout time.Duration
	store   AssignmentStore
	metrics *common.Metrics
	logger  common.ILoggerResetable
}

// New builds a pool with concurrency worker slots
// (REBALANCER_CONCURRENT_DOWNLOADS, default 4).
func New(concurrency int, mantaRoot string, timeout time.Duration, store AssignmentStore, metrics *common.Metrics, logger common.ILoggerResetable) *Pool {
	return &Pool{
		client:    &http.Client{},
		sem:       semaphore.NewWeighted(int64(concurrency)),
		mantaRoot: mantaRoot,
		timeout:   timeout,
		store:     store,
		metrics:   metrics,
		logger:    logger,
	}
}

// Submit hands one task to the pool without blocking the caller; the
// controller's request-handling loop must never stall on a full pool. The
// semaphore acquire, which may block, happens on its own goroutine.
func (p *Pool) Submit(ctx context.Context, assignmentID common.AssignmentID, task common.Task) {
	go p.run(ctx, assignmentID, task)
}

func (p *Pool) run(ctx context.Context, assignmentID common.AssignmentID, task common.Task) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return // controller shutting down
	}
	defer p.sem.Release(1)

	kind, derr := p.download(ctx, task)

	status := common.ETaskStatus.Complete()
	var reasonPtr *common.ErrorKind
	outcomeLabel := "complete"
	if derr != nil {
		status = common.ETaskStatus.Failed()
		k := kind
		reasonPtr = &k
		outcomeLabel = string(kind)
		if p.logger != nil {
			p.logger.Log(common.LogWarning, fmt.Sprintf("task %s/%s failed: %s: %v", assignmentID, task.ObjectID, kind, derr))
		}
	}

	if err := p.store.MarkTask(assignmentID, task.ObjectID, status, reasonPtr); err != nil && p.logger != nil {
		p.logger.Log(common.LogError, fmt.Sprintf("mark_task failed for %s/%s: %v", assignmentID, task.ObjectID, err))
	}

	if p.metrics != nil {
		p.metrics.TaskOutcomesTotal.WithLabelValues(outcomeLabel).Inc()
	}
}

// download streams one object from its current holder into a .tmp staging
// sibling, verifies the MD5, and renames into place. The rename is the
// atomic commit point; any failure before it leaves at most a staging file
// for the startup sweep.
func (p *Pool) download(ctx context.Context, task common.Task) (common.ErrorKind, error) {
	final := filepath.Join(p.mantaRoot, task.Owner, string(task.ObjectID))
	staging := final + common.StagingSuffix

	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return common.KindAgentFSError, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, common.DEFAULT_FILE_PERM)
	if err != nil {
		return common.KindAgentFSError, fmt.Errorf("open staging: %w", err)
	}

	dlCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/%s/%s", task.Source.MantaStorageID, task.Owner, task.ObjectID)
	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(staging)
		return common.KindNetworkError, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(staging)
		return common.KindNetworkError, err
	}
	defer resp.Body.Close()

	if httpErr := common.DetectHTTPStatusError(resp); httpErr != nil {
		_ = f.Close()
		_ = os.Remove(staging)
		return httpErr.Kind(), fmt.Errorf("download %s: %s", url, httpErr.String())
	}

	writer := common.NewMD5Writer(f)
	if _, err := io.CopyBuffer(writer, resp.Body, make([]byte, downloadReadChunk)); err != nil {
		_ = f.Close()
		_ = os.Remove(staging)
		return common.KindNetworkError, err
	}

	if digest := writer.Sum(); digest != string(task.MD5Sum) {
		_ = f.Close()
		_ = os.Remove(staging)
		return common.KindMD5Mismatch, fmt.Errorf("md5 mismatch: got %s want %s", digest, task.MD5Sum)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return common.KindAgentFSError, err
	}
	if err := f.Close(); err != nil {
		return common.KindAgentFSError, err
	}
	if err := os.Rename(staging, final); err != nil {
		return common.KindAgentFSError, err
	}
	if dir, err := os.Open(filepath.Dir(final)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	return "", nil
}
