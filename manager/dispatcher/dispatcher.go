// Package dispatcher is the agent dispatcher: it POSTs sealed assignments
// to the owning agent, polls for completion, and reconciles per-task
// outcomes back into the job store.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/TritonDataCenter/rebalancer/common"
	"github.com/TritonDataCenter/rebalancer/manager/planner"
)

// JobStore is the narrow slice of jobstore.Store the dispatcher depends on.
type JobStore interface {
	UpdateObjectStatus(ctx context.Context, jobID common.JobID, objectID common.ObjectId, status common.EvacuateObjectStatus, skippedReason, errorReason *common.ErrorKind) error
	IncrementJobResult(ctx context.Context, jobID common.JobID, status common.EvacuateObjectStatus) error
}

type createAssignmentBody struct {
	ID    string        `json:"id"`
	Tasks []common.Task `json:"tasks"`
}

// tracked is one assignment the dispatcher is following from POST to
// DELETE. The sealed task set is retained verbatim so the same assignment
// (same id, same tasks) can be re-POSTed if the agent never received it or
// lost it; an assignment is never re-planned once committed.
type tracked struct {
	jobID     common.JobID
	destShark common.StorageNodeId
	tasks     []common.Task
	needsPost bool
}

type Dispatcher struct {
	client  *http.Client
	store   JobStore
	metrics *common.Metrics
	logger  common.ILoggerResetable

	mu       sync.Mutex
	tracking map[common.AssignmentID]tracked
}

func New(client *http.Client, store JobStore, metrics *common.Metrics, logger common.ILoggerResetable) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{
		client:   client,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		tracking: make(map[common.AssignmentID]tracked),
	}
}

// Emit implements planner.Emitter: POST the sealed assignment to its
// destination agent and begin tracking it for polling. A 409 is treated as
// idempotent success: a 409 means a retried POST after a crash between the
// row commit and the original POST, and the agent already has the work.
func (d *Dispatcher) Emit(ctx context.Context, h planner.Handoff) error {
	body, err := json.Marshal(createAssignmentBody{ID: h.AssignmentID.String(), Tasks: h.Tasks})
	if err != nil {
		return fmt.Errorf("dispatcher: marshaling assignment %s: %w", h.AssignmentID, err)
	}

	url := fmt.Sprintf("http://%s/assignments", h.DestShark)
	if err := d.postWithRetry(ctx, url, body); err != nil {
		// AgentUnavailable: keep the sealed assignment and re-POST it at the
		// next poll pass rather than abandoning the committed rows.
		d.mu.Lock()
		d.tracking[h.AssignmentID] = tracked{jobID: h.JobID, destShark: h.DestShark, tasks: h.Tasks, needsPost: true}
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.AssignmentOutcomesTotal.WithLabelValues("dispatch_failed").Inc()
		}
		return common.NewTaskError(common.KindAgentUnavailable, err)
	}

	d.mu.Lock()
	d.tracking[h.AssignmentID] = tracked{jobID: h.JobID, destShark: h.DestShark, tasks: h.Tasks}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.AssignmentOutcomesTotal.WithLabelValues("dispatched").Inc()
	}
	return nil
}

// Track resumes following an assignment the manager already committed
// before a restart. tasks is the assignment's sealed task set, rebuilt from
// the job store, so that if the agent never heard of it (crash between
// commit and POST) the next poll re-POSTs the identical assignment.
func (d *Dispatcher) Track(jobID common.JobID, assignmentID common.AssignmentID, destShark common.StorageNodeId, tasks []common.Task) {
	d.mu.Lock()
	d.tracking[assignmentID] = tracked{jobID: jobID, destShark: destShark, tasks: tasks}
	d.mu.Unlock()
}

// postWithRetry applies the standard backoff policy (150ms +/- jitter, doubling to
// 2s, 3 attempts) to the initial POST; a 5xx or transport error is retried
// in place, a 409 is swallowed as success, any other non-2xx fails fast.
func (d *Dispatcher) postWithRetry(ctx context.Context, url string, body []byte) error {
	delay := common.RetryInitialDelay
	var lastErr error
	for attempt := 0; attempt < common.RetryMaxAttempts; attempt++ {
		err := d.post(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err

		if httpErr, ok := err.(*common.HTTPStatusError); ok && !httpErr.IsServerErr {
			break
		}
		if attempt == common.RetryMaxAttempts-1 {
			break
		}
		spread := float64(delay) * common.RetryJitterFraction
		jittered := time.Duration(float64(delay) + (rand.Float64()*2-1)*spread)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay = time.Duration(float64(delay) * common.RetryBackoffFactor)
		if delay > common.RetryMaxDelay {
			delay = common.RetryMaxDelay
		}
	}
	return lastErr
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if httpErr := common.DetectHTTPStatusError(resp); httpErr != nil {
		return httpErr
	}
	return nil
}

// PollOnce checks every tracked assignment once. An assignment awaiting
// re-dispatch is re-POSTed first; a 404 means the agent has no record and
// the manager's copy is re-POSTed (same id, same tasks); a non-complete
// state is left tracked; a complete state is reconciled into the job store
// and the assignment is deleted from the agent.
func (d *Dispatcher) PollOnce(ctx context.Context) {
	d.mu.Lock()
	ids := make(map[common.AssignmentID]tracked, len(d.tracking))
	for id, t := range d.tracking {
		ids[id] = t
	}
	d.mu.Unlock()

	for id, t := range ids {
		d.pollOne(ctx, id, t)
	}
}

// rePost re-submits the tracked assignment verbatim. A 409 from the agent
// means it already has it, which postWithRetry treats as success.
func (d *Dispatcher) rePost(ctx context.Context, id common.AssignmentID, t tracked) {
	body, err := json.Marshal(createAssignmentBody{ID: id.String(), Tasks: t.tasks})
	if err != nil {
		d.logf("dispatcher: marshaling assignment %s for re-dispatch: %v", id, err)
		return
	}
	url := fmt.Sprintf("http://%s/assignments", t.destShark)
	if err := d.postWithRetry(ctx, url, body); err != nil {
		d.logf("dispatcher: re-dispatching %s to %s: %v", id, t.destShark, err)
		return
	}
	d.mu.Lock()
	if cur, ok := d.tracking[id]; ok {
		cur.needsPost = false
		d.tracking[id] = cur
	}
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.AssignmentOutcomesTotal.WithLabelValues("redispatched").Inc()
	}
}

func (d *Dispatcher) pollOne(ctx context.Context, id common.AssignmentID, t tracked) {
	if t.needsPost {
		d.rePost(ctx, id, t)
		return
	}

	url := fmt.Sprintf("http://%s/assignments/%s", t.destShark, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		d.logf("dispatcher: building poll request for %s: %v", id, err)
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logf("dispatcher: polling %s at %s: %v", id, t.destShark, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The agent has no record of this assignment (it restarted before
		// persisting it, or the original POST never arrived). The manager's
		// record still says assigned, so re-POST the identical assignment.
		d.rePost(ctx, id, t)
		return
	}
	if httpErr := common.DetectHTTPStatusError(resp); httpErr != nil {
		d.logf("dispatcher: poll %s returned %s", id, httpErr.String())
		return
	}

	var a common.Assignment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		d.logf("dispatcher: decoding assignment %s: %v", id, err)
		return
	}
	if a.State != common.EAssignmentState.Complete() {
		return
	}

	d.reconcile(ctx, t.jobID, a)
	d.deleteAssignment(ctx, t.destShark, id)

	d.mu.Lock()
	delete(d.tracking, id)
	d.mu.Unlock()
}

// reconcile folds each terminal task outcome back into the job store: a
// complete task advances the object to metadata rewrite; a failed task's
// Reason decides whether the object is terminally errored or left skipped
// for a future planner pass.
func (d *Dispatcher) reconcile(ctx context.Context, jobID common.JobID, a common.Assignment) {
	for objectID, task := range a.Tasks {
		switch task.Status {
		case common.ETaskStatus.Complete():
			// The download is done but the object isn't terminal yet: the
			// metadata rewriter still owns the source->dest swap.
			if err := d.store.UpdateObjectStatus(ctx, jobID, objectID, common.EObjectStatus.PostProcessing(), nil, nil); err != nil {
				d.logf("dispatcher: marking %s post_processing: %v", objectID, err)
			}
		case common.ETaskStatus.Failed():
			reason := task.Reason
			if reason != nil && reason.Retriable() {
				if err := d.store.UpdateObjectStatus(ctx, jobID, objectID, common.EObjectStatus.Skipped(), reason, nil); err != nil {
					d.logf("dispatcher: marking %s skipped: %v", objectID, err)
				}
				continue
			}
			if err := d.store.UpdateObjectStatus(ctx, jobID, objectID, common.EObjectStatus.Error(), nil, reason); err != nil {
				d.logf("dispatcher: marking %s error: %v", objectID, err)
				continue
			}
			d.recordResult(ctx, jobID, common.EObjectStatus.Error())
		}
	}
}

func (d *Dispatcher) recordResult(ctx context.Context, jobID common.JobID, status common.EvacuateObjectStatus) {
	if err := d.store.IncrementJobResult(ctx, jobID, status); err != nil {
		d.logf("dispatcher: incrementing job result %s/%s: %v", jobID, status, err)
	}
	if d.metrics != nil {
		d.metrics.JobResultsTotal.WithLabelValues(status.String()).Inc()
	}
}

func (d *Dispatcher) deleteAssignment(ctx context.Context, destShark common.StorageNodeId, id common.AssignmentID) {
	url := fmt.Sprintf("http://%s/assignments/%s", destShark, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		// Best-effort: a failed DELETE is logged and not repeated; pollOne
		// drops the assignment from tracking either way, so its copy stays
		// on the agent.
		d.logf("dispatcher: deleting assignment %s from %s: %v", id, destShark, err)
		return
	}
	defer resp.Body.Close()
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Log(common.LogWarning, fmt.Sprintf(format, args...))
	}
}
