// Package controller is the job controller: it owns the job state machine
// (Init -> Setup -> Running -> {Complete, Stopped, Failed}), the job HTTP
// surface, and the per-job tick loop that drives the planner, dispatcher,
// and metadata rewriter.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/TritonDataCenter/rebalancer/common"
	"github.com/TritonDataCenter/rebalancer/manager/jobstore"
	"github.com/TritonDataCenter/rebalancer/manager/source"
)

// JobStore is the narrow slice of jobstore.Store the controller depends on.
type JobStore interface {
	CreateJob(ctx context.Context, job common.Job) error
	GetJob(ctx context.Context, id common.JobID) (common.Job, error)
	ListJobSummaries(ctx context.Context) ([]jobstore.JobSummary, error)
	ActiveJobs(ctx context.Context) ([]common.Job, error)
	SetJobState(ctx context.Context, id common.JobID, state common.JobState) error
	LiveStatusCounts(ctx context.Context, jobID common.JobID) (map[string]int64, error)
	ResetSkippedForRetry(ctx context.Context, jobID common.JobID) error
	NonCompleteObjectIDs(ctx context.Context, priorJobID common.JobID) ([]common.ObjectId, error)
	ObjectCounts(ctx context.Context, jobID common.JobID) (discovered, terminal int64, err error)
	UpsertObjects(ctx context.Context, jobID common.JobID, objs []jobstore.EvacuateObjectInput) error
	AssignedAssignments(ctx context.Context, jobID common.JobID) ([]jobstore.InFlightAssignment, error)
	AssignmentTasks(ctx context.Context, jobID common.JobID, assignmentID common.AssignmentID, source common.TaskSource) ([]common.Task, error)
}

// Directory is the narrow slice of directory.Directory the controller needs.
type Directory interface {
	Lookup(ctx context.Context, id common.StorageNodeId) (common.StorageNode, bool)
	Generation() uint64
}

// Planner is the narrow slice of planner.Planner the controller drives.
type Planner interface {
	Tick(ctx context.Context, job common.Job) (int, error)
}

// Rewriter is the narrow slice of metadata.Rewriter the controller drives.
type Rewriter interface {
	Tick(ctx context.Context, job common.Job, limit int) error
	SetConcurrency(n int64)
}

// Dispatcher is the narrow slice of dispatcher.Dispatcher the controller
// drives; PollOnce covers every job's in-flight assignments in one pass,
// Track re-follows an assignment committed before a restart, carrying its
// rebuilt task set so the dispatcher can re-POST it verbatim if needed.
type Dispatcher interface {
	PollOnce(ctx context.Context)
	Track(jobID common.JobID, assignmentID common.AssignmentID, destShark common.StorageNodeId, tasks []common.Task)
}

// SourceFactory opens a fresh Object Source scoped to one job's from_shark.
type SourceFactory func(ctx context.Context, fromShark common.StorageNodeId) (source.Source, error)

type Controller struct {
	store         JobStore
	directory     Directory
	planner       Planner
	rewriter      Rewriter
	dispatcher    Dispatcher
	openSource    SourceFactory
	tickInterval  time.Duration
	validate      *validator.Validate
	logger        common.ILoggerResetable
	metrics       *common.Metrics

	mu            sync.Mutex
	lastGen       map[common.JobID]uint64
	stopRequested map[common.JobID]bool
	cancel        map[common.JobID]context.CancelFunc
}

func New(store JobStore, directory Directory, planner Planner, rewriter Rewriter, dispatcher Dispatcher, openSource SourceFactory, tickInterval time.Duration, logger common.ILoggerResetable, metrics *common.Metrics) *Controller {
	return &Controller{
		store:         store,
		directory:     directory,
		planner:       planner,
		rewriter:      rewriter,
		dispatcher:    dispatcher,
		openSource:    openSource,
		tickInterval:  tickInterval,
		validate:      validator.New(),
		logger:        logger,
		metrics:       metrics,
		lastGen:       make(map[common.JobID]uint64),
		stopRequested: make(map[common.JobID]bool),
		cancel:        make(map[common.JobID]context.CancelFunc),
	}
}

// Routes wires the job endpoints onto r.
func (c *Controller) Routes(r chi.Router) {
	r.Post("/jobs", c.handleCreateJob)
	r.Get("/jobs", c.handleListJobs)
	r.Get("/jobs/{uuid}", c.handleGetJob)
	r.Put("/jobs/{uuid}", c.handleUpdateJob)
	r.Post("/jobs/{uuid}/retry", c.handleRetryJob)
}

type createJobParams struct {
	FromShark  string  `json:"from_shark" validate:"required"`
	MaxObjects *uint32 `json:"max_objects"`
}

type createJobRequest struct {
	Action string          `json:"action" validate:"required,eq=evacuate"`
	Params createJobParams `json:"params" validate:"required"`
}

func (c *Controller) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := c.validate.Struct(req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	fromShark := common.StorageNodeId(req.Params.FromShark)
	datacenter := ""
	if node, ok := c.directory.Lookup(r.Context(), fromShark); ok {
		datacenter = node.Datacenter
	}

	job := common.Job{
		ID:                  common.NewJobID(),
		Action:              common.EJobAction.Evacuate(),
		State:               common.EJobState.Init(),
		FromShark:           fromShark,
		FromSharkDatacenter: datacenter,
		MaxObjects:          req.Params.MaxObjects,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	if err := c.store.CreateJob(r.Context(), job); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	src, err := c.openSource(context.Background(), fromShark)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("opening object source: %w", err))
		return
	}
	c.Run(job, src)

	writeJSON(w, http.StatusOK, job.ID.String())
}

func (c *Controller) handleListJobs(w http.ResponseWriter, r *http.Request) {
	summaries, err := c.store.ListJobSummaries(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type jobDetail struct {
	Config  jobConfig          `json:"config"`
	Results map[string]int64   `json:"results"`
	State   common.JobState    `json:"state"`
}

type jobConfig struct {
	Evacuate jobConfigEvacuate `json:"evacuate"`
}

type jobConfigEvacuate struct {
	FromShark jobFromShark `json:"from_shark"`
}

type jobFromShark struct {
	MantaStorageID string `json:"manta_storage_id"`
	Datacenter     string `json:"datacenter"`
}

func (c *Controller) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseJobID(chi.URLParam(r, "uuid"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	job, err := c.store.GetJob(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if job.State == common.EJobState.Init() {
		httpError(w, http.StatusInternalServerError, errors.New("job is still initializing"))
		return
	}

	results, err := c.store.LiveStatusCounts(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, jobDetail{
		Config: jobConfig{Evacuate: jobConfigEvacuate{FromShark: jobFromShark{
			MantaStorageID: string(job.FromShark),
			Datacenter:     job.FromSharkDatacenter,
		}}},
		Results: results,
		State:   job.State,
	})
}

// evacuateJobUpdateMessage is the only defined variant of the dynamic
// update message accepted while a job is running.
type evacuateJobUpdateMessage struct {
	Type    string `json:"type" validate:"required,eq=SetMetadataThreads"`
	Threads int64  `json:"threads" validate:"required,min=1"`
}

func (c *Controller) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseJobID(chi.URLParam(r, "uuid"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	job, err := c.store.GetJob(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if job.State != common.EJobState.Running() {
		httpError(w, http.StatusBadRequest, fmt.Errorf("job %s is not running", id))
		return
	}

	var msg evacuateJobUpdateMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := c.validate.Struct(msg); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	c.rewriter.SetConcurrency(msg.Threads)
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	priorID, err := common.ParseJobID(chi.URLParam(r, "uuid"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	prior, err := c.store.GetJob(r.Context(), priorID)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if prior.State != common.EJobState.Failed() {
		httpError(w, http.StatusBadRequest, fmt.Errorf("job %s is not failed", priorID))
		return
	}

	job := common.Job{
		ID:                  common.NewJobID(),
		Action:              common.EJobAction.Evacuate(),
		State:               common.EJobState.Init(),
		FromShark:           prior.FromShark,
		FromSharkDatacenter: prior.FromSharkDatacenter,
		MaxObjects:          prior.MaxObjects,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	if err := c.store.CreateJob(r.Context(), job); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	nonComplete, err := c.store.NonCompleteObjectIDs(r.Context(), priorID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	src, err := c.openSource(context.Background(), job.FromShark)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("opening object source: %w", err))
		return
	}
	c.Run(job, source.NewRetryFilter(src, nonComplete))

	writeJSON(w, http.StatusOK, job.ID.String())
}

// ResumeJobs restarts every job a previous process left non-terminal. Jobs
// still in Init or Setup restart discovery from scratch (the upsert is
// duplicate-tolerant), Running jobs re-track their in-flight assignments
// and go straight back to ticking.
func (c *Controller) ResumeJobs(ctx context.Context) error {
	jobs, err := c.store.ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing active jobs: %w", err)
	}
	for _, job := range jobs {
		if job.State != common.EJobState.Running() {
			src, err := c.openSource(ctx, job.FromShark)
			if err != nil {
				c.fail(ctx, job, fmt.Errorf("reopening object source: %w", err))
				continue
			}
			c.Run(job, src)
			continue
		}

		inflight, err := c.store.AssignedAssignments(ctx, job.ID)
		if err != nil {
			c.logf("controller: listing in-flight assignments for job %s: %v", job.ID, err)
			continue
		}
		taskSource := common.TaskSource{MantaStorageID: job.FromShark, Datacenter: job.FromSharkDatacenter}
		for _, a := range inflight {
			tasks, err := c.store.AssignmentTasks(ctx, job.ID, a.AssignmentID, taskSource)
			if err != nil {
				c.logf("controller: rebuilding tasks of assignment %s: %v", a.AssignmentID, err)
				continue
			}
			c.dispatcher.Track(job.ID, a.AssignmentID, common.StorageNodeId(a.DestShark), tasks)
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel[job.ID] = cancel
		c.mu.Unlock()
		go c.runLoop(loopCtx, job)
	}
	return nil
}

// Run starts a job's discovery phase (state -> Setup) followed by its
// ticking Running phase, in its own goroutine. src has already been scoped
// (and, for a retry job, filtered) to this job.
func (c *Controller) Run(job common.Job, src source.Source) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel[job.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer src.Close()
		if err := c.discover(ctx, job, src); err != nil {
			c.fail(ctx, job, err)
			return
		}
		c.runLoop(ctx, job)
	}()
}

// discover is the Setup state: it drains the object source into the job
// store, batching Next() calls into duplicate-tolerant UpsertObjects.
func (c *Controller) discover(ctx context.Context, job common.Job, src source.Source) error {
	if err := c.store.SetJobState(ctx, job.ID, common.EJobState.Setup()); err != nil {
		return fmt.Errorf("setting job %s to setup: %w", job.ID, err)
	}

	const batchSize = 200
	batch := make([]jobstore.EvacuateObjectInput, 0, batchSize)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.store.UpsertObjects(ctx, job.ID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		if job.MaxObjects != nil && uint32(total) >= *job.MaxObjects {
			break
		}
		obj, ok, err := src.Next(ctx)
		if err != nil {
			return fmt.Errorf("reading object source: %w", err)
		}
		if !ok {
			break
		}
		batch = append(batch, jobstore.EvacuateObjectInput{
			ObjectID:   obj.ObjectID,
			Shard:      obj.Shard,
			Etag:       obj.Etag,
			ObjectBlob: obj.Blob,
		})
		total++
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	return c.store.SetJobState(ctx, job.ID, common.EJobState.Running())
}

// runLoop is the Running-state tick loop: directory-refresh-gated skip
// reopening, planner, dispatcher poll, rewriter, then a completion check.
func (c *Controller) runLoop(ctx context.Context, job common.Job) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.isStopRequested(job.ID) {
			if err := c.store.SetJobState(ctx, job.ID, common.EJobState.Stopped()); err != nil {
				c.logf("controller: stopping job %s: %v", job.ID, err)
			}
			c.cleanup(job.ID)
			return
		}

		c.maybeReopenSkipped(ctx, job)

		if _, err := c.planner.Tick(ctx, job); err != nil {
			c.logf("controller: planner tick for job %s: %v", job.ID, err)
		}
		c.dispatcher.PollOnce(ctx)
		if err := c.rewriter.Tick(ctx, job, 256); err != nil {
			c.logf("controller: rewriter tick for job %s: %v", job.ID, err)
		}

		discovered, terminal, err := c.store.ObjectCounts(ctx, job.ID)
		if err != nil {
			c.logf("controller: object counts for job %s: %v", job.ID, err)
			continue
		}
		if terminal >= discovered {
			if err := c.store.SetJobState(ctx, job.ID, common.EJobState.Complete()); err != nil {
				c.logf("controller: completing job %s: %v", job.ID, err)
			}
			if c.metrics != nil {
				c.metrics.JobResultsTotal.WithLabelValues("job_complete").Inc()
			}
			c.cleanup(job.ID)
			return
		}
	}
}

// maybeReopenSkipped reopens every currently-skipped object exactly once
// per directory refresh generation, giving them another planner pass
// against the fresher fleet.
func (c *Controller) maybeReopenSkipped(ctx context.Context, job common.Job) {
	gen := c.directory.Generation()
	c.mu.Lock()
	last := c.lastGen[job.ID]
	c.lastGen[job.ID] = gen
	c.mu.Unlock()

	if gen == last {
		return
	}
	if err := c.store.ResetSkippedForRetry(ctx, job.ID); err != nil {
		c.logf("controller: reopening skipped objects for job %s: %v", job.ID, err)
	}
}

func (c *Controller) fail(ctx context.Context, job common.Job, cause error) {
	c.logf("controller: job %s failed: %v", job.ID, cause)
	if err := c.store.SetJobState(ctx, job.ID, common.EJobState.Failed()); err != nil {
		c.logf("controller: marking job %s failed: %v", job.ID, err)
	}
	c.cleanup(job.ID)
}

// RequestStop marks job for an advisory stop: in-flight HTTP operations are
// permitted to finish and no work item is abandoned mid-write. The next
// tick observes it and transitions to Stopped.
func (c *Controller) RequestStop(id common.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested[id] = true
}

func (c *Controller) isStopRequested(id common.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested[id]
}

func (c *Controller) cleanup(id common.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancel[id]; ok {
		cancel()
	}
	delete(c.cancel, id)
	delete(c.lastGen, id)
	delete(c.stopRequested, id)
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Log(common.LogWarning, fmt.Sprintf(format, args...))
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
