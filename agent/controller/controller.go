// Package controller is the agent controller: it owns the assignment HTTP
// surface, the startup sweep/resume sequence, and hands pending tasks from
// the assignment store to the download worker pool.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/TritonDataCenter/rebalancer/agent/store"
	"github.com/TritonDataCenter/rebalancer/common"
)

// WorkerPool is the narrow slice of pool.Pool the controller depends on:
// the pool gets a store handle, the controller gets a pool handle, neither
// holds a back-pointer to the other.
type WorkerPool interface {
	Submit(ctx context.Context, assignmentID common.AssignmentID, task common.Task)
}

// AssignmentStore is the narrow slice of agent/store.Store the controller
// depends on directly (beyond what WorkerPool already requires).
type AssignmentStore interface {
	Create(id common.AssignmentID, destShark common.StorageNodeId, tasks []common.Task) error
	Get(id common.AssignmentID) (common.Assignment, error)
	SetState(id common.AssignmentID, state common.AssignmentState) error
	PendingTasks(id common.AssignmentID) ([]common.Task, error)
	Delete(id common.AssignmentID) error
	IncompleteAssignments() ([]common.AssignmentID, error)
}

type Controller struct {
	store    AssignmentStore
	pool     WorkerPool
	validate *validator.Validate
	nodeID   common.StorageNodeId
	logger   common.ILoggerResetable
	metrics  *common.Metrics
}

func New(st AssignmentStore, wp WorkerPool, nodeID common.StorageNodeId, logger common.ILoggerResetable, metrics *common.Metrics) *Controller {
	return &Controller{
		store:    st,
		pool:     wp,
		validate: validator.New(),
		nodeID:   nodeID,
		logger:   logger,
		metrics:  metrics,
	}
}

// Routes wires the assignment endpoints onto r.
func (c *Controller) Routes(r chi.Router) {
	r.Post("/assignments", c.handleCreate)
	r.Get("/assignments/{id}", c.handleGet)
	r.Delete("/assignments/{id}", c.handleDelete)
}

type taskSourceRequest struct {
	MantaStorageID string `json:"manta_storage_id" validate:"required"`
	Datacenter     string `json:"datacenter" validate:"required"`
}

type taskRequest struct {
	ObjectID string            `json:"object_id" validate:"required"`
	Owner    string            `json:"owner" validate:"required"`
	MD5Sum   string            `json:"md5sum" validate:"required"`
	Source   taskSourceRequest `json:"source" validate:"required"`
}

type createAssignmentRequest struct {
	ID    string        `json:"id" validate:"required,uuid"`
	Tasks []taskRequest `json:"tasks" validate:"required,min=1,dive"`
}

func (c *Controller) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := c.validate.Struct(req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	id, err := common.ParseAssignmentID(req.ID)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	tasks := make([]common.Task, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		tasks = append(tasks, common.Task{
			ObjectID: common.ObjectId(t.ObjectID),
			Owner:    t.Owner,
			MD5Sum:   common.MD5(t.MD5Sum),
			Source: common.TaskSource{
				MantaStorageID: common.StorageNodeId(t.Source.MantaStorageID),
				Datacenter:     t.Source.Datacenter,
			},
			Status: common.ETaskStatus.Pending(),
		})
	}

	if err := c.store.Create(id, c.nodeID, tasks); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The dispatcher treats this 409 as idempotent success for
			// a retried POST.
			httpError(w, http.StatusConflict, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	c.runAssignment(context.Background(), id)

	writeJSON(w, http.StatusOK, id.String())
}

func (c *Controller) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseAssignmentID(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	a, err := c.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (c *Controller) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseAssignmentID(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := c.store.Delete(id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httpError(w, http.StatusNotFound, err)
		case errors.Is(err, store.ErrForbidden):
			httpError(w, http.StatusForbidden, err)
		default:
			httpError(w, http.StatusInternalServerError, err)
		}
		return
	}
	if c.metrics != nil {
		c.metrics.AssignmentOutcomesTotal.WithLabelValues("deleted").Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resume re-enqueues every assignment left scheduled/running across a
// restart; Sweep must already have run.
func (c *Controller) Resume(ctx context.Context) error {
	ids, err := c.store.IncompleteAssignments()
	if err != nil {
		return fmt.Errorf("listing incomplete assignments: %w", err)
	}
	for _, id := range ids {
		c.runAssignment(ctx, id)
	}
	return nil
}

// runAssignment sets state=running, hands every pending task to the worker
// pool, and starts a goroutine that advances state=complete once nothing is
// left pending.
func (c *Controller) runAssignment(ctx context.Context, id common.AssignmentID) {
	if err := c.store.SetState(id, common.EAssignmentState.Running()); err != nil && c.logger != nil {
		c.logger.Log(common.LogError, fmt.Sprintf("set_state running failed for %s: %v", id, err))
	}

	pending, err := c.store.PendingTasks(id)
	if err != nil {
		if c.logger != nil {
			c.logger.Log(common.LogError, fmt.Sprintf("pending_tasks failed for %s: %v", id, err))
		}
		return
	}
	for _, t := range pending {
		c.pool.Submit(ctx, id, t)
	}

	go c.awaitCompletion(ctx, id)
}

func (c *Controller) awaitCompletion(ctx context.Context, id common.AssignmentID) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		remaining, err := c.store.PendingTasks(id)
		if err != nil {
			if c.logger != nil {
				c.logger.Log(common.LogError, fmt.Sprintf("pending_tasks poll failed for %s: %v", id, err))
			}
			return
		}
		if len(remaining) == 0 {
			if err := c.store.SetState(id, common.EAssignmentState.Complete()); err != nil && c.logger != nil {
				c.logger.Log(common.LogError, fmt.Sprintf("set_state complete failed for %s: %v", id, err))
			}
			if c.metrics != nil {
				c.metrics.AssignmentOutcomesTotal.WithLabelValues("complete").Inc()
			}
			return
		}
	}
}

// Sweep recursively scans mantaRoot for stale .tmp files left behind by a
// crash and removes them. Best-effort: errors are logged, never fatal, but
// the sweep must complete before any task resumes, otherwise a stale .tmp
// could be mistaken for a fresh partial.
func Sweep(mantaRoot string, logger common.ILoggerResetable) {
	err := filepath.WalkDir(mantaRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if logger != nil {
				logger.Log(common.LogWarning, fmt.Sprintf("sweep: %v", err))
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), common.StagingSuffix) {
			if rmErr := os.Remove(path); rmErr != nil && logger != nil {
				logger.Log(common.LogWarning, fmt.Sprintf("sweep: removing %s: %v", path, rmErr))
			}
		}
		return nil
	})
	if err != nil && logger != nil {
		logger.Log(common.LogWarning, fmt.Sprintf("sweep: walking %s: %v", mantaRoot, err))
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
