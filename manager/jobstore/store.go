// Package jobstore is the manager's job store: durable job rows, per-object
// evacuate rows, and per-status counters in Postgres, with goose-managed
// migrations applied at startup.
package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/TritonDataCenter/rebalancer/common"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("job store: not found")

// DBFailureCounter is satisfied by *common.Metrics' DBOperationFailuresTotal.
type DBFailureCounter interface {
	Inc()
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type Store struct {
	db         *sqlx.DB
	dbFailures DBFailureCounter
}

func Open(databaseURL string, dbFailures DBFailureCounter) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to job store: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying job store migrations: %w", err)
	}

	if dbFailures == nil {
		dbFailures = noopCounter{}
	}
	return &Store{db: db, dbFailures: dbFailures}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateJob inserts a new job row in state Init.
func (s *Store) CreateJob(ctx context.Context, job common.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, action, state, from_shark, from_shark_datacenter, max_objects, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		job.ID, job.Action.String(), job.State.String(), string(job.FromShark), job.FromSharkDatacenter, job.MaxObjects, job.CreatedAt)
	return s.classify(err)
}

type jobRow struct {
	ID                  common.JobID `db:"id"`
	Action              string       `db:"action"`
	State               string       `db:"state"`
	FromShark           string       `db:"from_shark"`
	FromSharkDatacenter string       `db:"from_shark_datacenter"`
	MaxObjects          *uint32      `db:"max_objects"`
	CreatedAt           time.Time    `db:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
}

func (r jobRow) toJob() (common.Job, error) {
	var action common.JobAction
	if err := action.Parse(r.Action); err != nil {
		return common.Job{}, err
	}
	var state common.JobState
	if err := state.Parse(r.State); err != nil {
		return common.Job{}, err
	}
	return common.Job{
		ID:                  r.ID,
		Action:              action,
		State:               state,
		FromShark:           common.StorageNodeId(r.FromShark),
		FromSharkDatacenter: r.FromSharkDatacenter,
		MaxObjects:          r.MaxObjects,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}, nil
}

// GetJob reports ErrNotFound for an unknown id; the still-initializing
// special case is the caller's to decide.
func (s *Store) GetJob(ctx context.Context, id common.JobID) (common.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, action, state, from_shark, from_shark_datacenter, max_objects, created_at, updated_at
		FROM jobs WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Job{}, ErrNotFound
	}
	if err != nil {
		return common.Job{}, s.classify(err)
	}
	return row.toJob()
}

// JobSummary is the slim shape for GET /jobs, distinct from the full
// per-job detail.
type JobSummary struct {
	ID     common.JobID    `json:"id"`
	Action common.JobAction `json:"action"`
	State  common.JobState  `json:"state"`
}

func (s *Store) ListJobSummaries(ctx context.Context) ([]JobSummary, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, action, state, from_shark, from_shark_datacenter, max_objects, created_at, updated_at FROM jobs ORDER BY created_at DESC`); err != nil {
		return nil, s.classify(err)
	}
	summaries := make([]JobSummary, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, JobSummary{ID: job.ID, Action: job.Action, State: job.State})
	}
	return summaries, nil
}

// ActiveJobs returns jobs a previous process left in a non-terminal state,
// oldest first, so the controller can resume them on startup.
func (s *Store) ActiveJobs(ctx context.Context) ([]common.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, action, state, from_shark, from_shark_datacenter, max_objects, created_at, updated_at
		FROM jobs WHERE state IN ($1,$2,$3) ORDER BY created_at`,
		common.EJobState.Init().String(), common.EJobState.Setup().String(), common.EJobState.Running().String())
	if err != nil {
		return nil, s.classify(err)
	}
	jobs := make([]common.Job, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// InFlightAssignment identifies one dispatched assignment still awaiting
// agent completion.
type InFlightAssignment struct {
	AssignmentID common.AssignmentID `db:"assignment_id"`
	DestShark    string              `db:"dest_shark"`
}

// AssignedAssignments lists the distinct assignments whose objects are still
// marked assigned, so a restarted controller can resume polling (and, if the
// agent never heard of one, re-POSTing) them.
func (s *Store) AssignedAssignments(ctx context.Context, jobID common.JobID) ([]InFlightAssignment, error) {
	var rows []InFlightAssignment
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT assignment_id, dest_shark FROM evacuate_objects
		WHERE job_id=$1 AND status=$2 AND assignment_id IS NOT NULL`,
		jobID, common.EObjectStatus.Assigned().String())
	if err != nil {
		return nil, s.classify(err)
	}
	return rows, nil
}

// assignmentTaskMeta is the slice of an object's metadata blob needed to
// rebuild its task.
type assignmentTaskMeta struct {
	Owner  string `json:"owner"`
	MD5Sum string `json:"md5sum"`
}

// AssignmentTasks rebuilds a dispatched assignment's sealed task set from
// its still-assigned rows, bit-identical to what the planner emitted, so a
// restarted controller can re-POST the assignment verbatim. source is the
// job's from_shark, which every task of an evacuate job downloads from.
func (s *Store) AssignmentTasks(ctx context.Context, jobID common.JobID, assignmentID common.AssignmentID, source common.TaskSource) ([]common.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, object_blob FROM evacuate_objects
		WHERE job_id=$1 AND assignment_id=$2 AND status=$3 ORDER BY object_id`,
		jobID, assignmentID, common.EObjectStatus.Assigned().String())
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var tasks []common.Task
	for rows.Next() {
		var objectID string
		var blob []byte
		if err := rows.Scan(&objectID, &blob); err != nil {
			return nil, err
		}
		var meta assignmentTaskMeta
		if err := json.Unmarshal(blob, &meta); err != nil {
			return nil, fmt.Errorf("parsing metadata of assigned object %s: %w", objectID, err)
		}
		tasks = append(tasks, common.Task{
			ObjectID: common.ObjectId(objectID),
			Owner:    meta.Owner,
			MD5Sum:   common.MD5(meta.MD5Sum),
			Source:   source,
			Status:   common.ETaskStatus.Pending(),
		})
	}
	return tasks, rows.Err()
}

// SetJobState persists a new job state. The Job Controller is the sole
// caller and enforces transition legality before calling this.
func (s *Store) SetJobState(ctx context.Context, id common.JobID, state common.JobState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state=$2, updated_at=now() WHERE id=$1`, id, state.String())
	return s.classify(err)
}

// EvacuateObjectInput is what the object source produces during discovery.
type EvacuateObjectInput struct {
	ObjectID   common.ObjectId
	Shard      common.ShardId
	Etag       common.Etag
	ObjectBlob []byte
}

// UpsertObjects inserts discovered objects, tolerating duplicate delivery
// from a resumed object source stream via ON CONFLICT DO NOTHING.
func (s *Store) UpsertObjects(ctx context.Context, jobID common.JobID, objs []EvacuateObjectInput) error {
	if len(objs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.classify(err)
	}
	defer tx.Rollback()

	for _, o := range objs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evacuate_objects (job_id, object_id, shard, etag, status, object_blob)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (job_id, object_id) DO NOTHING`,
			jobID, o.ObjectID, o.Shard, o.Etag, common.EObjectStatus.Unprocessed().String(), o.ObjectBlob); err != nil {
			return s.classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.classify(err)
	}
	return nil
}

type evacuateObjectRow struct {
	JobID         common.JobID  `db:"job_id"`
	ObjectID      string        `db:"object_id"`
	AssignmentID  *string       `db:"assignment_id"`
	Shard         int32         `db:"shard"`
	DestShark     *string       `db:"dest_shark"`
	Etag          string        `db:"etag"`
	Status        string        `db:"status"`
	SkippedReason *string       `db:"skipped_reason"`
	Error         *string       `db:"error"`
	ObjectBlob    []byte        `db:"object_blob"`
}

func (r evacuateObjectRow) toObject() (common.EvacuateObject, error) {
	var status common.EvacuateObjectStatus
	if err := status.Parse(r.Status); err != nil {
		return common.EvacuateObject{}, err
	}
	obj := common.EvacuateObject{
		ObjectID:   common.ObjectId(r.ObjectID),
		JobID:      r.JobID,
		Shard:      common.ShardId(r.Shard),
		Etag:       common.Etag(r.Etag),
		Status:     status,
		ObjectBlob: r.ObjectBlob,
	}
	if r.AssignmentID != nil {
		id, err := common.ParseAssignmentID(*r.AssignmentID)
		if err != nil {
			return common.EvacuateObject{}, err
		}
		obj.AssignmentID = &id
	}
	if r.DestShark != nil {
		dest := common.StorageNodeId(*r.DestShark)
		obj.DestShark = &dest
	}
	if r.SkippedReason != nil {
		k := common.ErrorKind(*r.SkippedReason)
		obj.SkippedReason = &k
	}
	if r.Error != nil {
		k := common.ErrorKind(*r.Error)
		obj.Error = &k
	}
	return obj, nil
}

// UnprocessedObjects pages through objects with status=unprocessed for the
// assignment planner.
func (s *Store) UnprocessedObjects(ctx context.Context, jobID common.JobID, limit int) ([]common.EvacuateObject, error) {
	var rows []evacuateObjectRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT job_id, object_id, assignment_id, shard, dest_shark, etag, status, skipped_reason, error, object_blob
		FROM evacuate_objects WHERE job_id=$1 AND status=$2 LIMIT $3`,
		jobID, common.EObjectStatus.Unprocessed().String(), limit)
	if err != nil {
		return nil, s.classify(err)
	}
	objs := make([]common.EvacuateObject, 0, len(rows))
	for _, r := range rows {
		o, err := r.toObject()
		if err != nil {
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, nil
}

// PostProcessingObjects pages through objects awaiting the metadata
// rewriter's source->dest swap.
func (s *Store) PostProcessingObjects(ctx context.Context, jobID common.JobID, limit int) ([]common.EvacuateObject, error) {
	var rows []evacuateObjectRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT job_id, object_id, assignment_id, shard, dest_shark, etag, status, skipped_reason, error, object_blob
		FROM evacuate_objects WHERE job_id=$1 AND status=$2 LIMIT $3`,
		jobID, common.EObjectStatus.PostProcessing().String(), limit)
	if err != nil {
		return nil, s.classify(err)
	}
	objs := make([]common.EvacuateObject, 0, len(rows))
	for _, r := range rows {
		o, err := r.toObject()
		if err != nil {
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, nil
}

// GetObject fetches a single evacuate_objects row, used by the Metadata
// Rewriter to re-read etag/dest_shark/shard/blob before the swap.
func (s *Store) GetObject(ctx context.Context, jobID common.JobID, objectID common.ObjectId) (common.EvacuateObject, error) {
	var row evacuateObjectRow
	err := s.db.GetContext(ctx, &row, `
		SELECT job_id, object_id, assignment_id, shard, dest_shark, etag, status, skipped_reason, error, object_blob
		FROM evacuate_objects WHERE job_id=$1 AND object_id=$2`, jobID, objectID)
	if errors.Is(err, sql.ErrNoRows) {
		return common.EvacuateObject{}, ErrNotFound
	}
	if err != nil {
		return common.EvacuateObject{}, s.classify(err)
	}
	return row.toObject()
}

// AssignObjects atomically marks every objectID assigned to
// assignmentID/destShark in one transaction, committed before the
// assignment is handed to the dispatcher.
func (s *Store) AssignObjects(ctx context.Context, jobID common.JobID, assignmentID common.AssignmentID, destShark common.StorageNodeId, objectIDs []common.ObjectId) error {
	if len(objectIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.classify(err)
	}
	defer tx.Rollback()

	for _, oid := range objectIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE evacuate_objects SET status=$1, assignment_id=$2, dest_shark=$3
			WHERE job_id=$4 AND object_id=$5`,
			common.EObjectStatus.Assigned().String(), assignmentID, string(destShark), jobID, oid); err != nil {
			return s.classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.classify(err)
	}
	return nil
}

// UpdateObjectStatus moves one object to a new status (skipped/error/
// post_processing/complete), recording skippedReason/error where set.
func (s *Store) UpdateObjectStatus(ctx context.Context, jobID common.JobID, objectID common.ObjectId, status common.EvacuateObjectStatus, skippedReason, errorReason *common.ErrorKind) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evacuate_objects SET status=$1, skipped_reason=$2, error=$3
		WHERE job_id=$4 AND object_id=$5`,
		status.String(), reasonString(skippedReason), reasonString(errorReason), jobID, objectID)
	return s.classify(err)
}

// ResetObjectForRetry reopens a skipped object for a future planner pass,
// clearing the assignment binding so it is picked up by UnprocessedObjects
// again.
func (s *Store) ResetObjectForRetry(ctx context.Context, jobID common.JobID, objectID common.ObjectId) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evacuate_objects SET status=$1, assignment_id=NULL, dest_shark=NULL, skipped_reason=NULL
		WHERE job_id=$2 AND object_id=$3`,
		common.EObjectStatus.Unprocessed().String(), jobID, objectID)
	return s.classify(err)
}

// ResetSkippedForRetry reopens every currently-skipped object in a job for
// another planner pass in one statement. The Job Controller calls this once
// per directory refresh generation, not on every tick, so a
// permanently-ineligible object settles into a stable skipped count instead
// of bouncing every tick.
func (s *Store) ResetSkippedForRetry(ctx context.Context, jobID common.JobID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evacuate_objects SET status=$1, assignment_id=NULL, dest_shark=NULL, skipped_reason=NULL
		WHERE job_id=$2 AND status=$3`,
		common.EObjectStatus.Unprocessed().String(), jobID, common.EObjectStatus.Skipped().String())
	return s.classify(err)
}

// LiveStatusCounts is a point-in-time group-by over evacuate_objects,
// correct regardless of how many times an object has bounced between
// unprocessed/skipped: unlike the job_results counter, a status here is
// counted exactly once no matter how many planner/dispatcher passes it took
// to reach it.
func (s *Store) LiveStatusCounts(ctx context.Context, jobID common.JobID) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM evacuate_objects WHERE job_id=$1 GROUP BY status`, jobID)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func reasonString(k *common.ErrorKind) interface{} {
	if k == nil {
		return nil
	}
	return string(*k)
}

// IncrementJobResult bumps job_results(job_id, status). A failure here must
// not roll back the caller's already-committed state transition: classify
// counts it in the store's DB-failure counter, and callers log it rather
// than fail the request.
func (s *Store) IncrementJobResult(ctx context.Context, jobID common.JobID, status common.EvacuateObjectStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, status, count) VALUES ($1,$2,1)
		ON CONFLICT (job_id, status) DO UPDATE SET count = job_results.count + 1`,
		jobID, status.String())
	return s.classify(err)
}

// JobResults returns the job_results counters per status. GET /jobs/{uuid}
// reports LiveStatusCounts instead.
func (s *Store) JobResults(ctx context.Context, jobID common.JobID) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count FROM job_results WHERE job_id=$1`, jobID)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	results := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		results[status] = count
	}
	return results, rows.Err()
}

// ObjectCounts reports discovered/terminal totals so the Job Controller can
// decide Running -> Complete once every row is terminal.
func (s *Store) ObjectCounts(ctx context.Context, jobID common.JobID) (discovered, terminal int64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM evacuate_objects WHERE job_id=$1`, jobID)
	if err = row.Scan(&discovered); err != nil {
		return 0, 0, s.classify(err)
	}
	row = s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM evacuate_objects WHERE job_id=$1 AND status IN ($2,$3,$4)`,
		jobID, common.EObjectStatus.Complete().String(), common.EObjectStatus.Skipped().String(), common.EObjectStatus.Error().String())
	if err = row.Scan(&terminal); err != nil {
		return 0, 0, s.classify(err)
	}
	return discovered, terminal, nil
}

// NonCompleteObjectIDs supports the retry-job discovery bias: objects from
// a prior job whose final status is not complete.
func (s *Store) NonCompleteObjectIDs(ctx context.Context, priorJobID common.JobID) ([]common.ObjectId, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT object_id FROM evacuate_objects WHERE job_id=$1 AND status != $2`,
		priorJobID, common.EObjectStatus.Complete().String())
	if err != nil {
		return nil, s.classify(err)
	}
	out := make([]common.ObjectId, len(ids))
	for i, id := range ids {
		out[i] = common.ObjectId(id)
	}
	return out, nil
}

// classify counts genuine store failures (connection errors, constraint
// violations the caller didn't expect) without masking ErrNotFound, which
// callers use for ordinary control flow.
func (s *Store) classify(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	s.dbFailures.Inc()
	return err
}
