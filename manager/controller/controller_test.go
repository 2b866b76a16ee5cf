package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TritonDataCenter/rebalancer/common"
	"github.com/TritonDataCenter/rebalancer/manager/jobstore"
	"github.com/TritonDataCenter/rebalancer/manager/source"
)

type fakeStore struct {
	mu          sync.Mutex
	jobs        map[common.JobID]common.Job
	upserts     map[common.JobID][]jobstore.EvacuateObjectInput
	live        map[string]int64
	nonComplete []common.ObjectId
	inflight    map[common.JobID][]jobstore.InFlightAssignment
	assignmentTasks map[common.AssignmentID][]common.Task
	resetCalls  int
	discovered  int64
	terminal    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[common.JobID]common.Job),
		upserts:  make(map[common.JobID][]jobstore.EvacuateObjectInput),
		live:     make(map[string]int64),
		inflight: make(map[common.JobID][]jobstore.InFlightAssignment),
		assignmentTasks: make(map[common.AssignmentID][]common.Task),
	}
}

func (f *fakeStore) CreateJob(ctx context.Context, job common.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, id common.JobID) (common.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return common.Job{}, jobstore.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ListJobSummaries(ctx context.Context) ([]jobstore.JobSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summaries := make([]jobstore.JobSummary, 0, len(f.jobs))
	for _, job := range f.jobs {
		summaries = append(summaries, jobstore.JobSummary{ID: job.ID, Action: job.Action, State: job.State})
	}
	return summaries, nil
}

func (f *fakeStore) ActiveJobs(ctx context.Context) ([]common.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []common.Job
	for _, job := range f.jobs {
		if !job.State.Terminal() {
			active = append(active, job)
		}
	}
	return active, nil
}

func (f *fakeStore) AssignedAssignments(ctx context.Context, jobID common.JobID) ([]jobstore.InFlightAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[jobID], nil
}

func (f *fakeStore) AssignmentTasks(ctx context.Context, jobID common.JobID, assignmentID common.AssignmentID, source common.TaskSource) ([]common.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assignmentTasks[assignmentID], nil
}

func (f *fakeStore) SetJobState(ctx context.Context, id common.JobID, state common.JobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.State = state
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) LiveStatusCounts(ctx context.Context, jobID common.JobID) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.live))
	for k, v := range f.live {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) ResetSkippedForRetry(ctx context.Context, jobID common.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	return nil
}

func (f *fakeStore) NonCompleteObjectIDs(ctx context.Context, priorJobID common.JobID) ([]common.ObjectId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonComplete, nil
}

func (f *fakeStore) ObjectCounts(ctx context.Context, jobID common.JobID) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovered, f.terminal, nil
}

func (f *fakeStore) UpsertObjects(ctx context.Context, jobID common.JobID, objs []jobstore.EvacuateObjectInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[jobID] = append(f.upserts[jobID], objs...)
	f.discovered += int64(len(objs))
	f.terminal += int64(len(objs)) // every discovered object counts terminal at once, so test jobs finish in one tick
	return nil
}

func (f *fakeStore) jobState(id common.JobID) common.JobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].State
}

type fakeDirectory struct {
	nodes map[common.StorageNodeId]common.StorageNode
	gen   uint64
}

func (d *fakeDirectory) Lookup(ctx context.Context, id common.StorageNodeId) (common.StorageNode, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

func (d *fakeDirectory) Generation() uint64 { return d.gen }

type fakePlanner struct {
	mu    sync.Mutex
	ticks int
}

func (p *fakePlanner) Tick(ctx context.Context, job common.Job) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks++
	return 0, nil
}

type fakeRewriter struct {
	mu          sync.Mutex
	concurrency int64
}

func (r *fakeRewriter) Tick(ctx context.Context, job common.Job, limit int) error { return nil }

func (r *fakeRewriter) SetConcurrency(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concurrency = n
}

func (r *fakeRewriter) getConcurrency() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrency
}

type fakeDispatcher struct {
	mu           sync.Mutex
	tracked      []common.AssignmentID
	trackedTasks map[common.AssignmentID][]common.Task
}

func (d *fakeDispatcher) PollOnce(ctx context.Context) {}

func (d *fakeDispatcher) Track(jobID common.JobID, assignmentID common.AssignmentID, destShark common.StorageNodeId, tasks []common.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked = append(d.tracked, assignmentID)
	if d.trackedTasks == nil {
		d.trackedTasks = make(map[common.AssignmentID][]common.Task)
	}
	d.trackedTasks[assignmentID] = tasks
}

type sliceSource struct {
	objs []source.Object
	pos  int
}

func (s *sliceSource) Next(ctx context.Context) (source.Object, bool, error) {
	if s.pos >= len(s.objs) {
		return source.Object{}, false, nil
	}
	obj := s.objs[s.pos]
	s.pos++
	return obj, true, nil
}

func (s *sliceSource) Close() error { return nil }

type fixture struct {
	store    *fakeStore
	rewriter *fakeRewriter
	ctrl     *Controller
	router   http.Handler
}

func newFixture(t *testing.T, objs ...source.Object) *fixture {
	t.Helper()
	store := newFakeStore()
	rewriter := &fakeRewriter{}
	dir := &fakeDirectory{gen: 1, nodes: map[common.StorageNodeId]common.StorageNode{
		"SRC": {MantaStorageID: "SRC", Datacenter: "dc1"},
	}}
	openSource := func(ctx context.Context, fromShark common.StorageNodeId) (source.Source, error) {
		return &sliceSource{objs: objs}, nil
	}
	ctrl := New(store, dir, &fakePlanner{}, rewriter, &fakeDispatcher{}, openSource, 10*time.Millisecond, nil, nil)

	router := chi.NewRouter()
	ctrl.Routes(router)
	return &fixture{store: store, rewriter: rewriter, ctrl: ctrl, router: router}
}

func (f *fixture) createJob(t *testing.T) common.JobID {
	t.Helper()
	body := `{"action":"evacuate","params":{"from_shark":"SRC"}}`
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(body))))
	require.Equal(t, http.StatusOK, rec.Code)

	var idStr string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &idStr))
	id, err := common.ParseJobID(idStr)
	require.NoError(t, err)
	return id
}

func waitForJobState(t *testing.T, store *fakeStore, id common.JobID, want common.JobState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.jobState(id) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s stuck in %s, want %s", id, store.jobState(id), want)
}

func TestCreateJobDiscoversAndCompletes(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t,
		source.Object{ObjectID: "O1", Etag: "e1", Shard: 1, Blob: []byte(`{}`)},
		source.Object{ObjectID: "O2", Etag: "e2", Shard: 2, Blob: []byte(`{}`)},
	)

	id := f.createJob(t)
	waitForJobState(t, f.store, id, common.EJobState.Complete())

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	job := f.store.jobs[id]
	a.Equal(common.EJobAction.Evacuate(), job.Action)
	a.Equal(common.StorageNodeId("SRC"), job.FromShark)
	a.Equal("dc1", job.FromSharkDatacenter)
	a.Len(f.store.upserts[id], 2)
}

func TestCreateJobRejectsBadBodies(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	cases := []string{
		`{broken`,
		`{"action":"destroy","params":{"from_shark":"SRC"}}`,
		`{"action":"evacuate","params":{}}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(body))))
		a.Equal(http.StatusBadRequest, rec.Code, "body: %s", body)
	}
}

func TestListJobs(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	id := f.createJob(t)
	waitForJobState(t, f.store, id, common.EJobState.Complete())

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	a.Equal(http.StatusOK, rec.Code)

	var summaries []jobstore.JobSummary
	a.NoError(json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	a.Equal(id, summaries[0].ID)
	a.Equal(common.EJobState.Complete(), summaries[0].State)
}

func TestGetJobShapes(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	// Malformed and unknown uuids are both a 400.
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil))
	a.Equal(http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+common.NewJobID().String(), nil))
	a.Equal(http.StatusBadRequest, rec.Code)

	// A job still in Init is a 500 by contract.
	initID := common.NewJobID()
	require.NoError(t, f.store.CreateJob(context.Background(), common.Job{ID: initID, State: common.EJobState.Init()}))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+initID.String(), nil))
	a.Equal(http.StatusInternalServerError, rec.Code)

	id := f.createJob(t)
	waitForJobState(t, f.store, id, common.EJobState.Complete())

	f.store.mu.Lock()
	f.store.live["Complete"] = 1
	f.store.mu.Unlock()

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id.String(), nil))
	a.Equal(http.StatusOK, rec.Code)

	var detail struct {
		Config struct {
			Evacuate struct {
				FromShark struct {
					MantaStorageID string `json:"manta_storage_id"`
					Datacenter     string `json:"datacenter"`
				} `json:"from_shark"`
			} `json:"evacuate"`
		} `json:"config"`
		Results map[string]int64 `json:"results"`
		State   string           `json:"state"`
	}
	a.NoError(json.Unmarshal(rec.Body.Bytes(), &detail))
	a.Equal("SRC", detail.Config.Evacuate.FromShark.MantaStorageID)
	a.Equal("dc1", detail.Config.Evacuate.FromShark.Datacenter)
	a.Equal(int64(1), detail.Results["Complete"])
	a.Equal("Complete", detail.State)
}

func TestUpdateJobOnlyWhileRunning(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	id := common.NewJobID()
	require.NoError(t, f.store.CreateJob(context.Background(), common.Job{ID: id, State: common.EJobState.Running()}))

	body := `{"type":"SetMetadataThreads","threads":16}`
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/jobs/"+id.String(), bytes.NewReader([]byte(body))))
	a.Equal(http.StatusNoContent, rec.Code)
	a.Equal(int64(16), f.rewriter.getConcurrency())

	// The same update against a non-running job is refused.
	require.NoError(t, f.store.SetJobState(context.Background(), id, common.EJobState.Complete()))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/jobs/"+id.String(), bytes.NewReader([]byte(body))))
	a.Equal(http.StatusBadRequest, rec.Code)

	// Unknown update variants are refused outright.
	require.NoError(t, f.store.SetJobState(context.Background(), id, common.EJobState.Running()))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/jobs/"+id.String(), bytes.NewReader([]byte(`{"type":"SetSomethingElse","threads":2}`))))
	a.Equal(http.StatusBadRequest, rec.Code)
}

func TestRetryJobRequiresFailedPrior(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	id := f.createJob(t)
	waitForJobState(t, f.store, id, common.EJobState.Complete())

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/"+id.String()+"/retry", nil))
	a.Equal(http.StatusBadRequest, rec.Code)

	require.NoError(t, f.store.SetJobState(context.Background(), id, common.EJobState.Failed()))
	f.store.mu.Lock()
	f.store.nonComplete = []common.ObjectId{"O1"}
	f.store.mu.Unlock()

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/"+id.String()+"/retry", nil))
	a.Equal(http.StatusOK, rec.Code)

	var newIDStr string
	a.NoError(json.Unmarshal(rec.Body.Bytes(), &newIDStr))
	newID, err := common.ParseJobID(newIDStr)
	a.NoError(err)
	a.NotEqual(id, newID)

	waitForJobState(t, f.store, newID, common.EJobState.Complete())

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	retried := f.store.jobs[newID]
	a.Equal(common.StorageNodeId("SRC"), retried.FromShark)
}

func TestResumeJobsRestartsNonTerminalWork(t *testing.T) {
	a := assert.New(t)

	store := newFakeStore()
	disp := &fakeDispatcher{}
	dir := &fakeDirectory{gen: 1, nodes: map[common.StorageNodeId]common.StorageNode{
		"SRC": {MantaStorageID: "SRC", Datacenter: "dc1"},
	}}
	openSource := func(ctx context.Context, fromShark common.StorageNodeId) (source.Source, error) {
		return &sliceSource{objs: []source.Object{{ObjectID: "O1", Etag: "e1", Shard: 1, Blob: []byte(`{}`)}}}, nil
	}
	ctrl := New(store, dir, &fakePlanner{}, &fakeRewriter{}, disp, openSource, 10*time.Millisecond, nil, nil)

	// One job died mid-Setup, one mid-Running with an assignment in flight,
	// one is already terminal and must be left alone.
	setupJob := common.Job{ID: common.NewJobID(), State: common.EJobState.Setup(), FromShark: "SRC"}
	runningJob := common.Job{ID: common.NewJobID(), State: common.EJobState.Running(), FromShark: "SRC"}
	doneJob := common.Job{ID: common.NewJobID(), State: common.EJobState.Complete(), FromShark: "SRC"}
	for _, job := range []common.Job{setupJob, runningJob, doneJob} {
		require.NoError(t, store.CreateJob(context.Background(), job))
	}

	inflightID := common.NewAssignmentID()
	inflightTasks := []common.Task{{
		ObjectID: "O9",
		Owner:    "acct",
		MD5Sum:   "m9",
		Source:   common.TaskSource{MantaStorageID: "SRC", Datacenter: "dc1"},
		Status:   common.ETaskStatus.Pending(),
	}}
	store.mu.Lock()
	store.inflight[runningJob.ID] = []jobstore.InFlightAssignment{{AssignmentID: inflightID, DestShark: "A"}}
	store.assignmentTasks[inflightID] = inflightTasks
	store.mu.Unlock()

	a.NoError(ctrl.ResumeJobs(context.Background()))

	// Setup job re-runs discovery; both resumed jobs then tick to Complete
	// (the fake store counts every upserted object as already terminal, and
	// the running job's discovered/terminal totals match too).
	waitForJobState(t, store, setupJob.ID, common.EJobState.Complete())
	waitForJobState(t, store, runningJob.ID, common.EJobState.Complete())

	disp.mu.Lock()
	a.Equal([]common.AssignmentID{inflightID}, disp.tracked)
	a.Equal(inflightTasks, disp.trackedTasks[inflightID])
	disp.mu.Unlock()

	a.Equal(common.EJobState.Complete(), store.jobState(doneJob.ID))
	store.mu.Lock()
	a.Len(store.upserts[setupJob.ID], 1)
	a.Empty(store.upserts[runningJob.ID])
	store.mu.Unlock()
}

func TestRequestStopIsAdvisory(t *testing.T) {
	a := assert.New(t)

	store := newFakeStore()
	dir := &fakeDirectory{gen: 1}
	// ObjectCounts never reports terminal work, so the job would tick forever
	// without a stop.
	ctrl := New(store, dir, &fakePlanner{}, &fakeRewriter{}, &fakeDispatcher{}, nil, 10*time.Millisecond, nil, nil)

	job := common.Job{ID: common.NewJobID(), State: common.EJobState.Running(), FromShark: "SRC"}
	require.NoError(t, store.CreateJob(context.Background(), job))
	store.mu.Lock()
	store.discovered = 5
	store.terminal = 0
	store.mu.Unlock()

	ctrl.Run(job, &sliceSource{})
	time.Sleep(50 * time.Millisecond)
	a.Equal(common.EJobState.Running(), store.jobState(job.ID))

	ctrl.RequestStop(job.ID)
	waitForJobState(t, store, job.ID, common.EJobState.Stopped())
}
