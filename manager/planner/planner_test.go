package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TritonDataCenter/rebalancer/common"
)

type fakeJobStore struct {
	mu          sync.Mutex
	unprocessed []common.EvacuateObject
	assigned    map[common.ObjectId]assignedRecord
	statuses    map[common.ObjectId]statusRecord
}

type assignedRecord struct {
	assignmentID common.AssignmentID
	destShark    common.StorageNodeId
}

type statusRecord struct {
	status common.EvacuateObjectStatus
	reason *common.ErrorKind
}

func newFakeJobStore(objs ...common.EvacuateObject) *fakeJobStore {
	return &fakeJobStore{
		unprocessed: objs,
		assigned:    make(map[common.ObjectId]assignedRecord),
		statuses:    make(map[common.ObjectId]statusRecord),
	}
}

func (f *fakeJobStore) UnprocessedObjects(ctx context.Context, jobID common.JobID, limit int) ([]common.EvacuateObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.unprocessed) > limit {
		return f.unprocessed[:limit], nil
	}
	return f.unprocessed, nil
}

func (f *fakeJobStore) AssignObjects(ctx context.Context, jobID common.JobID, assignmentID common.AssignmentID, destShark common.StorageNodeId, objectIDs []common.ObjectId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, oid := range objectIDs {
		f.assigned[oid] = assignedRecord{assignmentID: assignmentID, destShark: destShark}
	}
	return nil
}

func (f *fakeJobStore) UpdateObjectStatus(ctx context.Context, jobID common.JobID, objectID common.ObjectId, status common.EvacuateObjectStatus, skippedReason, errorReason *common.ErrorKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason := skippedReason
	if reason == nil {
		reason = errorReason
	}
	f.statuses[objectID] = statusRecord{status: status, reason: reason}
	return nil
}


type staticDirectory struct{ fleet []common.StorageNode }

func (d staticDirectory) Snapshot() []common.StorageNode { return d.fleet }

type collectingEmitter struct {
	mu       sync.Mutex
	handoffs []Handoff
}

func (e *collectingEmitter) Emit(ctx context.Context, h Handoff) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handoffs = append(e.handoffs, h)
	return nil
}

func testJob() common.Job {
	return common.Job{
		ID:                  common.NewJobID(),
		Action:              common.EJobAction.Evacuate(),
		State:               common.EJobState.Running(),
		FromShark:           "SRC",
		FromSharkDatacenter: "dc1",
	}
}

func evacObject(id string, sizeMB float64, sharks ...string) common.EvacuateObject {
	blob, err := json.Marshal(map[string]interface{}{
		"size_mb": sizeMB,
		"sharks":  sharks,
		"owner":   "acct",
		"md5sum":  "1B2M2Y8AsgTpgAmY7PhCfg==",
	})
	if err != nil {
		panic(err)
	}
	return common.EvacuateObject{
		ObjectID: common.ObjectId(id),
		Shard:    1,
		Etag:     "e1",
		Status:   common.EObjectStatus.Unprocessed(),
		ObjectBlob: blob,
	}
}

func node(id, dc string, availableMB int64, percentUsed float64) common.StorageNode {
	return common.StorageNode{
		MantaStorageID: common.StorageNodeId(id),
		Datacenter:     dc,
		AvailableMB:    availableMB,
		PercentUsed:    percentUsed,
	}
}

func TestTickPicksLeastUsedEligibleDestination(t *testing.T) {
	a := assert.New(t)

	store := newFakeJobStore(evacObject("O1", 10, "SRC", "X"))
	dir := staticDirectory{fleet: []common.StorageNode{
		node("A", "dc1", 10_000, 10.0),
		node("B", "dc2", 10_000, 20.0),
	}}
	emitter := &collectingEmitter{}

	placed, err := New(store, dir, emitter).Tick(context.Background(), testJob())
	a.NoError(err)
	a.Equal(1, placed)

	require.Len(t, emitter.handoffs, 1)
	h := emitter.handoffs[0]
	a.Equal(common.StorageNodeId("A"), h.DestShark)
	require.Len(t, h.Tasks, 1)
	a.Equal(common.ObjectId("O1"), h.Tasks[0].ObjectID)
	a.Equal(common.StorageNodeId("SRC"), h.Tasks[0].Source.MantaStorageID)
	a.Equal("acct", h.Tasks[0].Owner)

	// The store row moved to assigned in the same pass as the emit.
	rec, ok := store.assigned["O1"]
	a.True(ok)
	a.Equal(h.AssignmentID, rec.assignmentID)
	a.Equal(common.StorageNodeId("A"), rec.destShark)
}

func TestTickExcludesSourceAndCurrentSharks(t *testing.T) {
	a := assert.New(t)

	// B already holds a replica and SRC is the node being evacuated, so C is
	// the only legal destination even though both others are emptier.
	store := newFakeJobStore(evacObject("O1", 10, "SRC", "B"))
	dir := staticDirectory{fleet: []common.StorageNode{
		node("SRC", "dc1", 100_000, 1.0),
		node("B", "dc1", 100_000, 2.0),
		node("C", "dc1", 10_000, 50.0),
	}}
	emitter := &collectingEmitter{}

	placed, err := New(store, dir, emitter).Tick(context.Background(), testJob())
	a.NoError(err)
	a.Equal(1, placed)
	require.Len(t, emitter.handoffs, 1)
	a.Equal(common.StorageNodeId("C"), emitter.handoffs[0].DestShark)
}

func TestTickTieBreaksByStorageID(t *testing.T) {
	a := assert.New(t)

	store := newFakeJobStore(evacObject("O1", 10, "SRC"))
	dir := staticDirectory{fleet: []common.StorageNode{
		node("9.stor", "dc1", 10_000, 15.0),
		node("10.stor", "dc1", 10_000, 15.0),
	}}
	emitter := &collectingEmitter{}

	_, err := New(store, dir, emitter).Tick(context.Background(), testJob())
	a.NoError(err)
	require.Len(t, emitter.handoffs, 1)
	// Lexicographic ascending on the id string.
	a.Equal(common.StorageNodeId("10.stor"), emitter.handoffs[0].DestShark)
}

func TestTickSkipsWhenNoDestinationFits(t *testing.T) {
	a := assert.New(t)

	// A's free space is just shy of object size + headroom.
	store := newFakeJobStore(evacObject("O1", 2000, "SRC"))
	dir := staticDirectory{fleet: []common.StorageNode{
		node("A", "dc1", 2500, 80.0),
	}}
	emitter := &collectingEmitter{}

	p := New(store, dir, emitter).WithCaps(common.DefaultAssignmentMaxBytes, common.DefaultAssignmentMaxObjects, 1024)
	placed, err := p.Tick(context.Background(), testJob())
	a.NoError(err)
	a.Equal(0, placed)
	a.Empty(emitter.handoffs)

	rec, ok := store.statuses["O1"]
	require.True(t, ok)
	a.Equal(common.EObjectStatus.Skipped(), rec.status)
	require.NotNil(t, rec.reason)
	a.Equal(common.KindSourceOtherError, *rec.reason)
}

func TestTickHonorsPermittedDatacenters(t *testing.T) {
	a := assert.New(t)

	store := newFakeJobStore(evacObject("O1", 10, "SRC"))
	dir := staticDirectory{fleet: []common.StorageNode{
		node("A", "dc1", 10_000, 10.0),
		node("B", "dc2", 10_000, 20.0),
	}}
	emitter := &collectingEmitter{}

	p := New(store, dir, emitter).WithPermittedDatacenters([]string{"dc2"})
	placed, err := p.Tick(context.Background(), testJob())
	a.NoError(err)
	a.Equal(1, placed)
	require.Len(t, emitter.handoffs, 1)
	a.Equal(common.StorageNodeId("B"), emitter.handoffs[0].DestShark)
}

func TestTickSealsOnObjectCountCap(t *testing.T) {
	a := assert.New(t)

	objs := make([]common.EvacuateObject, 5)
	for i := range objs {
		objs[i] = evacObject(fmt.Sprintf("O%d", i), 10, "SRC")
	}
	store := newFakeJobStore(objs...)
	dir := staticDirectory{fleet: []common.StorageNode{
		node("A", "dc1", 1_000_000, 10.0),
	}}
	emitter := &collectingEmitter{}

	p := New(store, dir, emitter).WithCaps(common.DefaultAssignmentMaxBytes, 2, common.DefaultDestinationHeadroomMB)
	placed, err := p.Tick(context.Background(), testJob())
	a.NoError(err)
	a.Equal(5, placed)

	// 5 objects with a cap of 2 per assignment gives 2+2+1.
	require.Len(t, emitter.handoffs, 3)
	var ids []common.AssignmentID
	total := 0
	for _, h := range emitter.handoffs {
		a.LessOrEqual(len(h.Tasks), 2)
		total += len(h.Tasks)
		ids = append(ids, h.AssignmentID)
	}
	a.Equal(5, total)
	a.NotEqual(ids[0], ids[1])
	a.NotEqual(ids[1], ids[2])
}

func TestTickSealsOnByteCap(t *testing.T) {
	a := assert.New(t)

	store := newFakeJobStore(
		evacObject("O1", 600, "SRC"),
		evacObject("O2", 600, "SRC"),
	)
	dir := staticDirectory{fleet: []common.StorageNode{
		node("A", "dc1", 1_000_000, 10.0),
	}}
	emitter := &collectingEmitter{}

	p := New(store, dir, emitter).WithCaps(1000*1024*1024, common.DefaultAssignmentMaxObjects, common.DefaultDestinationHeadroomMB)
	placed, err := p.Tick(context.Background(), testJob())
	a.NoError(err)
	a.Equal(2, placed)
	require.Len(t, emitter.handoffs, 2)
	a.Len(emitter.handoffs[0].Tasks, 1)
	a.Len(emitter.handoffs[1].Tasks, 1)
}

type failingEmitter struct{}

func (failingEmitter) Emit(ctx context.Context, h Handoff) error {
	return common.NewTaskError(common.KindAgentUnavailable, fmt.Errorf("agent unreachable"))
}

func TestTickKeepsAssignmentWhenDispatchFails(t *testing.T) {
	a := assert.New(t)

	store := newFakeJobStore(evacObject("O1", 10, "SRC"))
	dir := staticDirectory{fleet: []common.StorageNode{
		node("A", "dc1", 10_000, 10.0),
	}}

	placed, err := New(store, dir, failingEmitter{}).Tick(context.Background(), testJob())
	a.Error(err)
	a.Equal(0, placed)

	// The row stays committed to its assignment: the dispatcher keeps the
	// sealed task set and re-POSTs the identical assignment on a later
	// pass, rather than the planner re-planning it.
	rec, ok := store.assigned["O1"]
	a.True(ok)
	a.Equal(common.StorageNodeId("A"), rec.destShark)
}

func TestTickMarksMalformedBlobTerminal(t *testing.T) {
	a := assert.New(t)

	bad := common.EvacuateObject{
		ObjectID:   "O1",
		Shard:      1,
		Etag:       "e1",
		Status:     common.EObjectStatus.Unprocessed(),
		ObjectBlob: json.RawMessage(`{"size_mb": "not a number"`),
	}
	store := newFakeJobStore(bad)
	dir := staticDirectory{fleet: []common.StorageNode{
		node("A", "dc1", 10_000, 10.0),
	}}
	emitter := &collectingEmitter{}

	placed, err := New(store, dir, emitter).Tick(context.Background(), testJob())
	a.NoError(err)
	a.Equal(0, placed)

	rec, ok := store.statuses["O1"]
	require.True(t, ok)
	a.Equal(common.EObjectStatus.Error(), rec.status)
	require.NotNil(t, rec.reason)
	a.Equal(common.KindBadMantaObject, *rec.reason)
}

func TestTickParksOnEmptyDirectory(t *testing.T) {
	a := assert.New(t)

	store := newFakeJobStore(evacObject("O1", 10, "SRC"))
	emitter := &collectingEmitter{}

	placed, err := New(store, staticDirectory{}, emitter).Tick(context.Background(), testJob())
	a.NoError(err)
	a.Equal(0, placed)
	a.Empty(emitter.handoffs)
	// Nothing is skipped either: the objects stay unprocessed for the next
	// tick after a directory refresh.
	a.Empty(store.statuses)
}
