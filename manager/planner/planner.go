// Package planner is the assignment planner: it turns a stream of
// unprocessed EvacuateObject rows into sealed assignments addressed to one
// destination each, committing the row update against the job store before
// the hand-off to the agent dispatcher.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/TritonDataCenter/rebalancer/common"
)

// JobStore is the narrow slice of jobstore.Store the planner depends on.
type JobStore interface {
	UnprocessedObjects(ctx context.Context, jobID common.JobID, limit int) ([]common.EvacuateObject, error)
	AssignObjects(ctx context.Context, jobID common.JobID, assignmentID common.AssignmentID, destShark common.StorageNodeId, objectIDs []common.ObjectId) error
	UpdateObjectStatus(ctx context.Context, jobID common.JobID, objectID common.ObjectId, status common.EvacuateObjectStatus, skippedReason, errorReason *common.ErrorKind) error
}

// Directory is the narrow slice of directory.Directory the planner depends on.
type Directory interface {
	Snapshot() []common.StorageNode
}

// Handoff is one sealed assignment ready for the agent dispatcher. The row
// update against the job store commits first; the Emit call happens second,
// and a crash in between is exactly the gap the dispatcher's reconciler is
// built to close by re-POSTing an orphaned assignment.
type Handoff struct {
	JobID        common.JobID
	AssignmentID common.AssignmentID
	DestShark    common.StorageNodeId
	Tasks        []common.Task
}

// Emitter hands a sealed assignment onward to the Agent Dispatcher.
type Emitter interface {
	Emit(ctx context.Context, h Handoff) error
}

// objectMeta is the subset of an EvacuateObject's opaque metadata blob the
// planner reasons about; the rest of the blob is carried through untouched.
type objectMeta struct {
	SizeMB        float64  `json:"size_mb"`
	CurrentSharks []string `json:"sharks"`
	Owner         string   `json:"owner"`
	MD5Sum        string   `json:"md5sum"`
}

type Planner struct {
	store     JobStore
	directory Directory
	emitter   Emitter

	maxAssignmentBytes   int64
	maxAssignmentObjects int
	headroomMB           int64
	fetchBatch           int
	permittedDatacenters map[string]bool
}

func New(store JobStore, directory Directory, emitter Emitter) *Planner {
	return &Planner{
		store:                store,
		directory:            directory,
		emitter:              emitter,
		maxAssignmentBytes:   common.DefaultAssignmentMaxBytes,
		maxAssignmentObjects: common.DefaultAssignmentMaxObjects,
		headroomMB:           common.DefaultDestinationHeadroomMB,
		fetchBatch:           common.DefaultAssignmentMaxObjects,
	}
}

// WithCaps overrides the default per-assignment caps.
func (p *Planner) WithCaps(maxAssignmentBytes int64, maxAssignmentObjects int, headroomMB int64) *Planner {
	p.maxAssignmentBytes = maxAssignmentBytes
	p.maxAssignmentObjects = maxAssignmentObjects
	p.headroomMB = headroomMB
	return p
}

// WithPermittedDatacenters restricts destination selection to the named
// datacenters. An empty or nil list permits every datacenter, which is the
// default: evacuation preserves replica count, not replica locality.
func (p *Planner) WithPermittedDatacenters(datacenters []string) *Planner {
	if len(datacenters) == 0 {
		p.permittedDatacenters = nil
		return p
	}
	p.permittedDatacenters = make(map[string]bool, len(datacenters))
	for _, dc := range datacenters {
		p.permittedDatacenters[dc] = true
	}
	return p
}

// open is one in-progress, not-yet-sealed assignment accumulating tasks for
// a single destination.
type open struct {
	destShark common.StorageNodeId
	tasks     []common.Task
	objectIDs []common.ObjectId
	bytes     int64
}

// Tick runs one planner pass for job: drains a batch of unprocessed
// objects, places each against its lowest-percent_used eligible
// destination, and seals+emits every assignment that fills a cap. Returns
// the number of objects placed into a sealed, emitted assignment.
//
// If the directory snapshot is empty, the planner yields no output and
// parks until the next directory refresh. It is the caller's job tick loop
// that re-invokes Tick, not this method that waits.
func (p *Planner) Tick(ctx context.Context, job common.Job) (int, error) {
	objs, err := p.store.UnprocessedObjects(ctx, job.ID, p.fetchBatch)
	if err != nil {
		return 0, fmt.Errorf("planner: listing unprocessed objects: %w", err)
	}
	if len(objs) == 0 {
		return 0, nil
	}

	fleet := p.directory.Snapshot()
	if len(fleet) == 0 {
		return 0, nil
	}

	opens := make(map[common.StorageNodeId]*open)
	placed := 0

	seal := func(o *open) error {
		if len(o.tasks) == 0 {
			return nil
		}
		assignmentID := common.NewAssignmentID()
		if err := p.store.AssignObjects(ctx, job.ID, assignmentID, o.destShark, o.objectIDs); err != nil {
			return fmt.Errorf("planner: assigning objects to %s: %w", o.destShark, err)
		}
		if p.emitter != nil {
			if err := p.emitter.Emit(ctx, Handoff{
				JobID:        job.ID,
				AssignmentID: assignmentID,
				DestShark:    o.destShark,
				Tasks:        o.tasks,
			}); err != nil {
				// The sealed assignment stays committed and tracked; the
				// dispatcher re-POSTs it (same id, same tasks) on a later
				// pass. Surface the error so the tick gets logged.
				return fmt.Errorf("planner: emitting handoff %s: %w", assignmentID, err)
			}
		}
		placed += len(o.tasks)
		return nil
	}

	for _, obj := range objs {
		meta, err := parseObjectMeta(obj.ObjectBlob)
		if err != nil {
			reason := common.KindBadMantaObject
			if uerr := p.store.UpdateObjectStatus(ctx, job.ID, obj.ObjectID, common.EObjectStatus.Error(), nil, &reason); uerr != nil {
				return placed, fmt.Errorf("planner: recording malformed object %s: %w", obj.ObjectID, uerr)
			}
			continue
		}

		dest, ok := p.selectDestination(fleet, job.FromShark, meta)
		if !ok {
			// No eligible destination: skipped with a retriable hint; the
			// planner continues to the next object.
			reason := common.KindSourceOtherError
			if uerr := p.store.UpdateObjectStatus(ctx, job.ID, obj.ObjectID, common.EObjectStatus.Skipped(), &reason, nil); uerr != nil {
				return placed, fmt.Errorf("planner: recording skipped object %s: %w", obj.ObjectID, uerr)
			}
			continue
		}

		o, ok := opens[dest.MantaStorageID]
		if !ok {
			o = &open{destShark: dest.MantaStorageID}
			opens[dest.MantaStorageID] = o
		}

		sizeBytes := int64(meta.SizeMB * 1024 * 1024)
		if len(o.tasks) > 0 && (o.bytes+sizeBytes > p.maxAssignmentBytes || len(o.tasks) >= p.maxAssignmentObjects) {
			if err := seal(o); err != nil {
				return placed, err
			}
			o = &open{destShark: dest.MantaStorageID}
			opens[dest.MantaStorageID] = o
		}

		o.tasks = append(o.tasks, common.Task{
			ObjectID: obj.ObjectID,
			Owner:    meta.Owner,
			MD5Sum:   common.MD5(meta.MD5Sum),
			Source: common.TaskSource{
				MantaStorageID: job.FromShark,
				Datacenter:     job.FromSharkDatacenter,
			},
			Status: common.ETaskStatus.Pending(),
		})
		o.objectIDs = append(o.objectIDs, obj.ObjectID)
		o.bytes += sizeBytes
	}

	for _, o := range opens {
		if err := seal(o); err != nil {
			return placed, err
		}
	}

	return placed, nil
}

// selectDestination filters the fleet to nodes that are not from_shark, not
// already holding the object, sit in a permitted datacenter, and have enough
// headroom; then picks the lowest percent_used, tie-broken by
// manta_storage_id ascending for even fill.
func (p *Planner) selectDestination(fleet []common.StorageNode, fromShark common.StorageNodeId, meta objectMeta) (common.StorageNode, bool) {
	current := make(map[string]bool, len(meta.CurrentSharks))
	for _, s := range meta.CurrentSharks {
		current[s] = true
	}

	var candidates []common.StorageNode
	for _, n := range fleet {
		if n.MantaStorageID == fromShark {
			continue
		}
		if current[string(n.MantaStorageID)] {
			continue
		}
		if p.permittedDatacenters != nil && !p.permittedDatacenters[n.Datacenter] {
			continue
		}
		if float64(n.AvailableMB) < meta.SizeMB+float64(p.headroomMB) {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return common.StorageNode{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].PercentUsed != candidates[j].PercentUsed {
			return candidates[i].PercentUsed < candidates[j].PercentUsed
		}
		return candidates[i].MantaStorageID < candidates[j].MantaStorageID
	})
	return candidates[0], true
}

func parseObjectMeta(blob json.RawMessage) (objectMeta, error) {
	if len(blob) == 0 {
		return objectMeta{}, fmt.Errorf("empty object metadata blob")
	}
	var meta objectMeta
	if err := json.Unmarshal(blob, &meta); err != nil {
		return objectMeta{}, err
	}
	if meta.Owner == "" || meta.MD5Sum == "" {
		return objectMeta{}, fmt.Errorf("object metadata missing owner/md5sum")
	}
	return meta, nil
}
