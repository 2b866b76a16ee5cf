package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TritonDataCenter/rebalancer/common"
)

func TestJobRowRoundTrip(t *testing.T) {
	a := assert.New(t)

	max := uint32(100)
	now := time.Now().UTC()
	row := jobRow{
		ID:                  common.NewJobID(),
		Action:              "Evacuate",
		State:               "Running",
		FromShark:           "1.stor.region",
		FromSharkDatacenter: "dc1",
		MaxObjects:          &max,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	job, err := row.toJob()
	a.NoError(err)
	a.Equal(common.EJobAction.Evacuate(), job.Action)
	a.Equal(common.EJobState.Running(), job.State)
	a.Equal(common.StorageNodeId("1.stor.region"), job.FromShark)
	require.NotNil(t, job.MaxObjects)
	a.Equal(uint32(100), *job.MaxObjects)

	row.State = "Dancing"
	_, err = row.toJob()
	a.Error(err)

	row.State = "Running"
	row.Action = "Shred"
	_, err = row.toJob()
	a.Error(err)
}

func TestEvacuateObjectRowRoundTrip(t *testing.T) {
	a := assert.New(t)

	assignmentID := common.NewAssignmentID().String()
	dest := "2.stor.region"
	skipped := "SourceOtherError"
	row := evacuateObjectRow{
		JobID:         common.NewJobID(),
		ObjectID:      "O1",
		AssignmentID:  &assignmentID,
		Shard:         7,
		DestShark:     &dest,
		Etag:          "e1",
		Status:        "Skipped",
		SkippedReason: &skipped,
		ObjectBlob:    []byte(`{"owner":"acct"}`),
	}

	obj, err := row.toObject()
	a.NoError(err)
	a.Equal(common.ObjectId("O1"), obj.ObjectID)
	a.Equal(common.ShardId(7), obj.Shard)
	a.Equal(common.EObjectStatus.Skipped(), obj.Status)
	require.NotNil(t, obj.AssignmentID)
	a.Equal(assignmentID, obj.AssignmentID.String())
	require.NotNil(t, obj.DestShark)
	a.Equal(common.StorageNodeId(dest), *obj.DestShark)
	require.NotNil(t, obj.SkippedReason)
	a.Equal(common.KindSourceOtherError, *obj.SkippedReason)
	a.Nil(obj.Error)

	// Unassigned rows carry nulls straight through.
	row.AssignmentID = nil
	row.DestShark = nil
	row.SkippedReason = nil
	row.Status = "Unprocessed"
	obj, err = row.toObject()
	a.NoError(err)
	a.Nil(obj.AssignmentID)
	a.Nil(obj.DestShark)
	a.Nil(obj.SkippedReason)

	badID := "not-a-uuid"
	row.AssignmentID = &badID
	_, err = row.toObject()
	a.Error(err)
}

func TestReasonString(t *testing.T) {
	a := assert.New(t)

	a.Nil(reasonString(nil))
	k := common.KindMD5Mismatch
	a.Equal("MD5Mismatch", reasonString(&k))
}
