// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/JeffreyRichter/enum/enum"
)

// Identifier and value types shared by both tiers.
type (
	ObjectId      string
	StorageNodeId string
	ShardId       int32
	Etag          string
	MD5           string
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// JobAction

var EJobAction = JobAction(0)

type JobAction uint8

func (JobAction) Evacuate() JobAction { return JobAction(0) }

func (a JobAction) String() string {
	return enum.StringInt(a, reflect.TypeOf(a))
}

func (a *JobAction) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(a), s, true, true)
	if err == nil {
		*a = val.(JobAction)
	}
	return err
}

func (a JobAction) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *JobAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return a.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// JobState: Init -> Setup -> Running -> {Complete, Stopped, Failed}

var EJobState = JobState(0)

type JobState uint8

func (JobState) Init() JobState    { return JobState(0) }
func (JobState) Setup() JobState   { return JobState(1) }
func (JobState) Running() JobState { return JobState(2) }
func (JobState) Complete() JobState { return JobState(3) }
func (JobState) Stopped() JobState { return JobState(4) }
func (JobState) Failed() JobState  { return JobState(5) }

func (s JobState) String() string {
	return enum.StringInt(s, reflect.TypeOf(s))
}

func (s *JobState) Parse(v string) error {
	val, err := enum.ParseInt(reflect.TypeOf(s), v, true, true)
	if err == nil {
		*s = val.(JobState)
	}
	return err
}

func (s JobState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *JobState) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.Parse(v)
}

// Terminal reports whether no further transition out of this state is legal
// except via a brand new retry job, which is a fresh row, not a transition
// of this one.
func (s JobState) Terminal() bool {
	return s == EJobState.Complete() || s == EJobState.Stopped() || s == EJobState.Failed()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// EvacuateObjectStatus

var EObjectStatus = EvacuateObjectStatus(0)

type EvacuateObjectStatus uint8

func (EvacuateObjectStatus) Unprocessed() EvacuateObjectStatus   { return EvacuateObjectStatus(0) }
func (EvacuateObjectStatus) Assigned() EvacuateObjectStatus      { return EvacuateObjectStatus(1) }
func (EvacuateObjectStatus) Skipped() EvacuateObjectStatus       { return EvacuateObjectStatus(2) }
func (EvacuateObjectStatus) Error() EvacuateObjectStatus         { return EvacuateObjectStatus(3) }
func (EvacuateObjectStatus) PostProcessing() EvacuateObjectStatus { return EvacuateObjectStatus(4) }
func (EvacuateObjectStatus) Complete() EvacuateObjectStatus      { return EvacuateObjectStatus(5) }

func (s EvacuateObjectStatus) String() string {
	return enum.StringInt(s, reflect.TypeOf(s))
}

func (s *EvacuateObjectStatus) Parse(v string) error {
	val, err := enum.ParseInt(reflect.TypeOf(s), v, true, true)
	if err == nil {
		*s = val.(EvacuateObjectStatus)
	}
	return err
}

// Terminal reports whether the status is one of the three outcomes counted
// toward "discovered == complete + skipped + error", which is how operators
// watch a job drain.
func (s EvacuateObjectStatus) Terminal() bool {
	return s == EObjectStatus.Skipped() || s == EObjectStatus.Error() || s == EObjectStatus.Complete()
}

func (s EvacuateObjectStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *EvacuateObjectStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.Parse(v)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// AssignmentState: scheduled -> running -> complete

var EAssignmentState = AssignmentState(0)

type AssignmentState uint8

func (AssignmentState) Scheduled() AssignmentState { return AssignmentState(0) }
func (AssignmentState) Running() AssignmentState   { return AssignmentState(1) }
func (AssignmentState) Complete() AssignmentState  { return AssignmentState(2) }
func (AssignmentState) Rejected() AssignmentState  { return AssignmentState(3) }

func (s AssignmentState) String() string {
	return enum.StringInt(s, reflect.TypeOf(s))
}

func (s *AssignmentState) Parse(v string) error {
	val, err := enum.ParseInt(reflect.TypeOf(s), v, true, true)
	if err == nil {
		*s = val.(AssignmentState)
	}
	return err
}

func (s AssignmentState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *AssignmentState) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.Parse(v)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// TaskStatus: pending -> {complete, failed(reason)}

var ETaskStatus = TaskStatus(0)

type TaskStatus uint8

func (TaskStatus) Pending() TaskStatus  { return TaskStatus(0) }
func (TaskStatus) Complete() TaskStatus { return TaskStatus(1) }
func (TaskStatus) Failed() TaskStatus   { return TaskStatus(2) }

func (s TaskStatus) String() string {
	return enum.StringInt(s, reflect.TypeOf(s))
}

func (s *TaskStatus) Parse(v string) error {
	val, err := enum.ParseInt(reflect.TypeOf(s), v, true, true)
	if err == nil {
		*s = val.(TaskStatus)
	}
	return err
}

func (s TaskStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.Parse(v)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Entities

// Job is owned exclusively by the Job Controller. Action and FromShark are
// immutable after creation; only State transitions post-create.
type Job struct {
	ID                  JobID
	Action              JobAction
	State               JobState
	FromShark           StorageNodeId
	FromSharkDatacenter string
	MaxObjects          *uint32
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EvacuateObject is one object's progress record within a job.
type EvacuateObject struct {
	ObjectID      ObjectId
	JobID         JobID
	AssignmentID  *AssignmentID
	Shard         ShardId
	DestShark     *StorageNodeId
	Etag          Etag
	Status        EvacuateObjectStatus
	SkippedReason *ErrorKind
	Error         *ErrorKind
	ObjectBlob    json.RawMessage
}

// TaskSource identifies where a task's bytes currently live, carried through
// from discovery to the agent so the download GET needs no extra lookup.
type TaskSource struct {
	MantaStorageID StorageNodeId `json:"manta_storage_id"`
	Datacenter     string        `json:"datacenter"`
}

// Task is the agent-side unit of work for one object.
type Task struct {
	ObjectID ObjectId   `json:"object_id"`
	Owner    string     `json:"owner"`
	MD5Sum   MD5        `json:"md5sum"`
	Source   TaskSource `json:"source"`
	Status   TaskStatus `json:"status"`
	Reason   *ErrorKind `json:"reason,omitempty"`
}

// Assignment is a sealed batch of tasks bound to exactly one destination.
// The authoritative copy lives in the agent's assignment store; the
// manager's view is reconstructed from EvacuateObject rows.
type Assignment struct {
	ID          AssignmentID
	DestShark   StorageNodeId
	Tasks       map[ObjectId]*Task
	State       AssignmentState
	TotalBytes  int64
	CreatedAt   time.Time
}

// StorageNode is one entry in the storage-node directory snapshot.
type StorageNode struct {
	MantaStorageID StorageNodeId `json:"manta_storage_id"`
	Datacenter     string        `json:"datacenter"`
	AvailableMB    int64         `json:"availableMB"`
	PercentUsed    float64       `json:"percentUsed"`
	Timestamp      time.Time     `json:"timestamp"`
}
