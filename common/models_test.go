// Copyright © Microsoft <wastore@microsoft.com>
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
	"testing"

	chk "gopkg.in/check.v1"
)

func Test(t *testing.T) { chk.TestingT(t) }

type modelsTestSuite struct{}

var _ = chk.Suite(&modelsTestSuite{})

func (s *modelsTestSuite) TestJobStateRoundTrip(c *chk.C) {
	states := []JobState{
		EJobState.Init(),
		EJobState.Setup(),
		EJobState.Running(),
		EJobState.Complete(),
		EJobState.Stopped(),
		EJobState.Failed(),
	}

	for _, st := range states {
		var parsed JobState
		c.Assert(parsed.Parse(st.String()), chk.IsNil)
		c.Assert(parsed, chk.Equals, st)
	}

	var bogus JobState
	c.Assert(bogus.Parse("NotAState"), chk.NotNil)
}

func (s *modelsTestSuite) TestJobStateTerminal(c *chk.C) {
	c.Assert(EJobState.Init().Terminal(), chk.Equals, false)
	c.Assert(EJobState.Setup().Terminal(), chk.Equals, false)
	c.Assert(EJobState.Running().Terminal(), chk.Equals, false)
	c.Assert(EJobState.Complete().Terminal(), chk.Equals, true)
	c.Assert(EJobState.Stopped().Terminal(), chk.Equals, true)
	c.Assert(EJobState.Failed().Terminal(), chk.Equals, true)
}

func (s *modelsTestSuite) TestObjectStatusTerminal(c *chk.C) {
	c.Assert(EObjectStatus.Unprocessed().Terminal(), chk.Equals, false)
	c.Assert(EObjectStatus.Assigned().Terminal(), chk.Equals, false)
	c.Assert(EObjectStatus.PostProcessing().Terminal(), chk.Equals, false)
	c.Assert(EObjectStatus.Skipped().Terminal(), chk.Equals, true)
	c.Assert(EObjectStatus.Error().Terminal(), chk.Equals, true)
	c.Assert(EObjectStatus.Complete().Terminal(), chk.Equals, true)
}

func (s *modelsTestSuite) TestEnumJSONRoundTrip(c *chk.C) {
	data, err := json.Marshal(EAssignmentState.Running())
	c.Assert(err, chk.IsNil)
	c.Assert(string(data), chk.Equals, `"Running"`)

	var state AssignmentState
	c.Assert(json.Unmarshal(data, &state), chk.IsNil)
	c.Assert(state, chk.Equals, EAssignmentState.Running())

	data, err = json.Marshal(ETaskStatus.Failed())
	c.Assert(err, chk.IsNil)
	c.Assert(string(data), chk.Equals, `"Failed"`)

	var status TaskStatus
	c.Assert(json.Unmarshal(data, &status), chk.IsNil)
	c.Assert(status, chk.Equals, ETaskStatus.Failed())
}

func (s *modelsTestSuite) TestJobActionParseCaseInsensitive(c *chk.C) {
	var action JobAction
	c.Assert(action.Parse("evacuate"), chk.IsNil)
	c.Assert(action, chk.Equals, EJobAction.Evacuate())
	c.Assert(action.String(), chk.Equals, "Evacuate")
}

func (s *modelsTestSuite) TestTaskJSONCarriesSourceAndReason(c *chk.C) {
	reason := KindMD5Mismatch
	task := Task{
		ObjectID: "obj-1",
		Owner:    "acct-1",
		MD5Sum:   "1B2M2Y8AsgTpgAmY7PhCfg==",
		Source:   TaskSource{MantaStorageID: "3.stor.region", Datacenter: "dc1"},
		Status:   ETaskStatus.Failed(),
		Reason:   &reason,
	}

	data, err := json.Marshal(task)
	c.Assert(err, chk.IsNil)

	var decoded Task
	c.Assert(json.Unmarshal(data, &decoded), chk.IsNil)
	c.Assert(decoded.Source.MantaStorageID, chk.Equals, StorageNodeId("3.stor.region"))
	c.Assert(decoded.Status, chk.Equals, ETaskStatus.Failed())
	c.Assert(*decoded.Reason, chk.Equals, KindMD5Mismatch)
}
