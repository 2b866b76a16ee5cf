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
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// JobID identifies one evacuate job, sealed at creation and carried through
// every row, log file name, and HTTP path that refers back to it.
type JobID uuid.UUID

func NewJobID() JobID { return JobID(uuid.New()) }

func (id JobID) String() string { return uuid.UUID(id).String() }

func (id JobID) IsZero() bool { return id == JobID{} }

func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(u), nil
}

func (id JobID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *JobID) UnmarshalText(text []byte) error {
	parsed, err := ParseJobID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id JobID) Value() (driver.Value, error) { return id.String(), nil }

func (id *JobID) Scan(src interface{}) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = JobID(u)
	return nil
}

// AssignmentID identifies one sealed assignment handed from the dispatcher to
// an agent.
type AssignmentID uuid.UUID

func NewAssignmentID() AssignmentID { return AssignmentID(uuid.New()) }

func (id AssignmentID) String() string { return uuid.UUID(id).String() }

func (id AssignmentID) IsZero() bool { return id == AssignmentID{} }

func ParseAssignmentID(s string) (AssignmentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AssignmentID{}, fmt.Errorf("invalid assignment id %q: %w", s, err)
	}
	return AssignmentID(u), nil
}

func (id AssignmentID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *AssignmentID) UnmarshalText(text []byte) error {
	parsed, err := ParseAssignmentID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id AssignmentID) Value() (driver.Value, error) { return id.String(), nil }

func (id *AssignmentID) Scan(src interface{}) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = AssignmentID(u)
	return nil
}

func scanUUID(src interface{}) (uuid.UUID, error) {
	switch v := src.(type) {
	case string:
		return uuid.Parse(v)
	case []byte:
		return uuid.ParseBytes(v)
	default:
		return uuid.UUID{}, fmt.Errorf("cannot scan %T into uuid", src)
	}
}
