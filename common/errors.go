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
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is the failure taxonomy every component on both tiers translates
// its low-level errors into once local retries are exhausted. The owning
// state machine picks retriable vs. terminal handling from Kind alone.
type ErrorKind string

const (
	KindNetworkError     ErrorKind = "NetworkError"
	KindHTTPStatusCode   ErrorKind = "HTTPStatusCode"
	KindAgentFSError     ErrorKind = "AgentFSError"
	KindMD5Mismatch      ErrorKind = "MD5Mismatch"
	KindAgentUnavailable ErrorKind = "AgentUnavailable"
	KindSourceOtherError ErrorKind = "SourceOtherError"
	KindEtagConflict     ErrorKind = "EtagConflict"
	KindMissingSharks    ErrorKind = "MissingSharks"
	KindBadMantaObject   ErrorKind = "BadMantaObject"
	KindBadContentLength ErrorKind = "BadContentLength"
	KindDuplicateShark   ErrorKind = "DuplicateShark"
)

// retriableKinds lists the failures worth another pass within the same job.
// Everything not listed here is terminal.
var retriableKinds = map[ErrorKind]bool{
	KindNetworkError:     true,
	KindHTTPStatusCode:   true,
	KindAgentFSError:     true,
	KindMD5Mismatch:      true,
	KindAgentUnavailable: true,
	KindSourceOtherError: true,
}

// Retriable reports whether this kind is retriable (skip-and-requeue)
// rather than terminal (error, no further retry within the job).
func (k ErrorKind) Retriable() bool {
	return retriableKinds[k]
}

// TaskError is the typed outcome attached to a failed task, assignment, or
// evacuate object. It wraps an underlying cause (via github.com/pkg/errors,
// preserving a stack trace) with the tabulated Kind the rest of the system
// switches on.
type TaskError struct {
	Kind  ErrorKind
	cause error
}

func NewTaskError(kind ErrorKind, cause error) *TaskError {
	return &TaskError{Kind: kind, cause: errors.WithStack(cause)}
}

func (e *TaskError) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *TaskError) Unwrap() error { return e.cause }

// Retriable reports whether this error's kind should be retried in place
// before being surfaced to the owning state machine.
func (e *TaskError) Retriable() bool { return e.Kind.Retriable() }

// KindOf extracts the tabulated ErrorKind from err, walking cause chains
// built with errors.Wrap/errors.WithStack. Returns ("", false) for errors
// that were never classified.
func KindOf(err error) (ErrorKind, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}
