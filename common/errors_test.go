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
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorKindClassification(t *testing.T) {
	a := assert.New(t)

	retriable := []ErrorKind{
		KindNetworkError,
		KindHTTPStatusCode,
		KindAgentFSError,
		KindMD5Mismatch,
		KindAgentUnavailable,
		KindSourceOtherError,
	}
	for _, k := range retriable {
		a.True(k.Retriable(), "%s should be retriable", k)
	}

	terminal := []ErrorKind{
		KindEtagConflict,
		KindMissingSharks,
		KindBadMantaObject,
		KindBadContentLength,
		KindDuplicateShark,
	}
	for _, k := range terminal {
		a.False(k.Retriable(), "%s should be terminal", k)
	}
}

func TestKindOfWalksWrappedChains(t *testing.T) {
	a := assert.New(t)

	base := NewTaskError(KindEtagConflict, fmt.Errorf("expected e1, actual e3"))
	wrapped := errors.Wrap(errors.Wrap(base, "rewriting object"), "tick")

	kind, ok := KindOf(wrapped)
	a.True(ok)
	a.Equal(KindEtagConflict, kind)

	_, ok = KindOf(fmt.Errorf("never classified"))
	a.False(ok)
}

func TestTaskErrorMessageIncludesKindAndCause(t *testing.T) {
	a := assert.New(t)

	err := NewTaskError(KindMD5Mismatch, fmt.Errorf("got x want y"))
	a.Contains(err.Error(), "MD5Mismatch")
	a.Contains(err.Error(), "got x want y")
	a.True(err.Retriable())
}
