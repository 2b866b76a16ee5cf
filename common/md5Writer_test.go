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
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMD5WriterDigestMatchesContent(t *testing.T) {
	a := assert.New(t)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	var buf bytes.Buffer
	w := NewMD5Writer(&buf)

	// Copy in small pieces; the digest only depends on the byte stream.
	_, err := io.CopyBuffer(w, bytes.NewReader(payload), make([]byte, 7))
	a.NoError(err)

	a.Equal(payload, buf.Bytes())
	want := md5.Sum(payload)
	a.Equal(base64.StdEncoding.EncodeToString(want[:]), w.Sum())
}

func TestMD5WriterEmptyStream(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	w := NewMD5Writer(&buf)

	// The well-known digest of zero bytes.
	a.Equal("1B2M2Y8AsgTpgAmY7PhCfg==", w.Sum())
}

// shortWriter accepts at most cap bytes total, then errors.
type shortWriter struct {
	written []byte
	cap     int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	room := s.cap - len(s.written)
	if room <= 0 {
		return 0, errors.New("disk full")
	}
	if len(p) > room {
		s.written = append(s.written, p[:room]...)
		return room, errors.New("disk full")
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func TestMD5WriterHashesOnlyBytesThatLanded(t *testing.T) {
	a := assert.New(t)

	sw := &shortWriter{cap: 10}
	w := NewMD5Writer(sw)

	_, err := io.Copy(w, strings.NewReader("0123456789abcdef"))
	a.Error(err)

	want := md5.Sum(sw.written)
	a.Equal(base64.StdEncoding.EncodeToString(want[:]), w.Sum())
}
