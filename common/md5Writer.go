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
	"crypto/md5"
	"encoding/base64"
	"hash"
	"io"
)

// MD5Writer feeds every byte through an MD5 digest on its way to the
// underlying writer. A download is one sequential stream, so the digest is
// final as soon as the copy returns.
type MD5Writer struct {
	w io.Writer
	h hash.Hash
}

func NewMD5Writer(w io.Writer) *MD5Writer {
	return &MD5Writer{w: w, h: md5.New()}
}

func (m *MD5Writer) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	// Hash only what actually landed, so a short write can't skew the digest.
	m.h.Write(p[:n])
	return n, err
}

// Sum returns the base64-encoded digest of everything written so far, the
// encoding object metadata carries for md5sum.
func (m *MD5Writer) Sum() string {
	return base64.StdEncoding.EncodeToString(m.h.Sum(nil))
}
