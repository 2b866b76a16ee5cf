// Copyright © 2025 Microsoft <wastore@microsoft.com>
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

import "time"

// DEFAULT_FILE_PERM is the permission bits used for log files and download
// staging files. The embedded assignment store is opened with 0600 instead.
const DEFAULT_FILE_PERM = 0644

// Retry tuning for the manager's agent-dispatch client and
// DefaultNetworkRetryConfig: initial 150ms +/- jitter, doubling to a 2s cap,
// at most 3 attempts per call. The agent's source fetch makes one attempt
// per task and does not use these.
const (
	RetryInitialDelay   = 150 * time.Millisecond
	RetryMaxDelay       = 2 * time.Second
	RetryBackoffFactor  = 2.0
	RetryMaxAttempts    = 3
	RetryJitterFraction = 1.0 / 3.0 // +/- 50ms on a 150ms base
)

// Planner defaults; caps are configuration-supplied, these are just the
// values used when the operator doesn't override them.
const (
	DefaultAssignmentMaxObjects = 500
	DefaultAssignmentMaxBytes   = 5 * 1024 * 1024 * 1024 // 5GiB
	DefaultDestinationHeadroomMB = 1024
)

// Agent defaults.
const (
	DefaultDataDir             = "/var/tmp/rebalancer"
	DefaultMantaRoot           = "/manta"
	DefaultConcurrentDownloads = 4
	DefaultDownloadTimeoutSecs = 300
)

// Manager polling/dispatch cadences.
const (
	DefaultAssignmentPollInterval  = 5 * time.Second
	DefaultDirectoryRefreshInterval = 30 * time.Second
	DefaultJobTickInterval         = 5 * time.Second
)

// StagingSuffix is appended to the final on-disk path while a download is in flight.
const StagingSuffix = ".tmp"
