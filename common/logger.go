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
	"io"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// lineEnding is the line terminator process logs are written with. Go (and
// the libraries this module depends on) default to "\n"; no platform
// overrides it in this module.
var lineEnding = "\n"

// PanicIfErr panics if err is non-nil. Reserved for invariants that indicate
// a programming error rather than an operational failure (e.g. failing to
// open a log file we ourselves just created the directory for).
func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

// LogLevel mirrors the severities the manager and agent binaries accept on
// their --log-level flag, and maps onto zerolog.Level (see ToZerologLevel).
type LogLevel uint8

const (
	LogNone LogLevel = iota
	LogPanic
	LogFatal
	LogError
	LogWarning
	LogInfo
	LogDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "NONE"
	case LogPanic:
		return "PANIC"
	case LogFatal:
		return "FATAL"
	case LogError:
		return "ERROR"
	case LogWarning:
		return "WARNING"
	case LogInfo:
		return "INFO"
	case LogDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel resolves the --log-level flag value, case-insensitively.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(s) {
	case "NONE":
		return LogNone, nil
	case "PANIC":
		return LogPanic, nil
	case "FATAL":
		return LogFatal, nil
	case "ERROR":
		return LogError, nil
	case "WARNING", "WARN":
		return LogWarning, nil
	case "INFO":
		return LogInfo, nil
	case "DEBUG":
		return LogDebug, nil
	default:
		return LogNone, fmt.Errorf("invalid log level %q", s)
	}
}

// ToZerologLevel maps onto the ambient zerolog.Level used for process-wide
// structured logging, so job logs and process logs agree on severity.
func (l LogLevel) ToZerologLevel() zerolog.Level {
	switch l {
	case LogNone:
		return zerolog.Disabled
	case LogPanic:
		return zerolog.PanicLevel
	case LogFatal:
		return zerolog.FatalLevel
	case LogError:
		return zerolog.ErrorLevel
	case LogWarning:
		return zerolog.WarnLevel
	case LogInfo:
		return zerolog.InfoLevel
	case LogDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

var CurrentJobLogger ILoggerResetable

// LogToJobLogWithPrefix logs a message to whichever job is currently active
// on this goroutine's owning process (one job per agent or manager process
// invocation), prefixing anything at LogWarning or more severe so it stands
// out when grepping.
func LogToJobLogWithPrefix(msg string, level LogLevel) {
	if CurrentJobLogger != nil {
		prefix := ""
		if level <= LogWarning {
			prefix = fmt.Sprintf("%s: ", level)
		}
		CurrentJobLogger.Log(level, prefix+msg)
	}
}

type ILogger interface {
	ShouldLog(level LogLevel) bool
	Log(level LogLevel, msg string)
	Panic(err error)
}

type ILoggerCloser interface {
	ILogger
	CloseLog()
}

type ILoggerResetable interface {
	OpenLog()
	MinimumLogLevel() LogLevel
	ILoggerCloser
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type LogLevelOverrideLogger struct {
	ILoggerResetable
	MinimumLevelToLog LogLevel
}

func (l LogLevelOverrideLogger) MinimumLogLevel() LogLevel {
	return l.MinimumLevelToLog
}

func (l LogLevelOverrideLogger) ShouldLog(level LogLevel) bool {
	if level == LogNone {
		return false
	}
	return level <= l.MinimumLevelToLog
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const maxLogSize = 500 * 1024 * 1024

// jobLogger is a rotating log file keyed by an id. Both binaries open a
// single one per process (a fresh id with an "agent" or "manager" suffix),
// so it carries the log lines of every job or assignment that process
// handles, independent of the ambient zerolog process log.
type jobLogger struct {
	jobID             JobID
	minimumLevelToLog LogLevel
	file              io.WriteCloser
	logFileFolder     string
	logger            zerolog.Logger
	sanitizer         LogSanitizer
	logFileNameSuffix string
}

func NewJobLogger(jobID JobID, minimumLevelToLog LogLevel, logFileFolder string, logFileNameSuffix string) ILoggerResetable {
	return &jobLogger{
		jobID:             jobID,
		minimumLevelToLog: minimumLevelToLog,
		logFileFolder:     logFileFolder,
		sanitizer:         NewLogSanitizer(),
		logFileNameSuffix: logFileNameSuffix,
	}
}

func (jl *jobLogger) OpenLog() {
	if jl.minimumLevelToLog == LogNone {
		return
	}

	file, err := NewRotatingWriter(path.Join(jl.logFileFolder, jl.jobID.String()+jl.logFileNameSuffix+".log"), maxLogSize)
	PanicIfErr(err)

	jl.file = file
	jl.logger = zerolog.New(jl.file).With().Timestamp().Logger().Level(jl.minimumLevelToLog.ToZerologLevel())

	jl.logger.Log().Str("rebalancerVersion", RebalancerVersion).
		Str("os", runtime.GOOS).Str("arch", runtime.GOARCH).
		Str("utcStarted", time.Now().UTC().Format("2 Jan 2006 15:04:05")).
		Msg("log opened")
}

func (jl *jobLogger) MinimumLogLevel() LogLevel {
	return jl.minimumLevelToLog
}

func (jl *jobLogger) ShouldLog(level LogLevel) bool {
	if level == LogNone {
		return false
	}
	return level <= jl.minimumLevelToLog
}

func (jl *jobLogger) CloseLog() {
	if jl.minimumLevelToLog == LogNone {
		return
	}

	jl.logger.Log().Msg("closing log")
	_ = jl.file.Close() // If it was already closed, that's alright. We wanted to close it, anyway.
}

func (jl jobLogger) Log(loglevel LogLevel, msg string) {
	if !jl.ShouldLog(loglevel) {
		return
	}

	// ensure all secrets (DSNs embedded in error text) are redacted
	msg = jl.sanitizer.SanitizeLogLine(msg)

	if lineEnding != "\n" {
		msg = strings.Replace(msg, "\n", lineEnding, -1)
	}

	jl.logger.WithLevel(loglevel.ToZerologLevel()).Msg(msg)
}

func (jl jobLogger) Panic(err error) {
	jl.logger.Error().Err(err).Msg("panic") // log first so the failure is on record before the panic
	panic(err)
}

const TryEquals string = "Try="

type causer interface {
	Cause() error
}

// Cause walks all the preceding errors and return the originating error.
func Cause(err error) error {
	for err != nil {
		cause, ok := err.(causer)
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return err
}
