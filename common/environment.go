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

import "os"

// EnvironmentVariable describes one tunable read from the process environment
// rather than a config file or command line flag, typically because it is
// either obscure performance tuning or a secret we don't want on a command line.
type EnvironmentVariable struct {
	Name         string
	DefaultValue string
	Description  string
	Hidden       bool
}

// GetEnvironmentVariable gets the environment variable or its default value.
func GetEnvironmentVariable(env EnvironmentVariable) string {
	value := os.Getenv(env.Name)
	if value == "" {
		return env.DefaultValue
	}
	return value
}

// ClearEnvironmentVariable clears the environment variable, used by tests.
func ClearEnvironmentVariable(variable EnvironmentVariable) {
	_ = os.Setenv(variable.Name, "")
}

// VisibleEnvironmentVariables is printed by both binaries' "env" subcommand.
// This slice needs to be updated whenever a new public environment variable is added.
var VisibleEnvironmentVariables = []EnvironmentVariable{
	EEnvironmentVariable.ConfigFile(),
	EEnvironmentVariable.LogLocation(),
	EEnvironmentVariable.BindAddress(),
	EEnvironmentVariable.DatabaseURL(),
	EEnvironmentVariable.StorinfoURL(),
	EEnvironmentVariable.MetadataShards(),
	EEnvironmentVariable.HTTPTimeoutSecs(),
	EEnvironmentVariable.DataDir(),
	EEnvironmentVariable.MantaRoot(),
	EEnvironmentVariable.ConcurrentDownloads(),
	EEnvironmentVariable.DownloadTimeoutSecs(),
	EEnvironmentVariable.MetricsAddress(),
	EEnvironmentVariable.DisableSyslog(),
}

var EEnvironmentVariable = EnvironmentVariable{}

func (EnvironmentVariable) ConfigFile() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "REBALANCER_CONFIG_FILE",
		Description: "Path to the YAML config file, read once at startup. SIGUSR1 or a write to the file re-reads it, but the re-read values are not applied to the running process.",
	}
}

func (EnvironmentVariable) LogLocation() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "REBALANCER_LOG_LOCATION",
		Description: "Overrides where job/assignment log files are stored, to avoid filling up a disk.",
	}
}

func (EnvironmentVariable) BindAddress() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "REBALANCER_BIND_ADDRESS",
		DefaultValue: ":80",
		Description:  "Address the HTTP API listens on (manager's job API or the agent's assignment API).",
	}
}

func (EnvironmentVariable) MetricsAddress() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "REBALANCER_METRICS_ADDRESS",
		DefaultValue: ":9090",
		Description:  "Address the Prometheus /metrics endpoint listens on.",
	}
}

// DatabaseURL is only consulted by the manager: a Postgres connection string for the Job Store.
func (EnvironmentVariable) DatabaseURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "REBALANCER_DATABASE_URL",
		Description: "Postgres connection string for the manager's job store.",
		Hidden:      true,
	}
}

// StorinfoURL is only consulted by the manager: where to poll for the storage node directory.
func (EnvironmentVariable) StorinfoURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "REBALANCER_STORINFO_URL",
		Description: "URL of the storage-node directory service the manager polls for free space and state.",
	}
}

func (EnvironmentVariable) HTTPTimeoutSecs() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "REBALANCER_HTTP_TIMEOUT_SECS",
		DefaultValue: "30",
		Description:  "Timeout, in seconds, applied to the manager's outbound HTTP calls (dispatch, directory poll).",
	}
}

// DataDir is only consulted by the agent: where assignment state lives.
func (EnvironmentVariable) DataDir() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "REBALANCER_DATA_DIR",
		DefaultValue: DefaultDataDir,
		Description:  "Directory the agent keeps its assignment store in. In-flight downloads are staged beside their final path under the manta root.",
	}
}

// MantaRoot is only consulted by the agent: where completed objects are written.
func (EnvironmentVariable) MantaRoot() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "REBALANCER_MANTA_ROOT",
		DefaultValue: DefaultMantaRoot,
		Description:  "Root of the local content-addressed object tree the agent writes completed downloads into.",
	}
}

func (EnvironmentVariable) ConcurrentDownloads() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "REBALANCER_CONCURRENT_DOWNLOADS",
		DefaultValue: "4",
		Description:  "Max number of objects the agent downloads at once.",
	}
}

func (EnvironmentVariable) DownloadTimeoutSecs() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "REBALANCER_DOWNLOAD_TIMEOUT_SECS",
		DefaultValue: "300",
		Description:  "Per-object download timeout, in seconds, before the agent marks a task NetworkError and moves on.",
	}
}

// MetadataShards is only consulted by the manager: where each metadata shard lives.
func (EnvironmentVariable) MetadataShards() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "REBALANCER_METADATA_SHARDS",
		Description: "Comma-separated shard=addr pairs (e.g. \"1=10.0.0.1:6379,2=10.0.0.2:6379\") for the external metadata store.",
	}
}

func (EnvironmentVariable) DisableSyslog() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "REBALANCER_DISABLE_SYSLOG",
		DefaultValue: "false",
		Description:  "When true, the ambient process log keeps zerolog's default output instead of a human-readable console writer on stderr. Log lines are not mirrored to syslog either way.",
	}
}
