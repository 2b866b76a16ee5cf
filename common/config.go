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
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ManagerConfig is the manager's configuration surface.
type ManagerConfig struct {
	DatabaseURL     string `yaml:"database_url"`
	StorinfoURL     string `yaml:"storinfo_url"`
	MetadataShards  string `yaml:"metadata_shards"`
	BindAddress     string `yaml:"bind_address"`
	MetricsAddress  string `yaml:"metrics_address"`
	HTTPTimeoutSecs int    `yaml:"http_timeout_secs"`
	LogLocation     string `yaml:"log_location"`
	DisableSyslog   bool   `yaml:"disable_syslog"`
}

// AgentConfig is the agent's configuration surface.
type AgentConfig struct {
	DataDir             string `yaml:"data_dir"`
	MantaRoot           string `yaml:"manta_root"`
	ConcurrentDownloads int    `yaml:"concurrent_downloads"`
	DownloadTimeoutSecs int    `yaml:"download_timeout_secs"`
	BindAddress         string `yaml:"bind_address"`
	MetricsAddress      string `yaml:"metrics_address"`
	LogLocation         string `yaml:"log_location"`
	DisableSyslog       bool   `yaml:"disable_syslog"`
}

// LoadManagerConfig resolves every field from its environment variable
// default, then, if REBALANCER_CONFIG_FILE is set, overlays values present
// in that YAML file (explicit fields win over env/defaults).
func LoadManagerConfig() (ManagerConfig, error) {
	httpTimeout, err := strconv.Atoi(GetEnvironmentVariable(EEnvironmentVariable.HTTPTimeoutSecs()))
	if err != nil {
		return ManagerConfig{}, fmt.Errorf("invalid %s: %w", EEnvironmentVariable.HTTPTimeoutSecs().Name, err)
	}

	cfg := ManagerConfig{
		DatabaseURL:     GetEnvironmentVariable(EEnvironmentVariable.DatabaseURL()),
		StorinfoURL:     GetEnvironmentVariable(EEnvironmentVariable.StorinfoURL()),
		MetadataShards:  GetEnvironmentVariable(EEnvironmentVariable.MetadataShards()),
		BindAddress:     GetEnvironmentVariable(EEnvironmentVariable.BindAddress()),
		MetricsAddress:  GetEnvironmentVariable(EEnvironmentVariable.MetricsAddress()),
		HTTPTimeoutSecs: httpTimeout,
		LogLocation:     GetEnvironmentVariable(EEnvironmentVariable.LogLocation()),
		DisableSyslog:   GetEnvironmentVariable(EEnvironmentVariable.DisableSyslog()) == "true",
	}

	if path := GetEnvironmentVariable(EEnvironmentVariable.ConfigFile()); path != "" {
		if err := overlayYAML(path, &cfg); err != nil {
			return ManagerConfig{}, err
		}
	}

	return cfg, nil
}

// LoadAgentConfig is LoadManagerConfig's agent-side counterpart.
func LoadAgentConfig() (AgentConfig, error) {
	concurrency, err := strconv.Atoi(GetEnvironmentVariable(EEnvironmentVariable.ConcurrentDownloads()))
	if err != nil {
		return AgentConfig{}, fmt.Errorf("invalid %s: %w", EEnvironmentVariable.ConcurrentDownloads().Name, err)
	}
	timeout, err := strconv.Atoi(GetEnvironmentVariable(EEnvironmentVariable.DownloadTimeoutSecs()))
	if err != nil {
		return AgentConfig{}, fmt.Errorf("invalid %s: %w", EEnvironmentVariable.DownloadTimeoutSecs().Name, err)
	}

	cfg := AgentConfig{
		DataDir:             GetEnvironmentVariable(EEnvironmentVariable.DataDir()),
		MantaRoot:           GetEnvironmentVariable(EEnvironmentVariable.MantaRoot()),
		ConcurrentDownloads: concurrency,
		DownloadTimeoutSecs: timeout,
		BindAddress:         GetEnvironmentVariable(EEnvironmentVariable.BindAddress()),
		MetricsAddress:      GetEnvironmentVariable(EEnvironmentVariable.MetricsAddress()),
		LogLocation:         GetEnvironmentVariable(EEnvironmentVariable.LogLocation()),
		DisableSyslog:       GetEnvironmentVariable(EEnvironmentVariable.DisableSyslog()) == "true",
	}

	if path := GetEnvironmentVariable(EEnvironmentVariable.ConfigFile()); path != "" {
		if err := overlayYAML(path, &cfg); err != nil {
			return AgentConfig{}, err
		}
	}

	return cfg, nil
}

func overlayYAML(path string, cfg interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate fails fast on a manager configuration that would only misbehave
// at first use: a missing database, an unpollable directory, or an empty
// shard map mean no job can make progress.
func (c ManagerConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s must be set", EEnvironmentVariable.DatabaseURL().Name)
	}
	if c.StorinfoURL == "" {
		return fmt.Errorf("%s must be set", EEnvironmentVariable.StorinfoURL().Name)
	}
	if c.HTTPTimeoutSecs <= 0 {
		return fmt.Errorf("http_timeout_secs must be positive, got %d", c.HTTPTimeoutSecs)
	}
	shards, err := ParseShardAddrs(c.MetadataShards)
	if err != nil {
		return err
	}
	if len(shards) == 0 {
		return fmt.Errorf("%s must be set", EEnvironmentVariable.MetadataShards().Name)
	}
	return nil
}

// ParseShardAddrs parses the "1=host:port,2=host:port" shard map format.
func ParseShardAddrs(s string) (map[ShardId]string, error) {
	addrs := make(map[ShardId]string)
	if s == "" {
		return addrs, nil
	}
	for _, pair := range strings.Split(s, ",") {
		shardStr, addr, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || addr == "" {
			return nil, fmt.Errorf("invalid shard mapping %q, want shard=addr", pair)
		}
		shard, err := strconv.Atoi(shardStr)
		if err != nil || shard < 1 {
			return nil, fmt.Errorf("invalid shard id in %q", pair)
		}
		addrs[ShardId(shard)] = addr
	}
	return addrs, nil
}

// Validate checks the agent's filesystem-dependent knobs before the
// controller starts accepting assignments, failing fast with a descriptive
// error rather than misbehaving at first use.
func (c AgentConfig) Validate() error {
	if c.ConcurrentDownloads <= 0 {
		return fmt.Errorf("concurrent_downloads must be positive, got %d", c.ConcurrentDownloads)
	}
	if c.DownloadTimeoutSecs <= 0 {
		return fmt.Errorf("download_timeout_secs must be positive, got %d", c.DownloadTimeoutSecs)
	}
	if err := requireDir(c.DataDir); err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	if err := requireDir(c.MantaRoot); err != nil {
		return fmt.Errorf("manta_root: %w", err)
	}
	return nil
}

func requireDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("must be set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// WatchConfigReload re-invokes onReload with the raw file contents every time
// the process receives SIGUSR1 or the file is written to. What is done with
// the contents is up to onReload. It runs until the returned stop function
// is called. With an empty path nothing is watched and the signal is
// ignored, since there is no file to re-read.
func WatchConfigReload(path string, onReload func(data []byte)) (stop func(), err error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	var watcher *fsnotify.Watcher
	if path != "" {
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			signal.Stop(sigCh)
			return nil, fmt.Errorf("creating config watcher: %w", err)
		}
		if err := watcher.Add(path); err != nil {
			_ = watcher.Close()
			signal.Stop(sigCh)
			return nil, fmt.Errorf("watching config file %s: %w", path, err)
		}
	}

	done := make(chan struct{})
	reload := func() {
		if path == "" {
			return
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return
		}
		onReload(data)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				reload()
			case event, ok := <-watcherEvents(watcher):
				if !ok {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					reload()
				}
			}
		}
	}()

	return func() {
		close(done)
		signal.Stop(sigCh)
		if watcher != nil {
			_ = watcher.Close()
		}
	}, nil
}

// watcherEvents returns a closed-forever nil channel when watcher is nil, so
// the select above degrades to signal-only watching.
func watcherEvents(watcher *fsnotify.Watcher) chan fsnotify.Event {
	if watcher == nil {
		return nil
	}
	return watcher.Events
}
