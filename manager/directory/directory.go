// Package directory is the storage-node directory: a poll-driven cache of
// candidate destinations with capacity, refreshed wholesale from the
// storinfo service.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/TritonDataCenter/rebalancer/common"
)

type Directory struct {
	url             string
	client          *http.Client
	refreshInterval time.Duration
	logger          common.ILoggerResetable

	mu          sync.RWMutex
	nodes       map[common.StorageNodeId]common.StorageNode
	lastRefresh time.Time
	generation  uint64
}

func New(storinfoURL string, client *http.Client, refreshInterval time.Duration, logger common.ILoggerResetable) *Directory {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Directory{
		url:             storinfoURL,
		client:          client,
		refreshInterval: refreshInterval,
		logger:          logger,
		nodes:           make(map[common.StorageNodeId]common.StorageNode),
	}
}

// Run polls on refreshInterval until ctx is cancelled. Call in its own
// goroutine from the manager's main.
func (d *Directory) Run(ctx context.Context) {
	d.refresh(ctx)
	ticker := time.NewTicker(d.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *Directory) refresh(ctx context.Context) {
	nodes, err := common.WithDirectoryPollRetry(ctx, d.logger, "directory poll", func() ([]common.StorageNode, error) {
		return d.poll(ctx)
	})
	if err != nil {
		if d.logger != nil {
			d.logger.Log(common.LogError, fmt.Sprintf("directory poll failed: %v", err))
		}
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = make(map[common.StorageNodeId]common.StorageNode, len(nodes))
	for _, n := range nodes {
		d.nodes[n.MantaStorageID] = n
	}
	d.lastRefresh = time.Now()
	d.generation++
}

// Generation returns a counter incremented on every successful refresh. The
// Job Controller uses a change in Generation as the signal to give
// currently-skipped objects one more planner pass after each refresh,
// rather than retrying on every tick.
func (d *Directory) Generation() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generation
}

func (d *Directory) poll(ctx context.Context) ([]common.StorageNode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url+"/poll", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if httpErr := common.DetectHTTPStatusError(resp); httpErr != nil {
		return nil, fmt.Errorf("poll %s: %s", d.url, httpErr.String())
	}

	var nodes []common.StorageNode
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, fmt.Errorf("decoding directory response: %w", err)
	}
	return nodes, nil
}

// Snapshot returns a consistent copy of the cached fleet.
func (d *Directory) Snapshot() []common.StorageNode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]common.StorageNode, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

// Lookup falls back to an immediate refresh if id isn't cached, since a
// newly-added node is rare but possible.
func (d *Directory) Lookup(ctx context.Context, id common.StorageNodeId) (common.StorageNode, bool) {
	d.mu.RLock()
	n, ok := d.nodes[id]
	d.mu.RUnlock()
	if ok {
		return n, true
	}

	d.refresh(ctx)

	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok = d.nodes[id]
	return n, ok
}
