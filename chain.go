package ipmask

import (
	"sync"
)

// ChainManager rotates requests across a pool of upstream proxy endpoints,
// skipping endpoints that have been reported as failed.
//
// The rotation index and failed set are updated together under one mutex;
// the critical section is proportional to the pool size, not to traffic.
type ChainManager struct {
	mu        sync.Mutex
	endpoints []*ProxyEndpoint
	index     int
	failed    map[string]struct{}
}

// NewChainManager creates a manager over endpoints. Order is preserved and
// duplicates are allowed.
func NewChainManager(endpoints []*ProxyEndpoint) *ChainManager {
	return &ChainManager{
		endpoints: append([]*ProxyEndpoint(nil), endpoints...),
		failed:    make(map[string]struct{}),
	}
}

// Next returns the next healthy endpoint in round-robin order. It scans at
// most one full cycle starting at the current index, advancing the index on
// every step whether or not the endpoint is skipped. When every endpoint is
// marked failed, the failed set is cleared and the first endpoint returned.
// ok is false only when the pool is empty.
func (c *ChainManager) Next() (ep *ProxyEndpoint, ok bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.endpoints)
	if n == 0 {
		return nil, false
	}

	for range n {
		candidate := c.endpoints[c.index]
		c.index = (c.index + 1) % n
		if _, failed := c.failed[candidate.ID()]; !failed {
			return candidate, true
		}
	}

	clear(c.failed)
	return c.endpoints[0], true
}

// MarkFailed records ep as failed. Marking an endpoint twice is a no-op.
func (c *ChainManager) MarkFailed(ep *ProxyEndpoint) {
	if c == nil || ep == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[ep.ID()] = struct{}{}
}

// Reset clears the failed set without moving the rotation index.
func (c *ChainManager) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.failed)
}

// Len returns the number of endpoints in the pool.
func (c *ChainManager) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.endpoints)
}

// FailedCount returns the number of distinct endpoint identifiers
// currently marked failed.
func (c *ChainManager) FailedCount() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failed)
}

// ChainEndpointStatus describes one pool entry for the status API.
// Credentials are never included.
type ChainEndpointStatus struct {
	HTTP   string `json:"http"`
	HTTPS  string `json:"https"`
	Auth   bool   `json:"auth"`
	Failed bool   `json:"failed"`
}

// ChainStatus is a point-in-time view of the pool.
type ChainStatus struct {
	Index     int                   `json:"index"`
	Failed    int                   `json:"failed"`
	Endpoints []ChainEndpointStatus `json:"endpoints"`
}

// Snapshot returns the current rotation state.
func (c *ChainManager) Snapshot() ChainStatus {
	if c == nil {
		return ChainStatus{Endpoints: []ChainEndpointStatus{}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := ChainStatus{
		Index:     c.index,
		Failed:    len(c.failed),
		Endpoints: make([]ChainEndpointStatus, 0, len(c.endpoints)),
	}
	for _, ep := range c.endpoints {
		_, failed := c.failed[ep.ID()]
		st.Endpoints = append(st.Endpoints, ChainEndpointStatus{
			HTTP:   redactURL(ep.HTTP),
			HTTPS:  redactURL(ep.HTTPS),
			Auth:   ep.Auth != nil,
			Failed: failed,
		})
	}
	return st
}
