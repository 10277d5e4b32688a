// Package loadbalancer implements the Upstream Selector's node-picking
// policies — roundrobin and consistent hashing, the two balancing
// algorithms spec.md §4.4 requires.
package loadbalancer

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/wudi/gateway/internal/config"
)

// Backend is one DNS-materialized node of an upstream, tracked for health
// and in-flight request accounting. Addr is the dial address
// (host:port) — the hot-path key, since a gateway forwards by address, not
// by URL.
type Backend struct {
	Addr           string
	Weight         int
	Healthy        bool
	ActiveRequests int64
}

// FromNodes converts a materialized node list into fresh Backends, all
// marked healthy; the caller (Upstream Selector) reconciles health state
// against whatever the balancer already tracks via UpdateBackends.
func FromNodes(nodes []config.Node) []*Backend {
	out := make([]*Backend, 0, len(nodes))
	for _, n := range nodes {
		w := n.Weight
		if w <= 0 {
			w = 1
		}
		out = append(out, &Backend{Addr: n.Addr(), Weight: w, Healthy: true})
	}
	return out
}

// IncrActive atomically increments the active request count.
func (b *Backend) IncrActive() { atomic.AddInt64(&b.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (b *Backend) DecrActive() { atomic.AddInt64(&b.ActiveRequests, -1) }

// GetActive atomically reads the active request count.
func (b *Backend) GetActive() int64 { return atomic.LoadInt64(&b.ActiveRequests) }

// Balancer picks a node from an upstream's current backend set.
type Balancer interface {
	// Next returns the next backend to use for a request with no
	// hash-relevant state (roundrobin's normal path; chash falls back to
	// the first ring entry).
	Next() *Backend
	// UpdateBackends replaces the tracked backend set, preserving health
	// status for addresses that carry over.
	UpdateBackends(backends []*Backend)
	MarkHealthy(addr string)
	MarkUnhealthy(addr string)
	GetBackends() []*Backend
	HealthyCount() int
	GetBackendByAddr(addr string) *Backend
}

// RequestAwareBalancer is implemented by balancers whose pick depends on
// the request (chash). The second return value is the extracted hash key,
// useful for logging/debugging.
type RequestAwareBalancer interface {
	NextForHTTPRequest(r *http.Request) (*Backend, string)
}

// baseBalancer provides the health bookkeeping shared by every policy.
type baseBalancer struct {
	backends      []*Backend
	addrIndex     map[string]int
	cachedHealthy atomic.Value // []*Backend, rebuilt on health changes
	mu            sync.RWMutex
}

func (b *baseBalancer) buildIndex() {
	b.addrIndex = make(map[string]int, len(b.backends))
	for i, be := range b.backends {
		b.addrIndex[be.Addr] = i
	}
	b.rebuildHealthyCache()
}

func (b *baseBalancer) rebuildHealthyCache() {
	healthy := make([]*Backend, 0, len(b.backends))
	for _, be := range b.backends {
		if be.Healthy {
			healthy = append(healthy, be)
		}
	}
	b.cachedHealthy.Store(healthy)
}

// CachedHealthyBackends returns the pre-computed healthy slice lock-free.
func (b *baseBalancer) CachedHealthyBackends() []*Backend {
	if v := b.cachedHealthy.Load(); v != nil {
		return v.([]*Backend)
	}
	return nil
}

func (b *baseBalancer) UpdateBackends(backends []*Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.addrIndex != nil {
		for _, be := range backends {
			if idx, ok := b.addrIndex[be.Addr]; ok {
				be.Healthy = b.backends[idx].Healthy
			} else {
				be.Healthy = true
			}
		}
	} else {
		for _, be := range backends {
			be.Healthy = true
		}
	}

	b.backends = backends
	b.buildIndex()
}

func (b *baseBalancer) MarkHealthy(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.addrIndex[addr]; ok {
		b.backends[idx].Healthy = true
		b.rebuildHealthyCache()
	}
}

func (b *baseBalancer) MarkUnhealthy(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.addrIndex[addr]; ok {
		b.backends[idx].Healthy = false
		b.rebuildHealthyCache()
	}
}

func (b *baseBalancer) GetBackends() []*Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]*Backend, len(b.backends))
	for i, be := range b.backends {
		result[i] = &Backend{Addr: be.Addr, Weight: be.Weight, Healthy: be.Healthy, ActiveRequests: be.GetActive()}
	}
	return result
}

func (b *baseBalancer) HealthyCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, be := range b.backends {
		if be.Healthy {
			count++
		}
	}
	return count
}

// GetBackendByAddr returns the real Backend pointer so IncrActive/DecrActive
// update the shared counter, not a copy.
func (b *baseBalancer) GetBackendByAddr(addr string) *Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if idx, ok := b.addrIndex[addr]; ok {
		return b.backends[idx]
	}
	return nil
}

// healthyBackends returns backends filtered to Healthy, reusing the
// backing slice when every backend is already healthy. If every backend is
// unhealthy, it falls back to the full backend set rather than returning an
// empty slice — spec.md treats total failure as "try everything anyway", not
// as no backend to pick from. Caller must hold mu.
func (b *baseBalancer) healthyBackends() []*Backend {
	allHealthy := true
	for _, be := range b.backends {
		if !be.Healthy {
			allHealthy = false
			break
		}
	}
	if allHealthy {
		return b.backends
	}

	healthy := make([]*Backend, 0, len(b.backends))
	for _, be := range b.backends {
		if be.Healthy {
			healthy = append(healthy, be)
		}
	}
	if len(healthy) == 0 {
		return b.backends
	}
	return healthy
}
