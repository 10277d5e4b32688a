package loadbalancer

import (
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ConsistentHash implements a hash ring over backend addresses. Requests
// that resolve to the same key always land on the same backend, per
// spec.md §4.4: "160 virtual nodes per unit of weight".
type ConsistentHash struct {
	baseBalancer
	hashOn   string // vars, header or cookie; any other value hashes the client IP
	key      string // variable/header/cookie name, per hash_on
	ring     []ringEntry
	ringMu   sync.RWMutex
	replicas int
}

type ringEntry struct {
	hash    uint64
	backend *Backend
}

const virtualNodesPerWeight = 160

// NewConsistentHash creates a consistent-hash balancer keyed by hashOn/key
// — the upstream's configured hash_on/key fields.
func NewConsistentHash(backends []*Backend, hashOn, key string) *ConsistentHash {
	for _, b := range backends {
		if b.Weight <= 0 {
			b.Weight = 1
		}
	}
	ch := &ConsistentHash{hashOn: hashOn, key: key, replicas: virtualNodesPerWeight}
	ch.backends = backends
	ch.buildIndex()
	ch.rebuildRing()
	return ch
}

func (ch *ConsistentHash) rebuildRing() {
	ch.mu.RLock()
	healthy := ch.healthyBackends()
	ch.mu.RUnlock()

	var ring []ringEntry
	for _, b := range healthy {
		vnodes := ch.replicas * b.Weight
		for i := 0; i < vnodes; i++ {
			ring = append(ring, ringEntry{hash: vnodeHash(b.Addr, i), backend: b})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	ch.ringMu.Lock()
	ch.ring = ring
	ch.ringMu.Unlock()
}

func vnodeHash(addr string, idx int) uint64 {
	d := xxhash.New()
	d.WriteString(addr)
	var buf [4]byte
	buf[0] = byte(idx)
	buf[1] = byte(idx >> 8)
	buf[2] = byte(idx >> 16)
	buf[3] = byte(idx >> 24)
	d.Write(buf[:])
	return d.Sum64()
}

// Next returns the first ring entry — used when no request context is
// available to derive a hash key from.
func (ch *ConsistentHash) Next() *Backend {
	ch.ringMu.RLock()
	defer ch.ringMu.RUnlock()
	if len(ch.ring) == 0 {
		return nil
	}
	return ch.ring[0].backend
}

// NextForHTTPRequest picks a backend by hashing the key extracted from r
// per the configured hash_on/key.
func (ch *ConsistentHash) NextForHTTPRequest(r *http.Request) (*Backend, string) {
	key := ch.extractKey(r)
	h := xxhash.Sum64String(key)

	ch.ringMu.RLock()
	ring := ch.ring
	ch.ringMu.RUnlock()

	if len(ring) == 0 {
		return nil, key
	}

	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx >= len(ring) {
		idx = 0
	}
	return ring[idx].backend, key
}

// extractKey implements spec.md §4.4's hash_on/key examples:
// vars.remote_addr, header.X-Foo, cookie.session. Any other hash_on value,
// consumer included, hashes on the client IP.
func (ch *ConsistentHash) extractKey(r *http.Request) string {
	switch ch.hashOn {
	case "header":
		return r.Header.Get(ch.key)
	case "cookie":
		if c, err := r.Cookie(ch.key); err == nil {
			return c.Value
		}
		return ""
	case "vars":
		if ch.key == "remote_addr" {
			return clientIP(r)
		}
		return ""
	default:
		return clientIP(r)
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (ch *ConsistentHash) UpdateBackends(backends []*Backend) {
	ch.baseBalancer.UpdateBackends(backends)
	ch.rebuildRing()
}

func (ch *ConsistentHash) MarkHealthy(addr string) {
	ch.baseBalancer.MarkHealthy(addr)
	ch.rebuildRing()
}

func (ch *ConsistentHash) MarkUnhealthy(addr string) {
	ch.baseBalancer.MarkUnhealthy(addr)
	ch.rebuildRing()
}
