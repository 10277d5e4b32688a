package dnscache

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wudi/gateway/internal/config"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultTTL = 30 * time.Second

// entry is the cached materialization for one upstream id: the clone with
// hostnames substituted for resolved IPs, and the version string a
// RequestContext should surface as conf_version (spec.md invariant 1).
type entry struct {
	sourceVersion int64
	nodes         []config.Node
	versionString string
}

// Cache maps (upstream.id, upstream.version) to an IP-materialized clone of
// the upstream's node list, per spec.md §4.1's "DNS Resolver Cache owns
// derived IP-materialized clones keyed by (entity_id, original_version)".
type Cache struct {
	resolver *net.Resolver
	lru      *expirable.LRU[string, *entry]
	mu       sync.Mutex // serializes all resolution (one lock for every key) to avoid duplicate lookups
}

// NewCache builds a materialization cache that resolves hostnames through
// resolver (nil means the OS default resolver) and holds every entry for
// ttl. An upstream's own dns_resolver_valid is not consulted.
func NewCache(resolver *net.Resolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		resolver: resolver,
		lru:      expirable.NewLRU[string, *entry](0, nil, ttl),
	}
}

// Materialize returns the effective node list and conf_version suffix for
// upstream. Upstreams with no hostname nodes pass through unchanged. On a
// cache miss (or a version bump on the source upstream) it re-resolves every
// non-IP node and stores the result; an unchanged node set after re-resolution
// keeps its prior version string so dependent caches don't needlessly
// invalidate (spec.md §4.4).
func (c *Cache) Materialize(ctx context.Context, upstream *config.Upstream) ([]config.Node, string, error) {
	baseVersion := strconv.FormatInt(upstream.Version, 10)
	if !upstream.HasDomain {
		return upstream.Nodes, baseVersion, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, hadPrev := c.lru.Get(upstream.ID)
	if hadPrev && prev.sourceVersion == upstream.Version {
		return prev.nodes, prev.versionString, nil
	}

	resolved, err := c.resolveNodes(ctx, upstream.Nodes)
	if err != nil {
		return nil, "", fmt.Errorf("resolve upstream %s: %w", upstream.ID, err)
	}

	versionString := baseVersion
	if hadPrev && sameNodeSet(prev.nodes, resolved) {
		versionString = prev.versionString
	} else if hadPrev {
		versionString = fmt.Sprintf("%s#%d", baseVersion, time.Now().UnixNano())
	}

	c.lru.Add(upstream.ID, &entry{sourceVersion: upstream.Version, nodes: resolved, versionString: versionString})

	return resolved, versionString, nil
}

func (c *Cache) resolveNodes(ctx context.Context, nodes []config.Node) ([]config.Node, error) {
	out := make([]config.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.IsIPLiteral() {
			out = append(out, n)
			continue
		}
		ips, err := c.lookup(ctx, n.Host)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			out = append(out, config.Node{Host: ip, Port: n.Port, Weight: n.Weight})
		}
	}
	return out, nil
}

func (c *Cache) lookup(ctx context.Context, host string) ([]string, error) {
	resolver := c.resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return resolver.LookupHost(ctx, host)
}

// sameNodeSet compares two node lists by their {host,port,weight} tuple
// sequence, per spec.md §4.4's node-set-equivalence rule.
func sameNodeSet(a, b []config.Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Host != b[i].Host || a[i].Port != b[i].Port || a[i].Weight != b[i].Weight {
			return false
		}
	}
	return true
}

// Invalidate drops any cached materialization for id, forcing the next
// Materialize call to re-resolve regardless of version.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
}
