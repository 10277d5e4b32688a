// Package reqctx implements the Request Context: per-request scratch state
// pool-allocated at request start, mutated through the phase pipeline, and
// released in the Log phase. Grounded on the teacher's top-level
// variables.Context/AcquireContext/ReleaseContext pool (variables/builtin.go),
// generalized from the teacher's flat field set to spec.md's Route/Service/
// Consumer/Upstream entity references plus a namespaced plugin extension map.
package reqctx

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/loadbalancer"
)

// Context is one request's scratch state, per spec.md §4.6/§3's
// RequestContext entity. Owned exclusively by the request until Release.
type Context struct {
	Request  *http.Request
	Response *http.Response

	Route    *config.Route
	Service  *config.Service
	Consumer *config.Consumer
	Upstream *config.Upstream

	PathParams  map[string]string
	MatchedVars map[string]string

	BalancerNode *loadbalancer.Backend

	ConfType    config.Kind
	ConfVersion string
	ConfID      string

	RequestID string
	StartTime time.Time

	UpstreamStatus       int
	UpstreamResponseTime time.Duration

	// Short-circuit response, set by a plugin handler that wants the
	// Phase Executor to stop the chain and write this response instead
	// of forwarding.
	ShortCircuitCode int
	ShortCircuitBody string

	// Plugins is the merged, priority-ordered chain built for this
	// request (spec.md §4.3's merge rules); Merge rebuilds it after the
	// access phase discovers a Consumer.
	Plugins []ResolvedPlugin

	// ext is the namespaced plugin extension map (spec.md §4.6: "Fields
	// added by plugins live in a namespaced sub-map to avoid
	// collisions"), keyed by plugin name.
	ext map[string]any
}

// ResolvedPlugin pairs a compiled plugin with the config instance it should
// run against for this request (after Merge has applied Consumer > Route >
// Service > Global precedence).
type ResolvedPlugin struct {
	Name   string
	Plugin any // internal/plugin.Plugin; kept as any to avoid an import cycle
	Config map[string]any
}

var pool = sync.Pool{
	New: func() any { return &Context{} },
}

// Acquire gets a Context from the pool and initializes it for r.
func Acquire(r *http.Request) *Context {
	c := pool.Get().(*Context)
	c.Request = r
	c.StartTime = time.Now()
	return c
}

// Release zeroes every field and returns c to the pool. The caller must
// ensure no goroutine reads from c after this call — per spec.md's "Must
// never outlive the request."
func Release(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	pool.Put(c)
}

// Set stores a plugin-namespaced value, keyed by the owning plugin's name so
// two plugins can never collide on the same key.
func (c *Context) Set(plugin, key string, value any) {
	if c.ext == nil {
		c.ext = make(map[string]any)
	}
	c.ext[plugin+"."+key] = value
}

// Get retrieves a plugin-namespaced value previously stored with Set.
func (c *Context) Get(plugin, key string) (any, bool) {
	if c.ext == nil {
		return nil, false
	}
	v, ok := c.ext[plugin+"."+key]
	return v, ok
}

// EffectiveConfVersion computes the conf_version string per spec.md
// invariant 1: the route's version, suffixed with "&service.version" when a
// Service contributed to the merge, and with the DNS-materialized upstream's
// "#<timestamp>" suffix (dnscache.Cache.Materialize appends one only when
// node-set resolution changed) when upstreamVersionString carries one.
func (c *Context) EffectiveConfVersion(upstreamVersionString string) string {
	s := strconv.FormatInt(c.Route.Version, 10)
	if c.Service != nil {
		s += "&" + strconv.FormatInt(c.Service.Version, 10)
	}
	if idx := strings.IndexByte(upstreamVersionString, '#'); idx >= 0 {
		s += upstreamVersionString[idx:]
	}
	return s
}
