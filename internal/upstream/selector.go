// Package upstream implements the Upstream Selector: resolving a route's
// effective upstream, materializing its nodes through DNS, picking a
// backend with the configured balancing policy, and forwarding the
// request with retries, a shared retry budget and per-backend circuit
// breaking. Grounded on the teacher's internal/proxy (backend selection,
// request building) generalized to spec.md's entity model.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/dnscache"
	"github.com/wudi/gateway/internal/gwerrors"
	"github.com/wudi/gateway/internal/health"
	"github.com/wudi/gateway/internal/loadbalancer"
	"github.com/wudi/gateway/internal/logging"
	"github.com/wudi/gateway/internal/retry"
	"github.com/wudi/gateway/internal/store"
	"go.uber.org/zap"
)

// upstreamState is the live balancing state for one upstream entity,
// rebuilt whenever DNS materialization reports a new node set.
type upstreamState struct {
	balancer      loadbalancer.Balancer
	versionString string
}

// Selector resolves routes to backends. One Selector is shared by every
// request; its internal maps are keyed by upstream ID.
type Selector struct {
	store    *store.Store
	dns      *dnscache.Cache
	passive  *health.PassiveRecorder
	budget   *retry.Budget
	log      *zap.Logger

	mu     sync.Mutex
	states map[string]*upstreamState

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// New creates a Selector backed by st, resolving domain nodes through dns
// and tracking retry spend against budget (shared across every route so
// one hot route's retries can't starve a quiet one's).
func New(st *store.Store, dns *dnscache.Cache, budget *retry.Budget) *Selector {
	s := &Selector{
		store:    st,
		dns:      dns,
		budget:   budget,
		log:      logging.Global().Named("upstream"),
		states:   make(map[string]*upstreamState),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
	s.passive = health.NewPassiveRecorder(s.onPassiveHealthChange)
	return s
}

// ResolveUpstream implements spec.md's upstream-source precedence:
// upstream_id > service.upstream > inline. route.Validate already
// guarantees exactly one of the three is set.
func (s *Selector) ResolveUpstream(route *config.Route) (*config.Upstream, error) {
	if route.UpstreamID != "" {
		u, ok := s.store.GetUpstream(route.UpstreamID)
		if !ok {
			return nil, fmt.Errorf("upstream %q not found", route.UpstreamID)
		}
		return u, nil
	}
	if route.ServiceID != "" {
		svc, ok := s.store.GetService(route.ServiceID)
		if !ok {
			return nil, fmt.Errorf("service %q not found", route.ServiceID)
		}
		if svc.UpstreamID != "" {
			u, ok := s.store.GetUpstream(svc.UpstreamID)
			if !ok {
				return nil, fmt.Errorf("service %q references missing upstream %q", svc.ID, svc.UpstreamID)
			}
			return u, nil
		}
		if svc.Upstream != nil {
			return svc.Upstream, nil
		}
		return nil, fmt.Errorf("service %q has no upstream", svc.ID)
	}
	if route.Upstream != nil {
		return route.Upstream, nil
	}
	return nil, fmt.Errorf("route %q has no upstream source", route.ID)
}

// balancerFor returns the live balancer for upstream, materializing nodes
// through DNS and rebuilding the balancer whenever the resolved node set's
// version changes (new nodes, or a DNS answer changed since last lookup).
func (s *Selector) balancerFor(ctx context.Context, u *config.Upstream) (loadbalancer.Balancer, error) {
	nodes, versionString, err := s.dns.Materialize(ctx, u)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[u.ID]
	if ok && st.versionString == versionString {
		return st.balancer, nil
	}

	backends := loadbalancer.FromNodes(nodes)
	var bal loadbalancer.Balancer
	if u.Type == config.BalancerConsistentHash {
		bal = loadbalancer.NewConsistentHash(backends, u.HashOn, u.Key)
	} else {
		bal = loadbalancer.NewRoundRobin(backends)
	}

	if u.Checks != nil && u.Checks.Passive != nil {
		for _, b := range backends {
			s.passive.Track(b.Addr, u.Checks.Passive)
		}
	}

	s.states[u.ID] = &upstreamState{balancer: bal, versionString: versionString}
	return bal, nil
}

// VersionString resolves route's effective upstream and returns its
// DNS-materialized version string, for reqctx.Context.EffectiveConfVersion's
// "#timestamp" suffix (spec.md invariant 1). Returns "" if the upstream
// can't be resolved — the caller falls back to the route/service version
// alone rather than failing the request over a version-string cosmetic.
func (s *Selector) VersionString(ctx context.Context, route *config.Route) string {
	u, err := s.ResolveUpstream(route)
	if err != nil {
		return ""
	}
	_, versionString, err := s.dns.Materialize(ctx, u)
	if err != nil {
		return ""
	}
	return versionString
}

// Pick selects a backend for r's route, preferring the request-aware
// (consistent-hash) path when the balancer supports it.
func (s *Selector) Pick(ctx context.Context, route *config.Route, r *http.Request) (*loadbalancer.Backend, *config.Upstream, error) {
	u, err := s.ResolveUpstream(route)
	if err != nil {
		return nil, nil, gwerrors.UpstreamUnresolvable(err)
	}

	bal, err := s.balancerFor(ctx, u)
	if err != nil {
		return nil, u, gwerrors.UpstreamUnresolvable(err)
	}

	var backend *loadbalancer.Backend
	if reqAware, ok := bal.(loadbalancer.RequestAwareBalancer); ok {
		backend, _ = reqAware.NextForHTTPRequest(r)
	} else {
		backend = bal.Next()
	}
	if backend == nil {
		return nil, u, gwerrors.BalancerExhausted(http.StatusServiceUnavailable, fmt.Errorf("no healthy backend for upstream %q", u.ID))
	}
	return backend, u, nil
}

// PickExcluding picks a healthy backend other than any address in excluded,
// used by the retry path so a retried request never repeats a backend that
// already failed it.
func (s *Selector) PickExcluding(ctx context.Context, route *config.Route, r *http.Request, excluded map[string]bool) (*loadbalancer.Backend, *config.Upstream, error) {
	u, err := s.ResolveUpstream(route)
	if err != nil {
		return nil, nil, gwerrors.UpstreamUnresolvable(err)
	}
	bal, err := s.balancerFor(ctx, u)
	if err != nil {
		return nil, u, gwerrors.UpstreamUnresolvable(err)
	}

	for _, b := range bal.GetBackends() {
		if !b.Healthy || excluded[b.Addr] {
			continue
		}
		return b, u, nil
	}
	return nil, u, gwerrors.BalancerExhausted(http.StatusServiceUnavailable, fmt.Errorf("no un-retried healthy backend for upstream %q", u.ID))
}

// breakerFor lazily builds a per-backend circuit breaker. Settings are
// fixed rather than per-upstream-configurable: spec.md names circuit
// breaking as ambient resilience, not a tunable upstream field.
func (s *Selector) breakerFor(addr string) *gobreaker.CircuitBreaker[*http.Response] {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	if cb, ok := s.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	s.breakers[addr] = cb
	return cb
}

// Do executes fn through addr's circuit breaker, tripping it on error or
// on a 5xx response.
func (s *Selector) Do(addr string, fn func() (*http.Response, error)) (*http.Response, error) {
	cb := s.breakerFor(addr)
	return cb.Execute(func() (*http.Response, error) {
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return resp, nil
	})
}

// ReportOutcome feeds a completed request's status back into passive
// health tracking. Call once per attempt from the Log phase.
func (s *Selector) ReportOutcome(addr string, statusCode int) {
	s.passive.Report(addr, statusCode)
}

// MarkBackendResult updates balancer + passive-health bookkeeping for one
// upstream's backend after a request completes. Retry budget spend is
// recorded by the Forwarder's retry loop, not here.
func (s *Selector) MarkBackendResult(u *config.Upstream, addr string, statusCode int, transportErr error) {
	s.mu.Lock()
	st, ok := s.states[u.ID]
	s.mu.Unlock()

	if transportErr != nil {
		if ok {
			st.balancer.MarkUnhealthy(addr)
		}
		s.log.Warn("backend request failed", zap.String("upstream", u.ID), zap.String("addr", addr), zap.Error(transportErr))
		return
	}
	if ok {
		st.balancer.MarkHealthy(addr)
	}
	if u.Checks != nil && u.Checks.Passive != nil {
		s.passive.Report(addr, statusCode)
	}
}

// SetActiveHealth applies an active health checker's verdict for addr to
// every balancer currently tracking it, the same way a passive health
// flip does. Active and passive checks share one health signal per
// backend: whichever last reported wins, since spec.md treats both as
// inputs to the same balancer healthy/unhealthy flag rather than two
// independent states.
func (s *Selector) SetActiveHealth(addr string, healthy bool) {
	s.onPassiveHealthChange(addr, healthy)
}

// onPassiveHealthChange is PassiveRecorder's callback: it has no upstream
// context, only an address, so every tracked balancer is checked. Balancer
// counts are small (one entry per live upstream) so this is cheap relative
// to a health-state flip, which itself is rare.
func (s *Selector) onPassiveHealthChange(addr string, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.balancer.GetBackendByAddr(addr) == nil {
			continue
		}
		if healthy {
			st.balancer.MarkHealthy(addr)
		} else {
			st.balancer.MarkUnhealthy(addr)
		}
	}
}

// RetryBudget exposes the shared retry budget for the forwarding handler.
func (s *Selector) RetryBudget() *retry.Budget { return s.budget }
