package upstream

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/dnscache"
	"github.com/wudi/gateway/internal/retry"
	"github.com/wudi/gateway/internal/store"
)

func backendNode(t *testing.T, srv *httptest.Server) config.Node {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse backend url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split backend host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse backend port: %v", err)
	}
	return config.Node{Host: host, Port: port, Weight: 1}
}

func newTestForwarder(t *testing.T, st *store.Store) *Forwarder {
	t.Helper()
	dns := dnscache.NewCache(nil, time.Minute)
	budget := retry.NewBudget(1.0, 100, 10*time.Second)
	sel := New(st, dns, budget)
	pool := NewTransportPool()
	return NewForwarder(sel, pool, 5*time.Second)
}

func TestServeRouteForwardsSuccessfully(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Backend", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer backend.Close()

	st := store.New()
	u := &config.Upstream{ID: "up1", Nodes: []config.Node{backendNode(t, backend)}}
	putUpstream(st, u)
	route := &config.Route{ID: "r1", URI: "/x", UpstreamID: "up1"}

	fwd := newTestForwarder(t, st)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	fwd.ServeRoute(rec, req, route)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", rec.Body.String())
	}
	if rec.Header().Get("X-From-Backend") != "yes" {
		t.Fatal("expected backend response header to be copied through")
	}
}

func TestServeRouteStripsHopByHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Keep-Me", "yes")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	st := store.New()
	u := &config.Upstream{ID: "up1", Nodes: []config.Node{backendNode(t, backend)}}
	putUpstream(st, u)
	route := &config.Route{ID: "r1", URI: "/x", UpstreamID: "up1"}

	fwd := newTestForwarder(t, st)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	fwd.ServeRoute(rec, req, route)

	if rec.Header().Get("Connection") != "" {
		t.Fatal("expected Connection header to be stripped")
	}
	if rec.Header().Get("X-Keep-Me") != "yes" {
		t.Fatal("expected non-hop-by-hop header to survive")
	}
}

func TestServeRouteRetriesOnFailureAndUsesOtherBackend(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer healthy.Close()

	st := store.New()
	u := &config.Upstream{
		ID:      "up1",
		Retries: 2,
		Nodes:   []config.Node{backendNode(t, failing), backendNode(t, healthy)},
	}
	putUpstream(st, u)
	route := &config.Route{ID: "r1", URI: "/x", UpstreamID: "up1"}

	fwd := newTestForwarder(t, st)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	fwd.ServeRoute(rec, req, route)

	// one of the two backends (whichever round-robin doesn't retry away
	// from) may answer first; since failing always answers 503 and the retry
	// loop excludes already-tried addresses, the final response must be
	// the healthy backend's 200.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the retry to reach the healthy backend, got %d", rec.Code)
	}
}

func TestEffectiveMaxAttemptsDefaultsToNodeCountWhenRetriesUnset(t *testing.T) {
	u := &config.Upstream{Nodes: make([]config.Node, 4)}
	if got := effectiveMaxAttempts(u); got != 4 {
		t.Fatalf("expected 4 attempts (3 retries + 1) from an unset Retries on 4 nodes, got %d", got)
	}
}

func TestEffectiveMaxAttemptsCapsRetriesAtNodeCount(t *testing.T) {
	u := &config.Upstream{Retries: 10, Nodes: make([]config.Node, 3)}
	if got := effectiveMaxAttempts(u); got != 3 {
		t.Fatalf("expected Retries capped to len(nodes)-1=2 (3 attempts), got %d", got)
	}
}

func TestEffectiveMaxAttemptsSingleNodeIsOneAttempt(t *testing.T) {
	u := &config.Upstream{Nodes: make([]config.Node, 1)}
	if got := effectiveMaxAttempts(u); got != 1 {
		t.Fatalf("expected a single node to allow exactly one attempt, got %d", got)
	}
}

func TestServeRouteNoHealthyBackendWritesGatewayError(t *testing.T) {
	st := store.New()
	u := &config.Upstream{ID: "up1", Nodes: []config.Node{{Host: "10.255.255.1", Port: 9, Weight: 1}}}
	putUpstream(st, u)
	route := &config.Route{ID: "r1", URI: "/x", UpstreamID: "up1"}

	fwd := newTestForwarder(t, st)
	fwd.defaultTimeout = 200 * time.Millisecond
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	fwd.ServeRoute(rec, req, route)

	if rec.Code < 500 {
		t.Fatalf("expected an error status, got %d", rec.Code)
	}
}

func TestServeRouteUnresolvableUpstreamWritesGatewayError(t *testing.T) {
	st := store.New()
	route := &config.Route{ID: "r1", URI: "/x", UpstreamID: "missing"}

	fwd := newTestForwarder(t, st)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	fwd.ServeRoute(rec, req, route)

	if rec.Code < 400 {
		t.Fatalf("expected an error status, got %d", rec.Code)
	}
}
