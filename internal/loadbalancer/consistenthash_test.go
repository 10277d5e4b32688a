package loadbalancer

import (
	"net/http"
	"testing"
)

func TestConsistentHashSameKeySameBackend(t *testing.T) {
	backends := []*Backend{
		{Addr: "10.0.0.1:80", Weight: 1, Healthy: true},
		{Addr: "10.0.0.2:80", Weight: 1, Healthy: true},
		{Addr: "10.0.0.3:80", Weight: 1, Healthy: true},
	}
	ch := NewConsistentHash(backends, "header", "X-User-ID")

	req1, _ := http.NewRequest("GET", "/test", nil)
	req1.Header.Set("X-User-ID", "user-42")
	b1, _ := ch.NextForHTTPRequest(req1)

	req2, _ := http.NewRequest("GET", "/other", nil)
	req2.Header.Set("X-User-ID", "user-42")
	b2, _ := ch.NextForHTTPRequest(req2)

	if b1 == nil || b2 == nil {
		t.Fatal("expected non-nil backends")
	}
	if b1.Addr != b2.Addr {
		t.Fatalf("same key should map to same backend: got %s and %s", b1.Addr, b2.Addr)
	}
}

func TestConsistentHashDifferentKeysDistribute(t *testing.T) {
	backends := []*Backend{
		{Addr: "10.0.0.1:80", Weight: 1, Healthy: true},
		{Addr: "10.0.0.2:80", Weight: 1, Healthy: true},
		{Addr: "10.0.0.3:80", Weight: 1, Healthy: true},
	}
	ch := NewConsistentHash(backends, "header", "X-User-ID")

	hits := make(map[string]int)
	for i := 0; i < 300; i++ {
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("X-User-ID", string(rune('A'+i%26))+string(rune('0'+i/26)))
		b, _ := ch.NextForHTTPRequest(req)
		if b != nil {
			hits[b.Addr]++
		}
	}
	if len(hits) < 2 {
		t.Fatalf("expected distribution across backends, got %v", hits)
	}
}

func TestConsistentHashMinimalRedistribution(t *testing.T) {
	backends := []*Backend{
		{Addr: "10.0.0.1:80", Weight: 1, Healthy: true},
		{Addr: "10.0.0.2:80", Weight: 1, Healthy: true},
		{Addr: "10.0.0.3:80", Weight: 1, Healthy: true},
	}
	ch := NewConsistentHash(backends, "vars", "remote_addr")

	type mapping struct {
		remoteAddr string
		backend    string
	}
	var before []mapping
	for i := 0; i < 100; i++ {
		addr := "10.1." + string(rune('a'+i%26)) + ":1234"
		req, _ := http.NewRequest("GET", "/x", nil)
		req.RemoteAddr = addr
		b, _ := ch.NextForHTTPRequest(req)
		if b != nil {
			before = append(before, mapping{addr, b.Addr})
		}
	}

	ch.MarkUnhealthy("10.0.0.2:80")

	moved := 0
	for _, m := range before {
		if m.backend == "10.0.0.2:80" {
			moved++
			continue
		}
		req, _ := http.NewRequest("GET", "/x", nil)
		req.RemoteAddr = m.remoteAddr
		b, _ := ch.NextForHTTPRequest(req)
		if b != nil && b.Addr != m.backend {
			moved++
		}
	}

	maxExpected := len(before)/2 + 10
	if moved > maxExpected {
		t.Fatalf("too many keys moved after removing one backend: %d (max expected %d)", moved, maxExpected)
	}
}

func TestConsistentHashAllUnhealthy(t *testing.T) {
	backends := []*Backend{
		{Addr: "10.0.0.1:80", Weight: 1, Healthy: false},
		{Addr: "10.0.0.2:80", Weight: 1, Healthy: false},
	}
	ch := NewConsistentHash(backends, "vars", "remote_addr")

	// every backend is unhealthy, but the ring falls back to the full set
	// rather than going empty, so a request still lands on a backend.
	if b := ch.Next(); b == nil {
		t.Fatal("expected a fallback backend from the full set, got nil")
	}

	req, _ := http.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	b, _ := ch.NextForHTTPRequest(req)
	if b == nil {
		t.Fatal("expected a fallback backend from the full set for all unhealthy, got nil")
	}
}

func TestConsistentHashVarsRemoteAddrMode(t *testing.T) {
	backends := []*Backend{
		{Addr: "10.0.0.1:80", Weight: 1, Healthy: true},
		{Addr: "10.0.0.2:80", Weight: 1, Healthy: true},
	}
	ch := NewConsistentHash(backends, "vars", "remote_addr")

	req, _ := http.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	b1, _ := ch.NextForHTTPRequest(req)

	req2, _ := http.NewRequest("GET", "/other", nil)
	req2.RemoteAddr = "10.0.0.1:54321"
	b2, _ := ch.NextForHTTPRequest(req2)

	if b1 == nil || b2 == nil {
		t.Fatal("expected non-nil backends")
	}
	if b1.Addr != b2.Addr {
		t.Fatalf("same client IP should map to same backend: got %s and %s", b1.Addr, b2.Addr)
	}
}

func TestConsistentHashCookieMode(t *testing.T) {
	backends := []*Backend{
		{Addr: "10.0.0.1:80", Weight: 1, Healthy: true},
		{Addr: "10.0.0.2:80", Weight: 1, Healthy: true},
	}
	ch := NewConsistentHash(backends, "cookie", "session_id")

	req, _ := http.NewRequest("GET", "/test", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "abc123"})
	b1, _ := ch.NextForHTTPRequest(req)

	req2, _ := http.NewRequest("GET", "/other", nil)
	req2.AddCookie(&http.Cookie{Name: "session_id", Value: "abc123"})
	b2, _ := ch.NextForHTTPRequest(req2)

	if b1 == nil || b2 == nil {
		t.Fatal("expected non-nil backends")
	}
	if b1.Addr != b2.Addr {
		t.Fatalf("same cookie should map to same backend: got %s and %s", b1.Addr, b2.Addr)
	}
}

func TestConsistentHashDefaultReplicas(t *testing.T) {
	backends := []*Backend{{Addr: "10.0.0.1:80", Weight: 1, Healthy: true}}
	ch := NewConsistentHash(backends, "vars", "remote_addr")

	if ch.replicas != virtualNodesPerWeight {
		t.Fatalf("expected default replicas %d, got %d", virtualNodesPerWeight, ch.replicas)
	}
}
