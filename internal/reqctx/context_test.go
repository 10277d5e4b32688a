package reqctx

import (
	"net/http/httptest"
	"testing"

	"github.com/wudi/gateway/internal/config"
)

func TestAcquireReleaseResetsFields(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	c := Acquire(r)
	c.Route = &config.Route{ID: "r1", Version: 3}
	c.Set("key-auth", "client_id", "abc")

	Release(c)

	c2 := Acquire(r)
	if c2.Route != nil {
		t.Fatal("expected Route to be reset after Release")
	}
	if _, ok := c2.Get("key-auth", "client_id"); ok {
		t.Fatal("expected plugin extension map to be reset after Release")
	}
}

func TestSetGetNamespacesByPlugin(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	c := Acquire(r)
	defer Release(c)

	c.Set("key-auth", "client_id", "a")
	c.Set("jwt-auth", "client_id", "b")

	v1, ok1 := c.Get("key-auth", "client_id")
	v2, ok2 := c.Get("jwt-auth", "client_id")
	if !ok1 || !ok2 {
		t.Fatal("expected both namespaced values to be present")
	}
	if v1 != "a" || v2 != "b" {
		t.Fatalf("expected distinct namespaced values, got %v %v", v1, v2)
	}
}

func TestEffectiveConfVersion(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	c := Acquire(r)
	defer Release(c)

	c.Route = &config.Route{ID: "r1", Version: 5}
	if got := c.EffectiveConfVersion(""); got != "5" {
		t.Fatalf("expected %q, got %q", "5", got)
	}

	c.Service = &config.Service{ID: "s1", Version: 2}
	if got := c.EffectiveConfVersion(""); got != "5&2" {
		t.Fatalf("expected %q, got %q", "5&2", got)
	}

	if got := c.EffectiveConfVersion("7#1690000000"); got != "5&2#1690000000" {
		t.Fatalf("expected DNS suffix to carry through, got %q", got)
	}
}
