package plugins

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/gateway/internal/reqctx"
)

func TestProxyRewriteRewritesURI(t *testing.T) {
	p := NewProxyRewrite()

	r := httptest.NewRequest(http.MethodGet, "/v1/42", nil)
	ctx := reqctx.Acquire(r)
	defer reqctx.Release(ctx)
	ctx.PathParams = map[string]string{"id": "42"}

	result, err := p.Rewrite(ctx, map[string]any{"uri": "/v2/$id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ShortCircuit {
		t.Fatalf("expected chain to continue, got short-circuit %d", result.Code)
	}
	if r.URL.Path != "/v2/42" {
		t.Fatalf("expected rewritten path /v2/42, got %q", r.URL.Path)
	}
}

func TestProxyRewriteSetsHost(t *testing.T) {
	p := NewProxyRewrite()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := reqctx.Acquire(r)
	defer reqctx.Release(ctx)

	if _, err := p.Rewrite(ctx, map[string]any{"host": "internal.example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Host != "internal.example.com" {
		t.Fatalf("expected host rewritten, got %q", r.Host)
	}
}

func TestProxyRewriteAppliesHeaderTransform(t *testing.T) {
	p := NewProxyRewrite()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Remove-Me", "1")
	r.Header.Set("X-Override", "old")
	ctx := reqctx.Acquire(r)
	defer reqctx.Release(ctx)

	cfg := map[string]any{
		"headers": map[string]any{
			"add":    map[string]any{"X-Added": "yes"},
			"set":    map[string]any{"X-Override": "new"},
			"remove": []any{"X-Remove-Me"},
		},
	}
	if _, err := p.Rewrite(ctx, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.Header.Get("X-Added") != "yes" {
		t.Fatalf("expected X-Added header set")
	}
	if r.Header.Get("X-Override") != "new" {
		t.Fatalf("expected X-Override header replaced, got %q", r.Header.Get("X-Override"))
	}
	if r.Header.Get("X-Remove-Me") != "" {
		t.Fatalf("expected X-Remove-Me header removed")
	}
}

func TestJoinPathNoSubstitutionNeeded(t *testing.T) {
	if got := joinPath("/static/path", nil); got != "/static/path" {
		t.Fatalf("expected unchanged template, got %q", got)
	}
}
