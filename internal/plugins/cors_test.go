package plugins

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/gateway/internal/reqctx"
)

func TestCORSAccessShortCircuitsPreflight(t *testing.T) {
	p := NewCORS()

	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	ctx := reqctx.Acquire(r)
	defer reqctx.Release(ctx)

	result, err := p.Access(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ShortCircuit || result.Code != http.StatusNoContent {
		t.Fatalf("expected 204 short-circuit, got %+v", result)
	}
}

func TestCORSAccessPassesNonPreflightRequests(t *testing.T) {
	p := NewCORS()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := reqctx.Acquire(r)
	defer reqctx.Release(ctx)

	result, err := p.Access(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ShortCircuit {
		t.Fatalf("expected chain to continue, got short-circuit %d", result.Code)
	}
}

func TestCORSHeaderFilterWritesPreflightHeaders(t *testing.T) {
	p := NewCORS()

	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	ctx := reqctx.Acquire(r)
	defer reqctx.Release(ctx)
	ctx.Response = &http.Response{Header: make(http.Header)}

	cfg := map[string]any{"allow_origins": []any{"https://example.com"}}
	if err := p.HeaderFilter(ctx, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := ctx.Response.Header.Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("expected allow-origin echoed, got %q", got)
	}
	if ctx.Response.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("expected allow-methods to be set on preflight response")
	}
}

func TestCORSHeaderFilterSkipsDisallowedOrigin(t *testing.T) {
	p := NewCORS()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example")
	ctx := reqctx.Acquire(r)
	defer reqctx.Release(ctx)
	ctx.Response = &http.Response{Header: make(http.Header)}

	cfg := map[string]any{"allow_origins": []any{"https://example.com"}}
	if err := p.HeaderFilter(ctx, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ctx.Response.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header, got %q", got)
	}
}

func TestCORSHeaderFilterWildcardWithoutCredentials(t *testing.T) {
	p := NewCORS()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	ctx := reqctx.Acquire(r)
	defer reqctx.Release(ctx)
	ctx.Response = &http.Response{Header: make(http.Header)}

	cfg := map[string]any{"allow_origins": []any{"*"}}
	if err := p.HeaderFilter(ctx, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ctx.Response.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}
