// Package plugin implements the Plugin Registry, Merge Engine and Phase
// Executor: the chain of named handlers that rewrite, authorize, rate-limit
// and otherwise intercept a request as it moves through the gateway.
//
// Grounded on the teacher's internal/middleware package family (chain.go's
// Builder/composition idiom, validation.go's jsonschema usage) generalized
// from an http.Handler-wrapping chain to spec.md's named-phase contract:
// a plugin is a Go value that optionally implements one interface per
// phase (rewrite, access, header_filter, body_filter, log, preread,
// balancer), found via a type assertion rather than always wrapping
// http.Handler.
package plugin

import (
	"github.com/wudi/gateway/internal/loadbalancer"
	"github.com/wudi/gateway/internal/reqctx"
)

// Plugin is the minimal contract every registered plugin satisfies. Actual
// behavior comes from implementing the phase interfaces below; a plugin
// with none of them is legal but inert.
type Plugin interface {
	Name() string
}

// Result is a phase handler's verdict: either let the chain continue, or
// short-circuit with an explicit response. Only the non-filter phases
// (rewrite, access, preread, balancer) honor ShortCircuit.
type Result struct {
	ShortCircuit bool
	Code         int
	Body         string
}

func Continue() Result { return Result{} }

func Stop(code int, body string) Result {
	return Result{ShortCircuit: true, Code: code, Body: body}
}

// RewritePhase runs before routing has finished resolving a Consumer.
// A handler that authenticates the caller should set ctx.Consumer here so
// the Merge Engine can re-merge Consumer-level plugins before Access runs.
type RewritePhase interface {
	Rewrite(ctx *reqctx.Context, cfg map[string]any) (Result, error)
}

// AccessPhase runs after Consumer-aware re-merge; this is where
// authorization and rate limiting normally live.
type AccessPhase interface {
	Access(ctx *reqctx.Context, cfg map[string]any) (Result, error)
}

// HeaderFilterPhase runs once the upstream response headers are known, and
// always runs to completion for every plugin in the chain — per spec.md
// §4.3, filter phases never short-circuit.
type HeaderFilterPhase interface {
	HeaderFilter(ctx *reqctx.Context, cfg map[string]any) error
}

// BodyFilterPhase runs over the buffered upstream response body. Returning
// a replacement body lets a plugin transform it; returning the input
// unchanged is the common case.
type BodyFilterPhase interface {
	BodyFilter(ctx *reqctx.Context, cfg map[string]any, body []byte) ([]byte, error)
}

// LogPhase runs after the response has been written, for metrics and
// diagnostics. It cannot affect the response and has no error return —
// per spec.md, log handlers are fire-and-forget.
type LogPhase interface {
	Log(ctx *reqctx.Context, cfg map[string]any)
}

// PrereadPhase is the stream (L4) analogue of rewrite/access, run before a
// TCP/UDP connection is forwarded to an upstream.
type PrereadPhase interface {
	Preread(ctx *reqctx.Context, cfg map[string]any) (Result, error)
}

// BalancerPhase lets a plugin override node selection, given the attempt
// number. Only Executor.RunBalancer invokes it; the gateway's request path
// does not call RunBalancer, and ctx keeps no record of backends tried.
type BalancerPhase interface {
	Balance(ctx *reqctx.Context, cfg map[string]any, attempt int) (*loadbalancer.Backend, error)
}

// Factory constructs a configured Plugin instance from its decoded config
// map. Called once per resolved chain entry; cheap factories are expected
// to precompute anything config-dependent (compiled regexes, parsed
// durations) rather than doing it per-request.
type Factory func(cfg map[string]any) (Plugin, error)
