package plugin

import (
	"github.com/wudi/gateway/internal/gwerrors"
	"github.com/wudi/gateway/internal/loadbalancer"
	"github.com/wudi/gateway/internal/reqctx"
)

// Executor walks a resolved, priority-ordered plugin chain through one
// phase at a time. It has no notion of Route/Service/Consumer merging —
// that is the Merger's job; the Executor only knows how to run the chain
// it is handed, per spec.md §4.3's per-phase short-circuit rules.
type Executor struct{}

func NewExecutor() *Executor { return &Executor{} }

// RunRewrite runs the rewrite phase. Returns true if a handler
// short-circuited the request; ctx.ShortCircuitCode/Body carry the
// response to write in that case.
func (e *Executor) RunRewrite(ctx *reqctx.Context, chain []reqctx.ResolvedPlugin) (bool, error) {
	for _, rp := range chain {
		h, ok := rp.Plugin.(RewritePhase)
		if !ok {
			continue
		}
		res, err := h.Rewrite(ctx, rp.Config)
		if err != nil {
			return false, gwerrors.PluginFatal(err)
		}
		if res.ShortCircuit {
			ctx.ShortCircuitCode = res.Code
			ctx.ShortCircuitBody = res.Body
			return true, nil
		}
	}
	return false, nil
}

// RunAccess runs the access phase across the global chain first, then the
// route-specific chain, per spec.md §4.3 ("Global rules form a separate
// chain run in Access phase before the route-specific chain").
func (e *Executor) RunAccess(ctx *reqctx.Context, global, chain []reqctx.ResolvedPlugin) (bool, error) {
	if short, err := e.runAccessChain(ctx, global); short || err != nil {
		return short, err
	}
	return e.runAccessChain(ctx, chain)
}

func (e *Executor) runAccessChain(ctx *reqctx.Context, chain []reqctx.ResolvedPlugin) (bool, error) {
	for _, rp := range chain {
		h, ok := rp.Plugin.(AccessPhase)
		if !ok {
			continue
		}
		res, err := h.Access(ctx, rp.Config)
		if err != nil {
			return false, gwerrors.PluginFatal(err)
		}
		if res.ShortCircuit {
			ctx.ShortCircuitCode = res.Code
			ctx.ShortCircuitBody = res.Body
			return true, nil
		}
	}
	return false, nil
}

// RunHeaderFilter runs every header_filter handler in the chain. Per
// spec.md, filter phases always run every handler regardless of what a
// prior phase did — there is no short-circuit here, only a fatal-error
// abort.
func (e *Executor) RunHeaderFilter(ctx *reqctx.Context, chain []reqctx.ResolvedPlugin) error {
	for _, rp := range chain {
		h, ok := rp.Plugin.(HeaderFilterPhase)
		if !ok {
			continue
		}
		if err := h.HeaderFilter(ctx, rp.Config); err != nil {
			return gwerrors.PluginFatal(err)
		}
	}
	return nil
}

// RunBodyFilter threads the response body through every body_filter
// handler in order, each seeing the prior handler's output.
func (e *Executor) RunBodyFilter(ctx *reqctx.Context, chain []reqctx.ResolvedPlugin, body []byte) ([]byte, error) {
	for _, rp := range chain {
		h, ok := rp.Plugin.(BodyFilterPhase)
		if !ok {
			continue
		}
		out, err := h.BodyFilter(ctx, rp.Config, body)
		if err != nil {
			return body, gwerrors.PluginFatal(err)
		}
		body = out
	}
	return body, nil
}

// RunLog runs every log handler. Errors are impossible by contract (see
// LogPhase) so there is nothing for the caller to check.
func (e *Executor) RunLog(ctx *reqctx.Context, chain []reqctx.ResolvedPlugin) {
	for _, rp := range chain {
		h, ok := rp.Plugin.(LogPhase)
		if !ok {
			continue
		}
		h.Log(ctx, rp.Config)
	}
}

// RunPreread runs the stream-phase analogue of rewrite/access, for TCP/UDP
// ingress before a connection is forwarded.
func (e *Executor) RunPreread(ctx *reqctx.Context, chain []reqctx.ResolvedPlugin) (bool, error) {
	for _, rp := range chain {
		h, ok := rp.Plugin.(PrereadPhase)
		if !ok {
			continue
		}
		res, err := h.Preread(ctx, rp.Config)
		if err != nil {
			return false, gwerrors.PluginFatal(err)
		}
		if res.ShortCircuit {
			ctx.ShortCircuitCode = res.Code
			ctx.ShortCircuitBody = res.Body
			return true, nil
		}
	}
	return false, nil
}

// RunBalancer gives the chain a chance to pick the backend for this
// attempt. handled is false when no plugin in the chain implements
// BalancerPhase, telling the caller to fall back to the Upstream
// Selector's normal balancing policy.
func (e *Executor) RunBalancer(ctx *reqctx.Context, chain []reqctx.ResolvedPlugin, attempt int) (backend *loadbalancer.Backend, handled bool, err error) {
	for _, rp := range chain {
		h, ok := rp.Plugin.(BalancerPhase)
		if !ok {
			continue
		}
		backend, err = h.Balance(ctx, rp.Config, attempt)
		if err != nil {
			return nil, true, gwerrors.PluginFatal(err)
		}
		return backend, true, nil
	}
	return nil, false, nil
}
