package plugin

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/wudi/gateway/internal/loadbalancer"
	"github.com/wudi/gateway/internal/reqctx"
)

type fakePlugin struct {
	name string

	rewriteResult Result
	rewriteErr    error
	accessResult  Result
	accessErr     error
	headerErr     error
	bodyOut       []byte
	bodyErr       error
	logged        *bool
	balancerOut   *loadbalancer.Backend
	balancerErr   error
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Rewrite(ctx *reqctx.Context, cfg map[string]any) (Result, error) {
	return p.rewriteResult, p.rewriteErr
}
func (p *fakePlugin) Access(ctx *reqctx.Context, cfg map[string]any) (Result, error) {
	return p.accessResult, p.accessErr
}
func (p *fakePlugin) HeaderFilter(ctx *reqctx.Context, cfg map[string]any) error {
	return p.headerErr
}
func (p *fakePlugin) BodyFilter(ctx *reqctx.Context, cfg map[string]any, body []byte) ([]byte, error) {
	if p.bodyOut != nil {
		return p.bodyOut, p.bodyErr
	}
	return body, p.bodyErr
}
func (p *fakePlugin) Log(ctx *reqctx.Context, cfg map[string]any) {
	if p.logged != nil {
		*p.logged = true
	}
}
func (p *fakePlugin) Balance(ctx *reqctx.Context, cfg map[string]any, attempt int) (*loadbalancer.Backend, error) {
	return p.balancerOut, p.balancerErr
}

func newCtx() *reqctx.Context {
	return reqctx.Acquire(httptest.NewRequest("GET", "/x", nil))
}

func TestRunRewriteShortCircuits(t *testing.T) {
	e := NewExecutor()
	ctx := newCtx()
	defer reqctx.Release(ctx)

	chain := []reqctx.ResolvedPlugin{
		{Name: "a", Plugin: &fakePlugin{name: "a", rewriteResult: Stop(403, "blocked")}},
		{Name: "b", Plugin: &fakePlugin{name: "b", rewriteResult: Continue()}},
	}
	short, err := e.RunRewrite(ctx, chain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !short {
		t.Fatal("expected the first handler's Stop to short-circuit")
	}
	if ctx.ShortCircuitCode != 403 || ctx.ShortCircuitBody != "blocked" {
		t.Fatalf("expected short-circuit response to be recorded on ctx, got %d %q", ctx.ShortCircuitCode, ctx.ShortCircuitBody)
	}
}

func TestRunRewritePropagatesError(t *testing.T) {
	e := NewExecutor()
	ctx := newCtx()
	defer reqctx.Release(ctx)

	chain := []reqctx.ResolvedPlugin{
		{Name: "a", Plugin: &fakePlugin{name: "a", rewriteErr: errors.New("boom")}},
	}
	if _, err := e.RunRewrite(ctx, chain); err == nil {
		t.Fatal("expected a fatal plugin error to propagate")
	}
}

func TestRunAccessRunsGlobalBeforeRoute(t *testing.T) {
	e := NewExecutor()
	ctx := newCtx()
	defer reqctx.Release(ctx)

	global := []reqctx.ResolvedPlugin{
		{Name: "g", Plugin: &fakePlugin{name: "g", accessResult: Stop(429, "rate limited")}},
	}
	route := []reqctx.ResolvedPlugin{
		{Name: "r", Plugin: &fakePlugin{name: "r", accessResult: Continue()}},
	}

	short, err := e.RunAccess(ctx, global, route)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !short || ctx.ShortCircuitCode != 429 {
		t.Fatal("expected the global chain's short-circuit to win before the route chain runs")
	}
}

func TestRunHeaderFilterRunsEveryHandler(t *testing.T) {
	e := NewExecutor()
	ctx := newCtx()
	defer reqctx.Release(ctx)

	calls := 0
	chain := []reqctx.ResolvedPlugin{
		{Name: "a", Plugin: &headerCounter{count: &calls}},
		{Name: "b", Plugin: &headerCounter{count: &calls}},
	}
	if err := e.RunHeaderFilter(ctx, chain); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected both header filters to run, got %d calls", calls)
	}
}

type headerCounter struct{ count *int }

func (h *headerCounter) Name() string { return "counter" }
func (h *headerCounter) HeaderFilter(ctx *reqctx.Context, cfg map[string]any) error {
	*h.count++
	return nil
}

func TestRunBodyFilterChainsTransforms(t *testing.T) {
	e := NewExecutor()
	ctx := newCtx()
	defer reqctx.Release(ctx)

	chain := []reqctx.ResolvedPlugin{
		{Name: "a", Plugin: &fakePlugin{name: "a", bodyOut: []byte("AA")}},
		{Name: "b", Plugin: &fakePlugin{name: "b", bodyOut: []byte("BB")}},
	}
	out, err := e.RunBodyFilter(ctx, chain, []byte("orig"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "BB" {
		t.Fatalf("expected the last handler's output to win, got %q", out)
	}
}

func TestRunLogRunsEveryHandler(t *testing.T) {
	e := NewExecutor()
	ctx := newCtx()
	defer reqctx.Release(ctx)

	logged1, logged2 := false, false
	chain := []reqctx.ResolvedPlugin{
		{Name: "a", Plugin: &fakePlugin{name: "a", logged: &logged1}},
		{Name: "b", Plugin: &fakePlugin{name: "b", logged: &logged2}},
	}
	e.RunLog(ctx, chain)
	if !logged1 || !logged2 {
		t.Fatal("expected every log handler to run")
	}
}

func TestRunBalancerNotHandled(t *testing.T) {
	e := NewExecutor()
	ctx := newCtx()
	defer reqctx.Release(ctx)

	chain := []reqctx.ResolvedPlugin{{Name: "a", Plugin: &noopPlugin{name: "a"}}}
	backend, handled, err := e.RunBalancer(ctx, chain, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled || backend != nil {
		t.Fatal("expected no BalancerPhase handler to report unhandled")
	}
}

func TestRunBalancerHandled(t *testing.T) {
	e := NewExecutor()
	ctx := newCtx()
	defer reqctx.Release(ctx)

	want := &loadbalancer.Backend{Addr: "10.0.0.1:80"}
	chain := []reqctx.ResolvedPlugin{{Name: "a", Plugin: &fakePlugin{name: "a", balancerOut: want}}}
	backend, handled, err := e.RunBalancer(ctx, chain, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled || backend != want {
		t.Fatal("expected the balancer plugin's pick to be returned")
	}
}
