// Package gateway wires every processing-core component — the Config
// Snapshot Store, Router, Plugin Registry/Merger/Executor, Upstream
// Selector/Forwarder and SNI Registry — into the single http.Handler that
// serves one request through the full phase pipeline. Grounded on the
// teacher's internal/gateway Gateway/Server split (gateway.go building the
// handler, server.go owning process lifecycle), generalized from the
// teacher's 50-plus bolted-on features to exactly the phases spec.md §4
// names.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/dnscache"
	"github.com/wudi/gateway/internal/gwerrors"
	"github.com/wudi/gateway/internal/health"
	"github.com/wudi/gateway/internal/logging"
	"github.com/wudi/gateway/internal/metrics"
	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/plugins"
	"github.com/wudi/gateway/internal/reqctx"
	"github.com/wudi/gateway/internal/retry"
	"github.com/wudi/gateway/internal/router"
	"github.com/wudi/gateway/internal/sslphase"
	"github.com/wudi/gateway/internal/store"
	"github.com/wudi/gateway/internal/upstream"
	"go.uber.org/zap"
)

// authPluginNames lists, in priority order, the built-in plugins that may
// identify a Consumer during the rewrite phase — checked by
// discoverConsumer after RunRewrite, since neither plugin knows about the
// other or about Consumer lookup itself.
var authPluginNames = []string{"key-auth", "jwt-auth"}

// Gateway holds every component the phase pipeline touches and implements
// http.Handler. One Gateway serves every request; its Router is rebuilt
// and swapped whenever the store's routes or services change.
type Gateway struct {
	store    *store.Store
	rt       *router.Router
	registry *plugin.Registry
	merger   *plugin.Merger
	executor *plugin.Executor
	selector *upstream.Selector
	forward  *upstream.Forwarder
	ssl      *sslphase.Registry
	metrics  *metrics.Collector
	log      *zap.Logger

	httpChecker *health.Checker
	tcpChecker  *health.TCPChecker
}

// Deps collects everything New needs to build a Gateway, so callers (the
// Server, or a test) construct the shared infrastructure once.
type Deps struct {
	Store       *store.Store
	DNS         *dnscache.Cache
	RetryBudget *retry.Budget
	Redis       *redis.Client
	Metrics     *metrics.Collector
}

// New builds a Gateway over st, registering every built-in plugin and
// compiling the initial Router from whatever routes st already holds, then
// keeping both in sync with every subsequent store change.
func New(deps Deps) (*Gateway, error) {
	registry := plugin.NewRegistry()
	if err := plugins.RegisterAll(registry, deps.Store, deps.Redis); err != nil {
		return nil, err
	}

	sel := upstream.New(deps.Store, deps.DNS, deps.RetryBudget)
	pool := upstream.NewTransportPool()

	g := &Gateway{
		store:    deps.Store,
		registry: registry,
		merger:   plugin.NewMerger(registry),
		executor: plugin.NewExecutor(),
		selector: sel,
		forward:  upstream.NewForwarder(sel, pool, 30*time.Second),
		ssl:      sslphase.NewRegistry(deps.Store),
		metrics:  deps.Metrics,
		log:      logging.Global().Named("gateway"),
	}
	g.httpChecker = health.NewChecker(health.Config{OnChange: g.onActiveHealthChange})
	g.tcpChecker = health.NewTCPChecker(health.TCPCheckerConfig{OnChange: g.onActiveHealthChange})
	g.httpChecker.Start()
	g.tcpChecker.Start()

	if err := g.rebuildRouter(); err != nil {
		return nil, err
	}
	deps.Store.OnChange(config.KindRoute, g.onRouteChange)
	deps.Store.OnChange(config.KindService, g.onRouteChange)
	deps.Store.OnChange(config.KindUpstream, g.onUpstreamChange)
	g.onUpstreamChange()

	return g, nil
}

// onUpstreamChange reconciles every upstream's configured active health
// checks against the shared HTTP/TCP checkers, per spec.md's "upstream
// checks.active starts active probing of every node".
func (g *Gateway) onUpstreamChange() {
	for _, u := range g.store.IterateUpstreams() {
		health.SyncUpstream(g.httpChecker, g.tcpChecker, "http", u)
	}
}

// onActiveHealthChange is the active checkers' shared callback: it feeds
// the verdict into the Upstream Selector's balancer state and the
// Prometheus health gauge, by the node address the URL/address was built
// from (BackendFromNode/TCPBackendFromNode).
func (g *Gateway) onActiveHealthChange(urlOrAddr string, status health.Status) {
	addr := urlOrAddr
	if idx := strings.Index(addr, "://"); idx >= 0 {
		addr = addr[idx+3:]
	}
	healthy := status == health.StatusHealthy
	g.selector.SetActiveHealth(addr, healthy)
	if g.metrics != nil {
		g.metrics.SetBackendHealth("", addr, healthy)
	}
}

// Close stops the active HTTP and TCP health checkers.
func (g *Gateway) Close() {
	g.httpChecker.Stop()
	g.tcpChecker.Stop()
}

func (g *Gateway) onRouteChange() {
	if err := g.rebuildRouter(); err != nil {
		g.log.Error("failed to rebuild router after config change", zap.Error(err))
	}
}

// rebuildRouter compiles a fresh Router from the store's current routes,
// replacing g.rt only once every route has compiled successfully — a
// partially-compiled routing table would silently drop whichever routes
// came after the one that failed.
func (g *Gateway) rebuildRouter() error {
	rt := router.New()
	for _, route := range g.store.IterateRoutes() {
		if err := rt.AddRoute(route); err != nil {
			return err
		}
	}
	g.rt = rt
	return nil
}

// SSLRegistry exposes the SNI-driven certificate registry for the HTTPS
// listener to build its tls.Config from.
func (g *Gateway) SSLRegistry() *sslphase.Registry { return g.ssl }

// ServeHTTP runs one request through rewrite, access, forward and log,
// matching spec.md §4's phase pipeline. Every exit path funnels through a
// single deferred metrics/log recording so no return statement can skip
// accounting.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := reqctx.Acquire(r)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	routeID := ""

	defer func() {
		if ctx.Route != nil {
			routeID = ctx.Route.ID
		}
		g.executor.RunLog(ctx, ctx.Plugins)
		if g.metrics != nil {
			g.metrics.RecordRequest(routeID, r.Method, sw.status, time.Since(ctx.StartTime))
		}
		reqctx.Release(ctx)
	}()

	match := g.rt.Match(r)
	if match == nil {
		gwerrors.NoRouteMatch().WriteJSON(sw)
		return
	}
	ctx.Route = match.Route
	ctx.PathParams = match.PathParams
	ctx.ConfType = config.KindRoute

	var service *config.Service
	if match.Route.ServiceID != "" {
		if svc, ok := g.store.GetService(match.Route.ServiceID); ok {
			service = svc
			ctx.Service = svc
		}
	}

	merged := g.merger.RouteConfigs(match.Route, service)
	chain, err := g.resolveChain(merged, match.Route)
	if err != nil {
		gwerrors.PluginFatal(err).WriteJSON(sw)
		return
	}
	ctx.Plugins = chain

	short, err := g.executor.RunRewrite(ctx, chain)
	if err != nil {
		writeErr(sw, err)
		return
	}
	if short {
		writeShortCircuit(sw, ctx)
		return
	}

	if consumer := g.discoverConsumer(ctx); consumer != nil {
		ctx.Consumer = consumer
		merged = g.merger.WithConsumer(merged, consumer)
		chain, err = g.resolveChain(merged, match.Route)
		if err != nil {
			gwerrors.PluginFatal(err).WriteJSON(sw)
			return
		}
		ctx.Plugins = chain
	}

	globalChain, err := g.merger.Resolve(g.merger.GlobalConfigs(g.store.IterateGlobalRules()))
	if err != nil {
		gwerrors.PluginFatal(err).WriteJSON(sw)
		return
	}

	short, err = g.executor.RunAccess(ctx, globalChain, chain)
	if err != nil {
		writeErr(sw, err)
		return
	}
	if short {
		writeShortCircuit(sw, ctx)
		return
	}

	// Computed only now, after Service resolution (needed for the
	// "&service.version" suffix) and right before backend selection
	// (needed for the DNS materialization's "#timestamp" suffix) — per
	// spec.md invariant 1, conf_version covers the whole merge, not just
	// the route.
	ctx.ConfVersion = ctx.EffectiveConfVersion(g.selector.VersionString(r.Context(), match.Route))

	hook := g.responseHook(ctx)
	g.forward.ServeRouteWithHook(sw, r, match.Route, hook)
}

// resolveChain instantiates cfgs and prepends the route's inline script
// handler, if any, per spec.md's "script runs first in the access phase".
func (g *Gateway) resolveChain(cfgs config.PluginConfigs, route *config.Route) ([]reqctx.ResolvedPlugin, error) {
	chain, err := g.merger.Resolve(cfgs)
	if err != nil {
		return nil, err
	}
	return plugin.PrependScript(chain, route)
}

// discoverConsumer looks up a Consumer identified by an authentication
// plugin's rewrite handler (spec.md: "a rewrite handler that authenticates
// the caller sets ctx.Consumer so the Merge Engine can re-merge
// Consumer-level plugins before Access runs"). Built-in auth plugins
// record the identified username under their own namespace rather than
// setting ctx.Consumer directly, since only the Merge Engine — not the
// plugin — knows how to look a Consumer up by username.
func (g *Gateway) discoverConsumer(ctx *reqctx.Context) *config.Consumer {
	for _, name := range authPluginNames {
		v, ok := ctx.Get(name, "client_id")
		if !ok {
			continue
		}
		username, _ := v.(string)
		if username == "" {
			continue
		}
		if consumer, ok := g.store.GetConsumer(username); ok {
			return consumer
		}
	}
	return nil
}

func writeShortCircuit(w http.ResponseWriter, ctx *reqctx.Context) {
	gwerrors.PluginShortCircuit(ctx.ShortCircuitCode, ctx.ShortCircuitBody).WriteJSON(w)
}

func writeErr(w http.ResponseWriter, err error) {
	if ge, ok := gwerrors.As(err); ok {
		ge.WriteJSON(w)
		return
	}
	gwerrors.PluginFatal(err).WriteJSON(w)
}

// statusWriter captures the status code ultimately written, whichever exit
// path produced it, for the Log phase's metrics accounting — grounded on
// the Router's own captureWriter idiom (internal/router/router.go).
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if !s.written {
		s.status = http.StatusOK
		s.written = true
	}
	return s.ResponseWriter.Write(b)
}
