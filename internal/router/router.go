// Package router implements the two-tier URI+predicate matcher spec.md §4.2
// describes: httprouter handles the radix-tree URI tier (exact paths and
// named params), and CompiledMatcher narrows further on host, remote_addrs
// and vars. Grounded on the teacher's own httprouter-backed Router/
// RouteGroup/CompiledMatcher split, generalized from the teacher's
// domain/header/query criteria to spec.md's host/remote_addr/var criteria.
package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/gateway/internal/config"
)

// Match is the result of routing a request: the winning Route plus any
// named path parameters httprouter extracted.
type Match struct {
	Route      *config.Route
	PathParams map[string]string
}

// compiledRoute pairs a source Route with its compiled matcher and
// insertion index (tie-break of last resort).
type compiledRoute struct {
	route     *config.Route
	matcher   *CompiledMatcher
	configIdx int
}

// RouteGroup holds every compiled route sharing one URI pattern, ordered by
// specificity (descending) then insertion order.
type RouteGroup struct {
	routes []*compiledRoute
}

func (rg *RouteGroup) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cw, ok := w.(*captureWriter)
	if !ok {
		return
	}

	params := httprouter.ParamsFromContext(r.Context())
	pathParams := make(map[string]string, len(params))
	for _, p := range params {
		pathParams[p.Key] = p.Value
	}

	for _, cr := range rg.routes {
		if cr.matcher.Matches(r) {
			cw.cr = cr
			cw.params = pathParams
			return
		}
	}
}

func (rg *RouteGroup) addRoute(cr *compiledRoute) {
	rg.routes = append(rg.routes, cr)
	sort.SliceStable(rg.routes, func(i, j int) bool {
		si, sj := rg.routes[i].matcher.Specificity(), rg.routes[j].matcher.Specificity()
		if si != sj {
			return si > sj
		}
		return rg.routes[i].configIdx < rg.routes[j].configIdx
	})
}

func (rg *RouteGroup) removeRoute(id string) bool {
	for i, cr := range rg.routes {
		if cr.route.ID == id {
			rg.routes = append(rg.routes[:i], rg.routes[i+1:]...)
			return true
		}
	}
	return false
}

// captureWriter is a no-op ResponseWriter used to pull the match result out
// of httprouter's dispatch without writing any response. It keeps the
// matched compiledRoute rather than a finished Match so Router.Match can
// compare its Specificity() against a candidate from the prefix tier before
// committing to either.
type captureWriter struct {
	cr     *compiledRoute
	params map[string]string
	header http.Header
}

func newCaptureWriter() *captureWriter { return &captureWriter{header: make(http.Header)} }

func (cw *captureWriter) Header() http.Header       { return cw.header }
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// prefixRoute holds a wildcard-suffixed route ("/foo/*") with its
// pre-split, param-free segments for subpath matching.
type prefixRoute struct {
	segments []string
	group    *RouteGroup
}

// Router is the compiled URI+predicate matcher for one config snapshot.
// Built fresh on every config change and swapped atomically by the caller
// (the Upstream/Access phase holds the active *Router via atomic.Pointer).
type Router struct {
	tree         *httprouter.Router
	groups       map[string]*RouteGroup
	prefixGroups []*prefixRoute
	prefixByPath map[string]*RouteGroup
	allRoutes    []*compiledRoute
	mu           sync.RWMutex
	nextIdx      int
}

var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// New creates an empty Router.
func New() *Router {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	return &Router{
		tree:         tree,
		groups:       make(map[string]*RouteGroup),
		prefixByPath: make(map[string]*RouteGroup),
	}
}

// AddRoute compiles and registers route. Each pattern in route.URIPatterns()
// is registered independently (a route with multiple uris matches any of
// them). A trailing "*" marks a prefix pattern, matched as a fallback tier
// after exact/param paths.
func (rt *Router) AddRoute(route *config.Route) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	ipNets, err := config.ValidateCIDRs(route.RemoteAddrs)
	if err != nil {
		return err
	}
	matcher, err := NewCompiledMatcher(route, ipNets)
	if err != nil {
		return err
	}

	cr := &compiledRoute{route: route, matcher: matcher, configIdx: rt.nextIdx}
	rt.nextIdx++

	for _, pattern := range route.URIPatterns() {
		if strings.HasSuffix(pattern, "*") {
			rt.addPrefixRoute(cr, strings.TrimSuffix(pattern, "*"))
		} else {
			rt.addExactRoute(cr, pattern)
		}
	}

	rt.allRoutes = append(rt.allRoutes, cr)
	return nil
}

func (rt *Router) addExactRoute(cr *compiledRoute, path string) {
	normalized := replaceParams(path)
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	group, exists := rt.groups[normalized]
	if !exists {
		group = &RouteGroup{}
		rt.groups[normalized] = group
		for _, method := range standardMethods {
			rt.tree.Handler(method, normalized, group)
		}
	}
	group.addRoute(cr)
}

func (rt *Router) addPrefixRoute(cr *compiledRoute, path string) {
	normalized := path
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	prefixGroup, exists := rt.prefixByPath[normalized]
	if !exists {
		prefixGroup = &RouteGroup{}
		rt.prefixByPath[normalized] = prefixGroup

		segments := splitPath(normalized)
		rt.prefixGroups = append(rt.prefixGroups, &prefixRoute{segments: segments, group: prefixGroup})
		sort.Slice(rt.prefixGroups, func(i, j int) bool {
			return len(rt.prefixGroups[i].segments) > len(rt.prefixGroups[j].segments)
		})
	}
	prefixGroup.addRoute(cr)
}

// Match finds the highest-priority route matching r across both URI
// tiers — the exact/param tier and the prefix tier both produce at most one
// candidate, and whichever has the higher CompiledMatcher.Specificity()
// (priority first, then narrower match surface) wins; a prefix route is
// free to outrank an exact one and vice versa.
func (rt *Router) Match(r *http.Request) *Match {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	cw := newCaptureWriter()
	rt.tree.ServeHTTP(cw, r)

	prefixCR, prefixParams := rt.matchPrefix(r)

	switch {
	case cw.cr != nil && prefixCR != nil:
		if prefixCR.matcher.Specificity() > cw.cr.matcher.Specificity() {
			return &Match{Route: prefixCR.route, PathParams: prefixParams}
		}
		return &Match{Route: cw.cr.route, PathParams: cw.params}
	case cw.cr != nil:
		return &Match{Route: cw.cr.route, PathParams: cw.params}
	case prefixCR != nil:
		return &Match{Route: prefixCR.route, PathParams: prefixParams}
	default:
		return nil
	}
}

// matchPrefix returns the best candidate from the prefix tier: the longest
// matching prefix wins first (a more specific path), then route order
// within that prefix group (already sorted by Specificity descending).
func (rt *Router) matchPrefix(r *http.Request) (*compiledRoute, map[string]string) {
	reqSegments := splitPath(r.URL.Path)

	for _, pr := range rt.prefixGroups {
		if !pathHasPrefix(reqSegments, pr.segments) {
			continue
		}
		for _, cr := range pr.group.routes {
			if cr.matcher.Matches(r) {
				return cr, map[string]string{}
			}
		}
	}
	return nil, nil
}

// RemoveRoute deletes route id from every group it was registered under.
// Reports whether it was found.
func (rt *Router) RemoveRoute(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	found := false
	for _, g := range rt.groups {
		if g.removeRoute(id) {
			found = true
		}
	}
	for _, pr := range rt.prefixGroups {
		if pr.group.removeRoute(id) {
			found = true
		}
	}
	for i, cr := range rt.allRoutes {
		if cr.route.ID == id {
			rt.allRoutes = append(rt.allRoutes[:i], rt.allRoutes[i+1:]...)
			break
		}
	}
	return found
}

// GetRoute returns a route by ID.
func (rt *Router) GetRoute(id string) *config.Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, cr := range rt.allRoutes {
		if cr.route.ID == id {
			return cr.route
		}
	}
	return nil
}

// GetRoutes returns every registered route.
func (rt *Router) GetRoutes() []*config.Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	result := make([]*config.Route, len(rt.allRoutes))
	for i, cr := range rt.allRoutes {
		result[i] = cr.route
	}
	return result
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// pathHasPrefix reports whether reqSegments starts with prefixSegments,
// skipping param segments (":name").
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if strings.HasPrefix(seg, ":") {
			continue
		}
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}

// replaceParams converts {name} path parameters to :name httprouter syntax.
func replaceParams(path string) string {
	var result strings.Builder
	i := 0
	for i < len(path) {
		if path[i] == '{' {
			j := strings.IndexByte(path[i:], '}')
			if j == -1 {
				result.WriteByte(path[i])
				i++
				continue
			}
			paramName := path[i+1 : i+j]
			result.WriteByte(':')
			result.WriteString(paramName)
			i += j + 1
		} else {
			result.WriteByte(path[i])
			i++
		}
	}
	return result.String()
}
