package router

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wudi/gateway/internal/config"
)

// CompiledMatcher evaluates a route's secondary match criteria — host,
// remote_addrs and vars — once the URI tier has already matched. Compiled
// once at load time so the hot path never parses a pattern per request.
type CompiledMatcher struct {
	hosts      []hostMatcher
	remoteNets []*net.IPNet // bare IPs arrive here too, as /32 or /128 (config.ValidateCIDRs)
	vars       []compiledVar
	methods    map[string]bool // nil = all methods allowed
	priority   int
}

type hostMatcher struct {
	exact    string
	wildcard string // suffix like ".example.com" for *.example.com
}

type compiledVar struct {
	name  string
	op    string
	value any
	regex *regexp.Regexp // only for ~~
}

// NewCompiledMatcher compiles a route's Host/Hosts, RemoteAddrs, Vars and
// Methods into a matcher. ipNets must already be validated (config.ValidateCIDRs).
func NewCompiledMatcher(route *config.Route, ipNets []*net.IPNet) (*CompiledMatcher, error) {
	cm := &CompiledMatcher{priority: route.Priority}

	for _, h := range route.HostPatterns() {
		if strings.HasPrefix(h, "*.") {
			cm.hosts = append(cm.hosts, hostMatcher{wildcard: h[1:]})
		} else {
			cm.hosts = append(cm.hosts, hostMatcher{exact: h})
		}
	}

	cm.remoteNets = ipNets

	for _, v := range route.Vars {
		cv := compiledVar{name: v.Var, op: v.Op, value: v.Value}
		if v.Op == "~~" {
			pattern, ok := v.Value.(string)
			if !ok {
				return nil, fmt.Errorf("route %s: var %s op ~~ requires a string pattern", route.ID, v.Var)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("route %s: var %s invalid regex: %w", route.ID, v.Var, err)
			}
			cv.regex = re
		}
		cm.vars = append(cm.vars, cv)
	}

	if len(route.Methods) > 0 {
		cm.methods = make(map[string]bool, len(route.Methods))
		for _, m := range route.Methods {
			cm.methods[strings.ToUpper(m)] = true
		}
	}

	return cm, nil
}

// Matches evaluates every compiled criterion against the request. All
// criteria are AND'd together; within a slot (e.g. host), multiple patterns
// are OR'd.
func (cm *CompiledMatcher) Matches(r *http.Request) bool {
	if cm.methods != nil && !cm.methods[r.Method] {
		return false
	}

	if len(cm.hosts) > 0 && !cm.matchHost(r) {
		return false
	}

	if len(cm.remoteNets) > 0 && !cm.matchRemoteAddr(r) {
		return false
	}

	for _, v := range cm.vars {
		if !matchVar(v, r) {
			return false
		}
	}

	return true
}

func (cm *CompiledMatcher) matchHost(r *http.Request) bool {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	for _, hm := range cm.hosts {
		if hm.exact != "" && strings.EqualFold(host, hm.exact) {
			return true
		}
		if hm.wildcard != "" && strings.HasSuffix(strings.ToLower(host), strings.ToLower(hm.wildcard)) {
			return true
		}
	}
	return false
}

func (cm *CompiledMatcher) matchRemoteAddr(r *http.Request) bool {
	ip := net.ParseIP(clientIP(r))
	if ip == nil {
		return false
	}
	for _, n := range cm.remoteNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// varValue resolves a variable name against the request — the small fixed
// set spec.md's examples name (vars.remote_addr, header.X-Foo, cookie.session)
// generalized to any header.*/cookie.*/arg.* accessor plus a few built-ins.
func varValue(name string, r *http.Request) (string, bool) {
	switch {
	case name == "remote_addr":
		return clientIP(r), true
	case name == "host":
		return r.Host, true
	case name == "uri":
		return r.URL.Path, true
	case name == "method":
		return r.Method, true
	case strings.HasPrefix(name, "header."):
		vals := r.Header.Values(strings.TrimPrefix(name, "header."))
		if len(vals) == 0 {
			return "", false
		}
		return vals[0], true
	case strings.HasPrefix(name, "cookie."):
		c, err := r.Cookie(strings.TrimPrefix(name, "cookie."))
		if err != nil {
			return "", false
		}
		return c.Value, true
	case strings.HasPrefix(name, "arg."):
		return r.URL.Query().Get(strings.TrimPrefix(name, "arg.")), true
	}
	return "", false
}

func matchVar(v compiledVar, r *http.Request) bool {
	actual, present := varValue(v.name, r)

	switch v.op {
	case "HAS":
		return present
	case "~~":
		return present && v.regex.MatchString(actual)
	}

	if !present {
		return false
	}

	switch v.op {
	case "==":
		return actual == fmt.Sprint(v.value)
	case "!=":
		return actual != fmt.Sprint(v.value)
	case "IN":
		list, ok := v.value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if actual == fmt.Sprint(item) {
				return true
			}
		}
		return false
	case ">", "<", ">=", "<=":
		return compareNumeric(actual, v.value, v.op)
	}
	return false
}

func compareNumeric(actual string, want any, op string) bool {
	a, err := strconv.ParseFloat(actual, 64)
	if err != nil {
		return false
	}
	var w float64
	switch x := want.(type) {
	case float64:
		w = x
	case int:
		w = float64(x)
	case string:
		w, err = strconv.ParseFloat(x, 64)
		if err != nil {
			return false
		}
	default:
		return false
	}
	switch op {
	case ">":
		return a > w
	case "<":
		return a < w
	case ">=":
		return a >= w
	case "<=":
		return a <= w
	}
	return false
}

// Specificity scores a matcher for tie-breaking among routes matching the
// same URI tier, favoring explicit Priority first, then narrower match
// surfaces (more host/remote/var constraints beats fewer).
func (cm *CompiledMatcher) Specificity() int {
	score := cm.priority * 1000
	for _, h := range cm.hosts {
		if h.exact != "" {
			score += 150
		} else {
			score += 100
		}
	}
	score += len(cm.remoteNets) * 20
	score += len(cm.vars) * 10
	if cm.methods != nil {
		score += 5
	}
	return score
}
