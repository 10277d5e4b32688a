package health

import (
	"sync"

	"github.com/wudi/gateway/internal/config"
)

// PassiveRecorder tracks passive-health counters per node address for one
// upstream's PassiveCheck, and reports unhealthy/healthy transitions via
// onChange once the configured thresholds are crossed.
//
// Per spec.md §9 Open Question (a), a response status is checked against
// the configured unhealthy set once, not once per configured entry — the
// naive translation of "for each configured status, if response matches,
// count a failure" double-counts a single response against every entry
// that happens to match, which inflates the failure count and crosses the
// unhealthy threshold early. Record exactly one pass/fail per call.
type PassiveRecorder struct {
	mu    sync.Mutex
	nodes map[string]*passiveState

	onChange func(addr string, healthy bool)
}

type passiveState struct {
	check           *config.PassiveCheck
	consecutiveFail int
	consecutivePass int
	healthy         bool
}

// NewPassiveRecorder creates a recorder invoking onChange on threshold
// crossings (wire this to the balancer's MarkHealthy/MarkUnhealthy).
func NewPassiveRecorder(onChange func(addr string, healthy bool)) *PassiveRecorder {
	return &PassiveRecorder{nodes: make(map[string]*passiveState), onChange: onChange}
}

// Track registers addr under check, defaulting HealthyAfter/UnhealthyAfter
// to 1 pass/5 fails if unset (APISIX-style conservative default).
func (p *PassiveRecorder) Track(addr string, check *config.PassiveCheck) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if check.HealthyAfter == 0 {
		check.HealthyAfter = 1
	}
	if check.UnhealthyAfter == 0 {
		check.UnhealthyAfter = 5
	}
	if _, ok := p.nodes[addr]; !ok {
		p.nodes[addr] = &passiveState{check: check, healthy: true}
	}
}

// Report records the outcome of one request to addr given its response
// status code, matching status against check.UnhealthyStatus exactly once.
func (p *PassiveRecorder) Report(addr string, statusCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.nodes[addr]
	if !ok {
		return
	}

	failed := matchStatusStrings(statusCode, st.check.UnhealthyStatus)
	if failed {
		st.consecutivePass = 0
		st.consecutiveFail++
	} else {
		st.consecutiveFail = 0
		st.consecutivePass++
	}

	wasHealthy := st.healthy
	if failed && st.consecutiveFail >= st.check.UnhealthyAfter {
		st.healthy = false
	} else if !failed && st.consecutivePass >= st.check.HealthyAfter {
		st.healthy = true
	}

	if wasHealthy != st.healthy && p.onChange != nil {
		p.onChange(addr, st.healthy)
	}
}

// matchStatusStrings reports whether code matches any of patterns, each a
// literal code ("503") or an Nxx wildcard ("5xx") — evaluated once per
// pattern, short-circuiting on the first match.
func matchStatusStrings(code int, patterns []string) bool {
	for _, p := range patterns {
		if r, err := ParseStatusRange(p); err == nil && code >= r.Lo && code <= r.Hi {
			return true
		}
	}
	return false
}
