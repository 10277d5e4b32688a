package config

import (
	"fmt"
	"net"
)

// ValidationError reports one invariant violation found while validating
// an entity loaded from the config store. The store rejects the offending
// entity and keeps serving the last-known-good snapshot rather than
// crashing a worker.
type ValidationError struct {
	Kind   Kind
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Kind, e.ID, e.Reason)
}

// Validate checks a Route against the invariants in spec.md §3: at least
// one URI pattern, and exactly one upstream source configured.
func (r *Route) Validate() error {
	if r.ID == "" {
		return &ValidationError{Kind: KindRoute, ID: r.ID, Reason: "id is required"}
	}
	if len(r.URIPatterns()) == 0 {
		return &ValidationError{Kind: KindRoute, ID: r.ID, Reason: "one of uri/uris is required"}
	}
	sources := 0
	if r.UpstreamID != "" {
		sources++
	}
	if r.ServiceID != "" {
		sources++
	}
	if r.Upstream != nil {
		sources++
	}
	if sources == 0 {
		return &ValidationError{Kind: KindRoute, ID: r.ID, Reason: "no upstream source: set upstream_id, service_id, or an inline upstream"}
	}
	if sources > 1 {
		return &ValidationError{Kind: KindRoute, ID: r.ID, Reason: "exactly one of upstream_id, service_id, or an inline upstream is required"}
	}
	for _, v := range r.Vars {
		if !validVarOp(v.Op) {
			return &ValidationError{Kind: KindRoute, ID: r.ID, Reason: fmt.Sprintf("unsupported var op %q", v.Op)}
		}
	}
	if r.Upstream != nil {
		if err := r.Upstream.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validVarOp(op string) bool {
	switch op {
	case "==", "!=", ">", "<", ">=", "<=", "~~", "IN", "HAS":
		return true
	default:
		return false
	}
}

// Validate checks an Upstream's node list and balancer type, and derives
// HasDomain.
func (u *Upstream) Validate() error {
	if len(u.Nodes) == 0 {
		return &ValidationError{Kind: KindUpstream, ID: u.ID, Reason: "at least one node is required"}
	}
	switch u.Type {
	case "", BalancerRoundRobin:
		u.Type = BalancerRoundRobin
	case BalancerConsistentHash:
		if u.Key == "" && u.HashOn == "" {
			return &ValidationError{Kind: KindUpstream, ID: u.ID, Reason: "chash upstream requires hash_on/key"}
		}
	default:
		return &ValidationError{Kind: KindUpstream, ID: u.ID, Reason: fmt.Sprintf("unknown balancer type %q", u.Type)}
	}
	for _, n := range u.Nodes {
		if n.Host == "" {
			return &ValidationError{Kind: KindUpstream, ID: u.ID, Reason: "node host is required"}
		}
		if n.Port <= 0 || n.Port > 65535 {
			return &ValidationError{Kind: KindUpstream, ID: u.ID, Reason: fmt.Sprintf("node %s: invalid port %d", n.Host, n.Port)}
		}
		if n.Weight < 0 {
			return &ValidationError{Kind: KindUpstream, ID: u.ID, Reason: fmt.Sprintf("node %s: negative weight", n.Host)}
		}
	}
	u.deriveHasDomain()
	return nil
}

// Validate checks a Service.
func (s *Service) Validate() error {
	if s.ID == "" {
		return &ValidationError{Kind: KindService, ID: s.ID, Reason: "id is required"}
	}
	if s.Upstream != nil {
		return s.Upstream.Validate()
	}
	return nil
}

// Validate checks a Consumer.
func (c *Consumer) Validate() error {
	if c.Username == "" {
		return &ValidationError{Kind: KindConsumer, ID: c.Username, Reason: "username is required"}
	}
	return nil
}

// Validate checks a GlobalRule.
func (g *GlobalRule) Validate() error {
	if g.ID == "" {
		return &ValidationError{Kind: KindGlobalRule, ID: g.ID, Reason: "id is required"}
	}
	return nil
}

// Validate checks an SSL entity: at least one SNI pattern and a non-empty
// certificate/key pair. Parsing the PEM itself is left to the SSL phase's
// cert registry (tls.X509KeyPair), which also reports load errors; this
// only checks the fields are present.
func (s *SSL) Validate() error {
	if len(s.Hosts()) == 0 {
		return &ValidationError{Kind: KindSSL, ID: s.ID, Reason: "one of sni/snis is required"}
	}
	if s.Cert == "" || s.Key == "" {
		return &ValidationError{Kind: KindSSL, ID: s.ID, Reason: "cert and key are required"}
	}
	return nil
}

// ValidateCIDRs parses a route's remote_addrs patterns once at load time so
// the router can match against *net.IPNet without per-request parsing.
func ValidateCIDRs(patterns []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(patterns))
	for _, p := range patterns {
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			if ip := net.ParseIP(p); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				n = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
			} else {
				return nil, fmt.Errorf("invalid remote_addr pattern %q: %w", p, err)
			}
		}
		nets = append(nets, n)
	}
	return nets, nil
}
