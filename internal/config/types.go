// Package config defines the gateway's entity data model — the typed shape
// of everything the Config Snapshot Store watches and the Router, Merge
// Engine and Upstream Selector consume — plus the merge and validation
// logic shared by every backend that feeds the store.
package config

import (
	"net"
	"strconv"
	"time"
)

// Kind identifies one of the seven watched entity collections.
type Kind string

const (
	KindRoute        Kind = "routes"
	KindService      Kind = "services"
	KindUpstream     Kind = "upstreams"
	KindConsumer     Kind = "consumers"
	KindSSL          Kind = "ssl"
	KindGlobalRule   Kind = "global_rules"
	KindPluginConfig Kind = "plugin_configs"
)

// AllKinds lists every collection the store watches, in the order the
// file loader reads sections and etcd subscribes to prefixes.
var AllKinds = []Kind{
	KindRoute, KindService, KindUpstream, KindConsumer,
	KindSSL, KindGlobalRule, KindPluginConfig,
}

// BalancerType selects the Upstream Selector's node-picking algorithm.
type BalancerType string

const (
	BalancerRoundRobin   BalancerType = "roundrobin"
	BalancerConsistentHash BalancerType = "chash"
)

// PluginConfig is a named plugin attached under Plugins on a Route,
// Service, Consumer or GlobalRule. Config is kept as a raw map so it can
// be decoded into a plugin-specific struct once the named plugin is known,
// and so MergeNonZero can merge two instances key by key.
type PluginConfig struct {
	Name   string         `yaml:"name" json:"name"`
	Config map[string]any `yaml:"config" json:"config"`
}

// PluginConfigs is the plugins map keyed by plugin name, matching the wire
// shape `plugins: {name: {...}}` used by routes/services/consumers/global
// rules.
type PluginConfigs map[string]map[string]any

// Node is one backend instance of an Upstream. Host may be an IP literal or
// a hostname; IsIPLiteral reports which.
type Node struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Weight int    `yaml:"weight" json:"weight"`
}

// IsIPLiteral reports whether Host parses as an IP address rather than a
// hostname requiring DNS resolution.
func (n Node) IsIPLiteral() bool {
	return net.ParseIP(n.Host) != nil
}

// Addr renders the node as a dial address.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// HealthChecks configures active and passive health checking for an
// Upstream, matching spec.md §4.4.
type HealthChecks struct {
	Active  *ActiveCheck  `yaml:"active,omitempty" json:"active,omitempty"`
	Passive *PassiveCheck `yaml:"passive,omitempty" json:"passive,omitempty"`
}

// ActiveCheck configures background probes of every node.
type ActiveCheck struct {
	Type           string        `yaml:"type" json:"type"` // http, https, tcp
	HTTPPath       string        `yaml:"http_path" json:"http_path"`
	Interval       time.Duration `yaml:"interval" json:"interval"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	HealthyAfter   int           `yaml:"healthy_after" json:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after" json:"unhealthy_after"`
	HealthyStatus  []string      `yaml:"healthy_status" json:"healthy_status"`
	UnhealthyStatus []string     `yaml:"unhealthy_status" json:"unhealthy_status"`
}

// PassiveCheck configures how real-request outcomes (Log phase) affect
// node health.
type PassiveCheck struct {
	HealthyAfter    int      `yaml:"healthy_after" json:"healthy_after"`
	UnhealthyAfter  int      `yaml:"unhealthy_after" json:"unhealthy_after"`
	UnhealthyStatus []string `yaml:"unhealthy_status" json:"unhealthy_status"`
}

// Upstream is a named pool of backend nodes and a load-balancing policy.
// HasDomain is derived, never set from the wire — computed in Validate.
type Upstream struct {
	ID               string        `yaml:"id" json:"id"`
	Version          int64         `yaml:"-" json:"-"`
	Type             BalancerType  `yaml:"type" json:"type"`
	HashOn           string        `yaml:"hash_on,omitempty" json:"hash_on,omitempty"`
	Key              string        `yaml:"key,omitempty" json:"key,omitempty"`
	Nodes            []Node        `yaml:"nodes" json:"nodes"`
	Checks           *HealthChecks `yaml:"checks,omitempty" json:"checks,omitempty"`
	Retries          int           `yaml:"retries,omitempty" json:"retries,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	EnableWebsocket  bool          `yaml:"enable_websocket,omitempty" json:"enable_websocket,omitempty"`
	DNSResolverValid time.Duration `yaml:"dns_resolver_valid,omitempty" json:"dns_resolver_valid,omitempty"`
	HasDomain        bool          `yaml:"-" json:"-"`
}

// deriveHasDomain computes the HasDomain flag from Nodes. Called by
// Validate; never trust a wire-supplied value for this field.
func (u *Upstream) deriveHasDomain() {
	for _, n := range u.Nodes {
		if !n.IsIPLiteral() {
			u.HasDomain = true
			return
		}
	}
	u.HasDomain = false
}

// Service is a reusable bundle of upstream reference and/or plugin config
// shared by multiple routes.
type Service struct {
	ID         string        `yaml:"id" json:"id"`
	Version    int64         `yaml:"-" json:"-"`
	UpstreamID string        `yaml:"upstream_id,omitempty" json:"upstream_id,omitempty"`
	Upstream   *Upstream     `yaml:"upstream,omitempty" json:"upstream,omitempty"`
	Plugins    PluginConfigs `yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// Route is a match predicate plus a processing directive — the gateway's
// primary routing unit.
type Route struct {
	ID              string        `yaml:"id" json:"id"`
	Version         int64         `yaml:"-" json:"-"`
	Priority        int           `yaml:"priority,omitempty" json:"priority,omitempty"`
	URI             string        `yaml:"uri,omitempty" json:"uri,omitempty"`
	URIs            []string      `yaml:"uris,omitempty" json:"uris,omitempty"`
	Host            string        `yaml:"host,omitempty" json:"host,omitempty"`
	Hosts           []string      `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	Methods         []string      `yaml:"methods,omitempty" json:"methods,omitempty"`
	RemoteAddrs     []string      `yaml:"remote_addrs,omitempty" json:"remote_addrs,omitempty"`
	Vars            []VarPredicate `yaml:"vars,omitempty" json:"vars,omitempty"`
	UpstreamID      string        `yaml:"upstream_id,omitempty" json:"upstream_id,omitempty"`
	ServiceID       string        `yaml:"service_id,omitempty" json:"service_id,omitempty"`
	Upstream        *Upstream     `yaml:"upstream,omitempty" json:"upstream,omitempty"`
	Plugins         PluginConfigs `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	Script          string        `yaml:"script,omitempty" json:"script,omitempty"`
	EnableWebsocket bool          `yaml:"enable_websocket,omitempty" json:"enable_websocket,omitempty"`
}

// VarPredicate is one `{var_name, op, value}` clause of a route's
// variable-predicate vector.
type VarPredicate struct {
	Var   string `yaml:"var" json:"var"`
	Op    string `yaml:"op" json:"op"` // ==, !=, >, <, >=, <=, ~~, IN, HAS
	Value any    `yaml:"value" json:"value"`
}

// URIPatterns returns the route's URI patterns, folding the singular URI
// field into the slice form routes are compiled against.
func (r *Route) URIPatterns() []string {
	if len(r.URIs) > 0 {
		return r.URIs
	}
	if r.URI != "" {
		return []string{r.URI}
	}
	return nil
}

// HostPatterns returns the route's host patterns, folding Host into Hosts.
func (r *Route) HostPatterns() []string {
	if len(r.Hosts) > 0 {
		return r.Hosts
	}
	if r.Host != "" {
		return []string{r.Host}
	}
	return nil
}

// Consumer is an authenticated caller identity carrying plugin overlays,
// identified during rewrite/access by an auth plugin.
type Consumer struct {
	Username string        `yaml:"username" json:"username"`
	Version  int64         `yaml:"-" json:"-"`
	Plugins  PluginConfigs `yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// GlobalRule carries plugin config applied to every request, independent
// of routing.
type GlobalRule struct {
	ID      string        `yaml:"id" json:"id"`
	Version int64         `yaml:"-" json:"-"`
	Plugins PluginConfigs `yaml:"plugins" json:"plugins"`
}

// SSL binds one or more SNI hostnames to a certificate/key pair, selected
// during the TLS handshake.
type SSL struct {
	ID      string   `yaml:"id" json:"id"`
	Version int64    `yaml:"-" json:"-"`
	SNI     string   `yaml:"sni,omitempty" json:"sni,omitempty"`
	SNIs    []string `yaml:"snis,omitempty" json:"snis,omitempty"`
	Cert    string   `yaml:"cert" json:"cert"`
	Key     string   `yaml:"key" json:"key"`
}

// Hosts returns the SSL entity's SNI patterns, folding SNI into SNIs.
func (s *SSL) Hosts() []string {
	if len(s.SNIs) > 0 {
		return s.SNIs
	}
	if s.SNI != "" {
		return []string{s.SNI}
	}
	return nil
}
