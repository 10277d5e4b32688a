package plugins

import (
	"github.com/redis/go-redis/v9"
	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/store"
)

// Static chain priorities, highest first — request-id and cors rank above
// the authentication plugins, and authentication ranks above anything that
// depends on an identified caller (rate limiting), matching the ordering
// APISIX ships its own bundled plugins with.
const (
	PriorityKeyAuth      = 2500
	PriorityJWTAuth      = 2450
	PriorityCORS         = 4000
	PriorityLimitCount   = 1500
	PriorityProxyRewrite = 1000
	PriorityRequestID    = 9000
)

// RegisterAll registers every built-in example plugin into reg. st
// backs key-auth's consumer lookup; redisClient is optional (nil selects
// limit-count's in-memory fallback).
func RegisterAll(reg *plugin.Registry, st *store.Store, redisClient *redis.Client) error {
	registrations := []struct {
		name     string
		priority int
		schema   string
		factory  plugin.Factory
	}{
		{"request-id", PriorityRequestID, RequestIDSchema, func(cfg map[string]any) (plugin.Plugin, error) {
			return NewRequestID(), nil
		}},
		{"key-auth", PriorityKeyAuth, KeyAuthSchema, func(cfg map[string]any) (plugin.Plugin, error) {
			return NewKeyAuth(newConsumerKeyIndex(st)), nil
		}},
		{"jwt-auth", PriorityJWTAuth, JWTAuthSchema, func(cfg map[string]any) (plugin.Plugin, error) {
			return NewJWTAuth(), nil
		}},
		{"cors", PriorityCORS, CORSSchema, func(cfg map[string]any) (plugin.Plugin, error) {
			return NewCORS(), nil
		}},
		{"limit-count", PriorityLimitCount, LimitCountSchema, func(cfg map[string]any) (plugin.Plugin, error) {
			return NewLimitCount(redisClient), nil
		}},
		{"proxy-rewrite", PriorityProxyRewrite, ProxyRewriteSchema, func(cfg map[string]any) (plugin.Plugin, error) {
			return NewProxyRewrite(), nil
		}},
	}

	for _, r := range registrations {
		if err := reg.Register(r.name, r.priority, r.schema, r.factory); err != nil {
			return err
		}
	}
	return nil
}

// consumerKeyIndex implements ConsumerKeyLookup by scanning the store's
// live Consumer collection for whichever one owns a key-auth config
// carrying the presented key — rebuilt fresh per lookup since the Store
// already holds the authoritative, hot-swappable Consumer snapshot, and
// consumer counts are small enough that a per-request scan beats keeping
// a second derived index in sync.
type consumerKeyIndex struct {
	st *store.Store
}

func newConsumerKeyIndex(st *store.Store) *consumerKeyIndex {
	return &consumerKeyIndex{st: st}
}

func (idx *consumerKeyIndex) ConsumerByKey(key string) (string, bool) {
	for _, consumer := range idx.st.IterateConsumers() {
		cfg, ok := consumer.Plugins["key-auth"]
		if !ok {
			continue
		}
		if k, _ := cfg["key"].(string); k == key {
			return consumer.Username, true
		}
	}
	return "", false
}
