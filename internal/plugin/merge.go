package plugin

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/reqctx"
)

// instanceCacheSize bounds how many distinct (plugin name, config instance)
// pairs Merger keeps a built Plugin around for. Config instances only churn
// on a snapshot reload (a new *Route/*Service/*Consumer/*GlobalRule, and so
// a new config map, replaces the old one), so this is sized as "plugin
// attachments active across a few recent config generations", not per
// request.
const instanceCacheSize = 4096

// Merger resolves the layered Route/Service/Consumer/GlobalRule plugin
// configs spec.md §4.3 describes into priority-ordered, instantiated
// chains. It reuses config.MergeNonZero for the per-name overlay rule
// ("X wins per-name" is exactly MergeNonZero(lower, higher) on the
// map[string]map[string]any PluginConfigs type: a name present in both
// keeps the higher layer's config map entirely, untouched names from the
// lower layer pass through).
type Merger struct {
	registry  *Registry
	instances *lru.Cache[string, reqctx.ResolvedPlugin]
}

func NewMerger(registry *Registry) *Merger {
	cache, _ := lru.New[string, reqctx.ResolvedPlugin](instanceCacheSize)
	return &Merger{registry: registry, instances: cache}
}

// RouteConfigs merges Service plugins underneath Route plugins, Route
// winning per-name. Pass nil service when the route has no service.
func (m *Merger) RouteConfigs(route *config.Route, service *config.Service) config.PluginConfigs {
	var base config.PluginConfigs
	if service != nil {
		base = service.Plugins
	}
	return config.MergeNonZero(base, route.Plugins)
}

// WithConsumer overlays a Consumer's plugins on top of an already-merged
// Route/Service chain, Consumer winning per-name. Called once a rewrite
// handler has identified the caller.
func (m *Merger) WithConsumer(merged config.PluginConfigs, consumer *config.Consumer) config.PluginConfigs {
	if consumer == nil {
		return merged
	}
	return config.MergeNonZero(merged, consumer.Plugins)
}

// GlobalConfigs folds every GlobalRule's plugins into one chain, applied
// independent of routing. Rules are folded in ID order for determinism;
// a name defined by more than one global rule is undefined behavior in
// practice (the teacher never allows two global rules to own the same
// plugin name), so the last one in ID order wins.
func (m *Merger) GlobalConfigs(rules []*config.GlobalRule) config.PluginConfigs {
	sorted := make([]*config.GlobalRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var merged config.PluginConfigs
	for _, rule := range sorted {
		merged = config.MergeNonZero(merged, rule.Plugins)
	}
	return merged
}

// Resolve instantiates every plugin named in cfgs via the registry and
// returns them sorted by descending static priority (ties broken by name
// for determinism), as reqctx.ResolvedPlugin entries ready for the Phase
// Executor.
//
// Built instances are cached by (name, config map identity): a plugin like
// limit-count carries state (in-memory counters) that must survive across
// requests to mean anything, so Resolve must not hand the Phase Executor a
// fresh, empty instance on every call. Since config maps are replaced
// wholesale on a snapshot reload rather than mutated in place, the config
// map's identity is a correct cache key — it changes exactly when the
// plugin's actual configuration does.
func (m *Merger) Resolve(cfgs config.PluginConfigs) ([]reqctx.ResolvedPlugin, error) {
	out := make([]reqctx.ResolvedPlugin, 0, len(cfgs))
	for name, cfg := range cfgs {
		key := fmt.Sprintf("%s\x00%p", name, cfg)
		if rp, ok := m.instances.Get(key); ok {
			out = append(out, rp)
			continue
		}

		p, err := m.registry.Build(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("resolve plugin %s: %w", name, err)
		}
		rp := reqctx.ResolvedPlugin{Name: name, Plugin: p, Config: cfg}
		m.instances.Add(key, rp)
		out = append(out, rp)
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := m.registry.Priority(out[i].Name), m.registry.Priority(out[j].Name)
		if pi != pj {
			return pi > pj
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
