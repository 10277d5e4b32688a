// Package store implements the Config Snapshot Store: a versioned,
// watch-driven, in-memory view of the gateway's seven entity collections,
// fed by either a local YAML file or a live etcd watch.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/logging"
	"go.uber.org/zap"
)

// snapshot is one atomically-swapped generation of a single collection.
type snapshot[T any] struct {
	byID map[string]T
}

// collection holds one entity kind's current snapshot behind an atomic
// pointer, so readers never block on a writer publishing a new generation.
type collection[T any] struct {
	ptr atomic.Pointer[snapshot[T]]
}

func newCollection[T any]() *collection[T] {
	c := &collection[T]{}
	c.ptr.Store(&snapshot[T]{byID: map[string]T{}})
	return c
}

func (c *collection[T]) get(id string) (T, bool) {
	snap := c.ptr.Load()
	v, ok := snap.byID[id]
	return v, ok
}

func (c *collection[T]) iterate() []T {
	snap := c.ptr.Load()
	out := make([]T, 0, len(snap.byID))
	for _, v := range snap.byID {
		out = append(out, v)
	}
	return out
}

func (c *collection[T]) publish(byID map[string]T) {
	c.ptr.Store(&snapshot[T]{byID: byID})
}

// Store is the Config Snapshot Store described in spec.md §4.1. It owns
// every live entity; the Router and Upstream Selector keep pointers to the
// entities it publishes rather than copies of them.
type Store struct {
	routes        *collection[*config.Route]
	services      *collection[*config.Service]
	upstreams     *collection[*config.Upstream]
	consumers     *collection[*config.Consumer]
	ssl           *collection[*config.SSL]
	globalRules   *collection[*config.GlobalRule]
	pluginConfigs *collection[*config.PluginConfig]

	mu        sync.Mutex
	callbacks map[config.Kind][]func()

	healthy atomic.Bool
	lastErr atomic.Pointer[string]
}

// New creates an empty Store. Feed it through a FileBackend
// (NewFileBackend, then Start) or an EtcdBackend (NewEtcdBackend, then
// Start), or call ApplySnapshot directly in tests.
func New() *Store {
	s := &Store{
		routes:        newCollection[*config.Route](),
		services:      newCollection[*config.Service](),
		upstreams:     newCollection[*config.Upstream](),
		consumers:     newCollection[*config.Consumer](),
		ssl:           newCollection[*config.SSL](),
		globalRules:   newCollection[*config.GlobalRule](),
		pluginConfigs: newCollection[*config.PluginConfig](),
		callbacks:     make(map[config.Kind][]func()),
	}
	s.healthy.Store(true)
	return s
}

// OnChange registers a callback fired after kind's in-memory index has
// been updated with a new snapshot.
func (s *Store) OnChange(kind config.Kind, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[kind] = append(s.callbacks[kind], cb)
}

func (s *Store) notify(kind config.Kind) {
	s.mu.Lock()
	cbs := append([]func(){}, s.callbacks[kind]...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// GetRoute, GetService, ... implement get(kind, id) per entity kind — Go's
// lack of covariant generic methods on a non-generic Store means one
// accessor per kind rather than a single generic `Get(kind, id)`.

func (s *Store) GetRoute(id string) (*config.Route, bool)             { return s.routes.get(id) }
func (s *Store) GetService(id string) (*config.Service, bool)         { return s.services.get(id) }
func (s *Store) GetUpstream(id string) (*config.Upstream, bool)       { return s.upstreams.get(id) }
func (s *Store) GetConsumer(id string) (*config.Consumer, bool)       { return s.consumers.get(id) }
func (s *Store) GetSSL(id string) (*config.SSL, bool)                 { return s.ssl.get(id) }
func (s *Store) GetGlobalRule(id string) (*config.GlobalRule, bool)   { return s.globalRules.get(id) }
func (s *Store) GetPluginConfig(id string) (*config.PluginConfig, bool) {
	return s.pluginConfigs.get(id)
}

func (s *Store) IterateRoutes() []*config.Route             { return s.routes.iterate() }
func (s *Store) IterateServices() []*config.Service         { return s.services.iterate() }
func (s *Store) IterateUpstreams() []*config.Upstream       { return s.upstreams.iterate() }
func (s *Store) IterateConsumers() []*config.Consumer       { return s.consumers.iterate() }
func (s *Store) IterateSSL() []*config.SSL                  { return s.ssl.iterate() }
func (s *Store) IterateGlobalRules() []*config.GlobalRule   { return s.globalRules.iterate() }

// ApplySnapshot atomically swaps one collection's contents and fires its
// on_change callbacks. Both backends (file, etcd) funnel through this.
func (s *Store) ApplySnapshot(kind config.Kind, routes []*config.Route, services []*config.Service, upstreams []*config.Upstream, consumers []*config.Consumer, ssl []*config.SSL, globalRules []*config.GlobalRule, pluginConfigs []*config.PluginConfig) {
	switch kind {
	case config.KindRoute:
		s.routes.publish(indexByID(routes, func(r *config.Route) string { return r.ID }))
	case config.KindService:
		s.services.publish(indexByID(services, func(v *config.Service) string { return v.ID }))
	case config.KindUpstream:
		s.upstreams.publish(indexByID(upstreams, func(v *config.Upstream) string { return v.ID }))
	case config.KindConsumer:
		s.consumers.publish(indexByID(consumers, func(v *config.Consumer) string { return v.Username }))
	case config.KindSSL:
		s.ssl.publish(indexByID(ssl, func(v *config.SSL) string { return v.ID }))
	case config.KindGlobalRule:
		s.globalRules.publish(indexByID(globalRules, func(v *config.GlobalRule) string { return v.ID }))
	case config.KindPluginConfig:
		s.pluginConfigs.publish(indexByID(pluginConfigs, func(v *config.PluginConfig) string { return v.Name }))
	}
	s.notify(kind)
}

func indexByID[T any](items []T, id func(T) string) map[string]T {
	m := make(map[string]T, len(items))
	for _, it := range items {
		m[id(it)] = it
	}
	return m
}

// ApplyFile replaces every collection at once from a fully-loaded file
// snapshot, firing each kind's callbacks. Used by the file backend, where
// one reload produces all seven collections together.
func (s *Store) ApplyFile(f *config.File) {
	routes := toPtrSlice(f.Routes)
	services := toPtrSlice(f.Services)
	upstreams := toPtrSlice(f.Upstreams)
	consumers := toPtrSlice(f.Consumers)
	ssl := toPtrSlice(f.SSL)
	globalRules := toPtrSlice(f.GlobalRules)
	pluginConfigs := toPtrSlice(f.PluginConfigs)

	s.routes.publish(indexByID(routes, func(r *config.Route) string { return r.ID }))
	s.services.publish(indexByID(services, func(v *config.Service) string { return v.ID }))
	s.upstreams.publish(indexByID(upstreams, func(v *config.Upstream) string { return v.ID }))
	s.consumers.publish(indexByID(consumers, func(v *config.Consumer) string { return v.Username }))
	s.ssl.publish(indexByID(ssl, func(v *config.SSL) string { return v.ID }))
	s.globalRules.publish(indexByID(globalRules, func(v *config.GlobalRule) string { return v.ID }))
	s.pluginConfigs.publish(indexByID(pluginConfigs, func(v *config.PluginConfig) string { return v.Name }))

	for _, k := range config.AllKinds {
		s.notify(k)
	}
}

func toPtrSlice[T any](items []T) []*T {
	out := make([]*T, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}

// Healthy reports the store's connectivity flag (spec.md §4.1, §7
// ConfigTransientError). During a transient watch disconnect the last
// snapshot remains authoritative and Healthy reports false until the
// watch recovers.
func (s *Store) Healthy() bool {
	return s.healthy.Load()
}

// LastError returns the most recent watch error, or "" if healthy.
func (s *Store) LastError() string {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Store) setHealthy(ok bool, err error) {
	s.healthy.Store(ok)
	if err != nil {
		msg := err.Error()
		s.lastErr.Store(&msg)
		logging.Warn("config store connectivity degraded", zap.Error(err))
	} else {
		s.lastErr.Store(nil)
	}
}
