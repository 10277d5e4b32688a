package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/logging"
	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// prefixForKind maps an entity kind to its etcd key prefix, per spec.md §6.
func prefixForKind(kind config.Kind) string {
	return "/" + string(kind) + "/"
}

// EtcdBackend feeds a Store from a live etcd watch over the seven entity
// prefixes, reconnecting with exponential backoff on watch errors —
// grounded on the teacher's internal/registry/etcd/etcd.go watch loop,
// generalized from one service prefix to all seven entity kinds.
type EtcdBackend struct {
	store  *Store
	client *clientv3.Client
	cancel context.CancelFunc
}

// NewEtcdBackend dials etcd and performs an initial synchronous load of
// every collection before returning, so the store is populated before the
// caller starts serving traffic.
func NewEtcdBackend(store *Store, endpoints []string, dialTimeout time.Duration) (*EtcdBackend, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	eb := &EtcdBackend{store: store, client: client}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	for _, kind := range config.AllKinds {
		if err := eb.loadOnce(ctx, kind); err != nil {
			client.Close()
			return nil, fmt.Errorf("initial load of %s: %w", kind, err)
		}
	}
	store.setHealthy(true, nil)

	return eb, nil
}

// Start launches one watch goroutine per entity kind.
func (eb *EtcdBackend) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	eb.cancel = cancel
	for _, kind := range config.AllKinds {
		go eb.watchKind(ctx, kind)
	}
}

// Stop cancels every watch goroutine and closes the etcd client.
func (eb *EtcdBackend) Stop() error {
	if eb.cancel != nil {
		eb.cancel()
	}
	return eb.client.Close()
}

func (eb *EtcdBackend) loadOnce(ctx context.Context, kind config.Kind) error {
	resp, err := eb.client.Get(ctx, prefixForKind(kind), clientv3.WithPrefix())
	if err != nil {
		return err
	}
	return eb.applyKV(kind, resp.Kvs)
}

// watchKind runs a reconnect loop: watch the prefix until the channel
// closes or errors, then back off exponentially before resubscribing.
func (eb *EtcdBackend) watchKind(ctx context.Context, kind config.Kind) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; the store serves the last snapshot meanwhile

	for {
		if ctx.Err() != nil {
			return
		}
		if err := eb.watchOnce(ctx, kind); err != nil {
			eb.store.setHealthy(false, err)
			wait := bo.NextBackOff()
			logging.Warn("etcd watch disconnected, reconnecting",
				zap.String("kind", string(kind)), zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
	}
}

func (eb *EtcdBackend) watchOnce(ctx context.Context, kind config.Kind) error {
	watchCh := eb.client.Watch(ctx, prefixForKind(kind), clientv3.WithPrefix())
	for resp := range watchCh {
		if resp.Err() != nil {
			return resp.Err()
		}
		if resp.Canceled {
			return fmt.Errorf("watch canceled for %s", kind)
		}
		if err := eb.reloadKind(ctx, kind); err != nil {
			logging.Error("failed to reload after watch event", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		eb.store.setHealthy(true, nil)
	}
	return fmt.Errorf("watch channel closed for %s", kind)
}

func (eb *EtcdBackend) reloadKind(ctx context.Context, kind config.Kind) error {
	resp, err := eb.client.Get(ctx, prefixForKind(kind), clientv3.WithPrefix())
	if err != nil {
		return err
	}
	return eb.applyKV(kind, resp.Kvs)
}

// applyKV decodes every value under kind's prefix and publishes the
// decoded collection to the store. Each entity's Version is stamped from
// etcd's ModRevision, the authoritative per-key cache key spec.md §4.1
// requires. Keys that fail to decode are skipped (logged), not fatal —
// a single malformed admin write must not take the whole collection down.
func (eb *EtcdBackend) applyKV(kind config.Kind, kvs []*mvccpb.KeyValue) error {
	switch kind {
	case config.KindRoute:
		items := decodeEach[config.Route](kvs, kind)
		eb.store.ApplySnapshot(kind, items, nil, nil, nil, nil, nil, nil)
	case config.KindService:
		items := decodeEach[config.Service](kvs, kind)
		eb.store.ApplySnapshot(kind, nil, items, nil, nil, nil, nil, nil)
	case config.KindUpstream:
		items := decodeEach[config.Upstream](kvs, kind)
		eb.store.ApplySnapshot(kind, nil, nil, items, nil, nil, nil, nil)
	case config.KindConsumer:
		items := decodeEach[config.Consumer](kvs, kind)
		eb.store.ApplySnapshot(kind, nil, nil, nil, items, nil, nil, nil)
	case config.KindSSL:
		items := decodeEach[config.SSL](kvs, kind)
		eb.store.ApplySnapshot(kind, nil, nil, nil, nil, items, nil, nil)
	case config.KindGlobalRule:
		items := decodeEach[config.GlobalRule](kvs, kind)
		eb.store.ApplySnapshot(kind, nil, nil, nil, nil, nil, items, nil)
	case config.KindPluginConfig:
		items := decodeEach[config.PluginConfig](kvs, kind)
		eb.store.ApplySnapshot(kind, nil, nil, nil, nil, nil, nil, items)
	}
	return nil
}

func decodeEach[T any](kvs []*mvccpb.KeyValue, kind config.Kind) []*T {
	out := make([]*T, 0, len(kvs))
	for _, kv := range kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			logging.Warn("skipping undecodable entity", zap.String("kind", string(kind)), zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		stampVersion(&v, kv.ModRevision)
		out = append(out, &v)
	}
	return out
}

func stampVersion(v any, modRevision int64) {
	switch e := v.(type) {
	case *config.Route:
		e.Version = modRevision
	case *config.Service:
		e.Version = modRevision
	case *config.Upstream:
		e.Version = modRevision
	case *config.Consumer:
		e.Version = modRevision
	case *config.SSL:
		e.Version = modRevision
	case *config.GlobalRule:
		e.Version = modRevision
	}
}
