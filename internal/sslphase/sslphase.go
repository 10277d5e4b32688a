// Package sslphase implements the TLS handshake's SNI certificate lookup:
// an atomically hot-swapped registry of SSL entities, rebuilt from the
// Config Snapshot Store on every ssl collection change. Grounded on the
// teacher's internal/proxy/tcp sni.go (MatchSNI's exact/wildcard pattern
// matching, reused directly rather than reimplemented) and the teacher's
// general atomic-swap-on-change pattern already used by the Router and
// Upstream Selector.
package sslphase

import (
	"crypto/tls"
	"sync/atomic"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/gwerrors"
	"github.com/wudi/gateway/internal/logging"
	"github.com/wudi/gateway/internal/proxy/tcp"
	"github.com/wudi/gateway/internal/store"
	"go.uber.org/zap"
)

type entry struct {
	patterns []string
	cert     *tls.Certificate
}

type snapshot struct {
	entries []*entry
}

// Registry resolves a ClientHello's server name to the SSL entity whose
// sni/snis patterns match it, per spec.md §4.5's TLS Phase.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry builds a Registry that stays in sync with st's ssl
// collection, rebuilding its compiled cert set on every change.
func NewRegistry(st *store.Store) *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{})
	r.rebuild(st)
	st.OnChange(config.KindSSL, func() { r.rebuild(st) })
	return r
}

func (r *Registry) rebuild(st *store.Store) {
	ssls := st.IterateSSL()
	entries := make([]*entry, 0, len(ssls))
	for _, s := range ssls {
		cert, err := tls.X509KeyPair([]byte(s.Cert), []byte(s.Key))
		if err != nil {
			logging.Warn("skipping invalid SSL certificate", zap.String("ssl_id", s.ID), zap.Error(err))
			continue
		}
		entries = append(entries, &entry{patterns: s.Hosts(), cert: &cert})
	}
	r.current.Store(&snapshot{entries: entries})
}

// GetCertificate implements tls.Config.GetCertificate: it resolves the
// ClientHello's ServerName against every registered SSL entity's SNI
// patterns, so the most specific SNI match selects the certificate: an
// exact pattern on any entity wins over a single-level wildcard match.
// Among entities that match equally, the first one found wins.
func (r *Registry) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	snap := r.current.Load()
	serverName := hello.ServerName

	for _, e := range snap.entries {
		for _, p := range e.patterns {
			if p == serverName {
				return e.cert, nil
			}
		}
	}
	for _, e := range snap.entries {
		if tcp.MatchSNI(serverName, e.patterns) {
			return e.cert, nil
		}
	}
	return nil, gwerrors.TLSMatchFailure(serverName)
}

// TLSConfig builds a *tls.Config that dispatches every handshake through
// GetCertificate, so adding/removing an SSL entity takes effect on the
// very next handshake with no listener restart.
func (r *Registry) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Count reports how many SSL entities are currently loaded, for
// diagnostics/metrics.
func (r *Registry) Count() int {
	return len(r.current.Load().entries)
}
