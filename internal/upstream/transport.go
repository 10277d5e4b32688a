package upstream

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/wudi/gateway/internal/config"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// TLS settings
	InsecureSkipVerify bool
	CAFile             string

	// Keep-alive
	DisableKeepAlives bool

	// HTTP/2
	ForceHTTP2 bool

	// DNS
	Resolver *net.Resolver // nil = default OS resolver
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0, // no timeout
	ExpectContinueTimeout: 1 * time.Second,
	InsecureSkipVerify:    false,
	DisableKeepAlives:     false,
	ForceHTTP2:            true,
}

// NewTransport creates a new HTTP transport with the given configuration
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  cfg.Resolver,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	// Load custom CA file if specified
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(caCert)
			tlsConfig.RootCAs = pool
		}
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}

// DefaultTransport creates a transport with default settings
func DefaultTransport() *http.Transport {
	return NewTransport(DefaultTransportConfig)
}

// TransportWithTimeout creates a transport with a specific timeout
func TransportWithTimeout(timeout time.Duration) *http.Transport {
	cfg := DefaultTransportConfig
	cfg.ResponseHeaderTimeout = timeout
	return NewTransport(cfg)
}

// ConfigForUpstream derives a TransportConfig from an upstream's configured
// timeout, leaving every other setting at its default.
func ConfigForUpstream(u *config.Upstream) TransportConfig {
	cfg := DefaultTransportConfig
	if u != nil && u.Timeout > 0 {
		cfg.DialTimeout = u.Timeout
		cfg.ResponseHeaderTimeout = u.Timeout
	}
	return cfg
}

// TransportPool manages a pool of transports keyed by upstream name.
type TransportPool struct {
	mu               sync.RWMutex
	defaultTransport *http.Transport
	transports       map[string]*http.Transport
}

// NewTransportPool creates a new transport pool with a default transport.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		defaultTransport: DefaultTransport(),
		transports:       make(map[string]*http.Transport),
	}
}

// NewTransportPoolWithDefault creates a new transport pool with a custom default config.
func NewTransportPoolWithDefault(cfg TransportConfig) *TransportPool {
	return &TransportPool{
		defaultTransport: NewTransport(cfg),
		transports:       make(map[string]*http.Transport),
	}
}

// Get returns a transport for the given upstream id.
// Returns the default transport for empty or unknown ids.
func (tp *TransportPool) Get(id string) *http.Transport {
	if id == "" {
		return tp.defaultTransport
	}
	tp.mu.RLock()
	t, ok := tp.transports[id]
	tp.mu.RUnlock()
	if !ok {
		return tp.defaultTransport
	}
	return t
}

// Set adds a transport for id, built from cfg.
func (tp *TransportPool) Set(id string, cfg TransportConfig) {
	t := NewTransport(cfg)
	tp.mu.Lock()
	tp.transports[id] = t
	tp.mu.Unlock()
}

// GetForUpstream returns u's transport, building and caching one from
// ConfigForUpstream(u) on first use so that u.Timeout actually reaches the
// dial/response-header timeouts of the connection that serves it instead of
// silently falling back to the pool's default transport.
func (tp *TransportPool) GetForUpstream(u *config.Upstream) *http.Transport {
	if u == nil || u.ID == "" {
		return tp.defaultTransport
	}
	tp.mu.RLock()
	t, ok := tp.transports[u.ID]
	tp.mu.RUnlock()
	if ok {
		return t
	}
	if u.Timeout <= 0 {
		return tp.defaultTransport
	}
	tp.Set(u.ID, ConfigForUpstream(u))
	return tp.Get(u.ID)
}

// CloseIdleConnections closes idle connections on every transport the pool
// has built, default included.
func (tp *TransportPool) CloseIdleConnections() {
	tp.defaultTransport.CloseIdleConnections()
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}
