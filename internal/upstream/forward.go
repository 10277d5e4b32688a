package upstream

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/gwerrors"
)

// Forwarder builds the actual backend request and copies the response
// back, once the Balancer phase has already picked a route and resolved
// its upstream via Selector. Grounded on the teacher's internal/proxy
// request-building (header copy, hop-by-hop stripping, X-Forwarded-*,
// path join) rewritten against the new entity model — the teacher's
// transform/rewrite/redirect machinery moved to the plugin layer, so this
// only does the parts every request needs regardless of which plugins ran.
type Forwarder struct {
	selector       *Selector
	transportPool  *TransportPool
	defaultTimeout time.Duration
}

// NewForwarder creates a Forwarder using sel for backend selection/health
// and pool for per-upstream transports.
func NewForwarder(sel *Selector, pool *TransportPool, defaultTimeout time.Duration) *Forwarder {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Forwarder{selector: sel, transportPool: pool, defaultTimeout: defaultTimeout}
}

var proxyHeaderPool = sync.Pool{
	New: func() any { return make(http.Header, 16) },
}

func acquireProxyHeader() http.Header {
	h := proxyHeaderPool.Get().(http.Header)
	clear(h)
	return h
}

func releaseProxyHeader(h http.Header) {
	if h != nil && len(h) <= 64 {
		proxyHeaderPool.Put(h)
	}
}

var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// ResponseHook runs against the upstream's actual response after a
// successful attempt and before any byte of it reaches the client — the
// gateway orchestration layer passes one bound to the request's header_filter
// and body_filter plugin chain via ServeRouteWithHook. Returning an error
// aborts the response and writes a gateway error instead.
type ResponseHook func(resp *http.Response) error

// ServeRoute forwards r to route's upstream, retrying up to
// effectiveMaxAttempts(u)-1 times (bounded by the shared retry budget) against a
// fresh backend each attempt, and writes the final response to w.
func (f *Forwarder) ServeRoute(w http.ResponseWriter, r *http.Request, route *config.Route) {
	f.ServeRouteWithHook(w, r, route, nil)
}

// ServeRouteWithHook behaves like ServeRoute, additionally running hook
// against the upstream response (if one was obtained) before it is copied
// to w — this is the header_filter/body_filter phase's hook point.
func (f *Forwarder) ServeRouteWithHook(w http.ResponseWriter, r *http.Request, route *config.Route, hook ResponseHook) {
	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.defaultTimeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	backend, u, err := f.selector.Pick(ctx, route, r)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	var bodyBytes []byte
	if r.Body != nil && r.Body != http.NoBody {
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			writeGatewayError(w, gwerrors.UpstreamUnresolvable(err))
			return
		}
	}

	transport := f.transportPool.GetForUpstream(u)
	tried := map[string]bool{}
	maxAttempts := effectiveMaxAttempts(u)

	f.selector.RetryBudget().RecordRequest()

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			next, nu, perr := f.selector.PickExcluding(ctx, route, r, tried)
			if perr != nil {
				lastErr = perr
				break
			}
			backend, u = next, nu
		}
		tried[backend.Addr] = true

		backend.IncrActive()
		if bodyBytes != nil {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		proxyReq := f.buildProxyRequest(r, backend.Addr, u)

		resp, lastErr = f.selector.Do(backend.Addr, func() (*http.Response, error) {
			return transport.RoundTrip(proxyReq)
		})
		backend.DecrActive()
		releaseProxyHeader(proxyReq.Header)

		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		f.selector.MarkBackendResult(u, backend.Addr, statusCode, transportFailure(lastErr, resp))

		if lastErr == nil {
			break
		}
		if attempt+1 < maxAttempts {
			if !f.selector.RetryBudget().AllowRetry() {
				break
			}
			f.selector.RetryBudget().RecordRetry()
		}
	}

	if lastErr != nil {
		writeGatewayError(w, gwerrors.BalancerExhausted(http.StatusBadGateway, lastErr))
		return
	}
	defer resp.Body.Close()

	if hook != nil {
		if err := hook(resp); err != nil {
			writeGatewayError(w, err)
			return
		}
	}

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// effectiveMaxAttempts derives the number of attempts ServeRouteWithHook
// makes for u: retries default to len(nodes)-1 when u.Retries is unset
// (the zero value), and are capped at len(nodes)-1 when set above it —
// retrying more times than there are distinct nodes can't reach a backend
// it hasn't already tried.
func effectiveMaxAttempts(u *config.Upstream) int {
	maxRetries := len(u.Nodes) - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	retries := u.Retries
	if retries == 0 || retries > maxRetries {
		retries = maxRetries
	}

	maxAttempts := retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return maxAttempts
}

// transportFailure reports whether the attempt should count as a health
// failure: a RoundTrip error always does; a 5xx the breaker converted into
// an error does NOT, since that status still came from a live backend.
func transportFailure(err error, resp *http.Response) error {
	if err == nil {
		return nil
	}
	if resp != nil {
		return nil
	}
	return err
}

func (f *Forwarder) buildProxyRequest(r *http.Request, addr string, u *config.Upstream) *http.Request {
	scheme := "http"
	target := &url.URL{Scheme: scheme, Host: addr, Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          addr,
	}).WithContext(r.Context())

	header := acquireProxyHeader()
	for k, vv := range r.Header {
		header[k] = vv
	}
	proxyReq.Header = header

	if clientIP := requestClientIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(proxyReq.Header)

	return proxyReq
}

func requestClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeGatewayError(w http.ResponseWriter, err error) {
	if ge, ok := gwerrors.As(err); ok {
		ge.WriteJSON(w)
		return
	}
	gwerrors.UpstreamUnresolvable(err).WriteJSON(w)
}
