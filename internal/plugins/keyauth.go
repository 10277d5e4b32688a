// Package plugins implements the built-in example plugins: key-auth,
// jwt-auth, limit-count, cors, proxy-rewrite and request-id. Each is
// grounded on the corresponding teacher middleware package, adapted from
// an http.Handler-wrapping middleware to the internal/plugin phase-handler
// interfaces.
package plugins

import (
	"net/http"

	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/reqctx"
)

// KeyAuthSchema is the config schema for key-auth: a consumer binds a
// static key under its Consumer-level plugin config, keyed by header or
// query param.
const KeyAuthSchema = `{
	"type": "object",
	"properties": {
		"key": {"type": "string"},
		"header": {"type": "string"},
		"query_param": {"type": "string"}
	}
}`

// KeyAuth validates a caller-supplied API key against the set of
// Consumer-bound keys resolved for this deployment. Grounded on
// internal/middleware/auth/apikey.go's APIKeyAuth, adapted from a
// single global key set to a per-Consumer config.Config (the key-auth
// config instance IS the consumer's credential — there is exactly one
// key per Consumer, matching how APISIX's key-auth plugin attaches a
// credential to a consumer rather than to a global keyring).
type KeyAuth struct {
	store ConsumerKeyLookup
}

// ConsumerKeyLookup resolves which Consumer owns a given key, mirroring
// the teacher's APIKeyAuth.keys map but keyed by the gateway's actual
// Consumer collection rather than a static config slice.
type ConsumerKeyLookup interface {
	ConsumerByKey(key string) (username string, ok bool)
}

func NewKeyAuth(lookup ConsumerKeyLookup) *KeyAuth {
	return &KeyAuth{store: lookup}
}

func (p *KeyAuth) Name() string { return "key-auth" }

func (p *KeyAuth) Rewrite(ctx *reqctx.Context, cfg map[string]any) (plugin.Result, error) {
	key := extractKey(ctx.Request, cfg)
	if key == "" {
		return plugin.Stop(http.StatusUnauthorized, `{"error_msg":"missing API key"}`), nil
	}

	username, ok := p.store.ConsumerByKey(key)
	if !ok {
		return plugin.Stop(http.StatusUnauthorized, `{"error_msg":"invalid API key"}`), nil
	}

	ctx.Set(p.Name(), "client_id", username)
	return plugin.Continue(), nil
}

// extractKey reads the key from a header first (default "apikey"), then
// falling back to a query parameter, same precedence order as the
// teacher's extractKey.
func extractKey(r *http.Request, cfg map[string]any) string {
	header, _ := cfg["header"].(string)
	if header == "" {
		header = "apikey"
	}
	if v := r.Header.Get(header); v != "" {
		return v
	}

	queryParam, _ := cfg["query_param"].(string)
	if queryParam == "" {
		queryParam = "apikey"
	}
	return r.URL.Query().Get(queryParam)
}
