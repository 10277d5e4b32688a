package plugins

import (
	"net/http"
	"strings"

	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/reqctx"
)

// ProxyRewriteSchema is the config schema for proxy-rewrite.
const ProxyRewriteSchema = `{
	"type": "object",
	"properties": {
		"uri": {"type": "string"},
		"host": {"type": "string"},
		"headers": {
			"type": "object",
			"properties": {
				"add": {"type": "object"},
				"set": {"type": "object"},
				"remove": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

// ProxyRewrite mutates the outbound request before it is forwarded:
// path replacement and a header add/set/remove transform. Grounded on
// the teacher's RewriteActionConfig/HeaderTransform shape
// (internal/config/config.go) and the path-joining behavior the
// teacher's router used to do inline (since deleted in favor of this
// plugin, per spec.md's plugin-based rewrite model). joinPath here only
// substitutes $name path parameters into the configured uri; it does not
// join path segments.
type ProxyRewrite struct{}

func NewProxyRewrite() *ProxyRewrite { return &ProxyRewrite{} }

func (p *ProxyRewrite) Name() string { return "proxy-rewrite" }

func (p *ProxyRewrite) Rewrite(ctx *reqctx.Context, cfg map[string]any) (plugin.Result, error) {
	r := ctx.Request

	if uri, ok := cfg["uri"].(string); ok && uri != "" {
		r.URL.Path = joinPath(uri, ctx.PathParams)
	}
	if host, ok := cfg["host"].(string); ok && host != "" {
		r.Host = host
	}

	if headers, ok := cfg["headers"].(map[string]any); ok {
		applyHeaderTransform(r.Header, headers)
	}

	return plugin.Continue(), nil
}

// joinPath substitutes path params of the form "$name" in a rewrite
// template, e.g. "/v2/$id" for a route matched as "/v1/:id".
func joinPath(template string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(template, "$") {
		return template
	}
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "$"+name, value)
	}
	return out
}

func applyHeaderTransform(h http.Header, transform map[string]any) {
	if add, ok := transform["add"].(map[string]any); ok {
		for k, v := range add {
			h.Add(k, stringValue(v))
		}
	}
	if set, ok := transform["set"].(map[string]any); ok {
		for k, v := range set {
			h.Set(k, stringValue(v))
		}
	}
	if remove, ok := transform["remove"].([]any); ok {
		for _, v := range remove {
			h.Del(stringValue(v))
		}
	}
}
