package plugins

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/reqctx"
)

// CORSSchema is the config schema for cors.
const CORSSchema = `{
	"type": "object",
	"properties": {
		"allow_origins": {"type": "array", "items": {"type": "string"}},
		"allow_origin_patterns": {"type": "array", "items": {"type": "string"}},
		"allow_methods": {"type": "array", "items": {"type": "string"}},
		"allow_headers": {"type": "array", "items": {"type": "string"}},
		"expose_headers": {"type": "array", "items": {"type": "string"}},
		"allow_credentials": {"type": "boolean"},
		"max_age": {"type": "integer"}
	}
}`

// CORS handles preflight requests in Access and applies response headers
// in HeaderFilter. Grounded on internal/middleware/cors/cors.go's Handler,
// split across two phases instead of one http.Handler-wrapping Middleware
// since this plugin model separates "decide before forwarding" (Access)
// from "shape the response" (HeaderFilter).
type CORS struct{}

func NewCORS() *CORS { return &CORS{} }

func (p *CORS) Name() string { return "cors" }

func (p *CORS) Access(ctx *reqctx.Context, cfg map[string]any) (plugin.Result, error) {
	if !isPreflight(ctx.Request) {
		return plugin.Continue(), nil
	}
	// header_filter always runs regardless of short-circuit (spec.md
	// §4.3), so the actual preflight headers are applied there; this
	// just ends the request with 204 rather than forwarding it upstream.
	return plugin.Stop(http.StatusNoContent, ""), nil
}

// HeaderFilter always runs, per spec.md's filter-phase contract, even
// when Access short-circuited this request as a preflight — so it is
// where both preflight and normal-response CORS headers are actually
// written, mirroring the teacher's HandlePreflight/ApplyHeaders split but
// collapsed into one handler since both read the same resolved opts.
func (p *CORS) HeaderFilter(ctx *reqctx.Context, cfg map[string]any) error {
	if ctx.Response == nil {
		return nil
	}
	r := ctx.Request
	opts := corsOptionsFromConfig(cfg)

	origin := r.Header.Get("Origin")
	if origin == "" || !opts.originAllowed(origin) {
		return nil
	}

	h := ctx.Response.Header
	h.Set("Access-Control-Allow-Origin", responseOrigin(opts, origin))
	if opts.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if isPreflight(r) {
		h.Set("Access-Control-Allow-Methods", opts.allowMethods)
		h.Set("Access-Control-Allow-Headers", opts.allowHeaders)
		h.Set("Access-Control-Max-Age", opts.maxAge)
		h.Add("Vary", "Access-Control-Request-Method")
		h.Add("Vary", "Access-Control-Request-Headers")
	} else if opts.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", opts.exposeHeaders)
	}
	h.Add("Vary", "Origin")
	return nil
}

type corsOptions struct {
	allowOrigins        []string
	allowOriginPatterns []*regexp.Regexp
	allowMethods        string
	allowHeaders        string
	exposeHeaders       string
	allowCredentials    bool
	maxAge              string
	allowAllOrigins     bool
}

func corsOptionsFromConfig(cfg map[string]any) corsOptions {
	o := corsOptions{
		allowOrigins:     stringSlice(cfg["allow_origins"]),
		allowCredentials: boolValue(cfg["allow_credentials"]),
	}
	for _, pattern := range stringSlice(cfg["allow_origin_patterns"]) {
		if re, err := regexp.Compile(pattern); err == nil {
			o.allowOriginPatterns = append(o.allowOriginPatterns, re)
		}
	}
	if methods := stringSlice(cfg["allow_methods"]); len(methods) > 0 {
		o.allowMethods = strings.Join(methods, ", ")
	} else {
		o.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}
	if headers := stringSlice(cfg["allow_headers"]); len(headers) > 0 {
		o.allowHeaders = strings.Join(headers, ", ")
	} else {
		o.allowHeaders = "Content-Type, Authorization, X-API-Key"
	}
	if expose := stringSlice(cfg["expose_headers"]); len(expose) > 0 {
		o.exposeHeaders = strings.Join(expose, ", ")
	}
	if maxAge := intValue(cfg["max_age"], 0); maxAge > 0 {
		o.maxAge = strconv.Itoa(maxAge)
	} else {
		o.maxAge = "86400"
	}
	for _, origin := range o.allowOrigins {
		if origin == "*" {
			o.allowAllOrigins = true
			break
		}
	}
	return o
}

func (o corsOptions) originAllowed(origin string) bool {
	if o.allowAllOrigins {
		return true
	}
	for _, allowed := range o.allowOrigins {
		if allowed == origin {
			return true
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	for _, re := range o.allowOriginPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

func responseOrigin(o corsOptions, origin string) string {
	if o.allowAllOrigins && !o.allowCredentials {
		return "*"
	}
	return origin
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}
