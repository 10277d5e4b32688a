package plugins

import (
	"github.com/google/uuid"
	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/reqctx"
)

func init() {
	// Amortizes the entropy-pool syscall cost across many ID generations,
	// same rationale as the teacher's requestid.go init().
	uuid.EnableRandPool()
}

// RequestIDSchema is the config schema for request-id.
const RequestIDSchema = `{
	"type": "object",
	"properties": {
		"header": {"type": "string"}
	}
}`

// RequestID stamps every request with a correlation ID, reusing an
// inbound one when the caller already supplied it. Grounded on
// internal/middleware/requestid.go's RequestID()/RequestIDWithConfig,
// trimmed to this plugin's single behavior (the teacher's TrustHeader
// toggle is always true here — a gateway that doesn't trust its own edge
// network's headers has bigger problems than this plugin).
type RequestID struct{}

func NewRequestID() *RequestID { return &RequestID{} }

func (p *RequestID) Name() string { return "request-id" }

const defaultRequestIDHeader = "X-Request-ID"

func (p *RequestID) Rewrite(ctx *reqctx.Context, cfg map[string]any) (plugin.Result, error) {
	header, _ := cfg["header"].(string)
	if header == "" {
		header = defaultRequestIDHeader
	}

	id := ctx.Request.Header.Get(header)
	if id == "" {
		id = uuid.New().String()
		ctx.Request.Header.Set(header, id)
	}
	ctx.RequestID = id
	ctx.Set(p.Name(), "header", header)
	return plugin.Continue(), nil
}

// HeaderFilter echoes the request ID back on the response, same as the
// teacher setting it on both the inbound request and outbound response.
func (p *RequestID) HeaderFilter(ctx *reqctx.Context, cfg map[string]any) error {
	if ctx.Response == nil || ctx.RequestID == "" {
		return nil
	}
	header := defaultRequestIDHeader
	if v, ok := ctx.Get(p.Name(), "header"); ok {
		header = v.(string)
	}
	ctx.Response.Header.Set(header, ctx.RequestID)
	return nil
}
