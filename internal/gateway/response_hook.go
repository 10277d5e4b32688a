package gateway

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wudi/gateway/internal/gwerrors"
	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/reqctx"
	"github.com/wudi/gateway/internal/upstream"
)

// responseHook builds the header_filter/body_filter phase's entry point
// into the Forwarder: it runs once the upstream response is known and
// before any byte of it reaches the client, per spec.md §4.3 ("filter
// phases always run every handler, never short-circuit").
func (g *Gateway) responseHook(ctx *reqctx.Context) upstream.ResponseHook {
	return func(resp *http.Response) error {
		ctx.Response = resp
		ctx.UpstreamStatus = resp.StatusCode
		ctx.UpstreamResponseTime = time.Since(ctx.StartTime)

		if err := g.executor.RunHeaderFilter(ctx, ctx.Plugins); err != nil {
			return err
		}

		if !chainHasBodyFilter(ctx.Plugins) {
			return nil
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return gwerrors.UpstreamUnresolvable(err)
		}
		resp.Body.Close()

		out, err := g.executor.RunBodyFilter(ctx, ctx.Plugins, body)
		if err != nil {
			return err
		}

		resp.Body = io.NopCloser(bytes.NewReader(out))
		resp.ContentLength = int64(len(out))
		resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
		return nil
	}
}

func chainHasBodyFilter(chain []reqctx.ResolvedPlugin) bool {
	for _, rp := range chain {
		if _, ok := rp.Plugin.(plugin.BodyFilterPhase); ok {
			return true
		}
	}
	return false
}
