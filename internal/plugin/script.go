package plugin

import (
	"fmt"
	"net"
	"net/http"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/reqctx"
)

// ScriptEnv is the expression environment scripted routes evaluate
// against, grounded on the teacher's internal/rules.RequestEnv — trimmed
// to the fields a route predicate needs (no response/auth sections, since
// a route script only ever runs pre-routing, unlike the teacher's rules
// which also cover the response phase).
type ScriptEnv struct {
	HTTP  ScriptHTTPEnv  `expr:"http"`
	IP    ScriptIPEnv    `expr:"ip"`
	Route ScriptRouteEnv `expr:"route"`
}

type ScriptHTTPEnv struct {
	Request ScriptRequestEnv `expr:"request"`
}

type ScriptRequestEnv struct {
	Method  string            `expr:"method"`
	URI     ScriptURIEnv      `expr:"uri"`
	Headers map[string]string `expr:"headers"`
	Host    string            `expr:"host"`
}

type ScriptURIEnv struct {
	Path  string            `expr:"path"`
	Query string            `expr:"query"`
	Full  string            `expr:"full"`
	Args  map[string]string `expr:"args"`
}

type ScriptIPEnv struct {
	Src string `expr:"src"`
}

type ScriptRouteEnv struct {
	ID     string            `expr:"id"`
	Params map[string]string `expr:"params"`
}

// NewScriptEnv builds the evaluation environment for one request.
func NewScriptEnv(r *http.Request, routeID string, pathParams map[string]string) ScriptEnv {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	args := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}
	if pathParams == nil {
		pathParams = make(map[string]string)
	}
	return ScriptEnv{
		HTTP: ScriptHTTPEnv{Request: ScriptRequestEnv{
			Method:  r.Method,
			URI:     ScriptURIEnv{Path: r.URL.Path, Query: r.URL.RawQuery, Full: r.RequestURI, Args: args},
			Headers: headers,
			Host:    r.Host,
		}},
		IP:    ScriptIPEnv{Src: clientIP(r)},
		Route: ScriptRouteEnv{ID: routeID, Params: pathParams},
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// compiledScript is a route's compiled boolean predicate: true means
// "block this request".
type compiledScript struct {
	routeID string
	program *vm.Program
}

// CompileScript compiles a route's script field into a reusable program.
func CompileScript(routeID, expression string) (*compiledScript, error) {
	program, err := expr.Compile(expression, expr.Env(ScriptEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("route %s: compile script: %w", routeID, err)
	}
	return &compiledScript{routeID: routeID, program: program}, nil
}

func (s *compiledScript) evaluate(env ScriptEnv) (bool, error) {
	output, err := expr.Run(s.program, env)
	if err != nil {
		return false, err
	}
	blocked, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("route %s: script did not return bool", s.routeID)
	}
	return blocked, nil
}

// scriptPlugin wraps a compiled route script as a synthetic AccessPhase
// plugin. It is never registered in the Registry — it is route-specific,
// not a named reusable plugin kind — and is prepended to the access chain
// by PrependScript so it always runs first.
type scriptPlugin struct {
	compiled *compiledScript
}

func (p *scriptPlugin) Name() string { return "script" }

func (p *scriptPlugin) Access(ctx *reqctx.Context, _ map[string]any) (Result, error) {
	env := NewScriptEnv(ctx.Request, p.compiled.routeID, ctx.PathParams)
	blocked, err := p.compiled.evaluate(env)
	if err != nil {
		return Result{}, err
	}
	if blocked {
		return Stop(http.StatusForbidden, `{"error_msg":"request blocked by route script"}`), nil
	}
	return Continue(), nil
}

// PrependScript compiles route.Script, if set, and returns chain with the
// resulting handler run before everything else — spec.md's "evaluated as
// the first handler of the access phase".
func PrependScript(chain []reqctx.ResolvedPlugin, route *config.Route) ([]reqctx.ResolvedPlugin, error) {
	if route.Script == "" {
		return chain, nil
	}
	compiled, err := CompileScript(route.ID, route.Script)
	if err != nil {
		return nil, err
	}
	scripted := reqctx.ResolvedPlugin{Name: "script", Plugin: &scriptPlugin{compiled: compiled}}
	return append([]reqctx.ResolvedPlugin{scripted}, chain...), nil
}
