package fetch

import (
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
)

// cacheRule is a compiled cacheability predicate. A disabled rule allows everything.
type cacheRule struct {
	prog    cel.Program
	enabled bool
}

func newCacheRule(expr string) (cacheRule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return cacheRule{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("query", cel.StringType),
		cel.Variable("status", cel.IntType),
		cel.Variable("content_type", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return cacheRule{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return cacheRule{}, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return cacheRule{}, errRuleNotBool
	}
	prog, err := env.Program(ast)
	if err != nil {
		return cacheRule{}, err
	}
	return cacheRule{prog: prog, enabled: true}, nil
}

// Allow evaluates the rule. Evaluation errors count as "do not cache".
func (r cacheRule) Allow(req *http.Request, resp *http.Response) bool {
	if !r.enabled {
		return true
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	out, _, err := r.prog.Eval(map[string]any{
		"method":       req.Method,
		"path":         req.URL.Path,
		"query":        req.URL.RawQuery,
		"status":       int64(resp.StatusCode),
		"content_type": resp.Header.Get("Content-Type"),
		"headers":      headers,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
