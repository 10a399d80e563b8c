package filter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// CELFilter refines term matches with a compiled CEL expression. An
// empty expression compiles to a filter that accepts everything.
type CELFilter struct {
	prog    cel.Program
	enabled bool
}

// NewCELFilter compiles expr. Compilation errors surface at activation
// time so a bad expression never reaches a live connection.
func NewCELFilter(expr string) (CELFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return CELFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("user", cel.StringType),
		cel.Variable("hashtags", cel.ListType(cel.StringType)),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		// Parsed post JSON for field-level conditions.
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return CELFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return CELFilter{}, iss.Err()
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return CELFilter{}, iss.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return CELFilter{}, err
	}
	return CELFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against a post. When disabled, returns
// true. Evaluation errors reject the post rather than failing the
// stream.
func (f CELFilter) Eval(in Input) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(in.Raw, &jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"text":     in.Text,
		"user":     in.Author,
		"hashtags": in.Hashtags,
		"ts_ms":    in.TSMs,
		"now_ms":   time.Now().UnixMilli(),
		"json":     jsonObj,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
