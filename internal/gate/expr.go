package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/weftlabs/weft/internal/core"
)

// celReserved lists identifiers that cannot be declared as variables.
var celReserved = map[string]struct{}{
	"true": {}, "false": {}, "null": {}, "in": {}, "as": {}, "break": {},
	"const": {}, "continue": {}, "else": {}, "for": {}, "function": {},
	"if": {}, "import": {}, "let": {}, "loop": {}, "package": {},
	"namespace": {}, "return": {}, "var": {}, "void": {}, "while": {},
}

func evalExpr(ctx context.Context, spec core.GateSpec, value core.Value) core.GateResult {
	ok, err := evalExpression(ctx, spec.Expr, value)
	if err != nil {
		return core.GateResult{Passed: false, Reason: err.Error()}
	}
	if !ok {
		return core.GateResult{Passed: false, Reason: fmt.Sprintf("expression %q evaluated to false", spec.Expr)}
	}
	return core.GateResult{Passed: true}
}

// evalExpression compiles and evaluates a CEL boolean expression. The whole
// value is bound as "value"; when the value is an object its top-level keys
// are bound as variables too. The environment is the pure CEL standard
// library, so expressions can compare and inspect but never reach the host.
func evalExpression(ctx context.Context, src string, value core.Value) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return false, errors.New("empty expression")
	}

	opts := []cel.EnvOption{
		cel.Variable("value", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	}
	vars := map[string]any{"value": value.ToAny()}
	if obj, ok := value.AsObject(); ok {
		for key, val := range obj {
			if key == "value" || !bindable(key) {
				continue
			}
			opts = append(opts, cel.Variable(key, cel.DynType))
			vars[key] = val.ToAny()
		}
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return false, fmt.Errorf("build expression environment: %w", err)
	}
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return false, fmt.Errorf("compile expression: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("plan expression: %w", err)
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is %T, want boolean", out.Value())
	}
	return b, nil
}

// bindable reports whether key is a legal CEL identifier.
func bindable(key string) bool {
	if key == "" {
		return false
	}
	if _, reserved := celReserved[key]; reserved {
		return false
	}
	for i, r := range key {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
