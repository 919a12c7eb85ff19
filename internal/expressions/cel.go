package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/chainflow/pkg/schema"
)

// celVariables are the top-level names visible to CEL predicates.
var celVariables = []string{"item", "index", "vars"}

// CELEngine evaluates CEL predicates for the data.filter action.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine declares item (dyn), index (int) and vars (map of dyn) as
// the only variables a predicate may reference.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("item", cel.DynType),
		cel.Variable("index", cel.IntType),
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.load(expression, e.compile)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, runtimeError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// Match evaluates a predicate and requires a boolean result.
func (e *CELEngine) Match(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"cel: predicate %q yielded %T, not bool", expression, v)
	}
	return b, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if err := issues.Err(); err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	return prg, nil
}

// buildActivation fills missing variables so CEL never sees an unbound name.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
			continue
		}
		switch key {
		case "index":
			activation[key] = int64(0)
		case "vars":
			activation[key] = map[string]any{}
		default:
			activation[key] = nil
		}
	}
	if idx, ok := activation["index"].(int); ok {
		activation["index"] = int64(idx)
	}
	return activation
}
