package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/chainflow/pkg/schema"
)

// ExprEngine runs expr-lang programs for the expr.eval action. The data map
// is the environment, so its keys are top-level identifiers. Programs are
// compiled untyped and shared by every caller.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.load(expression, e.compile)
	if err != nil {
		return nil, err
	}
	// vm.Run cannot be interrupted, so a cancelled caller is checked up front.
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "expr: evaluation cancelled").WithCause(err)
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, runtimeError(e.Name(), expression, err)
	}
	return out, nil
}

func (e *ExprEngine) compile(src string) (*vm.Program, error) {
	prg, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
