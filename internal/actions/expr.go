package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// DataActions returns the data-shaping actions: expr.eval, jq.transform and
// data.filter.
func DataActions() ([]Action, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Action{
		&exprEvalAction{engine: expressions.NewExprEngine()},
		&jqTransformAction{engine: expressions.NewGoJQEngine()},
		&dataFilterAction{engine: cel},
	}, nil
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an Expr expression against explicit data and variables",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"},"data":{},"vars":{"type":"object"}},"required":["expression"]}`),
	}
}

func (a *exprEvalAction) Validate(input map[string]any) error {
	_, err := requireString("expr.eval", input, "expression")
	return err
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression, _ := input.Params["expression"].(string)

	scope := make(map[string]any)
	if vars, ok := input.Params["vars"].(map[string]any); ok {
		for k, v := range vars {
			scope[k] = v
		}
	}
	// data wins over a var of the same name.
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	return jsonOutput(a.Name(), map[string]any{"result": result})
}

// --- jq.transform ---

type jqTransformAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqTransformAction) Name() string { return "jq.transform" }

func (a *jqTransformAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Apply a jq filter to input data; multiple outputs are returned as an array",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"filter":{"type":"string"},"input":{}},"required":["filter"]}`),
	}
}

func (a *jqTransformAction) Validate(input map[string]any) error {
	_, err := requireString("jq.transform", input, "filter")
	return err
}

func (a *jqTransformAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	filter, _ := input.Params["filter"].(string)
	result, err := a.engine.Query(ctx, filter, input.Params["input"])
	if err != nil {
		return nil, err
	}
	return jsonOutput(a.Name(), map[string]any{"result": result})
}

// --- data.filter ---

type dataFilterAction struct {
	engine *expressions.CELEngine
}

func (a *dataFilterAction) Name() string { return "data.filter" }

func (a *dataFilterAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Keep the array items for which a CEL predicate over item, index and vars is true",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"items":{"type":"array"},"predicate":{"type":"string"},"vars":{"type":"object"}},"required":["items","predicate"]}`),
	}
}

func (a *dataFilterAction) Validate(input map[string]any) error {
	if _, err := requireString("data.filter", input, "predicate"); err != nil {
		return err
	}
	if _, ok := input["items"].([]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, `data.filter requires an "items" array parameter`)
	}
	return nil
}

func (a *dataFilterAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	predicate, _ := input.Params["predicate"].(string)
	items, _ := input.Params["items"].([]any)
	vars, _ := input.Params["vars"].(map[string]any)
	if vars == nil {
		vars = map[string]any{}
	}

	kept := make([]any, 0, len(items))
	for i, item := range items {
		ok, err := a.engine.Match(ctx, predicate, map[string]any{"item": item, "index": i, "vars": vars})
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, item)
		}
	}
	return jsonOutput(a.Name(), map[string]any{"items": kept, "count": len(kept)})
}
