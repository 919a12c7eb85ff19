package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/chainflow/internal/sandbox"
	"github.com/rendis/chainflow/pkg/schema"
)

const codeRunInputSchema = `{
  "type": "object",
  "properties": {
    "code": {"type": "string"},
    "timeout": {"type": "number", "description": "Seconds; clamped to [1,120]. Defaults to 30."}
  },
  "required": ["code"]
}`

// CodeRunAction implements "code.run": a user snippet executed in the
// sandbox. A failed snippet fails the step with the sandbox's error code and
// keeps the captured logs in the error details.
type CodeRunAction struct {
	runner *sandbox.Runner
}

// NewCodeRunAction creates the code.run action over runner.
func NewCodeRunAction(runner *sandbox.Runner) *CodeRunAction {
	if runner == nil {
		runner = sandbox.NewRunner(sandbox.Options{})
	}
	return &CodeRunAction{runner: runner}
}

func (a *CodeRunAction) Name() string { return "code.run" }

func (a *CodeRunAction) Schema() ActionSchema {
	return ActionSchema{
		Description:    "Run a JavaScript snippet in an isolated runtime and return its result and console logs.",
		InputSchema:    json.RawMessage(codeRunInputSchema),
		DefaultRetries: 0,
		FunctionCalls:  1,
	}
}

func (a *CodeRunAction) Validate(input map[string]any) error {
	_, err := requireString("code.run", input, "code")
	return err
}

func (a *CodeRunAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	req := sandbox.Request{Code: stringParam(input.Params, "code", "")}
	if t, ok := floatParam(input.Params, "timeout"); ok {
		req.Timeout = &t
	}

	res := a.runner.Run(ctx, req)
	if !res.Success {
		code := res.Code
		if code == "" {
			code = schema.ErrCodeStepFailed
		}
		return nil, schema.NewError(code, res.Error).
			WithDetails(map[string]any{"logs": res.Logs})
	}
	return jsonOutput(a.Name(), res)
}
