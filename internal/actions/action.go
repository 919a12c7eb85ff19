package actions

import (
	"context"
	"encoding/json"
)

// Action is an executable unit of work dispatched by an Action step.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(input map[string]any) error
}

// ActionRegistry manages the lifecycle and lookup of available actions.
type ActionRegistry interface {
	Register(batch ...Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the contract and cost profile of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`

	// DefaultRetries applies when the step config does not set retries.
	DefaultRetries int `json:"default_retries"`
	// FunctionCalls and GasEstimate feed the credit estimator.
	FunctionCalls int   `json:"function_calls"`
	GasEstimate   int64 `json:"gas_estimate,omitempty"`
}

// CredentialResolver returns a decrypted credential owned by an organization.
type CredentialResolver interface {
	Credential(ctx context.Context, organizationID, name string) (string, error)
}

// RunContext identifies the execution an action runs in.
type RunContext struct {
	ExecutionID    string
	OrganizationID string
	StepID         string
	Credentials    CredentialResolver
}

// ActionInput is the data provided to an action at execution time.
// Params have already had template references resolved.
type ActionInput struct {
	Params map[string]any `json:"params"`
	Run    RunContext     `json:"-"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	DefaultRetries int             `json:"default_retries"`
	FunctionCalls  int             `json:"function_calls"`
	GasEstimate    int64           `json:"gas_estimate,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
}

func jsonOutput(name string, v any) (*ActionOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, stepFailed(name, "marshal output: %v", err).WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}
