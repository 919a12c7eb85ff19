package validation

import "github.com/rendis/chainflow/pkg/schema"

// Validator checks workflow definitions before they are stored and trigger
// inputs before they start an execution.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
