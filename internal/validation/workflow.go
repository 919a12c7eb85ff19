package validation

import (
	"encoding/json"

	"github.com/rendis/chainflow/pkg/schema"
)

// InputSchemaKey is the metadata key holding an optional JSON Schema for
// trigger input.
const InputSchemaKey = "inputSchema"

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (typed configs, actions, condition grammar, references)
// 3. Graph (trigger, edges, cycles, loop regions, reachability)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.actions))

	// Skip the graph stage on semantic errors: configs may not parse.
	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	raw, err := InputSchema(def)
	if err == nil && raw != nil {
		if _, cerr := wv.jsonSchema.inputSchema(raw); cerr != nil {
			err = schema.NewErrorf(schema.ErrCodeValidation, "invalid input schema: %s", cerr.Error())
		}
	}
	result.AddErr("metadata."+InputSchemaKey, err)

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateTriggerInput checks input against the definition's input schema,
// if it declares one.
func (wv *WorkflowValidator) ValidateTriggerInput(def *schema.WorkflowDefinition, input map[string]any) error {
	raw, err := InputSchema(def)
	if err != nil || raw == nil {
		return err
	}
	if input == nil {
		input = map[string]any{}
	}
	return wv.jsonSchema.ValidateInput(input, raw)
}

// InputSchema returns the encoded input schema from def's metadata, or nil.
func InputSchema(def *schema.WorkflowDefinition) ([]byte, error) {
	v, ok := def.Metadata[InputSchemaKey]
	if !ok || v == nil {
		return nil, nil
	}
	if _, isObject := v.(map[string]any); !isObject {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be an object", InputSchemaKey)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input schema is not serializable").WithCause(err)
	}
	return raw, nil
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	cfErr, ok := err.(*schema.ChainflowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if cfErr.Details != nil {
		if violations, ok := cfErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, cfErr.Message)
	return result
}
