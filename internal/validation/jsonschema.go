package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/workflow.json
var workflowSchema []byte

const workflowSchemaURL = "https://chainflow.dev/schemas/workflow.json"

// JSONSchemaValidator checks the definition wire format and trigger inputs
// against JSON Schema draft 2020-12. Input schemas are compiled once per
// distinct document. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflow *jsonschema.Schema

	mu     sync.RWMutex
	inputs map[string]*jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wf, err := compileSchema(workflowSchemaURL, workflowSchema)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflow: wf, inputs: make(map[string]*jsonschema.Schema)}, nil
}

// compileSchema compiles one standalone document. Each call uses its own
// compiler so unrelated documents never share resources.
func compileSchema(url string, doc []byte) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ValidateDefinition checks def against the workflow wire schema and rejects
// duplicate step ids, which the schema cannot express.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if err := validateValue(v.workflow, def); err != nil {
		return err
	}
	ids := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if ids[step.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		ids[step.ID] = true
	}
	return nil
}

// ValidateInput checks input against inputSchema. An empty schema accepts
// any non-nil input.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.inputSchema(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return validateValue(compiled, input)
}

func (v *JSONSchemaValidator) inputSchema(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)
	v.mu.RLock()
	compiled, ok := v.inputs[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok := v.inputs[key]; ok {
		return compiled, nil
	}
	compiled, err := compileSchema(fmt.Sprintf("chainflow://input-schema/%d", len(v.inputs)), raw)
	if err != nil {
		return nil, err
	}
	v.inputs[key] = compiled
	return compiled, nil
}

// validateValue validates a Go value. The value is re-decoded through JSON
// first because the library expects json.Number for numbers.
func validateValue(s *jsonschema.Schema, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not serializable").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not serializable").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return violationError(err)
	}
	return nil
}

// violationError flattens a validation failure into one message per leaf
// violation, listed under Details["violations"].
func violationError(err error) *schema.ChainflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	var violations []string
	walkViolations(verr, func(e *jsonschema.ValidationError) {
		violations = append(violations, "/"+strings.Join(e.InstanceLocation, "/")+": "+e.Error())
	})

	var msg string
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		msg = violations[0]
	default:
		msg = fmt.Sprintf("%d schema violations", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).WithDetails(map[string]any{"violations": violations})
}

func walkViolations(e *jsonschema.ValidationError, leaf func(*jsonschema.ValidationError)) {
	if len(e.Causes) == 0 {
		leaf(e)
		return
	}
	for _, c := range e.Causes {
		walkViolations(c, leaf)
	}
}
