package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// WorkflowDefinition is the JSON-serializable workflow graph. A definition is
// immutable once an execution references its revision.
type WorkflowDefinition struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Revision       int            `json:"revision"`
	Name           string         `json:"name,omitempty"`
	Steps          []Step         `json:"steps"`
	Edges          []Edge         `json:"edges"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// StepKind enumerates the kinds of steps in a workflow graph.
type StepKind string

const (
	StepKindTrigger   StepKind = "trigger"
	StepKindAction    StepKind = "action"
	StepKindCondition StepKind = "condition"
	StepKindForEach   StepKind = "forEach"
	StepKindCollect   StepKind = "collect"
)

// Step is a node in the workflow graph. Config is kept raw on the wire and
// decoded into a typed StepConfig by ParseConfig.
type Step struct {
	ID     string          `json:"id"`
	Kind   StepKind        `json:"kind"`
	Label  string          `json:"label"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge is a directed connection between two steps. Label is "" for
// unconditional flow, or "true"/"false" on edges leaving a Condition step.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Branch labels used on Condition edges.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// StepConfig is the sum type of per-kind step configurations.
type StepConfig interface {
	Kind() StepKind
}

// TriggerType enumerates how a workflow can be started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
)

// TriggerConfig configures the entry step of a workflow.
type TriggerConfig struct {
	Type TriggerType `json:"type,omitempty"` // manual | webhook | schedule (default: manual)
	Cron string      `json:"cron,omitempty"` // required for schedule triggers
}

func (*TriggerConfig) Kind() StepKind { return StepKindTrigger }

// ActionConfig configures an Action step dispatched to the action registry.
type ActionConfig struct {
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
	Retries    *int            `json:"retries,omitempty"` // nil = action default
	RetryDelay string          `json:"retryDelay,omitempty"`
	Backoff    string          `json:"backoff,omitempty"` // none | linear | exponential
}

func (*ActionConfig) Kind() StepKind { return StepKindAction }

// ConditionConfig holds a restricted boolean expression.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

func (*ConditionConfig) Kind() StepKind { return StepKindCondition }

// Concurrency policies for ForEach regions.
const (
	ConcurrencySequential = "sequential"
	ConcurrencyParallel   = "parallel"
	ConcurrencyCustom     = "custom"
)

// ForEachConfig opens a loop region.
type ForEachConfig struct {
	ArraySource      string `json:"arraySource"`
	MapExpression    string `json:"mapExpression,omitempty"`
	MaxIterations    *int   `json:"maxIterations,omitempty"`
	Concurrency      string `json:"concurrency,omitempty"`
	ConcurrencyLimit int    `json:"concurrencyLimit,omitempty"`
}

func (*ForEachConfig) Kind() StepKind { return StepKindForEach }

// IterationCap returns the configured iteration cap, 0 meaning unbounded.
func (c *ForEachConfig) IterationCap() int {
	if c.MaxIterations == nil {
		return 0
	}
	return *c.MaxIterations
}

// Validate checks the ForEach configuration surface.
func (c *ForEachConfig) Validate() error {
	if c.ArraySource == "" {
		return NewError(ErrCodeConfiguration, "forEach requires arraySource")
	}
	if c.MaxIterations != nil && *c.MaxIterations < 0 {
		return NewErrorf(ErrCodeConfiguration, "maxIterations must be non-negative, got %d", *c.MaxIterations)
	}
	switch c.Concurrency {
	case "", ConcurrencySequential, ConcurrencyParallel:
		if c.ConcurrencyLimit != 0 {
			return NewError(ErrCodeConfiguration, "concurrencyLimit is only allowed with concurrency=custom")
		}
	case ConcurrencyCustom:
		if c.ConcurrencyLimit <= 0 {
			return NewErrorf(ErrCodeConfiguration, "concurrency=custom requires a positive concurrencyLimit, got %d", c.ConcurrencyLimit)
		}
	default:
		return NewErrorf(ErrCodeConfiguration, "unknown concurrency %q", c.Concurrency)
	}
	return nil
}

// CollectConfig closes a loop region. It carries no settings.
type CollectConfig struct{}

func (*CollectConfig) Kind() StepKind { return StepKindCollect }

// ParseConfig decodes the raw step configuration into its typed variant.
func (s *Step) ParseConfig() (StepConfig, error) {
	var cfg StepConfig
	switch s.Kind {
	case StepKindTrigger:
		cfg = &TriggerConfig{}
	case StepKindAction:
		cfg = &ActionConfig{}
	case StepKindCondition:
		cfg = &ConditionConfig{}
	case StepKindForEach:
		cfg = &ForEachConfig{}
	case StepKindCollect:
		cfg = &CollectConfig{}
	default:
		return nil, NewErrorf(ErrCodeConfiguration, "unknown step kind %q", s.Kind).WithStep(s.ID)
	}

	raw := bytes.TrimSpace(s.Config)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, NewErrorf(ErrCodeConfiguration, "invalid %s config: %v", s.Kind, err).WithStep(s.ID).WithCause(err)
		}
	}

	if err := validateConfig(cfg); err != nil {
		var cfErr *ChainflowError
		if errors.As(err, &cfErr) {
			return nil, cfErr.WithStep(s.ID)
		}
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg StepConfig) error {
	switch c := cfg.(type) {
	case *TriggerConfig:
		switch c.Type {
		case "", TriggerManual, TriggerWebhook:
		case TriggerSchedule:
			if c.Cron == "" {
				return NewError(ErrCodeConfiguration, "schedule trigger requires cron")
			}
		default:
			return NewErrorf(ErrCodeConfiguration, "unknown trigger type %q", c.Type)
		}
	case *ActionConfig:
		if c.Action == "" {
			return NewError(ErrCodeConfiguration, "action step has no action name")
		}
		if c.Retries != nil && *c.Retries < 0 {
			return NewErrorf(ErrCodeConfiguration, "retries must be non-negative, got %d", *c.Retries)
		}
	case *ConditionConfig:
		if c.Expression == "" {
			return NewError(ErrCodeConfiguration, "condition step has an empty expression")
		}
	case *ForEachConfig:
		return c.Validate()
	}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Trigger returns the single trigger step of the definition.
func (d *WorkflowDefinition) Trigger() (*Step, error) {
	var found *Step
	for i := range d.Steps {
		if d.Steps[i].Kind != StepKindTrigger {
			continue
		}
		if found != nil {
			return nil, NewErrorf(ErrCodeValidation, "workflow has more than one trigger (%s, %s)", found.ID, d.Steps[i].ID)
		}
		found = &d.Steps[i]
	}
	if found == nil {
		return nil, NewError(ErrCodeValidation, "workflow has no trigger step")
	}
	return found, nil
}

func (e Edge) String() string {
	if e.Label == "" {
		return fmt.Sprintf("%s->%s", e.Source, e.Target)
	}
	return fmt.Sprintf("%s-[%s]->%s", e.Source, e.Label, e.Target)
}
