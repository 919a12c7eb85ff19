package validation

import (
	"fmt"
	"time"

	"github.com/rendis/chainflow/internal/condition"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/scheduler"
	"github.com/rendis/chainflow/pkg/schema"
)

// ActionLookup reports whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}

// validateSemantic checks each step's typed config: registered actions,
// condition grammar, template references, cron and retry settings.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	steps := make(map[string]*schema.Step, len(def.Steps))
	for i := range def.Steps {
		steps[def.Steps[i].ID] = &def.Steps[i]
	}

	for i := range def.Steps {
		validateStepSemantic(&def.Steps[i], fmt.Sprintf("steps[%d]", i), steps, lookup, result)
	}
	return result
}

func validateStepSemantic(step *schema.Step, path string, steps map[string]*schema.Step, lookup ActionLookup, result *schema.ValidationResult) {
	cfg, err := step.ParseConfig()
	if err != nil {
		result.AddErr(path+".config", err)
		return
	}

	switch c := cfg.(type) {
	case *schema.TriggerConfig:
		if c.Type == schema.TriggerSchedule {
			result.AddErr(path+".config.cron", scheduler.ValidateCron(c.Cron))
		}

	case *schema.ActionConfig:
		if lookup != nil && !lookup.Has(c.Action) {
			result.AddError(path+".config.action", schema.ErrCodeActionUnavailable,
				fmt.Sprintf("action %q not registered", c.Action))
		}
		if c.RetryDelay != "" {
			if _, err := time.ParseDuration(c.RetryDelay); err != nil {
				result.AddError(path+".config.retryDelay", schema.ErrCodeConfiguration,
					fmt.Sprintf("invalid retryDelay %q", c.RetryDelay))
			}
		}
		switch c.Backoff {
		case "", engine.BackoffNone, engine.BackoffLinear, engine.BackoffExponential:
		default:
			result.AddError(path+".config.backoff", schema.ErrCodeConfiguration,
				fmt.Sprintf("unknown backoff %q", c.Backoff))
		}
		if c.Retries != nil && *c.Retries > 10 {
			result.AddWarning(path+".config.retries", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause long delays", *c.Retries))
		}
		checkReferences(path+".config.params", string(c.Params), steps, result)

	case *schema.ConditionConfig:
		result.AddErr(path+".config.expression", condition.Validate(c.Expression))
		checkReferences(path+".config.expression", c.Expression, steps, result)

	case *schema.ForEachConfig:
		if !expressions.HasReferences(c.ArraySource) {
			result.AddError(path+".config.arraySource", schema.ErrCodeConfiguration,
				"arraySource must be a template reference")
		}
		checkReferences(path+".config.arraySource", c.ArraySource, steps, result)
		if c.MapExpression != "" {
			if _, err := expressions.PathQuery(c.MapExpression); err != nil {
				result.AddErr(path+".config.mapExpression", err)
			}
		}
	}
}

// checkReferences flags malformed placeholders and references to unknown
// steps. A label that differs from the referenced step's label only warns,
// since lookup is by id.
func checkReferences(path, text string, steps map[string]*schema.Step, result *schema.ValidationResult) {
	if !expressions.HasReferences(text) {
		return
	}
	refs, err := expressions.FindReferences(text)
	if err != nil {
		result.AddErr(path, err)
		return
	}
	for _, ref := range refs {
		step, ok := steps[ref.StepID]
		if !ok {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("%s references unknown step %q", ref.Raw, ref.StepID))
			continue
		}
		if step.Label != "" && ref.Label != step.Label {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("%s uses label %q but step %q is labeled %q", ref.Raw, ref.Label, step.ID, step.Label))
		}
	}
}
