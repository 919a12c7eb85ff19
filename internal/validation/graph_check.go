package validation

import (
	"fmt"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// validateGraph builds the executable graph the engine would run, then warns
// about steps the trigger never reaches and references whose output cannot
// exist when the referencing step runs.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := engine.ParseGraph(def)
	if err != nil {
		path := "edges"
		if stepID := stepOf(err); stepID != "" {
			path = fmt.Sprintf("steps[%s]", stepID)
		}
		result.AddErr(path, err)
		return result
	}

	reachable := make(map[string]bool, len(g.Order))
	for _, id := range g.Order {
		reachable[id] = true
	}
	for _, s := range def.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the trigger", s.ID))
		}
	}

	for _, id := range g.Order {
		for _, ref := range stepReferences(g.Configs[id]) {
			if _, known := g.Steps[ref]; !known {
				continue // reported by the semantic stage
			}
			if reason := unavailable(g, id, ref); reason != "" {
				result.AddWarning(fmt.Sprintf("steps[%s]", id), schema.ErrCodeDataResolution,
					fmt.Sprintf("step %q references %q, which %s", id, ref, reason))
			}
		}
	}
	return result
}

// unavailable explains why ref's output may be missing when stepID runs, or
// returns "" when ref always precedes it on every path.
func unavailable(g *engine.Graph, stepID, ref string) string {
	if ref == stepID {
		return "is the step itself"
	}
	if !ancestors(g, stepID)[ref] {
		return "does not run before it"
	}
	for _, region := range g.Regions {
		if region.Contains(ref) && !region.Contains(stepID) {
			return fmt.Sprintf("is inside the body of loop %q", region.ForEachID)
		}
	}
	return ""
}

func ancestors(g *engine.Graph, stepID string) map[string]bool {
	seen := make(map[string]bool)
	queue := []string{stepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Incoming[id] {
			if !seen[e.Source] {
				seen[e.Source] = true
				queue = append(queue, e.Source)
			}
		}
	}
	return seen
}

func stepReferences(cfg schema.StepConfig) []string {
	switch c := cfg.(type) {
	case *schema.ActionConfig:
		return expressions.ReferencedSteps(string(c.Params))
	case *schema.ConditionConfig:
		return expressions.ReferencedSteps(c.Expression)
	case *schema.ForEachConfig:
		return expressions.ReferencedSteps(c.ArraySource)
	}
	return nil
}

func stepOf(err error) string {
	if cfErr, ok := err.(*schema.ChainflowError); ok {
		return cfErr.StepID
	}
	return ""
}
