package diagram

import (
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// Build converts a workflow definition into a DiagramModel. States, keyed by
// step id, overlay runtime status and may be nil.
func Build(def *schema.WorkflowDefinition, states map[string]*store.StepState) (*DiagramModel, error) {
	g, err := engine.ParseGraph(def)
	if err != nil {
		return nil, err
	}

	model := &DiagramModel{Title: def.ID}
	if name, ok := def.Metadata["name"].(string); ok && name != "" {
		model.Title = name
	}

	innermost := innermostLoops(g)

	seen := make(map[string]bool, len(def.Steps))
	addNode := func(step *schema.Step) {
		if seen[step.ID] {
			return
		}
		seen[step.ID] = true
		n := &Node{
			ID:    step.ID,
			Label: g.Label(step.ID),
			Kind:  NodeKind(step.Kind),
			Loop:  innermost[step.ID],
		}
		if ss, ok := states[step.ID]; ok && ss != nil {
			n.Status = &StatusOverlay{
				Status:     string(ss.Status),
				DurationMs: ss.DurationMs,
				RetryCount: ss.RetryCount,
			}
		}
		model.Nodes = append(model.Nodes, n)
	}
	for _, id := range g.Order {
		addNode(g.Steps[id])
	}
	for i := range def.Steps {
		addNode(&def.Steps[i])
	}

	for _, e := range def.Edges {
		model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: e.Label})
	}

	// g.Order lists an outer ForEach before any ForEach nested in its body.
	for _, id := range g.Order {
		region, ok := g.Regions[id]
		if !ok {
			continue
		}
		model.Loops = append(model.Loops, &Loop{
			ForEachID: id,
			CollectID: region.CollectID,
			Label:     g.Label(id),
			Parent:    innermost[id],
		})
	}
	return model, nil
}

// innermostLoops maps every loop body step to the smallest region holding it.
func innermostLoops(g *engine.Graph) map[string]string {
	out := make(map[string]string)
	for forEachID, region := range g.Regions {
		for _, member := range region.Body {
			current, ok := out[member]
			if !ok || len(region.Body) < len(g.Regions[current].Body) {
				out[member] = forEachID
			}
		}
	}
	return out
}
