package engine

import (
	"fmt"

	"github.com/rendis/chainflow/pkg/schema"
)

// Graph is the validated in-memory form of a workflow definition.
// Built once per execution and read-only afterwards, so loop iterations may
// share it without locking.
type Graph struct {
	Steps     map[string]*schema.Step
	Configs   map[string]schema.StepConfig
	Outgoing  map[string][]schema.Edge
	Incoming  map[string][]schema.Edge
	TriggerID string
	// Order is the topological order of the steps reachable from the trigger.
	Order []string
	// Regions maps a ForEach step id to the loop region it opens.
	Regions map[string]*LoopRegion
}

// LoopRegion is the part of the graph a ForEach step repeats per element.
type LoopRegion struct {
	ForEachID string
	// CollectID is "" when no Collect closes the region.
	CollectID string
	// Body lists the region's steps in topological order, excluding the
	// ForEach and Collect steps themselves.
	Body []string

	members map[string]bool
}

// Contains reports whether stepID belongs to the loop body.
func (r *LoopRegion) Contains(stepID string) bool {
	return r.members[stepID]
}

// ParseGraph validates a definition and builds its executable graph.
// It checks step ids and configs, the single trigger, edge endpoints and
// branch labels, rejects cycles with Kahn's algorithm and resolves the body
// of every ForEach region.
func ParseGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Steps:    make(map[string]*schema.Step, len(def.Steps)),
		Configs:  make(map[string]schema.StepConfig, len(def.Steps)),
		Outgoing: make(map[string][]schema.Edge, len(def.Steps)),
		Incoming: make(map[string][]schema.Edge, len(def.Steps)),
		Regions:  make(map[string]*LoopRegion),
	}

	// First pass: register steps and decode their configs.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		cfg, err := step.ParseConfig()
		if err != nil {
			return nil, err
		}
		g.Steps[step.ID] = step
		g.Configs[step.ID] = cfg
	}

	trigger, err := def.Trigger()
	if err != nil {
		return nil, err
	}
	g.TriggerID = trigger.ID

	// Second pass: edges.
	if err := g.addEdges(def.Edges); err != nil {
		return nil, err
	}

	sorted, err := g.topoSort()
	if err != nil {
		return nil, err
	}

	reachable := g.reachableFrom(g.TriggerID)
	for _, id := range sorted {
		if reachable[id] {
			g.Order = append(g.Order, id)
		}
	}

	if err := g.buildRegions(reachable); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) addEdges(edges []schema.Edge) error {
	seenIDs := make(map[string]bool, len(edges))
	branches := make(map[string]map[string]string) // condition id -> label -> edge id

	for _, e := range edges {
		if e.ID != "" {
			if seenIDs[e.ID] {
				return schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge ID: %s", e.ID)
			}
			seenIDs[e.ID] = true
		}
		src, ok := g.Steps[e.Source]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %s references non-existent source step: %s", e, e.Source)
		}
		dst, ok := g.Steps[e.Target]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %s references non-existent target step: %s", e, e.Target)
		}
		if e.Source == e.Target {
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s has an edge to itself", e.Source)
		}
		if dst.Kind == schema.StepKindTrigger {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %s targets the trigger step", e)
		}

		if src.Kind == schema.StepKindCondition {
			if e.Label != schema.BranchTrue && e.Label != schema.BranchFalse {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"edge %s leaves condition %s and must be labeled %q or %q", e, e.Source, schema.BranchTrue, schema.BranchFalse)
			}
			if branches[e.Source] == nil {
				branches[e.Source] = make(map[string]string, 2)
			}
			if prev, dup := branches[e.Source][e.Label]; dup {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"condition %s has more than one %q edge (%s, %s)", e.Source, e.Label, prev, e)
			}
			branches[e.Source][e.Label] = e.String()
		} else if e.Label != "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s is labeled %q but its source %s is not a condition", e, e.Label, e.Source)
		}

		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], e)
		g.Incoming[e.Target] = append(g.Incoming[e.Target], e)
	}
	return nil
}

// topoSort orders every step with Kahn's algorithm. Ties are broken by step
// id so the order is deterministic.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.Steps))
	for id := range g.Steps {
		inDegree[id] = len(g.Incoming[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)

	sorted := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		next := make([]string, 0, len(g.Outgoing[node]))
		for _, e := range g.Outgoing[node] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				next = append(next, e.Target)
			}
		}
		sortStrings(next)
		queue = append(queue, next...)
	}

	if len(sorted) != len(g.Steps) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sortStrings(stuck)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle").
			WithDetails(map[string]any{"steps": stuck})
	}
	return sorted, nil
}

func (g *Graph) reachableFrom(start string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Outgoing[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	return seen
}

func (g *Graph) buildRegions(reachable map[string]bool) error {
	closed := make(map[string]string) // collect id -> forEach id
	for _, id := range g.Order {
		if g.Steps[id].Kind != schema.StepKindForEach {
			continue
		}
		region, err := g.findRegion(id)
		if err != nil {
			return err
		}
		if region.CollectID != "" {
			if other, dup := closed[region.CollectID]; dup {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"collect %s closes both forEach %s and %s", region.CollectID, other, id).WithStep(region.CollectID)
			}
			closed[region.CollectID] = id
		}
		g.Regions[id] = region
	}

	for _, id := range g.Order {
		if g.Steps[id].Kind == schema.StepKindCollect && closed[id] == "" && reachable[id] {
			return schema.NewErrorf(schema.ErrCodeValidation, "collect %s does not close any forEach", id).WithStep(id)
		}
	}
	return nil
}

// findRegion walks forward from a ForEach, counting nested ForEach/Collect
// pairs, until it meets the Collect at nesting depth zero. Everything visited
// on the way is the loop body.
func (g *Graph) findRegion(forEachID string) (*LoopRegion, error) {
	region := &LoopRegion{ForEachID: forEachID, members: make(map[string]bool)}
	depth := map[string]int{forEachID: 0}
	queue := []string{forEachID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		open := depth[id]
		if id != forEachID && g.Steps[id].Kind == schema.StepKindForEach {
			open++
		}
		for _, e := range g.Outgoing[id] {
			next := open
			if g.Steps[e.Target].Kind == schema.StepKindCollect {
				if open == 0 {
					if region.CollectID != "" && region.CollectID != e.Target {
						return nil, schema.NewErrorf(schema.ErrCodeValidation,
							"forEach %s reaches more than one closing collect (%s, %s)", forEachID, region.CollectID, e.Target).
							WithStep(forEachID)
					}
					region.CollectID = e.Target
					continue
				}
				next = open - 1
			}
			if prev, seen := depth[e.Target]; seen {
				if prev != next {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"step %s is reached at different loop nesting depths from forEach %s", e.Target, forEachID).
						WithStep(e.Target)
				}
				continue
			}
			depth[e.Target] = next
			region.members[e.Target] = true
			queue = append(queue, e.Target)
		}
	}

	// Body steps may only be entered from inside the region.
	for member := range region.members {
		if err := g.checkEntries(region, member); err != nil {
			return nil, err
		}
	}
	if region.CollectID != "" {
		if err := g.checkEntries(region, region.CollectID); err != nil {
			return nil, err
		}
	}

	for _, id := range g.Order {
		if region.members[id] {
			region.Body = append(region.Body, id)
		}
	}
	return region, nil
}

func (g *Graph) checkEntries(region *LoopRegion, stepID string) error {
	for _, e := range g.Incoming[stepID] {
		if e.Source != region.ForEachID && !region.members[e.Source] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s is inside the loop of forEach %s but is entered from %s outside it",
				stepID, region.ForEachID, e.Source).WithStep(stepID)
		}
	}
	return nil
}

// Label returns the display label of a step, falling back to its id.
func (g *Graph) Label(stepID string) string {
	if s, ok := g.Steps[stepID]; ok && s.Label != "" {
		return s.Label
	}
	return stepID
}

func (g *Graph) String() string {
	return fmt.Sprintf("graph(trigger=%s, steps=%d, loops=%d)", g.TriggerID, len(g.Order), len(g.Regions))
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
