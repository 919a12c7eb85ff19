package diagram

import "strings"

// NodeKind classifies a diagram node by its workflow step kind.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindForEach   NodeKind = "forEach"
	NodeKindCollect   NodeKind = "collect"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	// Nodes are in topological order; steps the trigger cannot reach follow
	// in definition order.
	Nodes []*Node
	Edges []Edge
	// Loops lists every ForEach region, outermost first.
	Loops []*Loop
}

// Node represents a single step in the diagram.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
	// Loop is the ForEach id of the innermost loop body holding the node,
	// "" for top-level nodes.
	Loop   string
	Status *StatusOverlay
}

// Loop is the body of a ForEach step drawn as a cluster. The ForEach and its
// Collect sit outside the cluster.
type Loop struct {
	ForEachID string
	CollectID string
	Label     string
	// Parent is the enclosing loop's ForEach id, "" at the top level.
	Parent string
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	RetryCount int
}

// Edge represents a connection between two nodes. Label is "true"/"false"
// on condition branches.
type Edge struct {
	From  string
	To    string
	Label string
}

// nodesIn returns the nodes whose innermost loop is loopID.
func (m *DiagramModel) nodesIn(loopID string) []*Node {
	var out []*Node
	for _, n := range m.Nodes {
		if n.Loop == loopID {
			out = append(out, n)
		}
	}
	return out
}

// loopsIn returns the loops directly nested in parent.
func (m *DiagramModel) loopsIn(parent string) []*Loop {
	var out []*Loop
	for _, l := range m.Loops {
		if l.Parent == parent {
			out = append(out, l)
		}
	}
	return out
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
