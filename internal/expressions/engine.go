package expressions

import "context"

// Engine evaluates expressions used by data-shaping actions and loop
// extractors. Three implementations: GoJQ (transforms, mapExpression),
// Expr (computed values), CEL (item predicates).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
