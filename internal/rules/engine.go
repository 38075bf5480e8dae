// Package rules hosts the expression engines the analysis layer is
// parameterized with: CEL for constraint rules, expr for custom combine
// policies, and ${...} interpolation for graph-definition options. Engines
// cache compiled programs and are safe for concurrent use.
package rules

import "context"

// Engine evaluates expressions over a data scope.
// Two implementations: CEL (constraint rules), Expr (combine policies).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
