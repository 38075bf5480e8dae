package rules

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/rendis/conviction/pkg/schema"
)

// CELEngine evaluates constraint rules with Google's Common Expression
// Language. The aggregator runs every rule against the proposed decision
// before emitting it.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// celScopeKeys are the top-level variables every constraint rule sees,
// matching the scope the constraint engine assembles:
//   - proposed:  map(string, dyn) — the decision under evaluation (action, size, confidence)
//   - limits:    map(string, dyn) — limits from the constraint provider
//   - portfolio: map(string, dyn) — cash and positions from the run seed
//   - signals:   the contributing signals as a list of maps
//   - seed:      map(string, dyn) — instrument_id, as_of_time and extra seed keys
var celScopeKeys = []string{"proposed", "limits", "portfolio", "signals", "seed"}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing the
// constraint-rule scope variables.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("proposed", mapType),
		cel.Variable("limits", mapType),
		cel.Variable("portfolio", mapType),
		cel.Variable("signals", cel.ListType(cel.DynType)),
		cel.Variable("seed", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided data. Missing scope keys default to empty values so
// rules never hit CEL nil-ref errors.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return nativeValue(out), nil
}

// nativeValue converts CEL map and list results into plain Go containers so
// callers can type-switch without importing CEL types.
func nativeValue(v ref.Val) any {
	switch v.Type() {
	case types.MapType:
		if m, err := v.ConvertToNative(reflect.TypeOf(map[string]any(nil))); err == nil {
			return m
		}
	case types.ListType:
		if l, err := v.ConvertToNative(reflect.TypeOf([]any(nil))); err == nil {
			return l
		}
	}
	return v.Value()
}

// Compile checks an expression without evaluating it; used by graph
// definition validation to reject broken rules before any run.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills missing scope keys so evaluation never dereferences
// an absent variable.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celScopeKeys))
	for _, key := range celScopeKeys {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
			continue
		}
		if key == "signals" {
			activation[key] = []any{}
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
