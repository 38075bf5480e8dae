package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/conviction/internal/secrets"
	"github.com/rendis/conviction/pkg/schema"
)

// InterpolationScope holds the data available for ${...} resolution inside
// node option JSON.
type InterpolationScope struct {
	Seed   map[string]any // instrument_id, as_of_time and extra seed keys
	Params map[string]any // graph-definition params
}

// Interpolator resolves ${...} references in node options. Two-pass: the
// first pass resolves seed.* and params.*, the second resolves secrets.*
// through the vault so secret values never appear in intermediate scopes.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator with an optional vault for
// secrets.* resolution.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// Resolve interpolates raw JSON options against the scope and returns the
// resolved JSON bytes.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	resolved, err := interp.resolvePass(ctx, string(raw), scope, false)
	if err != nil {
		return nil, err
	}
	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resolved), nil
}

// resolvePass scans for ${...} tokens. When secretPass is false it resolves
// everything except secrets.* and leaves those untouched; when true, only
// secrets.*.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *InterpolationScope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2 // skip "${"

		end := strings.IndexByte(input[start:], '}')
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${ }")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")
		if secretPass != isSecret {
			// Not this pass's namespace; write the token back unchanged.
			result.WriteString(input[i+idx : end+1])
			i = end + 1
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 1 // skip "}"
	}

	return result.String(), nil
}

// resolveExpr resolves one reference like "seed.instrument_id" or
// "params.discount_rate".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected <namespace>.<path>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	namespace, path := parts[0], parts[1]
	switch namespace {
	case "seed":
		return resolveFromMap(scope.Seed, path, expr, "seed")
	case "params":
		return resolveFromMap(scope.Params, path, expr, "params")
	case "secrets":
		return interp.resolveSecret(ctx, path, expr)
	default:
		available := []string{"seed", "params", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${%s}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

func (interp *Interpolator) resolveSecret(ctx context.Context, key, expr string) (any, error) {
	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}
	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}
	return string(val), nil
}

// resolveFromMap resolves a dot-delimited field path from a map. A direct
// key lookup wins, supporting keys that contain dots.
func resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}
	return traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := m[seg]
		if !ok {
			available := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

// marshalInline converts a resolved value into its inline JSON
// representation. Strings embed as-is so references inside JSON string
// values compose; complex types JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks whether a JSON blob contains any ${...} reference.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${")
}
