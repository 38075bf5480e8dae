package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conviction/pkg/schema"
)

// memoryVault is a map-backed secrets.Vault for interpolation tests.
type memoryVault map[string][]byte

func (v memoryVault) Resolve(_ context.Context, key string) ([]byte, error) {
	val, ok := v[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return val, nil
}
func (v memoryVault) Store(_ context.Context, key string, value []byte) error {
	v[key] = value
	return nil
}
func (v memoryVault) Delete(_ context.Context, key string) error {
	delete(v, key)
	return nil
}
func (v memoryVault) List(context.Context) ([]string, error) { return nil, nil }

func testScope() *InterpolationScope {
	return &InterpolationScope{
		Seed: map[string]any{
			"instrument_id": "ACME",
			"as_of_time":    "2026-01-02T00:00:00Z",
		},
		Params: map[string]any{
			"discount_rate": 0.1,
			"thresholds":    map[string]any{"bullish": 0.7},
		},
	}
}

func TestInterpolate_SeedAndParams(t *testing.T) {
	interp := NewInterpolator(nil)

	raw := json.RawMessage(`{"instrument": "${seed.instrument_id}", "rate": ${params.discount_rate}}`)
	out, err := interp.Resolve(context.Background(), raw, testScope())
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, "ACME", parsed["instrument"])
	assert.Equal(t, 0.1, parsed["rate"])
}

func TestInterpolate_NestedParamPath(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.Resolve(context.Background(),
		json.RawMessage(`{"cut": ${params.thresholds.bullish}}`), testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"cut": 0.7}`, string(out))
}

func TestInterpolate_Secrets(t *testing.T) {
	vault := memoryVault{"PROVIDER_API_KEY": []byte("tok-123")}
	interp := NewInterpolator(vault)

	out, err := interp.Resolve(context.Background(),
		json.RawMessage(`{"api_key": "${secrets.PROVIDER_API_KEY}"}`), testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"api_key": "tok-123"}`, string(out))
}

func TestInterpolate_SecretWithoutVault(t *testing.T) {
	interp := NewInterpolator(nil)

	_, err := interp.Resolve(context.Background(),
		json.RawMessage(`{"k": "${secrets.MISSING}"}`), testScope())
	require.Error(t, err)
	var cerr *schema.ConvictionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeInterpolation, cerr.Code)
}

func TestInterpolate_UnknownNamespace(t *testing.T) {
	interp := NewInterpolator(nil)

	_, err := interp.Resolve(context.Background(),
		json.RawMessage(`{"k": "${steps.foo.output}"}`), testScope())
	require.Error(t, err)
	var cerr *schema.ConvictionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeInterpolation, cerr.Code)
}

func TestInterpolate_MissingField(t *testing.T) {
	interp := NewInterpolator(nil)

	_, err := interp.Resolve(context.Background(),
		json.RawMessage(`{"k": "${params.absent}"}`), testScope())
	require.Error(t, err)
	var cerr *schema.ConvictionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeInterpolation, cerr.Code)
	assert.Contains(t, cerr.Message, "absent")
}

func TestInterpolate_Unclosed(t *testing.T) {
	interp := NewInterpolator(nil)

	_, err := interp.Resolve(context.Background(),
		json.RawMessage(`{"k": "${seed.instrument_id"}`), testScope())
	require.Error(t, err)
}

func TestInterpolate_NoReferences(t *testing.T) {
	interp := NewInterpolator(nil)

	raw := json.RawMessage(`{"plain": 1}`)
	out, err := interp.Resolve(context.Background(), raw, testScope())
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(out))
	assert.False(t, HasInterpolation(raw))
	assert.True(t, HasInterpolation(json.RawMessage(`"${seed.x}"`)))
}
