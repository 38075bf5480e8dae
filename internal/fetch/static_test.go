package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/conviction/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

func TestStaticAdapter_Fetch(t *testing.T) {
	a := NewStaticAdapter().
		Set("ACME", "free_cash_flow", 120.5).
		Set("ACME", "net_income", 98.0)

	v, err := a.Fetch(context.Background(), "ACME", "free_cash_flow", asOf)
	require.NoError(t, err)
	assert.Equal(t, 120.5, v)
}

func TestStaticAdapter_SetAll(t *testing.T) {
	a := NewStaticAdapter().SetAll("ACME", map[string]any{
		"return_on_equity": 0.18,
		"debt_to_equity":   0.3,
	})

	v, err := a.Fetch(context.Background(), "ACME", "debt_to_equity", asOf)
	require.NoError(t, err)
	assert.Equal(t, 0.3, v)
}

func TestStaticAdapter_MissingMetric(t *testing.T) {
	a := NewStaticAdapter().Set("ACME", "net_income", 98.0)

	_, err := a.Fetch(context.Background(), "ACME", "free_cash_flow", asOf)
	require.Error(t, err)
	var cerr *schema.ConvictionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeDataUnavailable, cerr.Code)
}

func TestStaticAdapter_UnknownInstrument(t *testing.T) {
	a := NewStaticAdapter().Set("ACME", "net_income", 98.0)

	_, err := a.Fetch(context.Background(), "GLOBEX", "net_income", asOf)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDataUnavailable, schema.CodeOf(err))
}
