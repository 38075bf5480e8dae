package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/pkg/schema"
)

// StaticAdapter serves metrics from an in-memory table keyed by instrument.
// It backs offline runs, examples, and tests. asOf is ignored: the table
// holds one point-in-time snapshot per instrument.
type StaticAdapter struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

var _ state.Fetcher = (*StaticAdapter)(nil)

// NewStaticAdapter creates an empty static adapter.
func NewStaticAdapter() *StaticAdapter {
	return &StaticAdapter{data: make(map[string]map[string]any)}
}

// Set stores one metric value for an instrument. Chainable.
func (a *StaticAdapter) Set(instrumentID, metricKey string, value any) *StaticAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.data[instrumentID]
	if !ok {
		m = make(map[string]any)
		a.data[instrumentID] = m
	}
	m[metricKey] = value
	return a
}

// SetAll stores a batch of metric values for an instrument. Chainable.
func (a *StaticAdapter) SetAll(instrumentID string, values map[string]any) *StaticAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.data[instrumentID]
	if !ok {
		m = make(map[string]any, len(values))
		a.data[instrumentID] = m
	}
	for k, v := range values {
		m[k] = v
	}
	return a
}

// Fetch returns the stored value or DATA_UNAVAILABLE.
func (a *StaticAdapter) Fetch(ctx context.Context, instrumentID, metricKey string, asOf time.Time) (any, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if m, ok := a.data[instrumentID]; ok {
		if v, ok := m[metricKey]; ok {
			return v, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
		"metric %q not available for instrument %q", metricKey, instrumentID)
}
