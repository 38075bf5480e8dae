package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/conviction/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher counts upstream calls and delegates to fn.
type countingFetcher struct {
	calls atomic.Int64
	fn    func(instrumentID, metricKey string) (any, error)
}

func (f *countingFetcher) Fetch(ctx context.Context, instrumentID, metricKey string, asOf time.Time) (any, error) {
	f.calls.Add(1)
	return f.fn(instrumentID, metricKey)
}

func TestMemoAdapter_CachesSuccess(t *testing.T) {
	upstream := &countingFetcher{fn: func(_, _ string) (any, error) { return 42.0, nil }}
	memo := NewMemoAdapter(upstream, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v, err := memo.Fetch(ctx, "ACME", "net_income", asOf)
		require.NoError(t, err)
		assert.Equal(t, 42.0, v)
	}

	assert.Equal(t, int64(1), upstream.calls.Load())
	assert.Equal(t, 1, memo.Len())
}

func TestMemoAdapter_DistinctKeysFetchSeparately(t *testing.T) {
	upstream := &countingFetcher{fn: func(_, key string) (any, error) { return key, nil }}
	memo := NewMemoAdapter(upstream, 0)
	ctx := context.Background()

	memo.Fetch(ctx, "ACME", "net_income", asOf)
	memo.Fetch(ctx, "ACME", "free_cash_flow", asOf)
	memo.Fetch(ctx, "GLOBEX", "net_income", asOf)
	// Same metric, different as-of point.
	memo.Fetch(ctx, "ACME", "net_income", asOf.AddDate(0, 0, 1))

	assert.Equal(t, int64(4), upstream.calls.Load())
}

func TestMemoAdapter_DoesNotCacheFailures(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	upstream := &countingFetcher{fn: func(_, _ string) (any, error) {
		if fail.Load() {
			return nil, schema.NewError(schema.ErrCodeDataUnavailable, "provider down")
		}
		return 7.0, nil
	}}
	memo := NewMemoAdapter(upstream, 0)
	ctx := context.Background()

	_, err := memo.Fetch(ctx, "ACME", "net_income", asOf)
	require.Error(t, err)
	assert.Equal(t, 0, memo.Len())

	// Provider recovers; the next fetch goes upstream again.
	fail.Store(false)
	v, err := memo.Fetch(ctx, "ACME", "net_income", asOf)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)
	assert.Equal(t, int64(2), upstream.calls.Load())
}

func TestMemoAdapter_TTLExpiry(t *testing.T) {
	upstream := &countingFetcher{fn: func(_, _ string) (any, error) { return 1.0, nil }}
	memo := NewMemoAdapter(upstream, 30*time.Millisecond)
	ctx := context.Background()

	memo.Fetch(ctx, "ACME", "net_income", asOf)
	memo.Fetch(ctx, "ACME", "net_income", asOf)
	assert.Equal(t, int64(1), upstream.calls.Load())

	time.Sleep(40 * time.Millisecond)

	memo.Fetch(ctx, "ACME", "net_income", asOf)
	assert.Equal(t, int64(2), upstream.calls.Load())
}

func TestMemoAdapter_ConcurrentCallersShareOneCall(t *testing.T) {
	release := make(chan struct{})
	upstream := &countingFetcher{fn: func(_, _ string) (any, error) {
		<-release
		return 3.14, nil
	}}
	memo := NewMemoAdapter(upstream, 0)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = memo.Fetch(ctx, "ACME", "net_income", asOf)
		}(i)
	}

	time.Sleep(10 * time.Millisecond) // let callers pile onto the in-flight entry
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), upstream.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 3.14, results[i])
	}
}

func TestMemoAdapter_WaiterHonoursContext(t *testing.T) {
	release := make(chan struct{})
	upstream := &countingFetcher{fn: func(_, _ string) (any, error) {
		<-release
		return 1.0, nil
	}}
	memo := NewMemoAdapter(upstream, 0)

	go memo.Fetch(context.Background(), "ACME", "net_income", asOf)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := memo.Fetch(ctx, "ACME", "net_income", asOf)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
