package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/conviction/internal/state"
)

// MemoAdapter caches successful fetches across runs. Concurrent requests for
// the same key share a single upstream call; failures are never cached, so
// the next run retries the provider.
type MemoAdapter struct {
	next state.Fetcher
	ttl  time.Duration

	mu      sync.Mutex
	entries map[memoKey]*memoEntry
}

var _ state.Fetcher = (*MemoAdapter)(nil)

type memoKey struct {
	instrument string
	metric     string
	asOf       int64 // unix nanos; time.Time itself is not a stable map key
}

type memoEntry struct {
	done    chan struct{}
	value   any
	err     error
	savedAt time.Time
}

// NewMemoAdapter wraps next with a cross-run memo. ttl <= 0 disables expiry.
func NewMemoAdapter(next state.Fetcher, ttl time.Duration) *MemoAdapter {
	return &MemoAdapter{
		next:    next,
		ttl:     ttl,
		entries: make(map[memoKey]*memoEntry),
	}
}

// Fetch returns the memoized value when present and fresh, otherwise resolves
// through the wrapped adapter. The first caller for a key performs the
// upstream call; everyone else waits on its result.
func (a *MemoAdapter) Fetch(ctx context.Context, instrumentID, metricKey string, asOf time.Time) (any, error) {
	key := memoKey{instrument: instrumentID, metric: metricKey, asOf: asOf.UnixNano()}

	a.mu.Lock()
	if e, ok := a.entries[key]; ok {
		select {
		case <-e.done:
			if e.err == nil && !a.expired(e) {
				a.mu.Unlock()
				return e.value, nil
			}
			delete(a.entries, key)
		default:
			a.mu.Unlock()
			select {
			case <-e.done:
				return e.value, e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	e := &memoEntry{done: make(chan struct{})}
	a.entries[key] = e
	a.mu.Unlock()

	e.value, e.err = a.next.Fetch(ctx, instrumentID, metricKey, asOf)
	e.savedAt = time.Now()
	if e.err != nil {
		a.mu.Lock()
		delete(a.entries, key)
		a.mu.Unlock()
	}
	close(e.done)

	return e.value, e.err
}

func (a *MemoAdapter) expired(e *memoEntry) bool {
	return a.ttl > 0 && time.Since(e.savedAt) > a.ttl
}

// Len reports the number of settled or in-flight entries.
func (a *MemoAdapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
