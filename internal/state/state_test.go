package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/conviction/pkg/schema"
)

var asOf = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func newTestState(order []string, fetcher Fetcher) *State {
	return New(Seed{InstrumentID: "ACME", AsOf: asOf}, order, fetcher)
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var ce *schema.ConvictionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConvictionError, got %T: %v", err, err)
	}
	if ce.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, ce.Code, err)
	}
}

type fetcherFunc func(ctx context.Context, instrumentID, metricKey string, asOf time.Time) (any, error)

func (f fetcherFunc) Fetch(ctx context.Context, instrumentID, metricKey string, asOf time.Time) (any, error) {
	return f(ctx, instrumentID, metricKey, asOf)
}

func TestApplyPatchRespectsDeclaredKeys(t *testing.T) {
	s := newTestState([]string{"a"}, nil)

	err := s.ApplyPatch("a", []string{"x"}, NewPatch().Set("x", 1))
	if err != nil {
		t.Fatalf("declared write failed: %v", err)
	}
	if v, ok := s.Value("x"); !ok || v != 1 {
		t.Fatalf("expected x=1, got %v (ok=%v)", v, ok)
	}
}

func TestApplyPatchRejectsUndeclaredKey(t *testing.T) {
	s := newTestState([]string{"a"}, nil)

	err := s.ApplyPatch("a", []string{"x"}, NewPatch().Set("x", 1).Set("y", 2))
	assertCode(t, err, schema.ErrCodeUndeclaredWrite)

	// Rejection is atomic: the declared key must not have leaked in.
	if _, ok := s.Value("x"); ok {
		t.Fatal("partial merge: declared key applied despite rejection")
	}
	if s.Version() != 0 {
		t.Fatalf("version advanced on rejected patch: %d", s.Version())
	}
}

func TestSignalsFollowRegistrationOrder(t *testing.T) {
	s := newTestState([]string{"first", "second", "third"}, nil)

	// Record out of registration order, as concurrent completion would.
	s.RecordSignal(schema.Signal{SourceNodeID: "third", Direction: schema.DirectionBearish})
	s.RecordSignal(schema.Signal{SourceNodeID: "first", Direction: schema.DirectionBullish})

	sigs := s.Signals()
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(sigs))
	}
	if sigs[0].SourceNodeID != "first" || sigs[1].SourceNodeID != "third" {
		t.Fatalf("wrong order: %s, %s", sigs[0].SourceNodeID, sigs[1].SourceNodeID)
	}
}

func TestSnapshotIsolatedFromLaterMerges(t *testing.T) {
	s := newTestState([]string{"a", "b"}, nil)
	if err := s.ApplyPatch("a", []string{"x"}, NewPatch().Set("x", 1)); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()

	if err := s.ApplyPatch("b", []string{"y"}, NewPatch().Set("y", 2)); err != nil {
		t.Fatal(err)
	}
	s.RecordSignal(schema.Signal{SourceNodeID: "b", Direction: schema.DirectionNeutral})

	if _, ok := snap.Value("y"); ok {
		t.Fatal("snapshot observed a merge that happened after it was taken")
	}
	if len(snap.Signals()) != 0 {
		t.Fatal("snapshot observed a signal recorded after it was taken")
	}
	if v, ok := snap.Value("x"); !ok || v != 1 {
		t.Fatalf("snapshot lost pre-existing key: %v (ok=%v)", v, ok)
	}
	if snap.Version() != 1 {
		t.Fatalf("expected snapshot version 1, got %d", snap.Version())
	}
}

func TestSnapshotSeedValues(t *testing.T) {
	s := New(Seed{
		InstrumentID: "ACME",
		AsOf:         asOf,
		Values:       map[string]any{"portfolio": "ctx"},
	}, nil, nil)
	snap := s.Snapshot()

	if v, _ := snap.Value(schema.SeedKeyInstrumentID); v != "ACME" {
		t.Fatalf("instrument_id = %v", v)
	}
	if v, _ := snap.Value(schema.SeedKeyAsOfTime); v != asOf {
		t.Fatalf("as_of_time = %v", v)
	}
	if v, ok := snap.Value("portfolio"); !ok || v != "ctx" {
		t.Fatalf("seed value lookup failed: %v (ok=%v)", v, ok)
	}
	if _, ok := snap.Value("missing"); ok {
		t.Fatal("lookup of unknown key succeeded")
	}
}

func TestFetchMemoizesPerRun(t *testing.T) {
	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, id, key string, at time.Time) (any, error) {
		calls.Add(1)
		return 42.0, nil
	})
	s := newTestState(nil, f)
	snap := s.Snapshot()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := snap.FetchFloat(context.Background(), "pe_ratio")
			if err != nil || v != 42.0 {
				t.Errorf("fetch: %v, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("adapter called %d times, want 1", got)
	}
}

func TestFetchMemoizesFailures(t *testing.T) {
	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, id, key string, at time.Time) (any, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeDataUnavailable, "provider down")
	})
	s := newTestState(nil, f)
	snap := s.Snapshot()

	_, err1 := snap.Fetch(context.Background(), "pe_ratio")
	_, err2 := snap.Fetch(context.Background(), "pe_ratio")
	assertCode(t, err1, schema.ErrCodeDataUnavailable)
	assertCode(t, err2, schema.ErrCodeDataUnavailable)

	if got := calls.Load(); got != 1 {
		t.Fatalf("adapter called %d times, want 1", got)
	}
}

func TestFetchWithoutAdapter(t *testing.T) {
	s := newTestState(nil, nil)
	_, err := s.Snapshot().Fetch(context.Background(), "pe_ratio")
	assertCode(t, err, schema.ErrCodeDataUnavailable)
}

func TestFetchSeriesCoercion(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, id, key string, at time.Time) (any, error) {
		switch key {
		case "typed":
			return []float64{1, 2, 3}, nil
		case "untyped":
			return []any{1.5, 2, int64(3)}, nil
		default:
			return "scalar", nil
		}
	})
	snap := newTestState(nil, f).Snapshot()
	ctx := context.Background()

	if got, err := snap.FetchSeries(ctx, "typed"); err != nil || len(got) != 3 {
		t.Fatalf("typed series: %v, %v", got, err)
	}
	got, err := snap.FetchSeries(ctx, "untyped")
	if err != nil || len(got) != 3 || got[0] != 1.5 || got[2] != 3 {
		t.Fatalf("untyped series: %v, %v", got, err)
	}
	if _, err := snap.FetchSeries(ctx, "other"); err == nil {
		t.Fatal("scalar accepted as series")
	}
}
