package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conviction/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore) *Run {
	t.Helper()
	run := &Run{
		ID:           uuid.New().String(),
		GraphID:      "value-committee",
		InstrumentID: "ACME",
		AsOf:         time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Status:       schema.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Run Tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:           uuid.New().String(),
		GraphID:      "value-committee",
		InstrumentID: "ACME",
		AsOf:         time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Status:       schema.RunStatusRunning,
		SeedValues:   json.RawMessage(`{"price":50}`),
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "value-committee", got.GraphID)
	assert.Equal(t, "ACME", got.InstrumentID)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.JSONEq(t, `{"price":50}`, string(got.SeedValues))
	assert.Nil(t, got.Decision)
	assert.Nil(t, got.FinishedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	convErr, ok := err.(*schema.ConvictionError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, convErr.Code)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	finished := time.Now().UTC()
	waves := 3
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:     schema.RunStatusComplete,
		Decision:   json.RawMessage(`{"action":"buy","confidence":0.8}`),
		Waves:      &waves,
		FinishedAt: &finished,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusComplete, got.Status)
	assert.JSONEq(t, `{"action":"buy","confidence":0.8}`, string(got.Decision))
	assert.Equal(t, 3, got.Waves)
	require.NotNil(t, got.FinishedAt)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(context.Background(), "nonexistent", RunUpdate{Status: schema.RunStatusFailed})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListRuns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, inst := range []string{"ACME", "ACME", "GLOBEX"} {
		run := &Run{
			ID:           uuid.New().String(),
			GraphID:      "value-committee",
			InstrumentID: inst,
			AsOf:         time.Now().UTC(),
			Status:       schema.RunStatusComplete,
			StartedAt:    time.Now().UTC(),
		}
		require.NoError(t, s.CreateRun(ctx, run))
	}

	runs, err := s.ListRuns(ctx, RunFilter{InstrumentID: "ACME"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = s.ListRuns(ctx, RunFilter{Status: schema.RunStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDeleteRun_CascadesSignals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.AppendSignal(ctx, &RunSignal{
		RunID:        run.ID,
		SourceNodeID: "fundamentals",
		Direction:    string(schema.DirectionBullish),
		Confidence:   0.8,
		Position:     0,
		ProducedAt:   time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteRun(ctx, run.ID))

	signals, err := s.ListSignals(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, signals)
}

// --- Signal Tests ---

func TestAppendAndListSignals_OrderedByPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for i, node := range []string{"fundamentals", "technicals", "sentiment"} {
		require.NoError(t, s.AppendSignal(ctx, &RunSignal{
			RunID:        run.ID,
			SourceNodeID: node,
			Direction:    string(schema.DirectionNeutral),
			Confidence:   0.5,
			Metrics:      json.RawMessage(`{"score":5}`),
			Position:     i,
			ProducedAt:   time.Now().UTC(),
		}))
	}

	signals, err := s.ListSignals(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, signals, 3)
	assert.Equal(t, "fundamentals", signals[0].SourceNodeID)
	assert.Equal(t, "technicals", signals[1].SourceNodeID)
	assert.Equal(t, "sentiment", signals[2].SourceNodeID)
	assert.JSONEq(t, `{"score":5}`, string(signals[0].Metrics))
}

// --- Node Failure Tests ---

func TestRecordAndListNodeFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.RecordNodeFailure(ctx, &NodeFailure{
		RunID:    run.ID,
		NodeID:   "sentiment",
		Code:     schema.ErrCodeDataUnavailable,
		Message:  "news feed unreachable",
		FailedAt: time.Now().UTC(),
	}))

	failures, err := s.ListNodeFailures(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "sentiment", failures[0].NodeID)
	assert.Equal(t, schema.ErrCodeDataUnavailable, failures[0].Code)
}

// --- Schedule Tests ---

func TestCreateAndGetSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour)
	sched := &Schedule{
		ID:             uuid.New().String(),
		GraphID:        "value-committee",
		InstrumentID:   "ACME",
		CronExpression: "0 9 * * 1-5",
		Params:         json.RawMessage(`{"price":50}`),
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1-5", got.CronExpression)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.JSONEq(t, `{"price":50}`, string(got.Params))
}

func TestUpdateSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sched := &Schedule{
		ID:             uuid.New().String(),
		GraphID:        "value-committee",
		InstrumentID:   "ACME",
		CronExpression: "0 9 * * *",
		Enabled:        true,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	now := time.Now().UTC()
	next := now.Add(24 * time.Hour)
	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: "success",
	}))

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
}

func TestListSchedules_EnabledFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, enabled := range []bool{true, false, true} {
		require.NoError(t, s.CreateSchedule(ctx, &Schedule{
			ID:             uuid.New().String(),
			GraphID:        "value-committee",
			InstrumentID:   []string{"ACME", "GLOBEX", "INITECH"}[i],
			CronExpression: "0 9 * * *",
			Enabled:        enabled,
		}))
	}

	enabled := true
	schedules, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, schedules, 2)
}

func TestDeleteSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sched := &Schedule{
		ID:             uuid.New().String(),
		GraphID:        "value-committee",
		InstrumentID:   "ACME",
		CronExpression: "0 9 * * *",
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))
	require.NoError(t, s.DeleteSchedule(ctx, sched.ID))

	_, err := s.GetSchedule(ctx, sched.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

// --- Secret Tests ---

func TestSecretRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "provider_api_key", []byte("s3cret")))

	got, err := s.GetSecret(ctx, "provider_api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)

	// Overwrite rotates in place.
	require.NoError(t, s.StoreSecret(ctx, "provider_api_key", []byte("rotated")))
	got, err = s.GetSecret(ctx, "provider_api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), got)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"provider_api_key"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "provider_api_key"))
	_, err = s.GetSecret(ctx, "provider_api_key")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
