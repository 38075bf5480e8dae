package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conviction/internal/audit"
)

// mockScheduleStore satisfies audit.Store for scheduler tests.
type mockScheduleStore struct {
	audit.Store
	mu        sync.Mutex
	schedules map[string]*audit.Schedule
}

func newMockScheduleStore() *mockScheduleStore {
	return &mockScheduleStore{schedules: make(map[string]*audit.Schedule)}
}

func (m *mockScheduleStore) CreateSchedule(_ context.Context, sched *audit.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sched
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *mockScheduleStore) GetSchedule(_ context.Context, id string) (*audit.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, nil
	}
	cp := *sched
	return &cp, nil
}

func (m *mockScheduleStore) UpdateSchedule(_ context.Context, id string, update audit.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		sched.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sched.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		sched.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockScheduleStore) ListSchedules(_ context.Context, filter audit.ScheduleFilter) ([]*audit.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*audit.Schedule
	for _, sched := range m.schedules {
		if filter.Enabled != nil && sched.Enabled != *filter.Enabled {
			continue
		}
		if filter.InstrumentID != "" && sched.InstrumentID != filter.InstrumentID {
			continue
		}
		cp := *sched
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// mockRunner tracks RunGraph calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	GraphID      string
	InstrumentID string
	Params       map[string]any
}

func (r *mockRunner) RunGraph(_ context.Context, graphID, instrumentID string, _ time.Time, params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{GraphID: graphID, InstrumentID: instrumentID, Params: params})
	return r.err
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s audit.Store, runner Runner) *Scheduler {
	return NewScheduler(s, runner, slog.Default())
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockScheduleStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Weekday market open.
	next, err = sched.CalculateNextRun("30 9 * * 1-5", time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 16, 9, 30, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickRunsDueSchedules(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &audit.Schedule{
		ID:             "sched-1",
		GraphID:        "value-committee",
		InstrumentID:   "ACME",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "value-committee", runner.calls[0].GraphID)
	assert.Equal(t, "ACME", runner.calls[0].InstrumentID)

	got, _ := ms.GetSchedule(ctx, "sched-1")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueSchedules(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &audit.Schedule{
		ID:             "sched-future",
		GraphID:        "value-committee",
		InstrumentID:   "ACME",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestDisabledSchedulesSkipped(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &audit.Schedule{
		ID:             "sched-disabled",
		GraphID:        "value-committee",
		InstrumentID:   "ACME",
		CronExpression: "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestRunFailureRecordedAsError(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{err: errors.New("provider outage")}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &audit.Schedule{
		ID:             "sched-err",
		GraphID:        "value-committee",
		InstrumentID:   "ACME",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, _ := ms.GetSchedule(ctx, "sched-err")
	assert.Equal(t, "error", got.LastRunStatus)
	// Next run is still advanced so the schedule doesn't hot-loop.
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &audit.Schedule{
		ID:             "sched-missed",
		GraphID:        "value-committee",
		InstrumentID:   "ACME",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetSchedule(ctx, "sched-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestStartStop(t *testing.T) {
	ms := newMockScheduleStore()
	sched := newTestScheduler(ms, &mockRunner{})

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()), "second start should fail")
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())
}
