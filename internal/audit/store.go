// Package audit persists completed runs, their signals and failures, the
// per-run event log used for replay, recurring schedules, and encrypted
// secrets.
package audit

import (
	"context"

	"github.com/rendis/conviction/internal/events"
)

// Store is the persistence interface for the audit database.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Signals and failures
	AppendSignal(ctx context.Context, sig *RunSignal) error
	ListSignals(ctx context.Context, runID string) ([]*RunSignal, error)
	RecordNodeFailure(ctx context.Context, failure *NodeFailure) error
	ListNodeFailures(ctx context.Context, runID string) ([]*NodeFailure, error)

	// Event log
	AppendEvent(ctx context.Context, event *events.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*events.Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
