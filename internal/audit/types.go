package audit

import (
	"encoding/json"
	"time"

	"github.com/rendis/conviction/pkg/schema"
)

// Run is an analysis run as persisted in the audit store.
type Run struct {
	ID           string           `json:"id"`
	GraphID      string           `json:"graph_id"`
	InstrumentID string           `json:"instrument_id"`
	AsOf         time.Time        `json:"as_of_time"`
	Status       schema.RunStatus `json:"status"`
	Decision     json.RawMessage  `json:"decision,omitempty"`
	SeedValues   json.RawMessage  `json:"seed_values,omitempty"`
	Waves        int              `json:"waves"`
	Error        json.RawMessage  `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// RunSignal is one signal recorded during a run, with its merge position.
type RunSignal struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"run_id"`
	SourceNodeID string          `json:"source_node_id"`
	Direction    string          `json:"direction"`
	Confidence   float64         `json:"confidence"`
	Rationale    string          `json:"rationale,omitempty"`
	Metrics      json.RawMessage `json:"metrics,omitempty"`
	Position     int             `json:"position"`
	ProducedAt   time.Time       `json:"produced_at"`
}

// NodeFailure is a persisted failure record for one node in one run.
type NodeFailure struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"run_id"`
	NodeID   string    `json:"node_id"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failed_at"`
}

// Schedule is a recurring run definition: a cron expression bound to a
// (graph, instrument) pair.
type Schedule struct {
	ID             string          `json:"id"`
	GraphID        string          `json:"graph_id"`
	InstrumentID   string          `json:"instrument_id"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	GraphID      string
	InstrumentID string
	Status       schema.RunStatus
	Since        *time.Time
	Limit        int
	Offset       int
}

// RunUpdate carries the mutable fields of a run. Nil pointers mean
// "leave unchanged".
type RunUpdate struct {
	Status     schema.RunStatus
	Decision   json.RawMessage
	Waves      *int
	Error      json.RawMessage
	FinishedAt *time.Time
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	GraphID      string
	InstrumentID string
	Enabled      *bool
	Limit        int
}

// ScheduleUpdate carries the mutable fields of a schedule.
type ScheduleUpdate struct {
	CronExpression string
	Params         json.RawMessage
	Enabled        *bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastRunStatus  string
}
