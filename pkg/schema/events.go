package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunPartial   = "run_partial"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventWaveStarted   = "wave_started"
	EventWaveCompleted = "wave_completed"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeTimedOut  = "node_timed_out"
	EventNodeSkipped   = "node_skipped"
	EventNodeCancelled = "node_cancelled"

	EventSignalRecorded    = "signal_recorded"
	EventPatchApplied      = "patch_applied"
	EventDecisionEmitted   = "decision_emitted"
	EventConstraintApplied = "constraint_applied"

	EventScheduleTriggered = "schedule_triggered"
	EventScheduleRecovered = "schedule_recovered"

	EventProviderBreakerOpen     = "provider_breaker_open"
	EventProviderBreakerHalfOpen = "provider_breaker_half_open"
	EventProviderBreakerClosed   = "provider_breaker_closed"
)

// RunStatus represents the lifecycle state of a run. Complete, partial and
// failed are the terminal states reported in RunResult.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// Terminal returns true once the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusPartial || s == RunStatusFailed
}

// NodeStatus represents the lifecycle state of a node within one run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusComplete  NodeStatus = "complete"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Settled returns true if the node has reached a terminal state.
func (s NodeStatus) Settled() bool {
	switch s {
	case NodeStatusComplete, NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled:
		return true
	}
	return false
}
