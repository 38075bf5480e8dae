package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/conviction/internal/events"
	"github.com/rendis/conviction/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore. It
// satisfies the engine's EventAppender so lifecycle events persist as they
// happen.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. Uses an immediate write to ensure sequence correctness under
// concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *events.Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. A
	// write-intent statement forces lock acquisition so concurrent appenders
	// cannot interleave sequence reads and writes.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, node_id, event_type, payload, at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, payload, event.At, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by
// sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*events.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayRun replays all events for a run and returns the reconstructed node
// statuses. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (map[string]schema.NodeStatus, error) {
	evts, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(evts) == 0 {
		return make(map[string]schema.NodeStatus), nil
	}

	// Validate sequence contiguity.
	for i, e := range evts {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	statuses := make(map[string]schema.NodeStatus)

	for _, e := range evts {
		if e.NodeID == "" {
			continue
		}

		switch e.Type {
		case schema.EventNodeStarted:
			statuses[e.NodeID] = schema.NodeStatusRunning
		case schema.EventNodeCompleted:
			statuses[e.NodeID] = schema.NodeStatusComplete
		case schema.EventNodeFailed, schema.EventNodeTimedOut:
			statuses[e.NodeID] = schema.NodeStatusFailed
		case schema.EventNodeSkipped:
			statuses[e.NodeID] = schema.NodeStatusSkipped
		case schema.EventNodeCancelled:
			statuses[e.NodeID] = schema.NodeStatusCancelled
		}
	}

	return statuses, nil
}
