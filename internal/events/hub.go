// Package events carries the run event stream: every lifecycle transition,
// merge, and decision the engine records flows through here on its way to
// the audit log and to live subscribers.
package events

import (
	"context"
	"time"
)

// Event is a single occurrence inside a run. Sequence is assigned by the
// audit log when the event is persisted and is zero on the live stream.
type Event struct {
	RunID    string         `json:"run_id"`
	NodeID   string         `json:"node_id,omitempty"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
	Sequence int64          `json:"sequence,omitempty"`
}

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// Hub fans run events out to subscribers.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
