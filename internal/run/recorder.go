package run

import (
	"context"
	"time"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/events"
	"github.com/rendis/conviction/internal/obs"
	"github.com/rendis/conviction/pkg/schema"
)

// MultiAppender fans lifecycle events out to several appenders. The first
// failure wins; later appenders still run so the audit log and the live
// stream never starve each other.
type MultiAppender []engine.EventAppender

func (m MultiAppender) AppendEvent(ctx context.Context, event *events.Event) error {
	var first error
	for _, a := range m {
		if err := a.AppendEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// HubAppender publishes lifecycle events to a live hub. Publish errors are
// dropped: a slow subscriber must never fail a run.
type HubAppender struct {
	hub events.Hub
}

// NewHubAppender wraps a hub as an event appender.
func NewHubAppender(hub events.Hub) *HubAppender {
	return &HubAppender{hub: hub}
}

func (h *HubAppender) AppendEvent(ctx context.Context, event *events.Event) error {
	_ = h.hub.Publish(ctx, *event)
	return nil
}

// MetricsAppender feeds node lifecycle events into the prometheus recorder.
type MetricsAppender struct {
	recorder *obs.Recorder
}

// NewMetricsAppender wraps a recorder as an event appender.
func NewMetricsAppender(recorder *obs.Recorder) *MetricsAppender {
	return &MetricsAppender{recorder: recorder}
}

func (m *MetricsAppender) AppendEvent(_ context.Context, event *events.Event) error {
	switch event.Type {
	case schema.EventNodeStarted:
		m.recorder.NodeStarted()
	case schema.EventNodeCompleted:
		m.recorder.NodeSettled()
		if ms, ok := event.Payload["elapsed_ms"].(int64); ok {
			m.recorder.NodeCompleted(event.NodeID, time.Duration(ms)*time.Millisecond)
		}
	case schema.EventNodeFailed, schema.EventNodeTimedOut:
		m.recorder.NodeSettled()
		code, _ := event.Payload["code"].(string)
		if code == "" {
			code = schema.ErrCodeNodeExecution
		}
		m.recorder.NodeFailed(code)
	}
	return nil
}
