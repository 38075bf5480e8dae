package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rendis/conviction/pkg/schema"
)

// failureFor maps an evaluation outcome to the NodeFailure recorded on the
// run. The per-node context is authoritative for timeouts: whatever error a
// node surfaces while its deadline is exceeded, the failure is a timeout.
func failureFor(nodeID string, timeout time.Duration, nodeCtxErr, evalErr error) schema.NodeFailure {
	switch {
	case errors.Is(nodeCtxErr, context.DeadlineExceeded):
		return schema.NodeFailure{
			Code:    schema.ErrCodeNodeTimeout,
			Message: fmt.Sprintf("node %q exceeded its %s budget", nodeID, timeout),
		}
	case errors.Is(nodeCtxErr, context.Canceled):
		return schema.NodeFailure{
			Code:    schema.ErrCodeRunCancelled,
			Message: fmt.Sprintf("node %q interrupted by run cancellation", nodeID),
		}
	}

	code := schema.CodeOf(evalErr)
	if code == "" {
		code = schema.ErrCodeNodeExecution
	}
	return schema.NodeFailure{Code: code, Message: evalErr.Error()}
}

// skipFailure builds the failure recorded for a node whose upstream settled
// without completing. Reported deps are sorted for stable messages.
func skipFailure(deps []string, statuses map[string]schema.NodeStatus) schema.NodeFailure {
	var unmet []string
	for _, dep := range deps {
		if statuses[dep] != schema.NodeStatusComplete {
			unmet = append(unmet, fmt.Sprintf("%s (%s)", dep, statuses[dep]))
		}
	}
	sortStrings(unmet)
	return schema.NodeFailure{
		Code:    schema.ErrCodeSkippedDependencyFailed,
		Message: "skipped, upstream did not complete: " + strings.Join(unmet, ", "),
	}
}

// depsComplete reports whether every upstream node finished with a merged
// result.
func depsComplete(deps []string, statuses map[string]schema.NodeStatus) bool {
	for _, dep := range deps {
		if statuses[dep] != schema.NodeStatusComplete {
			return false
		}
	}
	return true
}

// validateSignal checks a node's signal before it is recorded and normalizes
// the source id and timestamp. A malformed signal fails the node that
// produced it without touching anything already merged.
func validateSignal(nodeID string, sig *schema.Signal, at time.Time) error {
	if sig.SourceNodeID == "" {
		sig.SourceNodeID = nodeID
	} else if sig.SourceNodeID != nodeID {
		return schema.NewErrorf(schema.ErrCodeNodeExecution,
			"signal claims source %q, produced by %q", sig.SourceNodeID, nodeID).WithNode(nodeID)
	}
	switch sig.Direction {
	case schema.DirectionBullish, schema.DirectionBearish, schema.DirectionNeutral:
	case "":
		return schema.NewError(schema.ErrCodeNodeExecution, "signal has no direction").WithNode(nodeID)
	default:
		return schema.NewErrorf(schema.ErrCodeNodeExecution,
			"signal direction %q is not bullish, bearish or neutral", sig.Direction).WithNode(nodeID)
	}
	if math.IsNaN(sig.Confidence) || sig.Confidence < 0 || sig.Confidence > 1 {
		return schema.NewErrorf(schema.ErrCodeNodeExecution,
			"signal confidence %v outside [0, 1]", sig.Confidence).WithNode(nodeID)
	}
	if sig.ProducedAt.IsZero() {
		sig.ProducedAt = at
	}
	return nil
}

// recoverEvalPanic converts a panic inside Evaluate into an error so one
// misbehaving node cannot take the run down.
func recoverEvalPanic(nodeID string, r any) error {
	return schema.NewErrorf(schema.ErrCodeNodeExecution, "node %q panicked: %v", nodeID, r).WithNode(nodeID)
}
