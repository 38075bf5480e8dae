package schema

import "fmt"

// Error codes for structured error reporting.
const (
	// Graph construction errors, fatal before any run starts.
	ErrCodeDuplicateNode     = "DUPLICATE_NODE"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeWriteConflict     = "WRITE_CONFLICT"

	// Node-level errors, recorded per node and isolated to the branch.
	ErrCodeNodeExecution           = "NODE_EXECUTION"
	ErrCodeUndeclaredWrite         = "UNDECLARED_WRITE"
	ErrCodeNodeTimeout             = "NODE_TIMEOUT"
	ErrCodeSkippedDependencyFailed = "SKIPPED_DEPENDENCY_FAILED"
	ErrCodeRunCancelled            = "RUN_CANCELLED"

	// Run-level and caller-contract errors.
	ErrCodeAggregationUnavailable = "AGGREGATION_UNAVAILABLE"
	ErrCodeGraphNotFinalized      = "GRAPH_NOT_FINALIZED"

	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExpression          = "EXPRESSION_ERROR"
	ErrCodeInterpolation       = "INTERPOLATION_ERROR"
	ErrCodeDataUnavailable     = "DATA_UNAVAILABLE"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeConstraint          = "CONSTRAINT_ERROR"
	ErrCodeConfig              = "CONFIG_ERROR"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeVault               = "VAULT_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
)

// retryableCodes marks transient failures. Everything else is treated as
// permanent for the attempted operation.
var retryableCodes = map[string]struct{}{
	ErrCodeDataUnavailable: {},
	ErrCodeStore:           {},
}

// ConvictionError is the structured error type for all conviction operations.
type ConvictionError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConvictionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConvictionError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConvictionError.
func NewError(code, message string) *ConvictionError {
	return &ConvictionError{Code: code, Message: message}
}

// NewErrorf creates a new ConvictionError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConvictionError {
	return &ConvictionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ConvictionError) WithNode(nodeID string) *ConvictionError {
	e.NodeID = nodeID
	return e
}

// WithRun attaches a run ID to the error.
func (e *ConvictionError) WithRun(runID string) *ConvictionError {
	e.RunID = runID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConvictionError) WithCause(err error) *ConvictionError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConvictionError) WithDetails(details map[string]any) *ConvictionError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error's code marks a transient failure.
func (e *ConvictionError) IsRetryable() bool {
	_, ok := retryableCodes[e.Code]
	return ok
}

// CodeOf extracts the conviction error code from err, or empty if err is not
// a ConvictionError anywhere in its chain.
func CodeOf(err error) string {
	for err != nil {
		if ce, ok := err.(*ConvictionError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
