// Package toolexec implements the Tool Execution Manager: it owns the
// lifecycle of every in-flight tool execution, enforces timeouts and
// retries, calls registered executors, and guarantees exactly one terminal
// tool_result per execution_id.
package toolexec

import (
	"encoding/json"
	"time"
)

// Status is a ToolExecution's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"

	// StatusPartial is a non-terminal inbound tool_result update: it carries
	// an intermediate result without closing out the execution.
	StatusPartial Status = "partial"
)

// IsTerminal reports whether s is one of the four terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Error codes carried on a terminal tool_result with status=error.
const (
	ErrCodeToolNotFound       = "TOOL_NOT_FOUND"
	ErrCodeDuplicateExecution = "DUPLICATE_EXECUTION"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeExecutionFailed    = "EXECUTION_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeHandlerError       = "HANDLER_ERROR"
)

// ExecutionError is a coded, terminal tool execution failure.
type ExecutionError struct {
	Code    string
	Message string
}

func (e *ExecutionError) Error() string { return e.Code + ": " + e.Message }

// Execution tracks one in-flight or completed tool invocation.
type Execution struct {
	ExecutionID    string
	ToolName       string
	Source         string
	Parameters     json.RawMessage
	Status         Status
	StartTime      time.Time
	EndTime        time.Time
	TimeoutSeconds float64
	RetryCount     int
	MaxRetries     int
	CorrelationID  string
	WorkflowID     string
	Result         json.RawMessage
	Err            *ExecutionError

	// callbacks run once, in registration order, when the execution reaches
	// a terminal status.
	callbacks []func(*Execution)
}

const (
	defaultTimeoutSeconds = 300
	defaultMaxRetries     = 3
)

// NewExecution builds a pending execution with spec defaults applied.
func NewExecution(id, toolName, source string, params json.RawMessage, timeoutSeconds float64, maxRetries int) *Execution {
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Execution{
		ExecutionID:    id,
		ToolName:       toolName,
		Source:         source,
		Parameters:     params,
		Status:         StatusPending,
		StartTime:      time.Now().UTC(),
		TimeoutSeconds: timeoutSeconds,
		MaxRetries:     maxRetries,
	}
}

// Timeout returns the execution's effective timeout as a time.Duration.
func (e *Execution) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds * float64(time.Second))
}

// onTerminal registers a callback invoked exactly once when the execution
// becomes terminal. If the execution is already terminal, it runs
// immediately.
func (e *Execution) onTerminal(cb func(*Execution)) {
	if e.Status.IsTerminal() {
		cb(e)
		return
	}
	e.callbacks = append(e.callbacks, cb)
}

func (e *Execution) fireCallbacks() {
	for _, cb := range e.callbacks {
		cb(e)
	}
	e.callbacks = nil
}
