package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamfabric/fabric/internal/backoff"
	"github.com/streamfabric/fabric/internal/observability"
)

// Executor runs one tool invocation and returns its result payload.
// Executors may suspend on I/O; ctx is cancelled when the execution's
// timeout expires or its parent context is cancelled. Manager.Cancel does
// not cancel ctx; a result the executor returns after a Cancel is discarded.
type Executor func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Publisher fans a tool_result envelope out, typically onto the broker's
// "tools" topic. Manager never imports the broker package; this is its only
// coupling to the transport layer.
type Publisher func(envelope map[string]any) error

// Manager owns the lifecycle of every ToolExecution.
type Manager struct {
	mu          sync.Mutex
	active      map[string]*Execution
	executors   map[string]Executor
	publish     Publisher
	logger      *slog.Logger
	metrics     *observability.Metrics
	defaultTO   float64
	maxRetries  int
	cleanupTick time.Duration
}

// Config carries the tool-manager tunables from §6's configuration surface.
type Config struct {
	DefaultTimeoutSeconds float64
	MaxRetries            int
	CleanupInterval       time.Duration
}

// NewManager constructs a Manager. publish may be nil in tests that don't
// care about fanout; a nil publish is a no-op.
func NewManager(cfg Config, publish Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(map[string]any) error { return nil }
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	return &Manager{
		active:      make(map[string]*Execution),
		executors:   make(map[string]Executor),
		publish:     publish,
		logger:      logger,
		defaultTO:   cfg.DefaultTimeoutSeconds,
		maxRetries:  cfg.MaxRetries,
		cleanupTick: cfg.CleanupInterval,
	}
}

// SetMetrics wires Prometheus observability into the manager. Optional; a
// Manager with no metrics set simply skips recording.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// Register adds or replaces the executor for toolName.
func (m *Manager) Register(toolName string, exec Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[toolName] = exec
}

// ToolCall is the subset of a tool_call envelope the manager needs.
type ToolCall struct {
	ExecutionID   string
	ToolName      string
	Source        string
	Parameters    json.RawMessage
	TimeoutSecs   float64
	RetryOverride int
	CorrelationID string
	WorkflowID    string
}

// Submit implements handle_tool_call from §4.5: duplicate detection, tool
// lookup, and execution task spawn. It returns immediately; the terminal
// tool_result is delivered asynchronously via Publisher.
func (m *Manager) Submit(ctx context.Context, call ToolCall) {
	if call.ExecutionID == "" {
		call.ExecutionID = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.active[call.ExecutionID]; exists {
		m.mu.Unlock()
		m.publishResult(&Execution{
			ExecutionID: call.ExecutionID,
			ToolName:    call.ToolName,
			Source:      call.Source,
			Status:      StatusError,
			Err:         &ExecutionError{Code: ErrCodeDuplicateExecution, Message: "execution_id already active"},
		})
		return
	}

	exec, ok := m.executors[call.ToolName]
	if !ok {
		m.mu.Unlock()
		m.publishResult(&Execution{
			ExecutionID: call.ExecutionID,
			ToolName:    call.ToolName,
			Source:      call.Source,
			Status:      StatusError,
			Err:         &ExecutionError{Code: ErrCodeToolNotFound, Message: fmt.Sprintf("no executor registered for %q", call.ToolName)},
		})
		return
	}

	timeout := call.TimeoutSecs
	if timeout <= 0 {
		timeout = m.defaultTO
	}
	maxRetries := call.RetryOverride
	if maxRetries <= 0 {
		maxRetries = m.maxRetries
	}

	e := NewExecution(call.ExecutionID, call.ToolName, call.Source, call.Parameters, timeout, maxRetries)
	e.CorrelationID = call.CorrelationID
	e.WorkflowID = call.WorkflowID
	e.Status = StatusRunning
	m.active[call.ExecutionID] = e
	m.mu.Unlock()

	go m.run(ctx, e, exec)
}

// run drives one execution through timeout-racing and retry-with-backoff
// until it reaches a terminal status, then publishes and removes it.
func (m *Manager) run(parent context.Context, e *Execution, exec Executor) {
	for {
		attemptCtx, cancel := context.WithTimeout(parent, e.Timeout())
		resultCh := make(chan struct {
			out json.RawMessage
			err error
		}, 1)

		go func() {
			out, err := exec(attemptCtx, e.Parameters)
			resultCh <- struct {
				out json.RawMessage
				err error
			}{out, err}
		}()

		select {
		case <-attemptCtx.Done():
			cancel()
			if attemptCtx.Err() == context.DeadlineExceeded {
				m.finish(e, StatusTimeout, nil, &ExecutionError{Code: ErrCodeTimeout, Message: "execution exceeded its timeout"})
				return
			}
			// Parent context cancelled (shutdown).
			m.finish(e, StatusCancelled, nil, &ExecutionError{Code: ErrCodeCancelled, Message: "execution cancelled"})
			return

		case r := <-resultCh:
			cancel()
			if r.err == nil {
				m.finish(e, StatusSuccess, r.out, nil)
				return
			}

			if e.RetryCount >= e.MaxRetries {
				m.finish(e, StatusError, nil, &ExecutionError{Code: ErrCodeExecutionFailed, Message: r.err.Error()})
				return
			}

			e.RetryCount++
			if m.metrics != nil {
				m.metrics.ToolRetriesTotal.WithLabelValues(e.ToolName).Inc()
			}
			sleep := backoff.ComputeBackoff(backoff.ToolRetryPolicy(), e.RetryCount+1)
			m.logger.Warn("tool execution failed, retrying",
				"execution_id", e.ExecutionID, "tool_name", e.ToolName,
				"retry_count", e.RetryCount, "sleep", sleep, "error", r.err)

			if err := backoff.SleepWithContext(parent, sleep); err != nil {
				m.finish(e, StatusCancelled, nil, &ExecutionError{Code: ErrCodeCancelled, Message: "execution cancelled during retry backoff"})
				return
			}
		}
	}
}

// finish applies status to e and publishes its tool_result. A terminal
// status transitions e exactly once, removing it from the active table (T1)
// and firing its onTerminal callbacks. A non-terminal status (partial)
// updates e.Result/e.Err in place and leaves it active, since a genuine
// terminal result for the same execution_id is still expected.
func (m *Manager) finish(e *Execution, status Status, result json.RawMessage, execErr *ExecutionError) {
	m.mu.Lock()
	if _, ok := m.active[e.ExecutionID]; !ok {
		m.mu.Unlock()
		return
	}
	if e.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}

	if !status.IsTerminal() {
		e.Status = status
		e.Result = result
		e.Err = execErr
		m.mu.Unlock()
		m.publishResult(e)
		return
	}

	e.Status = status
	e.Result = result
	e.Err = execErr
	e.EndTime = time.Now().UTC()
	delete(m.active, e.ExecutionID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ToolExecutionsTotal.WithLabelValues(e.ToolName, string(status)).Inc()
		if !e.StartTime.IsZero() {
			m.metrics.ToolExecutionDuration.WithLabelValues(e.ToolName).Observe(e.EndTime.Sub(e.StartTime).Seconds())
		}
	}

	e.fireCallbacks()
	m.publishResult(e)
}

// publishResult publishes e's current state as a tool_result. Called both
// for terminal results and for non-terminal partial updates.
func (m *Manager) publishResult(e *Execution) {
	env := map[string]any{
		"type":               "tool_result",
		"execution_id":       e.ExecutionID,
		"tool_name":          e.ToolName,
		"source":             e.Source,
		"status":             string(e.Status),
		"msg-sent-timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"correlation_id":     e.CorrelationID,
		"workflow_id":        e.WorkflowID,
	}
	if e.Result != nil {
		env["result"] = e.Result
	}
	if e.Err != nil {
		env["error"] = map[string]any{"code": e.Err.Code, "message": e.Err.Message}
	}
	if !e.StartTime.IsZero() {
		info := map[string]any{
			"start_time":  e.StartTime.Format(time.RFC3339Nano),
			"retry_count": e.RetryCount,
		}
		if !e.EndTime.IsZero() {
			info["end_time"] = e.EndTime.Format(time.RFC3339Nano)
			info["duration_ms"] = e.EndTime.Sub(e.StartTime).Milliseconds()
		}
		env["execution_info"] = info
	}

	if err := m.publish(env); err != nil {
		m.logger.Error("failed to publish tool_result", "execution_id", e.ExecutionID, "error", err)
	}
}

// Cancel implements §4.5 cancellation: it beats an in-flight result only if
// the execution has not yet been delivered. A cancel of an already-terminal
// or unknown execution is a no-op.
func (m *Manager) Cancel(executionID, reason string) {
	m.mu.Lock()
	e, ok := m.active[executionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.finish(e, StatusCancelled, nil, &ExecutionError{Code: ErrCodeCancelled, Message: reason})
}

// HandleToolResult applies an inbound tool_result to a pre-existing
// execution, per §4.5's "Inbound tool_result" rule. A status of partial
// updates the execution without finishing it, so a later terminal result for
// the same execution_id still lands. Unknown execution ids are logged and
// discarded.
func (m *Manager) HandleToolResult(executionID string, status Status, result json.RawMessage, execErr *ExecutionError) {
	m.mu.Lock()
	e, ok := m.active[executionID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("discarding tool_result for unknown execution", "execution_id", executionID)
		return
	}
	m.finish(e, status, result, execErr)
}

// Cleanup scans the active table and cancels any execution whose wall-clock
// age has exceeded its timeout, the final safety net per §4.5.
func (m *Manager) Cleanup(now time.Time) {
	m.mu.Lock()
	var stale []*Execution
	for _, e := range m.active {
		if now.Sub(e.StartTime) > e.Timeout() {
			stale = append(stale, e)
		}
	}
	m.mu.Unlock()

	for _, e := range stale {
		m.finish(e, StatusTimeout, nil, &ExecutionError{Code: ErrCodeTimeout, Message: "cleanup swept an overdue execution"})
	}
}

// RunCleanupLoop runs Cleanup on a ticker until ctx is cancelled.
func (m *Manager) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			m.Cleanup(t)
		}
	}
}

// Shutdown cancels every active execution as CANCELLED, per §5's shutdown
// contract.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id, "manager shutting down")
	}
}

// ActiveCount reports how many executions are currently in flight.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
