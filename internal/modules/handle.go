// Package modules hosts producer modules: discovering them on disk,
// instantiating them, and tracking their lifecycle for the engine.
package modules

import (
	"context"
	"sync"
	"time"

	"github.com/streamfabric/fabric/pkg/moduleapi"
)

// Handle is the engine's record of one loaded module: its identity, its
// lifecycle status, and the running error count that status=error surfaces.
// The underlying moduleapi.Module owns its own streams and config; Handle
// only ever reads them through the interface.
type Handle struct {
	ID     string
	Name   string
	Module moduleapi.Module
	Source string // plugin file path, or a sidecar address

	mu         sync.Mutex
	status     moduleapi.Status
	errorCount int
	lastError  string
	updatedAt  time.Time
}

// NewHandle wraps a loaded module. It starts in StatusLoading.
func NewHandle(id, name, source string, mod moduleapi.Module) *Handle {
	return &Handle{
		ID:        id,
		Name:      name,
		Module:    mod,
		Source:    source,
		status:    moduleapi.StatusLoading,
		updatedAt: time.Now(),
	}
}

// SetStatus transitions the module's lifecycle status.
func (h *Handle) SetStatus(status moduleapi.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.updatedAt = time.Now()
}

// Status returns the current lifecycle status.
func (h *Handle) Status() moduleapi.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// RecordError marks the module errored, increments its error count, and
// records the error text without changing status back to active — the
// caller decides whether the error is fatal to the module's run loop.
func (h *Handle) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastError = err.Error()
	h.status = moduleapi.StatusError
	h.updatedAt = time.Now()
}

// Snapshot is the serializable view of a module used in negotiation
// envelopes and control/config responses.
type Snapshot struct {
	ModuleID   string                      `json:"module_id"`
	Name       string                      `json:"name"`
	Status     moduleapi.Status            `json:"status"`
	UpdatedAt  string                      `json:"module-update-timestamp"`
	Config     map[string]any              `json:"config"`
	Streams    map[string]moduleapi.Stream `json:"streams"`
	ErrorCount int                         `json:"error_count,omitempty"`
	LastError  string                      `json:"last_error,omitempty"`
}

// Snapshot takes a non-atomic copy of the module's current state. Per §5 of
// the concurrency model, two calls to Snapshot on different modules give no
// cross-module consistency guarantee. Whether the streams inside one
// Snapshot are consistent with each other depends on the module's Streams
// implementation (moduleapi.Base copies them all under one lock). Callers
// must not assume two streams in one Snapshot were written atomically.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	status := h.status
	updatedAt := h.updatedAt
	errCount := h.errorCount
	lastErr := h.lastError
	h.mu.Unlock()

	return Snapshot{
		ModuleID:   h.ID,
		Name:       h.Name,
		Status:     status,
		UpdatedAt:  updatedAt.UTC().Format(time.RFC3339Nano),
		Config:     h.Module.Config(),
		Streams:    h.Module.Streams(),
		ErrorCount: errCount,
		LastError:  lastErr,
	}
}

// DebugMessages returns the module's debug ring if it implements
// moduleapi.DebugMessenger, or nil otherwise.
func (h *Handle) DebugMessages() []string {
	if dm, ok := h.Module.(moduleapi.DebugMessenger); ok {
		return dm.DebugMessages()
	}
	return nil
}

// Cleanup invokes the module's optional Cleanup hook.
func (h *Handle) Cleanup(ctx context.Context) error {
	if c, ok := h.Module.(moduleapi.Cleaner); ok {
		return c.Cleanup(ctx)
	}
	return nil
}
