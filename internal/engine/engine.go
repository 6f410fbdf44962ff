// Package engine hosts the module aggregator (C4): it runs every loaded
// module's update loop, periodically snapshots them into a negotiation
// envelope published to the broker, and routes inbound control traffic back
// to the module it targets.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamfabric/fabric/internal/backoff"
	"github.com/streamfabric/fabric/internal/config"
	"github.com/streamfabric/fabric/internal/modules"
	"github.com/streamfabric/fabric/internal/observability"
	"github.com/streamfabric/fabric/internal/schema"
	"github.com/streamfabric/fabric/pkg/moduleapi"
)

// BrokerConn is the subset of *websocket.Conn the engine needs to talk to
// the broker. Tests substitute an in-memory fake; production uses a real
// *websocket.Conn, which already satisfies this interface.
type BrokerConn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Dialer opens a BrokerConn to url. The production dialer wraps
// gorilla/websocket; tests inject a fake.
type Dialer func(ctx context.Context, url string) (BrokerConn, error)

func defaultDialer(ctx context.Context, url string) (BrokerConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Engine hosts every loaded module and owns the single broker connection
// carrying telemetry out and control traffic in.
type Engine struct {
	cfg     config.EngineConfig
	loader  *modules.Loader
	logger  *slog.Logger
	metrics *observability.Metrics
	dial    Dialer

	mu      sync.RWMutex
	handles map[string]*modules.Handle
}

// New constructs an Engine against an already-built Loader.
func New(cfg config.EngineConfig, loader *modules.Loader, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 100 * time.Millisecond
	}
	if cfg.ModuleErrorBackoff <= 0 {
		cfg.ModuleErrorBackoff = time.Second
	}
	return &Engine{
		cfg:     cfg,
		loader:  loader,
		logger:  logger,
		metrics: metrics,
		dial:    defaultDialer,
		handles: make(map[string]*modules.Handle),
	}
}

// SetDialer overrides how the engine connects to the broker. Exposed for
// tests that need an in-memory BrokerConn.
func (e *Engine) SetDialer(d Dialer) {
	e.dial = d
}

// Handles returns a snapshot of the currently hosted module handles, keyed
// by module id.
func (e *Engine) Handles() map[string]*modules.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*modules.Handle, len(e.handles))
	for id, h := range e.handles {
		out[id] = h
	}
	return out
}

// Run loads every module in the configured directory, starts their update
// loops, and maintains the broker connection until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	result, err := e.loader.Load(e.cfg.ModuleDir)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for id, h := range result.Loaded {
		h.SetStatus(moduleapi.StatusActive)
		e.handles[id] = h
	}
	e.mu.Unlock()

	for name, loadErr := range result.Failed {
		e.logger.Error("module failed to load", "module", name, "error", loadErr)
		if e.metrics != nil {
			e.metrics.ModuleLoadFailuresTotal.WithLabelValues(name).Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.ModulesLoaded.Set(float64(len(result.Loaded)))
	}

	for _, h := range result.Loaded {
		go e.runModuleForever(ctx, h)
	}

	if e.cfg.WatchModuleDir {
		go func() {
			if err := modules.WatchAndReload(ctx, e.cfg.ModuleDir, e.logger, e.reloadHint); err != nil && ctx.Err() == nil {
				e.logger.Warn("module watcher stopped", "error", err)
			}
		}()
	}

	loopErr := e.runBrokerLoop(ctx)
	for id, h := range e.Handles() {
		if err := h.Cleanup(context.Background()); err != nil {
			e.logger.Warn("module cleanup failed", "module", id, "error", err)
		}
		h.SetStatus(moduleapi.StatusStopped)
	}
	return loopErr
}

// reloadHint logs that the module directory changed. Hot-reloading an
// already-hosted .so requires a process restart in Go's plugin model; this
// hook exists so an operator's tooling can react (e.g. restart the engine
// process) rather than the engine attempting an in-process unload.
func (e *Engine) reloadHint() {
	e.logger.Info("module directory changed, restart the engine process to pick up the change")
}

// runModuleForever restarts a module's update loop after any error, per the
// failure semantics of §4.2: record the error, sleep briefly, continue.
func (e *Engine) runModuleForever(ctx context.Context, h *modules.Handle) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := h.Module.UpdateStreamsForever(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.RecordError(err)
			if e.metrics != nil {
				e.metrics.ModuleErrorsTotal.WithLabelValues(h.ID).Inc()
			}
			e.logger.Error("module update loop exited with error", "module", h.ID, "error", err)
			if err := backoff.SleepWithContext(ctx, e.cfg.ModuleErrorBackoff); err != nil {
				return
			}
		}
	}
}

// runBrokerLoop owns the lifetime of the engine's single connection to the
// broker, reconnecting with exponential backoff whenever it drops.
func (e *Engine) runBrokerLoop(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := e.dial(ctx, e.cfg.BrokerURL)
		if err != nil {
			attempt++
			sleep := backoff.ComputeBackoff(backoff.BrokerReconnectPolicy(), attempt)
			e.logger.Warn("broker dial failed, retrying", "url", e.cfg.BrokerURL, "attempt", attempt, "sleep", sleep, "error", err)
			if err := backoff.SleepWithContext(ctx, sleep); err != nil {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		err = e.serveConnection(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("broker connection lost, reconnecting", "error", err)
	}
}

// serveConnection runs the publish loop and control intake loop over one
// connection until either exits or ctx is cancelled.
func (e *Engine) serveConnection(ctx context.Context, conn BrokerConn) error {
	var writeMu sync.Mutex

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- e.publishLoop(ctx, conn, &writeMu) }()
	go func() { errCh <- e.controlIntakeLoop(ctx, conn, &writeMu) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// publishLoop builds and sends a negotiation envelope at cfg.PublishInterval.
func (e *Engine) publishLoop(ctx context.Context, conn BrokerConn, writeMu *sync.Mutex) error {
	ticker := time.NewTicker(e.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			envelope := map[string]any{
				"type":               "negotiation",
				"status":             "active",
				"data":               e.buildSnapshot(),
				"msg-sent-timestamp": schema.NowTimestamp(),
			}
			writeMu.Lock()
			err := conn.WriteJSON(envelope)
			writeMu.Unlock()
			if e.metrics != nil {
				e.metrics.StreamPublishDuration.Observe(time.Since(start).Seconds())
			}
			if err != nil {
				return err
			}
		}
	}
}

func (e *Engine) buildSnapshot() map[string]modules.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]modules.Snapshot, len(e.handles))
	for id, h := range e.handles {
		out[id] = h.Snapshot()
	}
	return out
}

// controlEnvelope is the inbound shape for control and config_update
// messages the broker routes back to the engine.
type controlEnvelope struct {
	Type          string         `json:"type"`
	ModuleID      string         `json:"module_id"`
	Command       string         `json:"command,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
}

// controlIntakeLoop reads inbound messages and dispatches control and
// config_update to the targeted module; everything else is ignored per
// §4.2, since it's intended for other subscribers.
func (e *Engine) controlIntakeLoop(ctx context.Context, conn BrokerConn, writeMu *sync.Mutex) error {
	for {
		var env controlEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		switch env.Type {
		case "control":
			e.handleControl(ctx, conn, writeMu, env)
		case "config_update":
			e.handleConfigUpdate(ctx, conn, writeMu, env)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (e *Engine) lookup(moduleID string) (*modules.Handle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handles[moduleID]
	return h, ok
}

func (e *Engine) handleControl(ctx context.Context, conn BrokerConn, writeMu *sync.Mutex, env controlEnvelope) {
	resp := map[string]any{
		"type":               "control_response",
		"module_id":          env.ModuleID,
		"correlation_id":     env.CorrelationID,
		"workflow_id":        env.WorkflowID,
		"msg-sent-timestamp": schema.NowTimestamp(),
	}

	h, ok := e.lookup(env.ModuleID)
	if !ok {
		resp["status"] = "error"
		resp["error"] = "unknown module_id " + env.ModuleID
	} else if err := h.Module.ControlModule(ctx, env.Command); err != nil {
		resp["status"] = "error"
		resp["error"] = err.Error()
	} else {
		resp["status"] = "success"
	}
	if h != nil {
		if dbg := h.DebugMessages(); len(dbg) > 0 {
			resp["debug_messages"] = dbg
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(resp); err != nil {
		e.logger.Error("failed to send control_response", "module_id", env.ModuleID, "error", err)
	}
}

func (e *Engine) handleConfigUpdate(ctx context.Context, conn BrokerConn, writeMu *sync.Mutex, env controlEnvelope) {
	resp := map[string]any{
		"type":               "config_response",
		"module_id":          env.ModuleID,
		"correlation_id":     env.CorrelationID,
		"workflow_id":        env.WorkflowID,
		"msg-sent-timestamp": schema.NowTimestamp(),
	}

	h, ok := e.lookup(env.ModuleID)
	if !ok {
		resp["status"] = "error"
		resp["error"] = "unknown module_id " + env.ModuleID
	} else if err := h.Module.UpdateMultipleConfigs(ctx, env.Config); err != nil {
		resp["status"] = "error"
		resp["error"] = err.Error()
	} else {
		resp["status"] = "success"
	}
	if h != nil {
		if dbg := h.DebugMessages(); len(dbg) > 0 {
			resp["debug_messages"] = dbg
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(resp); err != nil {
		e.logger.Error("failed to send config_response", "module_id", env.ModuleID, "error", err)
	}
}
