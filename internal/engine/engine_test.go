package engine

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/streamfabric/fabric/internal/config"
	"github.com/streamfabric/fabric/internal/modules"
	"github.com/streamfabric/fabric/pkg/moduleapi"
)

// fakeModule is a minimal moduleapi.Module for exercising the engine without
// a compiled plugin.
type fakeModule struct {
	*moduleapi.Base
	mu          sync.Mutex
	controlCmds []string
}

func newFakeModule() *fakeModule {
	b := moduleapi.NewBase()
	b.Declare(moduleapi.Stream{
		ID:       "temp",
		Name:     "Temperature",
		Datatype: moduleapi.DataTypeFloat,
		Status:   moduleapi.StreamActive,
		Value:    21.5,
	})
	return &fakeModule{Base: b}
}

func (m *fakeModule) UpdateStreamsForever(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *fakeModule) ControlModule(_ context.Context, command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlCmds = append(m.controlCmds, command)
	return nil
}

func (m *fakeModule) UpdateMultipleConfigs(_ context.Context, delta map[string]any) error {
	return m.Base.ApplyConfigDelta(delta)
}

func (m *fakeModule) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.controlCmds...)
}

// fakeConn is an in-memory BrokerConn: writes land on out, reads come from in.
type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeConn) ReadJSON(v any) error {
	select {
	case data, ok := <-f.in:
		if !ok {
			return io.EOF
		}
		return json.Unmarshal(data, v)
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) pushInbound(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal inbound: %v", err)
	}
	f.in <- data
}

func waitForOutbound(t *testing.T, conn *fakeConn, typ string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case data := <-conn.out:
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("decode outbound: %v", err)
			}
			if msg["type"] == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbound message of type %q", typ)
		}
	}
}

func newTestEngine(t *testing.T, mod *fakeModule) (*Engine, *fakeConn) {
	t.Helper()
	cfg := config.EngineConfig{
		ModuleDir:          t.TempDir(),
		BrokerURL:          "fake://broker",
		PublishInterval:    20 * time.Millisecond,
		ModuleErrorBackoff: 10 * time.Millisecond,
	}
	e := New(cfg, modules.NewLoader(nil), nil, nil)
	handle := modules.NewHandle("demo", "Demo", "test://demo", mod)
	handle.SetStatus(moduleapi.StatusActive)
	e.handles["demo"] = handle

	conn := newFakeConn()
	e.SetDialer(func(ctx context.Context, url string) (BrokerConn, error) {
		return conn, nil
	})
	return e, conn
}

// TestPublishLoopSendsNegotiationSnapshot covers scenario 1: the happy-path
// snapshot containing a loaded module's streams.
func TestPublishLoopSendsNegotiationSnapshot(t *testing.T) {
	mod := newFakeModule()
	e, conn := newTestEngine(t, mod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx) //nolint:errcheck

	msg := waitForOutbound(t, conn, "negotiation", 2*time.Second)
	if msg["status"] != "active" {
		t.Fatalf("expected status active, got %+v", msg)
	}
	data, ok := msg["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %+v", msg["data"])
	}
	demo, ok := data["demo"].(map[string]any)
	if !ok {
		t.Fatalf("expected demo module entry, got %+v", data)
	}
	if demo["status"] != string(moduleapi.StatusActive) {
		t.Fatalf("expected module status active, got %+v", demo["status"])
	}
	streams, ok := demo["streams"].(map[string]any)
	if !ok {
		t.Fatalf("expected streams object, got %+v", demo["streams"])
	}
	temp, ok := streams["temp"].(map[string]any)
	if !ok {
		t.Fatalf("expected temp stream entry, got %+v", streams)
	}
	if temp["value"] != 21.5 {
		t.Fatalf("expected round-tripped value 21.5, got %+v", temp["value"])
	}
}

// TestControlMessageAcked covers scenario 5: a control message addressed to
// a known module is applied and acknowledged.
func TestControlMessageAcked(t *testing.T) {
	mod := newFakeModule()
	e, conn := newTestEngine(t, mod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx) //nolint:errcheck

	waitForOutbound(t, conn, "negotiation", 2*time.Second)

	conn.pushInbound(t, map[string]any{
		"type":           "control",
		"module_id":      "demo",
		"command":        "start",
		"correlation_id": "corr-1",
	})

	ack := waitForOutbound(t, conn, "control_response", 2*time.Second)
	if ack["status"] != "success" || ack["module_id"] != "demo" {
		t.Fatalf("expected successful ack for demo, got %+v", ack)
	}
	if ack["correlation_id"] != "corr-1" {
		t.Fatalf("expected correlation_id passthrough, got %+v", ack)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(mod.commands()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if cmds := mod.commands(); len(cmds) != 1 || cmds[0] != "start" {
		t.Fatalf("expected module to receive command start, got %+v", cmds)
	}
}

// TestControlMessageUnknownModuleErrors covers the "referencing unknown
// modules: reply with error, do not crash" failure semantics.
func TestControlMessageUnknownModuleErrors(t *testing.T) {
	mod := newFakeModule()
	e, conn := newTestEngine(t, mod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx) //nolint:errcheck

	waitForOutbound(t, conn, "negotiation", 2*time.Second)

	conn.pushInbound(t, map[string]any{
		"type":      "control",
		"module_id": "nonexistent",
		"command":   "start",
	})

	ack := waitForOutbound(t, conn, "control_response", 2*time.Second)
	if ack["status"] != "error" {
		t.Fatalf("expected error status for unknown module, got %+v", ack)
	}
}

// TestConfigUpdateAppliesValueWriteConvention covers the "<stream_id>_value"
// config_update convention and R1's round-trip serialization.
func TestConfigUpdateAppliesValueWriteConvention(t *testing.T) {
	mod := newFakeModule()
	e, conn := newTestEngine(t, mod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx) //nolint:errcheck

	waitForOutbound(t, conn, "negotiation", 2*time.Second)

	conn.pushInbound(t, map[string]any{
		"type":      "config_update",
		"module_id": "demo",
		"config":    map[string]any{"temp_value": 99.9},
	})

	ack := waitForOutbound(t, conn, "config_response", 2*time.Second)
	if ack["status"] != "success" {
		t.Fatalf("expected success ack, got %+v", ack)
	}

	msg := waitForOutbound(t, conn, "negotiation", 2*time.Second)
	data := msg["data"].(map[string]any)
	demo := data["demo"].(map[string]any)
	streams := demo["streams"].(map[string]any)
	temp := streams["temp"].(map[string]any)
	if temp["value"] != 99.9 {
		t.Fatalf("expected stream value updated to 99.9 via config_update, got %+v", temp["value"])
	}
}
