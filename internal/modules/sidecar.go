package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamfabric/fabric/pkg/moduleapi"
)

// SidecarModule hosts a producer that runs out-of-process, speaking a small
// JSON-over-WebSocket protocol of its own. §9 of the design notes prefers
// this to native .so plugins for isolation: a sidecar crash drops one
// connection instead of faulting the whole engine process. It is the
// loader's escape hatch for modules that can't be linked in-process (a
// different language, a sandboxed driver, a remote machine).
//
// Wire shape, one JSON object per WebSocket message:
//
//	engine -> sidecar: {"type":"config_update","config":{...}}
//	engine -> sidecar: {"type":"control","command":"..."}
//	sidecar -> engine: {"type":"stream_update","streams":{...}}
//	sidecar -> engine: {"type":"config_snapshot","config":{...}}
type SidecarModule struct {
	base *moduleapi.Base
	url  string
	conn *websocket.Conn
}

// DialSidecar connects to a sidecar module process over WebSocket. The
// returned SidecarModule implements moduleapi.Module; its UpdateStreamsForever
// method is the connection's read loop and must be started by the engine
// exactly like any in-process module.
func DialSidecar(ctx context.Context, url string) (*SidecarModule, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sidecar %s: %w", url, err)
	}
	return &SidecarModule{base: moduleapi.NewBase(), url: url, conn: conn}, nil
}

func (m *SidecarModule) Streams() map[string]moduleapi.Stream { return m.base.Streams() }
func (m *SidecarModule) Config() map[string]any               { return m.base.Config() }

type sidecarFrame struct {
	Type    string                      `json:"type"`
	Streams map[string]moduleapi.Stream `json:"streams,omitempty"`
	Config  map[string]any              `json:"config,omitempty"`
	Command string                      `json:"command,omitempty"`
}

// UpdateStreamsForever reads pushed frames from the sidecar until ctx is
// cancelled or the connection drops. Like an in-process module's update
// loop, it owns every mutation to the cached streams.
func (m *SidecarModule) UpdateStreamsForever(ctx context.Context) error {
	defer m.conn.Close() //nolint:errcheck
	go func() {
		<-ctx.Done()
		_ = m.conn.Close()
	}()

	for {
		var frame sidecarFrame
		if err := m.conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sidecar read: %w", err)
		}
		switch frame.Type {
		case "stream_update":
			for id, s := range frame.Streams {
				m.base.Declare(s)
				_ = id
			}
		case "config_snapshot":
			_ = m.base.ApplyConfigDelta(frame.Config)
		}
	}
}

func (m *SidecarModule) UpdateMultipleConfigs(_ context.Context, delta map[string]any) error {
	if err := m.base.ApplyConfigDelta(delta); err != nil {
		return err
	}
	return m.send(sidecarFrame{Type: "config_update", Config: delta})
}

func (m *SidecarModule) ControlModule(_ context.Context, command string) error {
	return m.send(sidecarFrame{Type: "control", Command: command})
}

func (m *SidecarModule) Cleanup(_ context.Context) error {
	return m.conn.Close()
}

func (m *SidecarModule) send(frame sidecarFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}
