package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/streamfabric/fabric/internal/schema"
)

// inboundEnvelope is a loosely typed view over every field any message
// handled by the table in §4.3 might carry. The broker never schema-validates
// these directly — that is the Tool Message Router's job for tool_call and
// tool_result — it only needs enough structure to route.
type inboundEnvelope struct {
	Type          string          `json:"type"`
	Target        string          `json:"target,omitempty"`
	Timestamp     float64         `json:"timestamp,omitempty"`
	QueryType     string          `json:"query_type,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	ModuleID      string          `json:"module_id,omitempty"`
	Command       string          `json:"command,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	Action        string          `json:"action,omitempty"`
	SimulationID  string          `json:"simulation_id,omitempty"`
	StreamID      string          `json:"stream_id,omitempty"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
}

// normalizeTimestamp converts a raw numeric timestamp to a time.Time,
// detecting seconds vs. milliseconds by magnitude per §4.3: anything above
// 10^12 is treated as milliseconds-since-epoch.
func normalizeTimestamp(raw float64) time.Time {
	if raw <= 0 {
		return time.Now().UTC()
	}
	if raw > 1e12 {
		return time.UnixMilli(int64(raw)).UTC()
	}
	return time.Unix(int64(raw), 0).UTC()
}

// handleInbound is the single entry point every connection's read loop
// funnels through. It implements the message handling table of §4.3.
func (b *Broker) handleInbound(conn *Connection, raw []byte) {
	if b.metrics != nil {
		b.metrics.MessagesTotal.WithLabelValues("unknown", "in").Inc()
	}

	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		conn.enqueueJSON(map[string]any{
			"type":               "error",
			"error":              map[string]any{"code": "INVALID_JSON", "message": err.Error()},
			"msg-sent-timestamp": schema.NowTimestamp(),
		})
		return
	}

	switch env.Type {
	case "ping":
		b.handlePing(conn, env, raw)
	case "pong":
		b.handlePong(conn, env, raw)
	case "query":
		b.handleQuery(conn, env)
	case "negotiation":
		b.handleNegotiation(raw)
	case "control", "config_update":
		b.handleForwarded(conn, env, raw)
	case "physics_simulation":
		b.handlePhysicsSimulation(conn, env)
	case "tool_call", "tool_result":
		b.handleToolMessage(conn, raw)
	default:
		b.fanout(topicBroadcast, raw)
	}
}

func (b *Broker) handlePing(conn *Connection, env inboundEnvelope, raw []byte) {
	if env.Target != "sh" {
		b.fanout(topicBroadcast, raw)
		return
	}
	now := time.Now().UTC()
	conn.recordPong(now)
	conn.enqueueJSON(map[string]any{
		"type":               "pong",
		"target":             "sh",
		"timestamp":          env.Timestamp,
		"server_time":        now.Format(time.RFC3339Nano),
		"msg-sent-timestamp": schema.NowTimestamp(),
	})
}

func (b *Broker) handlePong(conn *Connection, env inboundEnvelope, raw []byte) {
	if env.Target != "sh" {
		b.fanout(topicBroadcast, raw)
		return
	}
	conn.recordPong(normalizeTimestamp(env.Timestamp))
}

func (b *Broker) handleQuery(conn *Connection, env inboundEnvelope) {
	switch env.QueryType {
	case "active_streams":
		data := b.lastNegotiation.Load()
		var payload json.RawMessage
		if data != nil {
			payload = *data
		} else {
			payload = json.RawMessage("null")
		}
		conn.enqueueJSON(map[string]any{
			"type":               "query_response",
			"query_type":         "active_streams",
			"data":               payload,
			"msg-sent-timestamp": schema.NowTimestamp(),
		})
	case "connection_info":
		conn.enqueueJSON(map[string]any{
			"type":               "query_response",
			"query_type":         "connection_info",
			"data":               conn.livenessSnapshot(),
			"msg-sent-timestamp": schema.NowTimestamp(),
		})
	case "physics_simulations":
		conn.enqueueJSON(map[string]any{
			"type":               "query_response",
			"query_type":         "physics_simulations",
			"data":               b.physics.snapshot(),
			"msg-sent-timestamp": schema.NowTimestamp(),
		})
	default:
		conn.enqueueJSON(map[string]any{
			"type":               "error",
			"error":              map[string]any{"code": "UNKNOWN_QUERY_TYPE", "message": env.QueryType},
			"msg-sent-timestamp": schema.NowTimestamp(),
		})
	}
}

func (b *Broker) handleNegotiation(raw []byte) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		data := json.RawMessage(append([]byte(nil), env.Data...))
		b.lastNegotiation.Store(&data)
	}
	b.fanout(topicBroadcast, raw)
}

func (b *Broker) handleForwarded(conn *Connection, env inboundEnvelope, raw []byte) {
	b.fanout(topicBroadcast, raw)
	conn.enqueueJSON(map[string]any{
		"type":               env.Type + "_response",
		"status":             "forwarded",
		"msg-sent-timestamp": schema.NowTimestamp(),
	})
}

func (b *Broker) handlePhysicsSimulation(conn *Connection, env inboundEnvelope) {
	result, mergedStream, err := b.physics.apply(env)
	if err != nil {
		conn.enqueueJSON(map[string]any{
			"type":               "error",
			"error":              map[string]any{"code": "PHYSICS_ACTION_FAILED", "message": err.Error()},
			"msg-sent-timestamp": schema.NowTimestamp(),
		})
		return
	}

	b.fanout(topicPhysics, mustMarshal(map[string]any{
		"type":               "physics_simulation",
		"action":             env.Action,
		"simulation_id":      env.SimulationID,
		"data":               result,
		"msg-sent-timestamp": schema.NowTimestamp(),
	}))

	if mergedStream != nil {
		b.mergeIntoNegotiation(mergedStream.key, mergedStream.value)
	}
}

func (b *Broker) handleToolMessage(conn *Connection, raw []byte) {
	b.mu.RLock()
	router := b.toolRouter
	b.mu.RUnlock()
	if router == nil {
		b.logger.Warn("dropping tool message, no router wired")
		return
	}
	if err := router.Handle(context.Background(), raw); err != nil {
		b.logger.Error("tool message handling failed", "error", err)
		if verr, ok := err.(*schema.ValidationError); ok {
			conn.enqueueJSON(map[string]any{
				"type":               "error",
				"error":              map[string]any{"code": verr.Code, "message": verr.Message},
				"msg-sent-timestamp": schema.NowTimestamp(),
			})
		}
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}

// mergeIntoNegotiation injects key/value into the cached negotiation
// snapshot's top-level stream table, per §4.3's register_stream/update
// merge rule. It is a copy-on-write replacement of the whole snapshot so
// concurrent query readers never observe a partial merge.
func (b *Broker) mergeIntoNegotiation(key string, value any) {
	current := b.lastNegotiation.Load()
	var snapshot map[string]any
	if current != nil {
		_ = json.Unmarshal(*current, &snapshot)
	}
	if snapshot == nil {
		snapshot = make(map[string]any)
	}
	snapshot[key] = value

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	raw := json.RawMessage(data)
	b.lastNegotiation.Store(&raw)
}
