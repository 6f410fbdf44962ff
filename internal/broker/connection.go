package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnStatus mirrors the Connection lifecycle states of §3's data model.
type ConnStatus string

const (
	ConnConnected ConnStatus = "connected"
	ConnStale     ConnStatus = "stale"
	ConnClosed    ConnStatus = "closed"
)

// sendBufferSize is how many outbound frames a connection buffers before the
// broker starts dropping the oldest one. Fanout never blocks on a slow
// subscriber; this bound is what makes that true.
const sendBufferSize = 64

// Connection is one accepted WebSocket client. It owns its own topic
// subscriptions and liveness bookkeeping; the broker only ever reads these
// under conn.mu, never mutates them directly.
type Connection struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	subscriptions map[string]bool
	status        ConnStatus
	lastPingSent  time.Time
	lastPongRecv  time.Time
	latencyMs     float64
}

func newConnection(parent context.Context, id string, wsConn *websocket.Conn, defaultTopics []string, logger *slog.Logger) *Connection {
	ctx, cancel := context.WithCancel(parent)
	subs := make(map[string]bool, len(defaultTopics)+1)
	subs[topicBroadcast] = true
	for _, t := range defaultTopics {
		subs[t] = true
	}
	return &Connection{
		ID:            id,
		conn:          wsConn,
		send:          make(chan []byte, sendBufferSize),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: subs,
		status:        ConnConnected,
		lastPongRecv:  time.Now(),
	}
}

// Subscribed reports whether the connection currently receives topic.
func (c *Connection) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[topic]
}

// Subscribe adds topic to the connection's subscription set.
func (c *Connection) Subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = true
}

// Unsubscribe removes topic from the connection's subscription set.
func (c *Connection) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, topic)
}

// Status returns the connection's current liveness status.
func (c *Connection) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) setStatus(s ConnStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// recordPingSent marks that the broker just sent a liveness ping.
func (c *Connection) recordPingSent(t time.Time) {
	c.mu.Lock()
	c.lastPingSent = t
	c.mu.Unlock()
}

// recordPong updates latency and liveness bookkeeping from a received pong.
// latencyMs is a simple exponential moving average so a single slow round
// trip doesn't dominate the reported estimate.
func (c *Connection) recordPong(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastPingSent.IsZero() && t.After(c.lastPingSent) {
		sample := float64(t.Sub(c.lastPingSent).Milliseconds())
		if c.latencyMs == 0 {
			c.latencyMs = sample
		} else {
			c.latencyMs = 0.7*c.latencyMs + 0.3*sample
		}
	}
	c.lastPongRecv = t
	c.status = ConnConnected
}

// livenessInfo is the connection_info query response shape.
type livenessInfo struct {
	ConnectionID string  `json:"connection_id"`
	Status       string  `json:"status"`
	LatencyMs    float64 `json:"latency_ms"`
	LastPingSent string  `json:"last_ping_sent,omitempty"`
	LastPongRecv string  `json:"last_pong_recv,omitempty"`
}

func (c *Connection) livenessSnapshot() livenessInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := livenessInfo{
		ConnectionID: c.ID,
		Status:       string(c.status),
		LatencyMs:    c.latencyMs,
	}
	if !c.lastPingSent.IsZero() {
		info.LastPingSent = c.lastPingSent.UTC().Format(time.RFC3339Nano)
	}
	if !c.lastPongRecv.IsZero() {
		info.LastPongRecv = c.lastPongRecv.UTC().Format(time.RFC3339Nano)
	}
	return info
}

// staleSince reports how long it has been since the connection last proved
// liveness, for the sweep in liveness.go to compare against configured grace
// periods.
func (c *Connection) staleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPongRecv)
}

// enqueue is the only way a fanout or direct reply reaches the wire. It never
// blocks: when the buffer is full it drops the oldest queued frame in favor
// of the new one, matching the broker's latest-wins policy toward slow
// subscribers.
func (c *Connection) enqueue(data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Connection) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal outbound frame", "connection_id", c.ID, "error", err)
		return
	}
	c.enqueue(data)
}

// run drives the connection until its read loop exits, then tears it down.
func (c *Connection) run(maxPayloadBytes int64, pongTimeout time.Duration, onMessage func(*Connection, []byte)) {
	defer c.close()
	go c.writeLoop()
	c.readLoop(maxPayloadBytes, pongTimeout, onMessage)
}

func (c *Connection) close() {
	c.setStatus(ConnClosed)
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
}

func (c *Connection) readLoop(maxPayloadBytes int64, pongTimeout time.Duration, onMessage func(*Connection, []byte)) {
	if maxPayloadBytes > 0 {
		c.conn.SetReadLimit(maxPayloadBytes)
	}
	if pongTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if pongTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		}
		onMessage(c, data)
	}
}

const writeWait = 10 * time.Second

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
