// Package broker implements the WebSocket stream broker (C5): topic-based
// publish/subscribe, per-connection liveness tracking, and the protocol-aware
// message routing table of the fabric's wire protocol.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamfabric/fabric/internal/observability"
)

const (
	topicBroadcast = "broadcast"
	topicPhysics   = "physics"
	topicTools     = "tools"
)

// ToolRouter is the broker's only coupling to the tool execution stack. It
// is implemented by internal/toolrouter; the broker depends on this
// interface rather than that package's concrete type so neither package
// imports the other.
type ToolRouter interface {
	Handle(ctx context.Context, raw []byte) error
}

// Config carries the broker's tunables, mirroring config.BrokerConfig.
type Config struct {
	ListenAddr      string
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxPayloadBytes int64
	DefaultTopics   []string
	MetricsPath     string
}

// Broker is the WebSocket stream hub. It owns every accepted Connection, the
// physics simulation registry, and the last-known negotiation snapshot used
// to answer active_streams queries.
type Broker struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
	toolRouter ToolRouter
	startTime  time.Time

	mu          sync.RWMutex
	connections map[string]*Connection

	physics *physicsRegistry

	lastNegotiation atomic.Pointer[json.RawMessage]

	server *http.Server
}

// New constructs a Broker. toolRouter may be nil if tool_call/tool_result
// handling is wired up later via SetToolRouter.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics, toolRouter ToolRouter) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if len(cfg.DefaultTopics) == 0 {
		cfg.DefaultTopics = []string{topicBroadcast}
	}
	return &Broker{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		toolRouter:  toolRouter,
		startTime:   time.Now(),
		connections: make(map[string]*Connection),
		physics:     newPhysicsRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    8192,
			WriteBufferSize:   8192,
			EnableCompression: true,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}
}

// SetToolRouter wires the tool message router after construction, breaking
// the natural initialization cycle between the broker and a router built
// from the broker's own publish callback.
func (b *Broker) SetToolRouter(r ToolRouter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toolRouter = r
}

// PublishToTopic fans an arbitrary envelope out to every subscriber of
// topic. cmd/fabric wires it as the tool execution manager's publisher, which
// delivers tool_result messages onto the "tools" topic.
func (b *Broker) PublishToTopic(topic string, envelope map[string]any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope for topic %q: %w", topic, err)
	}
	b.fanout(topic, data)
	return nil
}

func (b *Broker) fanout(topic string, data []byte) {
	b.mu.RLock()
	targets := make([]*Connection, 0, len(b.connections))
	for _, c := range b.connections {
		if c.Subscribed(topic) {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
	if b.metrics != nil {
		b.metrics.MessagesTotal.WithLabelValues(topic, "out").Add(float64(len(targets)))
	}
}

// Mux builds the broker's HTTP handler: the banner, status, metrics, and
// WebSocket upgrade endpoints.
func (b *Broker) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleBanner)
	mux.HandleFunc("/status", b.handleStatus)
	mux.Handle(b.metricsPath(), promhttp.Handler())
	mux.HandleFunc("/ws", b.handleWS)
	return mux
}

func (b *Broker) metricsPath() string {
	if b.cfg.MetricsPath != "" {
		return b.cfg.MetricsPath
	}
	return "/metrics"
}

func (b *Broker) handleBanner(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "fabric stream broker") //nolint:errcheck
}

func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	connCount := len(b.connections)
	b.mu.RUnlock()

	payload := map[string]any{
		"status":              "ok",
		"version":             1,
		"connections":         connCount,
		"physics_simulations": b.physics.count(),
		"tool_support":        b.toolRouter != nil,
		"timestamp":           time.Now().UTC().Format(time.RFC3339Nano),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newConnection(context.Background(), uuid.NewString(), wsConn, b.cfg.DefaultTopics, b.logger)
	b.mu.Lock()
	b.connections[conn.ID] = conn
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ConnectionsActive.Inc()
	}

	b.sendLivenessPing(conn)

	conn.run(b.cfg.MaxPayloadBytes, b.cfg.PongTimeout, b.handleInbound)

	b.mu.Lock()
	delete(b.connections, conn.ID)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ConnectionsActive.Dec()
	}
}

// Start runs the broker's HTTP server until ctx is cancelled, then performs
// a graceful shutdown. It blocks for the lifetime of the server.
func (b *Broker) Start(ctx context.Context) error {
	b.server = &http.Server{
		Addr:              b.cfg.ListenAddr,
		Handler:           b.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.cfg.ListenAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go b.runLivenessSweep(ctx)

	select {
	case <-ctx.Done():
		b.mu.RLock()
		for _, c := range b.connections {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "broker shutting down"),
				time.Now().Add(time.Second))
		}
		b.mu.RUnlock()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.server.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("broker shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
