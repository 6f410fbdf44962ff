package broker

import (
	"context"
	"time"

	"github.com/streamfabric/fabric/internal/schema"
)

// sendLivenessPing sends the one server-initiated ping every new connection
// receives per §4.3, and records when it was sent so the staleness sweep has
// a baseline.
func (b *Broker) sendLivenessPing(conn *Connection) {
	now := time.Now().UTC()
	conn.recordPingSent(now)
	conn.enqueueJSON(map[string]any{
		"type":               "ping",
		"target":             "sh",
		"timestamp":          float64(now.UnixMilli()),
		"msg-sent-timestamp": schema.NowTimestamp(),
	})
}

// runLivenessSweep periodically re-pings every connection and flags or
// closes ones that haven't proven liveness within the configured grace
// periods. Staleness uses 10x the ping interval as its first grace, a
// connection is closed after a second grace beyond that.
func (b *Broker) runLivenessSweep(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	staleGrace := 10 * b.cfg.PingInterval
	closeGrace := 2 * staleGrace

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce(staleGrace, closeGrace)
		}
	}
}

func (b *Broker) sweepOnce(staleGrace, closeGrace time.Duration) {
	now := time.Now().UTC()

	b.mu.RLock()
	conns := make([]*Connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		age := c.staleSince(now)
		switch {
		case age >= closeGrace:
			c.cancel()
		case age >= staleGrace:
			c.setStatus(ConnStale)
			b.sendLivenessPing(c)
		default:
			b.sendLivenessPing(c)
		}
	}
}
