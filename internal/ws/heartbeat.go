package ws

import (
	"log"
	"time"

	"github.com/tiktalk/chat-app/internal/protocol"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // extra silence tolerated after a ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings all
// connections with the __ping__ literal and evicts those that have gone
// silent. It returns immediately; the goroutine exits when the server's done
// channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections evicts connections with no frame read within
// Interval + Timeout through the normal disconnect path and pings the rest.
// Clients answer __ping__ with __pong__, which refreshes liveness like any
// other frame.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	evicted := 0

	for _, c := range server.Connections().All() {
		if silent := now.Sub(c.LastSeen()); silent > deadline {
			log.Printf("ws: heartbeat timeout session=%s last_activity=%s ago",
				c.id, silent.Round(time.Second))
			server.RemoveConnection(c)
			evicted++
			continue
		}

		// A full queue already means the client is behind; the next
		// round decides.
		_ = c.Send([]byte(protocol.PingFrame))
	}
	return evicted
}
