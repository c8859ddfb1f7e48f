package ws

import (
	"context"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those with
// no inbound frame for Interval + Timeout. Browsers answer protocol pings
// automatically, so an idle but healthy client stays alive. The goroutine
// exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections reaps stale connections, which runs the disconnect
// callback and therefore takes the user offline. Live connections are pinged
// and their session TTL is extended.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Debug().Str("session", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Debug().Err(err).Str("session", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
			continue
		}

		if server.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := server.sessions.Refresh(ctx, c.ID); err != nil {
				log.Warn().Err(err).Str("session", c.ID).Msg("failed to refresh redis session")
			}
			cancel()
		}
	}
}
