package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace period after a missed interval
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those with
// no inbound frame for Interval+Timeout. A removed connection goes through the
// normal disconnect path, so the engine forgets the device. It returns
// immediately; the loop stops with the server.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
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

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	evicted := 0

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.logger.Info("heartbeat timeout",
				zap.String("conn_id", c.ID),
				zap.Duration("idle", idle.Round(time.Second)))
			server.RemoveConnection(c)
			evicted++
			continue
		}

		if err := c.WritePing(); err != nil {
			server.logger.Warn("heartbeat ping failed", zap.String("conn_id", c.ID), zap.Error(err))
			server.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}
