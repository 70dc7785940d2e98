package ws

import (
	"log"
	"time"

	"github.com/campuslink/chat-app/internal/metrics"
)

// HeartbeatConfig controls dead-peer detection. A connection is evicted when
// nothing has been read from it for Interval+Timeout.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s *Server) heartbeat() {
	cfg := s.config.Heartbeat
	if cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if n := s.sweep(now); n > 0 {
				log.Printf("ws: heartbeat evicted %d connection(s) (total=%d)", n, s.conns.Count())
			}
		}
	}
}

// sweep evicts silent connections and pings the rest. Pongs count as
// activity, so a live browser tab is never evicted.
func (s *Server) sweep(now time.Time) int {
	deadline := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout
	evicted := 0
	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s user=%q idle=%s", c.ID, c.UserID(), idle.Round(time.Second))
			s.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
			evicted++
		}
	}
	metrics.HeartbeatEvictions.Add(float64(evicted))
	return evicted
}
