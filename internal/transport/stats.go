package transport

import (
	"sync"
	"time"
)

// EndpointStats is a point-in-time snapshot of one endpoint's
// counters. Uptime is refreshed at snapshot time.
type EndpointStats struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	Uptime          time.Duration
	Latency         time.Duration
}

// StatsSnapshot is a point-in-time copy of the context-wide counters.
type StatsSnapshot struct {
	Connections     uint64
	Disconnections  uint64
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
}

// Stats aggregates transport counters under its own lock. Every
// dispatched event updates it; broadcast and poll failures land in
// Errors instead of aborting their loops.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

func (s *Stats) recordEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case EventConnect:
		s.snap.Connections++
	case EventDisconnect:
		s.snap.Disconnections++
	case EventDataSent:
		s.snap.PacketsSent++
		s.snap.BytesSent += uint64(ev.Bytes)
	case EventDataReceived:
		s.snap.PacketsReceived++
		s.snap.BytesReceived += uint64(ev.Bytes)
	case EventError:
		s.snap.Errors++
	}
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
