package telemetry

import (
	"time"

	"envmon/internal/store"
)

// NetworkStats is the session-wide transport aggregate.
type NetworkStats struct {
	PacketsReceived         int64      `json:"packets_received"`
	TotalBytes              int64      `json:"total_bytes"`
	LastPacketSize          int64      `json:"last_packet_size"`
	LastLatencyMs           float64    `json:"last_latency_ms"`
	MalformedPackets        int64      `json:"malformed_packets"`
	ConnectionEstablishedAt *time.Time `json:"connection_established_at"`
}

// Uptime returns the time since the current transport session was
// established, or zero when not connected yet.
func (s NetworkStats) Uptime(now time.Time) time.Duration {
	if s.ConnectionEstablishedAt == nil {
		return 0
	}
	return now.Sub(*s.ConnectionEstablishedAt)
}

// Aggregator accumulates NetworkStats. It is not safe for concurrent use;
// Core serializes access.
type Aggregator struct {
	stats NetworkStats
}

// NewAggregator returns an aggregator with all counters at zero.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record accounts for one successfully ingested packet.
func (a *Aggregator) Record(r store.Reading, packetSize int) {
	a.stats.PacketsReceived++
	a.stats.TotalBytes += int64(packetSize)
	a.stats.LastPacketSize = int64(packetSize)
	a.stats.LastLatencyMs = r.LatencyMs
}

// RecordMalformed counts a dropped payload. It does not touch the packet or
// byte counters.
func (a *Aggregator) RecordMalformed() {
	a.stats.MalformedPackets++
}

// ConnectionEstablished stamps the start of a transport session.
func (a *Aggregator) ConnectionEstablished(at time.Time) {
	a.stats.ConnectionEstablishedAt = &at
}

// ResetCounters zeroes the packet count only. TotalBytes is lifetime
// bandwidth and survives a history clear.
func (a *Aggregator) ResetCounters() {
	a.stats.PacketsReceived = 0
}

// Stats returns a copy of the current aggregate.
func (a *Aggregator) Stats() NetworkStats {
	s := a.stats
	if s.ConnectionEstablishedAt != nil {
		at := *s.ConnectionEstablishedAt
		s.ConnectionEstablishedAt = &at
	}
	return s
}
