// Package stats aggregates transfer counters for the status surface.
package stats

import (
	"github.com/rcrowley/go-metrics"
)

// Stats is the shared counter set. All fields are safe for concurrent
// use.
type Stats struct {
	registry metrics.Registry

	// Download side, by source.
	BytesFromPeers metrics.Counter
	BytesFromCDN   metrics.Counter
	BytesFromCache metrics.Counter

	// Seeding side.
	ChunksServed   metrics.Counter
	BytesServed    metrics.Counter
	PeersConnected metrics.Counter

	// Seeding throughput.
	ServeRate metrics.Meter
}

// New returns a zeroed counter set backed by its own registry.
func New() *Stats {
	r := metrics.NewRegistry()
	s := &Stats{
		registry:       r,
		BytesFromPeers: metrics.NewCounter(),
		BytesFromCDN:   metrics.NewCounter(),
		BytesFromCache: metrics.NewCounter(),
		ChunksServed:   metrics.NewCounter(),
		BytesServed:    metrics.NewCounter(),
		PeersConnected: metrics.NewCounter(),
		ServeRate:      metrics.NewMeter(),
	}
	r.Register("bytes_from_peers", s.BytesFromPeers)
	r.Register("bytes_from_cdn", s.BytesFromCDN)
	r.Register("bytes_from_cache", s.BytesFromCache)
	r.Register("chunks_served", s.ChunksServed)
	r.Register("bytes_served", s.BytesServed)
	r.Register("peers_connected", s.PeersConnected)
	r.Register("serve_rate", s.ServeRate)
	return s
}

// Snapshot is the JSON shape served by the status endpoint.
type Snapshot struct {
	BytesFromPeers int64   `json:"bytes_from_peers"`
	BytesFromCDN   int64   `json:"bytes_from_cdn"`
	BytesFromCache int64   `json:"bytes_from_cache"`
	ChunksServed   int64   `json:"chunks_served"`
	BytesServed    int64   `json:"bytes_served"`
	PeersConnected int64   `json:"peers_connected"`
	ServeRate1m    float64 `json:"serve_rate_1m"`
}

// Snapshot returns current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesFromPeers: s.BytesFromPeers.Count(),
		BytesFromCDN:   s.BytesFromCDN.Count(),
		BytesFromCache: s.BytesFromCache.Count(),
		ChunksServed:   s.ChunksServed.Count(),
		BytesServed:    s.BytesServed.Count(),
		PeersConnected: s.PeersConnected.Count(),
		ServeRate1m:    s.ServeRate.Rate1(),
	}
}
