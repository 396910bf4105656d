// Package directory abstracts peer discovery. Backends (static lists, HTTP
// trackers, the DHT) implement Directory; Cached and Multi compose them.
package directory

import (
	"context"
	"time"

	"github.com/praveer13/zest/internal/identity"
)

// DefaultTTL caps how long discovery results are reused.
const DefaultTTL = 30 * time.Second

// Directory finds and announces peers for swarms. All methods are
// best-effort: an empty peer list is a valid answer and announce failures
// are not fatal to any download.
type Directory interface {
	// FindPeers returns candidate peer addresses ("host:port") for a
	// swarm and how long the answer may be cached.
	FindPeers(ctx context.Context, swarm identity.SwarmID) (peers []string, ttl time.Duration, err error)

	// Announce publishes that we serve the swarm on listenPort.
	Announce(ctx context.Context, swarm identity.SwarmID, listenPort uint16) error

	// Close releases backend resources. Idempotent.
	Close() error
}

// Static is a fixed peer list, used for --peer flags and tests.
type Static struct {
	Peers []string
}

var _ Directory = (*Static)(nil)

func (s *Static) FindPeers(ctx context.Context, swarm identity.SwarmID) ([]string, time.Duration, error) {
	out := make([]string, len(s.Peers))
	copy(out, s.Peers)
	return out, DefaultTTL, nil
}

func (s *Static) Announce(ctx context.Context, swarm identity.SwarmID, listenPort uint16) error {
	return nil
}

func (s *Static) Close() error { return nil }
