package directory

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/logger"
)

// Multi fans out to several backends and concatenates their answers. Each
// backend is best-effort; one failing never hides another's peers.
type Multi struct {
	backends []Directory
	log      logger.Logger
}

var _ Directory = (*Multi)(nil)

// NewMulti composes backends in order. Order matters only for peer
// ordering in the combined answer.
func NewMulti(backends ...Directory) *Multi {
	return &Multi{backends: backends, log: logger.New("directory")}
}

func (m *Multi) FindPeers(ctx context.Context, swarm identity.SwarmID) ([]string, time.Duration, error) {
	var peers []string
	ttl := DefaultTTL
	seen := make(map[string]struct{})
	for _, b := range m.backends {
		p, t, err := b.FindPeers(ctx, swarm)
		if err != nil {
			m.log.Debugln("backend find_peers failed:", err)
			continue
		}
		for _, addr := range p {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			peers = append(peers, addr)
		}
		if t > 0 && t < ttl {
			ttl = t
		}
	}
	return peers, ttl, nil
}

func (m *Multi) Announce(ctx context.Context, swarm identity.SwarmID, listenPort uint16) error {
	for _, b := range m.backends {
		if err := b.Announce(ctx, swarm, listenPort); err != nil {
			m.log.Debugln("backend announce failed:", err)
		}
	}
	return nil
}

func (m *Multi) Close() error {
	for _, b := range m.backends {
		b.Close()
	}
	return nil
}

type cacheEntry struct {
	peers   []string
	expires time.Time
}

// Cached wraps a Directory with a per-swarm TTL cache. Repeated FindPeers
// within the TTL return the cached list; repeated Announce within the TTL
// are no-ops.
type Cached struct {
	inner   Directory
	maxTTL  time.Duration
	finds   *lru.Cache
	anns    *lru.Cache
	nowFunc func() time.Time
}

var _ Directory = (*Cached)(nil)

// NewCached wraps inner. TTLs from the backend are capped at maxTTL.
func NewCached(inner Directory, maxTTL time.Duration) *Cached {
	finds, _ := lru.New(4096)
	anns, _ := lru.New(4096)
	return &Cached{
		inner:   inner,
		maxTTL:  maxTTL,
		finds:   finds,
		anns:    anns,
		nowFunc: time.Now,
	}
}

func (c *Cached) FindPeers(ctx context.Context, swarm identity.SwarmID) ([]string, time.Duration, error) {
	now := c.nowFunc()
	if v, ok := c.finds.Get(swarm); ok {
		e := v.(*cacheEntry)
		if now.Before(e.expires) {
			out := make([]string, len(e.peers))
			copy(out, e.peers)
			return out, time.Until(e.expires), nil
		}
		c.finds.Remove(swarm)
	}
	peers, ttl, err := c.inner.FindPeers(ctx, swarm)
	if err != nil {
		return nil, 0, err
	}
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	c.finds.Add(swarm, &cacheEntry{peers: peers, expires: now.Add(ttl)})
	return peers, ttl, nil
}

func (c *Cached) Announce(ctx context.Context, swarm identity.SwarmID, listenPort uint16) error {
	now := c.nowFunc()
	if v, ok := c.anns.Get(swarm); ok {
		if now.Before(v.(time.Time)) {
			return nil
		}
		c.anns.Remove(swarm)
	}
	if err := c.inner.Announce(ctx, swarm, listenPort); err != nil {
		return err
	}
	c.anns.Add(swarm, now.Add(c.maxTTL))
	return nil
}

func (c *Cached) Close() error { return c.inner.Close() }
