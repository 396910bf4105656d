// Package bridge resolves single xorbs through the source waterfall:
// local cache, then the peer swarm, then the CDN.
package bridge

import (
	"context"
	"math/rand"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/praveer13/zest/internal/cache"
	"github.com/praveer13/zest/internal/directory"
	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/logger"
	"github.com/praveer13/zest/internal/peerpool"
	"github.com/praveer13/zest/internal/xet"
)

// Source names where a xorb's bytes came from.
type Source string

const (
	SourceCache Source = "cache"
	SourcePeer  Source = "peer"
	SourceCDN   Source = "cdn"
)

// Result is a verified xorb and its provenance.
type Result struct {
	Data   []byte
	Xorb   *xet.Xorb
	Source Source
}

// Bridge drives the per-xorb waterfall. Safe for concurrent use;
// concurrent fetches of the same xorb are coalesced.
type Bridge struct {
	lib        xet.Lib
	cache      *cache.Cache
	dir        directory.Directory
	pool       *peerpool.Pool
	p2pEnabled bool
	log        logger.Logger
	group      singleflight.Group
}

// New wires a bridge. dir and pool may be nil only when p2pEnabled is
// false.
func New(lib xet.Lib, c *cache.Cache, dir directory.Directory, pool *peerpool.Pool, p2pEnabled bool) *Bridge {
	return &Bridge{
		lib:        lib,
		cache:      c,
		dir:        dir,
		pool:       pool,
		p2pEnabled: p2pEnabled,
		log:        logger.New("bridge"),
	}
}

// Fetch returns verified xorb bytes, trying cache, peers, then CDN. Peer
// failures never abort the fetch; CDN and verification failures do.
func (b *Bridge) Fetch(ctx context.Context, info xet.XorbInfo) (*Result, error) {
	v, err, _ := b.group.Do(info.Hash.Hex(), func() (interface{}, error) {
		return b.fetch(ctx, info)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (b *Bridge) fetch(ctx context.Context, info xet.XorbInfo) (*Result, error) {
	// Cache probe. Bytes never leave the cache without re-verifying.
	if data, err := b.cache.GetXorb(info.Hash); err == nil {
		parsed, err := b.lib.ParseXorb(info.Hash, data)
		if err == nil {
			return &Result{Data: data, Xorb: parsed, Source: SourceCache}, nil
		}
		b.log.Warningf("evicting corrupt cached xorb %s: %v", info.Hash, err)
		b.cache.EvictXorb(info.Hash)
	}

	if b.p2pEnabled {
		if res := b.fetchFromSwarm(ctx, info); res != nil {
			return res, nil
		}
	}

	// CDN is the terminal fallback and is never skipped because of P2P
	// errors.
	data, err := b.lib.DownloadXorb(ctx, info.Hash, info.URL)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "xorb %s: cdn download", info.Hash)
	}
	parsed, err := b.lib.ParseXorb(info.Hash, data)
	if err != nil {
		// Authoritative bytes failing verification is fatal, never
		// silently retried.
		return nil, pkgerrors.Wrapf(err, "xorb %s: cdn bytes", info.Hash)
	}
	if err := b.cache.PutXorb(parsed, data); err != nil {
		b.log.Errorln("cannot cache xorb:", err)
	}
	return &Result{Data: data, Xorb: parsed, Source: SourceCDN}, nil
}

// fetchFromSwarm tries each discovered peer once; any error moves on to
// the next peer. Returns nil when the swarm cannot supply the xorb.
func (b *Bridge) fetchFromSwarm(ctx context.Context, info xet.XorbInfo) *Result {
	swarm := identity.Swarm(info.Hash)
	peers, _, err := b.dir.FindPeers(ctx, swarm)
	if err != nil {
		b.log.Debugf("xorb %s: peer discovery failed: %v", info.Hash, err)
		return nil
	}
	if len(peers) == 0 {
		return nil
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	for _, addr := range peers {
		if ctx.Err() != nil {
			return nil
		}
		data, parsed, err := b.fetchFromPeer(ctx, addr, swarm, info)
		if err != nil {
			b.log.Debugf("xorb %s: peer %s: %v", info.Hash, addr, err)
			continue
		}
		if err := b.cache.PutXorb(parsed, data); err != nil {
			b.log.Errorln("cannot cache xorb:", err)
		}
		return &Result{Data: data, Xorb: parsed, Source: SourcePeer}
	}
	return nil
}

// fetchFromPeer downloads every chunk of the xorb from one peer and
// reassembles the container. Partial data is discarded on any error; a
// xorb is never assembled from multiple peers.
func (b *Bridge) fetchFromPeer(ctx context.Context, addr string, swarm identity.SwarmID, info xet.XorbInfo) ([]byte, *xet.Xorb, error) {
	conn, err := b.pool.GetOrConnect(addr, swarm)
	if err != nil {
		return nil, nil, err
	}
	chunks := make([][]byte, 0, len(info.Chunks))
	for _, ref := range info.Chunks {
		data, err := conn.RequestChunk(ctx, ref.Hash)
		if err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, data)
	}
	data, err := b.lib.AssembleXorb(info.Hash, chunks)
	if err != nil {
		// Per-chunk hashes matched but the container did not: the
		// peer served wrong-hash data. It is not retried for this
		// xorb; the loop above has already passed it.
		return nil, nil, err
	}
	parsed, err := b.lib.ParseXorb(info.Hash, data)
	if err != nil {
		return nil, nil, err
	}
	return data, parsed, nil
}
