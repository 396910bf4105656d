package directory

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nictuku/dht"

	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/logger"
)

// dhtWaitTimeout bounds how long FindPeers blocks for DHT traversal
// results before returning whatever arrived.
const dhtWaitTimeout = 5 * time.Second

// DHT discovers peers over the Kademlia-style distributed hash table.
// Swarm IDs are used directly as DHT info-hashes.
type DHT struct {
	node *dht.DHT
	log  logger.Logger

	mu      sync.Mutex
	results map[dht.InfoHash][]string
	waiters map[dht.InfoHash][]chan struct{}

	closeOnce sync.Once
	closeC    chan struct{}
}

var _ Directory = (*DHT)(nil)

// NewDHT starts a DHT node on port. Routers is a comma-separated bootstrap
// list; empty uses the library defaults.
func NewDHT(port uint16, routers string) (*DHT, error) {
	cfg := dht.NewConfig()
	cfg.Port = int(port)
	if routers != "" {
		cfg.DHTRouters = routers
	}
	cfg.SaveRoutingTable = false
	node, err := dht.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := node.Start(); err != nil {
		return nil, err
	}
	d := &DHT{
		node:    node,
		log:     logger.New("dht"),
		results: make(map[dht.InfoHash][]string),
		waiters: make(map[dht.InfoHash][]chan struct{}),
		closeC:  make(chan struct{}),
	}
	go d.drainResults()
	return d, nil
}

func (d *DHT) drainResults() {
	for {
		select {
		case res := <-d.node.PeersRequestResults:
			d.mu.Lock()
			for ih, peers := range res {
				addrs := parseDHTPeers(peers)
				d.results[ih] = append(d.results[ih], addrs...)
				for _, w := range d.waiters[ih] {
					close(w)
				}
				delete(d.waiters, ih)
			}
			d.mu.Unlock()
		case <-d.closeC:
			return
		}
	}
}

// parseDHTPeers decodes the library's compact 6-byte records. Only IPv4 is
// carried by this DHT implementation.
func parseDHTPeers(peers []string) []string {
	var addrs []string
	for _, peer := range peers {
		if len(peer) != 6 {
			continue
		}
		ip := net.IP(peer[:4])
		port := int(peer[4])<<8 | int(peer[5])
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return addrs
}

func (d *DHT) FindPeers(ctx context.Context, swarm identity.SwarmID) ([]string, time.Duration, error) {
	ih := dht.InfoHash(swarm[:])

	d.mu.Lock()
	if peers, ok := d.results[ih]; ok && len(peers) > 0 {
		out := make([]string, len(peers))
		copy(out, peers)
		d.mu.Unlock()
		return out, DefaultTTL, nil
	}
	w := make(chan struct{})
	d.waiters[ih] = append(d.waiters[ih], w)
	d.mu.Unlock()

	d.node.PeersRequest(string(ih), false)

	select {
	case <-w:
	case <-time.After(dhtWaitTimeout):
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-d.closeC:
	}

	d.mu.Lock()
	peers := make([]string, len(d.results[ih]))
	copy(peers, d.results[ih])
	d.mu.Unlock()
	return peers, DefaultTTL, nil
}

func (d *DHT) Announce(ctx context.Context, swarm identity.SwarmID, listenPort uint16) error {
	// The library announces the node's own port as part of an active
	// peers request.
	d.node.PeersRequest(string(swarm[:]), true)
	return nil
}

func (d *DHT) Close() error {
	d.closeOnce.Do(func() {
		close(d.closeC)
		d.node.Stop()
	})
	return nil
}
