// Package session wires the zest daemon together: cache, seeding server,
// peer discovery, connection pool, downloads and the control surface.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	zest "github.com/praveer13/zest"
	"github.com/praveer13/zest/internal/bridge"
	"github.com/praveer13/zest/internal/cache"
	"github.com/praveer13/zest/internal/directory"
	"github.com/praveer13/zest/internal/hfcache"
	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/logger"
	"github.com/praveer13/zest/internal/peerconn"
	"github.com/praveer13/zest/internal/peerpool"
	"github.com/praveer13/zest/internal/resumer"
	"github.com/praveer13/zest/internal/seeder"
	"github.com/praveer13/zest/internal/stats"
	"github.com/praveer13/zest/internal/xet"
)

// announceInterval drives the background re-announce of cached swarms.
const announceInterval = 30 * time.Second

// Session is one running zest daemon.
type Session struct {
	cfg    *zest.Config
	log    logger.Logger
	lib    xet.Lib
	client xet.Client
	peerID identity.PeerID

	cache  *cache.Cache
	pool   *peerpool.Pool
	dir    directory.Directory
	seeder *seeder.Server
	bridge *bridge.Bridge
	stats  *stats.Stats
	res    *resumer.Resumer
	hf     hfcache.Layout
	http   *httpServer

	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}

	// stopRequestC is signaled by the control surface's stop endpoint.
	stopRequestC chan struct{}
}

// New starts a session: opens the cache and state database, binds the
// seeding and control listeners, and begins announcing cached swarms.
func New(cfg *zest.Config, lib xet.Lib, client xet.Client) (*Session, error) {
	peerID, err := identity.NewPeerID()
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(cfg.CacheDir, lib)
	if err != nil {
		return nil, err
	}
	res, err := resumer.Open(filepath.Join(cfg.CacheDir, "zest.db"))
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:          cfg,
		log:          logger.New("session"),
		lib:          lib,
		client:       client,
		peerID:       peerID,
		cache:        c,
		stats:        stats.New(),
		res:          res,
		hf:           hfcache.Layout{Root: cfg.HFHome},
		closeC:       make(chan struct{}),
		doneC:        make(chan struct{}),
		stopRequestC: make(chan struct{}, 1),
	}

	seedCfg := seeder.DefaultConfig
	seedCfg.MaxConnections = cfg.MaxPeerAccept
	seedCfg.RequestsPerSecond = cfg.SeedRequestsPerSecond
	seedCfg.HandshakeTimeout = cfg.HandshakeTimeoutD()
	seedCfg.Version = "zest " + zest.Version
	s.seeder = seeder.New(seedCfg, peerID, c, s.stats)
	if err := s.seeder.Start(cfg.Port); err != nil {
		res.Close()
		return nil, err
	}

	if !cfg.P2P.Disabled {
		s.dir, err = s.buildDirectory()
		if err != nil {
			s.seeder.Close()
			res.Close()
			return nil, err
		}
	}

	timeouts := peerconn.Timeouts{
		Connect:   cfg.ConnectTimeoutD(),
		Handshake: cfg.HandshakeTimeoutD(),
		Request:   cfg.RequestTimeoutD(),
	}
	s.pool = peerpool.New(func(addr string, swarm identity.SwarmID) (*peerconn.Conn, error) {
		return peerconn.Connect(addr, swarm, s.peerID, s.seeder.Port(), "zest "+zest.Version, timeouts, lib)
	}, cfg.PeerIdleTimeoutD())

	s.bridge = bridge.New(lib, c, s.dir, s.pool, !cfg.P2P.Disabled)

	if err := s.writePID(); err != nil {
		s.log.Warningln("cannot write pid file:", err)
	}

	go s.announceLoop()

	if cfg.HTTPPort != 0 {
		s.http = newHTTPServer(s)
		if err := s.http.Start(cfg.HTTPPort); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.log.Infof("session started, seeding %d cached xorbs on port %d", c.XorbCount(), s.seeder.Port())
	return s, nil
}

func (s *Session) buildDirectory() (directory.Directory, error) {
	var backends []directory.Directory
	if len(s.cfg.P2P.Peers) > 0 {
		backends = append(backends, &directory.Static{Peers: s.cfg.P2P.Peers})
	}
	for _, u := range s.cfg.P2P.Trackers {
		backends = append(backends, directory.NewHTTPTracker(u, s.peerID, s.cfg.RequestTimeoutD()))
	}
	if s.cfg.P2P.DHT {
		d, err := directory.NewDHT(s.cfg.Port, s.cfg.P2P.DHTRouters)
		if err != nil {
			return nil, err
		}
		backends = append(backends, d)
	}
	return directory.NewCached(directory.NewMulti(backends...), directory.DefaultTTL), nil
}

// announceLoop re-announces every cached swarm on the directory TTL. The
// cached directory wrapper keeps repeats within the TTL from reaching the
// backends.
func (s *Session) announceLoop() {
	defer close(s.doneC)
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	s.announceAll()
	for {
		select {
		case <-ticker.C:
			s.announceAll()
		case <-s.closeC:
			return
		}
	}
}

func (s *Session) announceAll() {
	if s.dir == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), announceInterval)
	defer cancel()
	for _, h := range s.cache.Swarms() {
		if err := s.dir.Announce(ctx, identity.Swarm(h), s.seeder.Port()); err != nil {
			s.log.Debugln("announce failed:", err)
		}
	}
}

func (s *Session) writePID() error {
	path := filepath.Join(s.cfg.CacheDir, "zest.pid")
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func (s *Session) removePID() {
	os.Remove(filepath.Join(s.cfg.CacheDir, "zest.pid"))
}

// SeedPort returns the bound seeding port.
func (s *Session) SeedPort() uint16 { return s.seeder.Port() }

// Status is the control surface's status payload.
type Status struct {
	Version        string         `json:"version"`
	PeerID         string         `json:"peer_id"`
	XorbsCached    int            `json:"xorbs_cached"`
	PeersConnected int            `json:"peers_connected"`
	Session        stats.Snapshot `json:"session"`
	Lifetime       resumer.Totals `json:"lifetime"`
}

// Status collects current counters.
func (s *Session) Status() Status {
	totals, err := s.res.Totals()
	if err != nil {
		s.log.Errorln("cannot read lifetime totals:", err)
	}
	return Status{
		Version:        zest.Version,
		PeerID:         fmt.Sprintf("%q", s.peerID[:]),
		XorbsCached:    s.cache.XorbCount(),
		PeersConnected: s.seeder.ActiveConnections(),
		Session:        s.stats.Snapshot(),
		Lifetime:       totals,
	}
}

// StopRequested returns a channel signaled when the control surface's
// stop endpoint fires.
func (s *Session) StopRequested() <-chan struct{} { return s.stopRequestC }

// Close shuts the session down: listeners first, then discovery, pool
// and the state database.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
		if s.http != nil {
			s.http.Close()
		}
		s.seeder.Close()
		if s.dir != nil {
			s.dir.Close()
		}
		s.pool.Close()
		<-s.doneC
		s.removePID()
		if err := s.res.Close(); err != nil {
			s.log.Errorln("cannot close state db:", err)
		}
		s.log.Infoln("session closed")
	})
}
