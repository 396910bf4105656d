// Package seeder accepts inbound peer connections and serves cached
// chunks over the chunk extension.
package seeder

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/praveer13/zest/internal/btconn"
	"github.com/praveer13/zest/internal/cache"
	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/logger"
	"github.com/praveer13/zest/internal/peerprotocol"
	"github.com/praveer13/zest/internal/stats"
)

// Config tunes the server.
type Config struct {
	// MaxConnections caps concurrently served peers; excess inbound
	// connections are accepted and immediately closed.
	MaxConnections int

	// RequestsPerSecond caps the request read rate per connection.
	RequestsPerSecond float64

	// IdleTimeout closes connections with no traffic.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds the BT handshake.
	HandshakeTimeout time.Duration

	// Version is sent in the extension handshake.
	Version string
}

// DefaultConfig is tuned for a background daemon.
var DefaultConfig = Config{
	MaxConnections:    64,
	RequestsPerSecond: 512,
	IdleTimeout:       2 * time.Minute,
	HandshakeTimeout:  5 * time.Second,
	Version:           "zest",
}

// Server is the seeding listener.
type Server struct {
	cfg    Config
	ourID  identity.PeerID
	chunks *cache.Cache
	stats  *stats.Stats
	log    logger.Logger

	listener net.Listener
	active   int32

	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}
}

// New creates a server serving chunks from c. Call Start to listen.
func New(cfg Config, ourID identity.PeerID, c *cache.Cache, st *stats.Stats) *Server {
	return &Server{
		cfg:    cfg,
		ourID:  ourID,
		chunks: c,
		stats:  st,
		log:    logger.New("seeder"),
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Start binds port and begins accepting. Port 0 picks a free port; Port()
// reports the bound one.
func (s *Server) Start(port uint16) error {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	s.listener = l
	go s.acceptLoop()
	s.log.Infoln("seeding on", l.Addr())
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() uint16 {
	if s.listener == nil {
		return 0
	}
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

func (s *Server) acceptLoop() {
	defer close(s.doneC)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeC:
			default:
				s.log.Errorln("accept:", err)
			}
			return
		}
		if int(atomic.LoadInt32(&s.active)) >= s.cfg.MaxConnections {
			s.log.Debugln("connection limit reached, rejecting", conn.RemoteAddr())
			conn.Close()
			continue
		}
		atomic.AddInt32(&s.active, 1)
		s.stats.PeersConnected.Inc(1)
		go func() {
			defer func() {
				atomic.AddInt32(&s.active, -1)
				s.stats.PeersConnected.Dec(1)
			}()
			s.serve(conn)
		}()
	}
}

// serve runs one inbound peer to completion. Any framing error or I/O
// error ends the connection.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	log := logger.New("peer <- " + conn.RemoteAddr().String())

	// The swarm in the handshake is echoed back by Accept even when we
	// don't hold its xorb; such peers get NOT_FOUND answers below.
	if _, _, err := btconn.Accept(conn, s.cfg.HandshakeTimeout, s.ourID); err != nil {
		log.Debugln("handshake failed:", err)
		return
	}

	hs, err := peerprotocol.NewExtensionHandshake(s.Port(), s.cfg.Version).Encode()
	if err != nil {
		return
	}
	if err := peerprotocol.WriteExtended(conn, peerprotocol.ExtensionIDHandshake, hs); err != nil {
		return
	}
	// We serve regardless of choke state.
	if err := peerprotocol.Write(conn, peerprotocol.IDUnchoke, nil); err != nil {
		return
	}

	// Until the peer's extension handshake arrives, frame responses with
	// our own id; the reference client announces the same value.
	peerExtID := peerprotocol.OurChunkExtensionID
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), int(s.cfg.RequestsPerSecond)+1)

	for {
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		msg, err := peerprotocol.Read(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debugln("read:", err)
			}
			return
		}
		if msg == nil || msg.ID != peerprotocol.IDExtended {
			continue
		}
		extID, payload, err := peerprotocol.SplitExtended(msg.Payload)
		if err != nil {
			return
		}
		if extID == peerprotocol.ExtensionIDHandshake {
			peerHS, err := peerprotocol.DecodeExtensionHandshake(payload)
			if err != nil {
				return
			}
			if id, err := peerHS.ChunkExtensionID(); err == nil {
				peerExtID = id
			}
			continue
		}
		if extID != peerprotocol.OurChunkExtensionID {
			continue
		}
		parsed, err := peerprotocol.ParseChunkMessage(payload)
		if err != nil {
			log.Debugln("bad chunk message:", err)
			return
		}
		req, ok := parsed.(*peerprotocol.ChunkRequest)
		if !ok {
			continue
		}
		if err := s.answer(conn, peerExtID, req); err != nil {
			return
		}
	}
}

func (s *Server) answer(conn net.Conn, peerExtID uint8, req *peerprotocol.ChunkRequest) error {
	data, err := s.chunks.GetChunk(req.Hash)
	if err != nil {
		nf := &peerprotocol.ChunkNotFound{RequestID: req.RequestID, Hash: req.Hash}
		return peerprotocol.WriteExtended(conn, peerExtID, nf.Encode())
	}
	resp := &peerprotocol.ChunkResponse{RequestID: req.RequestID, Data: data}
	if err := peerprotocol.WriteExtended(conn, peerExtID, resp.Encode()); err != nil {
		return err
	}
	s.stats.ChunksServed.Inc(1)
	s.stats.BytesServed.Inc(int64(len(data)))
	s.stats.ServeRate.Mark(int64(len(data)))
	return nil
}

// ActiveConnections returns the number of peers currently served.
func (s *Server) ActiveConnections() int {
	return int(atomic.LoadInt32(&s.active))
}

// Close stops accepting and unblocks the accept loop. Served connections
// finish on their own idle timeouts.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
		if s.listener != nil {
			s.listener.Close()
			<-s.doneC
		}
	})
}
