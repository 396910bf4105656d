// Package peerconn implements the outgoing peer connection: TCP connect,
// BT handshake, extension handshake, then serialized chunk
// request/response exchanges.
package peerconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/praveer13/zest/internal/btconn"
	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/logger"
	"github.com/praveer13/zest/internal/peerprotocol"
	"github.com/praveer13/zest/internal/xet"
)

// State of a connection. Connect drives a new connection through the
// intermediate states; afterwards the connection is Ready until it fails.
type State int32

const (
	Disconnected State = iota
	TCPOpen
	BTHandshaked
	Ready
	Failed
)

var (
	// ErrChunkNotFound is returned when the peer declines a chunk. The
	// connection stays usable.
	ErrChunkNotFound = errors.New("peer does not have the chunk")

	// ErrTimeout is returned when no matching response arrives within
	// the request timeout. The connection stays usable.
	ErrTimeout = errors.New("chunk request timed out")

	// ErrChunkHashMismatch is returned when response bytes do not hash
	// to the requested chunk hash. The connection is failed.
	ErrChunkHashMismatch = errors.New("chunk data does not match requested hash")

	// ErrFailed is returned for any use of a failed connection.
	ErrFailed = errors.New("connection is failed")
)

// Stale responses tolerated while re-synchronizing after a cancelled or
// timed-out request. Beyond this the stream is considered corrupt.
const maxStaleDrain = 32

// ChunkVerifier checks response bytes against the requested hash.
type ChunkVerifier interface {
	VerifyChunk(hash xet.ChunkHash, data []byte) bool
}

// Timeouts used while establishing and using a connection.
type Timeouts struct {
	Connect   time.Duration
	Handshake time.Duration
	Request   time.Duration
}

// DefaultTimeouts matches the wire defaults: connect 3s, handshake 5s,
// request 10s.
var DefaultTimeouts = Timeouts{
	Connect:   3 * time.Second,
	Handshake: 5 * time.Second,
	Request:   10 * time.Second,
}

// Conn is an established, Ready connection to one peer for one swarm.
//
// The mutex serializes the full lifecycle of each RequestChunk call:
// request write, reads until the matching response. Concurrent callers
// queue on it. The mutex is never held while the peer pool's own lock is
// held.
type Conn struct {
	addr     string
	swarm    identity.SwarmID
	conn     net.Conn
	peerID   identity.PeerID
	extID    uint8 // peer-announced id for outbound chunk frames
	verify   ChunkVerifier
	timeouts Timeouts
	log      logger.Logger

	mu            sync.Mutex
	nextRequestID uint32

	stateMu  sync.Mutex
	state    State
	lastUsed time.Time
}

// Connect dials addr and drives the connection to Ready: BT handshake,
// extension handshake, UNCHOKE + INTERESTED.
func Connect(addr string, swarm identity.SwarmID, ourID identity.PeerID, listenPort uint16, version string, timeouts Timeouts, verify ChunkVerifier) (*Conn, error) {
	log := logger.New("peer -> " + addr)
	nc, remoteID, err := btconn.Dial(addr, timeouts.Connect, timeouts.Handshake, swarm, ourID)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		addr:     addr,
		swarm:    swarm,
		conn:     nc,
		peerID:   remoteID,
		verify:   verify,
		timeouts: timeouts,
		log:      log,
		state:    BTHandshaked,
		lastUsed: time.Now(),
	}
	if err := c.extensionHandshake(listenPort, version); err != nil {
		nc.Close()
		return nil, err
	}
	c.setState(Ready)
	log.Debugln("connection ready, peer id", fmt.Sprintf("%q", remoteID[:8]))
	return c, nil
}

func (c *Conn) extensionHandshake(listenPort uint16, version string) error {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeouts.Handshake)); err != nil {
		return err
	}
	hs, err := peerprotocol.NewExtensionHandshake(listenPort, version).Encode()
	if err != nil {
		return err
	}
	if err := peerprotocol.WriteExtended(c.conn, peerprotocol.ExtensionIDHandshake, hs); err != nil {
		return err
	}
	if err := peerprotocol.Write(c.conn, peerprotocol.IDUnchoke, nil); err != nil {
		return err
	}
	if err := peerprotocol.Write(c.conn, peerprotocol.IDInterested, nil); err != nil {
		return err
	}
	// Read until the peer's extension handshake shows up. Everything else
	// before it is ignored.
	for {
		msg, err := peerprotocol.Read(c.conn)
		if err != nil {
			return err
		}
		if msg == nil || msg.ID != peerprotocol.IDExtended {
			continue
		}
		extID, payload, err := peerprotocol.SplitExtended(msg.Payload)
		if err != nil {
			return err
		}
		if extID != peerprotocol.ExtensionIDHandshake {
			continue
		}
		peerHS, err := peerprotocol.DecodeExtensionHandshake(payload)
		if err != nil {
			return err
		}
		c.extID, err = peerHS.ChunkExtensionID()
		if err != nil {
			return err
		}
		return c.conn.SetDeadline(time.Time{})
	}
}

// RequestChunk fetches one chunk from the peer and verifies it against
// hash before returning. Callers queue on the connection mutex; responses
// are matched by request id in FIFO order.
func (c *Conn) RequestChunk(ctx context.Context, hash xet.ChunkHash) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Failed {
		return nil, ErrFailed
	}
	c.touch()

	id := c.nextRequestID
	c.nextRequestID++

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.SetReadDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()

	deadline := time.Now().Add(c.timeouts.Request)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.fail()
		return nil, err
	}
	req := &peerprotocol.ChunkRequest{RequestID: id, Hash: hash}
	if err := peerprotocol.WriteExtended(c.conn, c.extID, req.Encode()); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.fail()
		return nil, err
	}

	stale := 0
	for {
		msg, err := peerprotocol.Read(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled at the I/O boundary. The connection
				// stays usable; the next request drains any
				// response still in flight for this id.
				c.conn.SetDeadline(time.Time{})
				return nil, ctx.Err()
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				c.conn.SetDeadline(time.Time{})
				return nil, ErrTimeout
			}
			c.fail()
			return nil, err
		}
		if msg == nil || msg.ID != peerprotocol.IDExtended {
			continue
		}
		extID, payload, err := peerprotocol.SplitExtended(msg.Payload)
		if err != nil {
			c.fail()
			return nil, err
		}
		if extID != peerprotocol.OurChunkExtensionID {
			continue
		}
		parsed, err := peerprotocol.ParseChunkMessage(payload)
		if err != nil {
			c.fail()
			return nil, err
		}
		respID, ok := chunkMessageRequestID(parsed)
		if !ok {
			continue
		}
		if respID != id {
			stale++
			c.log.Debugf("discarding stale response id %d while waiting for %d", respID, id)
			if stale > maxStaleDrain {
				c.fail()
				return nil, errors.New("peer stream out of sync")
			}
			continue
		}
		switch m := parsed.(type) {
		case *peerprotocol.ChunkResponse:
			if !c.verify.VerifyChunk(hash, m.Data) {
				c.fail()
				return nil, ErrChunkHashMismatch
			}
			c.conn.SetDeadline(time.Time{})
			return m.Data, nil
		case *peerprotocol.ChunkNotFound:
			c.conn.SetDeadline(time.Time{})
			return nil, ErrChunkNotFound
		case *peerprotocol.ChunkError:
			if m.Fatal() {
				c.fail()
			} else {
				c.conn.SetDeadline(time.Time{})
			}
			return nil, m
		}
	}
}

func chunkMessageRequestID(m interface{}) (uint32, bool) {
	switch t := m.(type) {
	case *peerprotocol.ChunkRequest:
		// Peers should not send requests on an outgoing connection;
		// ignore them.
		return 0, false
	case *peerprotocol.ChunkResponse:
		return t.RequestID, true
	case *peerprotocol.ChunkNotFound:
		return t.RequestID, true
	case *peerprotocol.ChunkError:
		return t.RequestID, true
	}
	return 0, false
}

// Addr returns the dialed address.
func (c *Conn) Addr() string { return c.addr }

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() identity.PeerID { return c.peerID }

// State returns the current connection state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// LastUsed returns the time of the last request on this connection.
func (c *Conn) LastUsed() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastUsed
}

func (c *Conn) touch() {
	c.stateMu.Lock()
	c.lastUsed = time.Now()
	c.stateMu.Unlock()
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Conn) fail() {
	c.setState(Failed)
	c.conn.Close()
}

// Close terminates the connection. It is safe to call multiple times.
func (c *Conn) Close() error {
	c.setState(Failed)
	return c.conn.Close()
}
