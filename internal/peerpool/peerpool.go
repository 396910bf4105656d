// Package peerpool maintains one connection per peer address with
// connect-once semantics and lazy eviction of failed connections.
package peerpool

import (
	"sync"
	"time"

	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/logger"
	"github.com/praveer13/zest/internal/peerconn"
)

// Dialer establishes a Ready connection to addr for swarm. Split out so
// tests can substitute the real connect.
type Dialer func(addr string, swarm identity.SwarmID) (*peerconn.Conn, error)

// Pool maps peer addresses to live connections.
//
// The pool mutex guards only the map. Connecting happens outside it, so a
// slow handshake never blocks unrelated lookups, and the pool never holds
// its own mutex together with a connection's mutex.
type Pool struct {
	dial        Dialer
	idleTimeout time.Duration
	log         logger.Logger

	mu    sync.Mutex
	conns map[string]*peerconn.Conn

	closeOnce sync.Once
	closeC    chan struct{}
}

// New returns a pool. Connections idle longer than idleTimeout are closed
// by a background reaper; zero disables reaping.
func New(dial Dialer, idleTimeout time.Duration) *Pool {
	p := &Pool{
		dial:        dial,
		idleTimeout: idleTimeout,
		log:         logger.New("peerpool"),
		conns:       make(map[string]*peerconn.Conn),
		closeC:      make(chan struct{}),
	}
	if idleTimeout > 0 {
		go p.reaper()
	}
	return p
}

// GetOrConnect returns the existing connection for addr or dials a new
// one. When two callers race on a cold address, one connection wins and
// the loser's is closed.
func (p *Pool) GetOrConnect(addr string, swarm identity.SwarmID) (*peerconn.Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[addr]; ok {
		if c.State() != peerconn.Failed {
			p.mu.Unlock()
			return c, nil
		}
		delete(p.conns, addr)
	}
	p.mu.Unlock()

	// Connect with no pool lock held.
	c, err := p.dial(addr, swarm)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if winner, ok := p.conns[addr]; ok && winner.State() != peerconn.Failed {
		p.mu.Unlock()
		c.Close()
		return winner, nil
	}
	p.conns[addr] = c
	p.mu.Unlock()
	return c, nil
}

// Evict removes addr's connection if it is the given one.
func (p *Pool) Evict(c *peerconn.Conn) {
	p.mu.Lock()
	if cur, ok := p.conns[c.Addr()]; ok && cur == c {
		delete(p.conns, c.Addr())
	}
	p.mu.Unlock()
	c.Close()
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) reaper() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.closeC:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)
	var idle []*peerconn.Conn
	p.mu.Lock()
	for addr, c := range p.conns {
		if c.State() == peerconn.Failed || c.LastUsed().Before(cutoff) {
			delete(p.conns, addr)
			idle = append(idle, c)
		}
	}
	p.mu.Unlock()
	for _, c := range idle {
		p.log.Debugln("closing idle connection to", c.Addr())
		c.Close()
	}
}

// Close closes every pooled connection and stops the reaper.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closeC) })
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*peerconn.Conn)
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
