package peerpool

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/praveer13/zest/internal/btconn"
	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/peerconn"
	"github.com/praveer13/zest/internal/peerprotocol"
	"github.com/praveer13/zest/internal/xet"
)

type okVerify struct{}

func (okVerify) VerifyChunk(xet.ChunkHash, []byte) bool { return true }

// startPeer runs a handshake-only remote peer accepting any number of
// connections.
func startPeer(t *testing.T) string {
	t.Helper()
	id, err := identity.NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				if _, _, err := btconn.Accept(conn, 5*time.Second, id); err != nil {
					return
				}
				hs, _ := peerprotocol.NewExtensionHandshake(0, "test peer").Encode()
				if peerprotocol.WriteExtended(conn, peerprotocol.ExtensionIDHandshake, hs) != nil {
					return
				}
				for {
					if _, err := peerprotocol.Read(conn); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return l.Addr().String()
}

func testDialer(t *testing.T, dialCount *int32) Dialer {
	t.Helper()
	ourID, err := identity.NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	return func(addr string, swarm identity.SwarmID) (*peerconn.Conn, error) {
		if dialCount != nil {
			atomic.AddInt32(dialCount, 1)
		}
		return peerconn.Connect(addr, swarm, ourID, 0, "zest test", peerconn.DefaultTimeouts, okVerify{})
	}
}

func TestGetOrConnectReuses(t *testing.T) {
	addr := startPeer(t)
	var dials int32
	p := New(testDialer(t, &dials), 0)
	defer p.Close()

	var swarm identity.SwarmID
	a, err := p.GetOrConnect(addr, swarm)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.GetOrConnect(addr, swarm)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected the same pooled connection")
	}
	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("dialed %d times, want 1", dials)
	}
}

func TestGetOrConnectConcurrentSingleWinner(t *testing.T) {
	addr := startPeer(t)
	p := New(testDialer(t, nil), 0)
	defer p.Close()

	var swarm identity.SwarmID
	const n = 8
	conns := make([]*peerconn.Conn, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			c, err := p.GetOrConnect(addr, swarm)
			if err != nil {
				t.Error(err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()
	// Losers' connections are discarded; all callers end with the winner.
	for i := 1; i < n; i++ {
		if conns[i] != conns[0] {
			t.Fatal("concurrent callers got different connections")
		}
	}
	if p.Len() != 1 {
		t.Fatalf("pool holds %d connections, want 1", p.Len())
	}
}

func TestFailedConnectionEvictedLazily(t *testing.T) {
	addr := startPeer(t)
	var dials int32
	p := New(testDialer(t, &dials), 0)
	defer p.Close()

	var swarm identity.SwarmID
	a, err := p.GetOrConnect(addr, swarm)
	if err != nil {
		t.Fatal(err)
	}
	a.Close() // drives state to Failed
	b, err := p.GetOrConnect(addr, swarm)
	if err != nil {
		t.Fatal(err)
	}
	if b == a {
		t.Fatal("failed connection was returned again")
	}
	if atomic.LoadInt32(&dials) != 2 {
		t.Fatalf("dialed %d times, want 2", dials)
	}
}

func TestDialErrorPropagates(t *testing.T) {
	wantErr := errors.New("connect refused")
	p := New(func(string, identity.SwarmID) (*peerconn.Conn, error) {
		return nil, wantErr
	}, 0)
	defer p.Close()
	if _, err := p.GetOrConnect("10.0.0.1:6881", identity.SwarmID{}); err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if p.Len() != 0 {
		t.Fatal("failed dial must not leave a pool entry")
	}
}
