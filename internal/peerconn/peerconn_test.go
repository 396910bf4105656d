package peerconn

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/praveer13/zest/internal/btconn"
	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/peerprotocol"
	"github.com/praveer13/zest/internal/xet"
)

type alwaysVerify struct{}

func (alwaysVerify) VerifyChunk(xet.ChunkHash, []byte) bool { return true }

type neverVerify struct{}

func (neverVerify) VerifyChunk(xet.ChunkHash, []byte) bool { return false }

// fakePeer runs a scripted remote side: full handshake, then handler per
// chunk request.
func fakePeer(t *testing.T, handler func(conn net.Conn, req *peerprotocol.ChunkRequest)) (addr string, swarm identity.SwarmID) {
	t.Helper()
	id, err := identity.NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	swarm[3] = 0x42
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := btconn.Accept(conn, 5*time.Second, id); err != nil {
			return
		}
		hs, _ := peerprotocol.NewExtensionHandshake(0, "test peer").Encode()
		if err := peerprotocol.WriteExtended(conn, peerprotocol.ExtensionIDHandshake, hs); err != nil {
			return
		}
		for {
			msg, err := peerprotocol.Read(conn)
			if err != nil {
				return
			}
			if msg == nil || msg.ID != peerprotocol.IDExtended {
				continue
			}
			extID, payload, err := peerprotocol.SplitExtended(msg.Payload)
			if err != nil || extID != peerprotocol.OurChunkExtensionID {
				continue
			}
			parsed, err := peerprotocol.ParseChunkMessage(payload)
			if err != nil {
				return
			}
			if req, ok := parsed.(*peerprotocol.ChunkRequest); ok {
				handler(conn, req)
			}
		}
	}()
	return l.Addr().String(), swarm
}

func connect(t *testing.T, addr string, swarm identity.SwarmID, verify ChunkVerifier, timeouts Timeouts) *Conn {
	t.Helper()
	ourID, err := identity.NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	c, err := Connect(addr, swarm, ourID, 0, "zest test", timeouts, verify)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRequestChunkSuccess(t *testing.T) {
	data := []byte("compressed chunk data")
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		resp := &peerprotocol.ChunkResponse{RequestID: req.RequestID, Data: data}
		peerprotocol.WriteExtended(conn, peerprotocol.OurChunkExtensionID, resp.Encode())
	})
	c := connect(t, addr, swarm, alwaysVerify{}, DefaultTimeouts)
	var h xet.ChunkHash
	got, err := c.RequestChunk(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q", got)
	}
	if c.State() != Ready {
		t.Fatalf("state = %v, want Ready", c.State())
	}
}

func TestRequestChunkFIFOMatching(t *testing.T) {
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		resp := &peerprotocol.ChunkResponse{RequestID: req.RequestID, Data: req.Hash[:1]}
		peerprotocol.WriteExtended(conn, peerprotocol.OurChunkExtensionID, resp.Encode())
	})
	c := connect(t, addr, swarm, alwaysVerify{}, DefaultTimeouts)
	for i := byte(0); i < 5; i++ {
		var h xet.ChunkHash
		h[0] = i
		got, err := c.RequestChunk(context.Background(), h)
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != i {
			t.Fatalf("response for request %d carries %d", i, got[0])
		}
	}
}

func TestRequestChunkNotFound(t *testing.T) {
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		nf := &peerprotocol.ChunkNotFound{RequestID: req.RequestID, Hash: req.Hash}
		peerprotocol.WriteExtended(conn, peerprotocol.OurChunkExtensionID, nf.Encode())
	})
	c := connect(t, addr, swarm, alwaysVerify{}, DefaultTimeouts)
	_, err := c.RequestChunk(context.Background(), xet.ChunkHash{})
	if err != ErrChunkNotFound {
		t.Fatalf("err = %v, want ErrChunkNotFound", err)
	}
	if c.State() != Ready {
		t.Fatal("not-found must leave the connection usable")
	}
}

func TestRequestChunkHashMismatchFailsConn(t *testing.T) {
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		resp := &peerprotocol.ChunkResponse{RequestID: req.RequestID, Data: []byte("garbage")}
		peerprotocol.WriteExtended(conn, peerprotocol.OurChunkExtensionID, resp.Encode())
	})
	c := connect(t, addr, swarm, neverVerify{}, DefaultTimeouts)
	_, err := c.RequestChunk(context.Background(), xet.ChunkHash{})
	if err != ErrChunkHashMismatch {
		t.Fatalf("err = %v, want ErrChunkHashMismatch", err)
	}
	if c.State() != Failed {
		t.Fatal("hash mismatch must fail the connection")
	}
	if _, err := c.RequestChunk(context.Background(), xet.ChunkHash{}); err != ErrFailed {
		t.Fatalf("request on failed conn: err = %v, want ErrFailed", err)
	}
}

func TestRequestChunkTransientError(t *testing.T) {
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		ce := &peerprotocol.ChunkError{RequestID: req.RequestID, Code: 0x1, Message: "busy"}
		peerprotocol.WriteExtended(conn, peerprotocol.OurChunkExtensionID, ce.Encode())
	})
	c := connect(t, addr, swarm, alwaysVerify{}, DefaultTimeouts)
	_, err := c.RequestChunk(context.Background(), xet.ChunkHash{})
	ce, ok := err.(*peerprotocol.ChunkError)
	if !ok || ce.Fatal() {
		t.Fatalf("err = %v", err)
	}
	if c.State() != Ready {
		t.Fatal("transient error must leave the connection usable")
	}
}

func TestRequestChunkFatalError(t *testing.T) {
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		ce := &peerprotocol.ChunkError{RequestID: req.RequestID, Code: 0x1000, Message: "go away"}
		peerprotocol.WriteExtended(conn, peerprotocol.OurChunkExtensionID, ce.Encode())
	})
	c := connect(t, addr, swarm, alwaysVerify{}, DefaultTimeouts)
	_, err := c.RequestChunk(context.Background(), xet.ChunkHash{})
	ce, ok := err.(*peerprotocol.ChunkError)
	if !ok || !ce.Fatal() {
		t.Fatalf("err = %v", err)
	}
	if c.State() != Failed {
		t.Fatal("fatal error must fail the connection")
	}
}

func TestRequestChunkTimeout(t *testing.T) {
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		// Never answer.
	})
	timeouts := DefaultTimeouts
	timeouts.Request = 200 * time.Millisecond
	c := connect(t, addr, swarm, alwaysVerify{}, timeouts)
	start := time.Now()
	_, err := c.RequestChunk(context.Background(), xet.ChunkHash{})
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout took too long")
	}
	if c.State() != Ready {
		t.Fatal("timeout must leave the connection usable")
	}
}

func TestRequestChunkCancel(t *testing.T) {
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		// Never answer.
	})
	c := connect(t, addr, swarm, alwaysVerify{}, DefaultTimeouts)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.RequestChunk(ctx, xet.ChunkHash{})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.State() != Ready {
		t.Fatal("cancellation must not fail the connection")
	}
}

func TestRequestChunkPeerClosed(t *testing.T) {
	addr, swarm := fakePeer(t, func(conn net.Conn, req *peerprotocol.ChunkRequest) {
		conn.Close()
	})
	c := connect(t, addr, swarm, alwaysVerify{}, DefaultTimeouts)
	if _, err := c.RequestChunk(context.Background(), xet.ChunkHash{}); err == nil {
		t.Fatal("expected error after peer close")
	}
	if c.State() != Failed {
		t.Fatal("peer close must fail the connection")
	}
}
