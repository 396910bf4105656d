package btconn

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/praveer13/zest/internal/identity"
)

func testIDs(t *testing.T) (identity.PeerID, identity.PeerID) {
	t.Helper()
	a, err := identity.NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	b, err := identity.NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestHandshakeFrame(t *testing.T) {
	var swarm identity.SwarmID
	swarm[0] = 0xaa
	id, _ := testIDs(t)
	var buf bytes.Buffer
	if err := writeHandshake(&buf, swarm, id); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	if len(raw) != 68 {
		t.Fatalf("handshake is %d bytes, want 68", len(raw))
	}
	if raw[0] != 19 || string(raw[1:20]) != "BitTorrent protocol" {
		t.Fatalf("bad protocol header %q", raw[:20])
	}
	if raw[25]&0x10 == 0 {
		t.Fatal("extension protocol bit not set")
	}
	gotSwarm, gotID, ext, err := readHandshake(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if gotSwarm != swarm || gotID != id || !ext {
		t.Fatalf("readHandshake = %x %x %v", gotSwarm, gotID, ext)
	}
}

func TestHandshakeMismatch(t *testing.T) {
	raw := make([]byte, 68)
	raw[0] = 19
	copy(raw[1:], "AnotherProtocol tag")
	if _, _, _, err := readHandshake(bytes.NewReader(raw)); err != ErrHandshakeMismatch {
		t.Fatalf("err = %v, want ErrHandshakeMismatch", err)
	}
}

func TestDialAccept(t *testing.T) {
	ourID, theirID := testIDs(t)
	var swarm identity.SwarmID
	swarm[7] = 0x33

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		defer conn.Close()
		gotSwarm, gotID, err := Accept(conn, 5*time.Second, theirID)
		if err == nil {
			if gotSwarm != swarm {
				t.Errorf("server saw swarm %x, want %x", gotSwarm, swarm)
			}
			if gotID != ourID {
				t.Errorf("server saw peer id %x, want %x", gotID, ourID)
			}
		}
		acceptErr <- err
	}()

	conn, remoteID, err := Dial(l.Addr().String(), 3*time.Second, 5*time.Second, swarm, ourID)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if remoteID != theirID {
		t.Fatalf("dial saw peer id %x, want %x", remoteID, theirID)
	}
	if err := <-acceptErr; err != nil {
		t.Fatal(err)
	}
}

func TestDialRejectsWrongSwarm(t *testing.T) {
	ourID, theirID := testIDs(t)
	var swarm, otherSwarm identity.SwarmID
	otherSwarm[0] = 1

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Read the client handshake, answer with a different swarm.
		buf := make([]byte, 68)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		writeHandshake(conn, otherSwarm, theirID)
	}()

	if _, _, err := Dial(l.Addr().String(), 3*time.Second, 5*time.Second, swarm, ourID); err != ErrHandshakeMismatch {
		t.Fatalf("err = %v, want ErrHandshakeMismatch", err)
	}
}
