package identity

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/praveer13/zest/internal/xet"
)

func TestNewPeerID(t *testing.T) {
	id, err := NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(id[:], []byte(ClientTag)) {
		t.Fatalf("peer id %q does not start with client tag", id[:])
	}
	id2, err := NewPeerID()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(id[8:], id2[8:]) {
		t.Fatal("two peer ids share the same random suffix")
	}
}

func TestSwarmDeterministic(t *testing.T) {
	var h xet.XorbHash
	h[31] = 0x01
	a := Swarm(h)
	b := Swarm(h)
	if a != b {
		t.Fatal("swarm id is not deterministic")
	}
	want := sha1.Sum(append([]byte("zest-xet-v1:"), h[:]...))
	if a != SwarmID(want) {
		t.Fatalf("swarm id = %x, want %x", a, want)
	}
}

func TestSwarmDistinct(t *testing.T) {
	var a, b xet.XorbHash
	b[0] = 0xff
	if Swarm(a) == Swarm(b) {
		t.Fatal("distinct xorbs mapped to the same swarm")
	}
}
