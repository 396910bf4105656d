// Package identity generates the process peer ID and maps xorbs to their
// swarm identifiers.
package identity

import (
	"crypto/rand"
	"crypto/sha1"

	"github.com/praveer13/zest/internal/xet"
)

// ClientTag occupies the first 8 bytes of every peer ID.
const ClientTag = "-ZE0400-"

// swarmPrefix domain-separates swarm IDs from other SHA1 uses of xorb
// hashes.
const swarmPrefix = "zest-xet-v1:"

// PeerID is the 20-byte identifier sent in BT handshakes.
type PeerID [20]byte

// SwarmID names the swarm of peers holding one xorb.
type SwarmID [20]byte

// NewPeerID returns ClientTag followed by 12 random bytes. Generated once
// per process.
func NewPeerID() (PeerID, error) {
	var id PeerID
	copy(id[:], ClientTag)
	if _, err := rand.Read(id[len(ClientTag):]); err != nil {
		return PeerID{}, err
	}
	return id, nil
}

// Swarm returns the deterministic swarm ID for a xorb.
func Swarm(h xet.XorbHash) SwarmID {
	s := sha1.New()
	s.Write([]byte(swarmPrefix))
	s.Write(h[:])
	var id SwarmID
	copy(id[:], s.Sum(nil))
	return id
}
