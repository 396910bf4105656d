// Package btconn provides support for dialing and accepting BitTorrent
// connections carrying the zest chunk extension.
package btconn

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/peerprotocol"
)

const protocolString = "BitTorrent protocol"

// Reserved bit 20 from the right (offset 5, value 0x10) announces the
// extension protocol.
const (
	extensionReservedByte = 5
	extensionReservedBit  = 0x10
)

var (
	// ErrHandshakeMismatch is returned when the remote side speaks a
	// different protocol or a different swarm.
	ErrHandshakeMismatch = errors.New("handshake mismatch")

	// ErrOwnConnection is returned when a dialed peer turns out to be us.
	ErrOwnConnection = errors.New("dropped own connection")
)

func writeHandshake(w io.Writer, swarm identity.SwarmID, peerID identity.PeerID) error {
	var buf [68]byte
	buf[0] = byte(len(protocolString))
	copy(buf[1:], protocolString)
	buf[20+extensionReservedByte] |= extensionReservedBit
	copy(buf[28:], swarm[:])
	copy(buf[48:], peerID[:])
	_, err := w.Write(buf[:])
	return err
}

func readHandshake(r io.Reader) (swarm identity.SwarmID, peerID identity.PeerID, extProtocol bool, err error) {
	var buf [68]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	if buf[0] != byte(len(protocolString)) || string(buf[1:20]) != protocolString {
		err = ErrHandshakeMismatch
		return
	}
	extProtocol = buf[20+extensionReservedByte]&extensionReservedBit != 0
	copy(swarm[:], buf[28:48])
	copy(peerID[:], buf[48:68])
	return
}

// Dial opens a TCP connection to addr and exchanges handshakes for swarm.
// The returned connection has no deadline set.
func Dial(addr string, connectTimeout, handshakeTimeout time.Duration, swarm identity.SwarmID, ourID identity.PeerID) (net.Conn, identity.PeerID, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, identity.PeerID{}, err
	}
	remoteID, err := handshakeOut(conn, handshakeTimeout, swarm, ourID)
	if err != nil {
		conn.Close()
		return nil, identity.PeerID{}, err
	}
	return conn, remoteID, nil
}

func handshakeOut(conn net.Conn, timeout time.Duration, swarm identity.SwarmID, ourID identity.PeerID) (identity.PeerID, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return identity.PeerID{}, err
	}
	if err := writeHandshake(conn, swarm, ourID); err != nil {
		return identity.PeerID{}, err
	}
	remoteSwarm, remoteID, extProtocol, err := readHandshake(conn)
	if err != nil {
		return identity.PeerID{}, err
	}
	if remoteSwarm != swarm {
		return identity.PeerID{}, ErrHandshakeMismatch
	}
	if remoteID == ourID {
		return identity.PeerID{}, ErrOwnConnection
	}
	if !extProtocol {
		return identity.PeerID{}, peerprotocol.ErrExtensionNotSupported
	}
	return remoteID, conn.SetDeadline(time.Time{})
}

// Accept performs the server side of the handshake on an already-accepted
// connection. The remote swarm is echoed back whether or not we hold its
// xorb; requests for chunks we don't have are answered at the message
// layer.
func Accept(conn net.Conn, handshakeTimeout time.Duration, ourID identity.PeerID) (swarm identity.SwarmID, peerID identity.PeerID, err error) {
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	var extProtocol bool
	swarm, peerID, extProtocol, err = readHandshake(conn)
	if err != nil {
		return
	}
	if !extProtocol {
		err = peerprotocol.ErrExtensionNotSupported
		return
	}
	if peerID == ourID {
		err = ErrOwnConnection
		return
	}
	if err = writeHandshake(conn, swarm, ourID); err != nil {
		return
	}
	err = conn.SetDeadline(time.Time{})
	return
}
