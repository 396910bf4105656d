// Package peerprotocol implements the message stream spoken after the BT
// handshake: length-prefixed frames, the BEP 10 extension envelope and the
// ut_xet chunk transfer extension.
package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/bencode"
)

// Standard message IDs used by zest. All other standard IDs are read and
// ignored.
const (
	IDChoke      uint8 = 0
	IDUnchoke    uint8 = 1
	IDInterested uint8 = 2
	IDExtended   uint8 = 20
)

// ExtensionIDHandshake is the reserved extended-message ID of the extension
// handshake itself.
const ExtensionIDHandshake uint8 = 0

// ExtensionKeyChunk is the name under which the chunk extension is
// announced in the handshake "m" dictionary.
const ExtensionKeyChunk = "ut_xet"

// OurChunkExtensionID is the ID we announce for inbound chunk messages.
// Outbound frames use whatever ID the peer announced.
const OurChunkExtensionID uint8 = 1

// MaxFrameLength bounds a single message frame. Chunks top out at 128 KiB
// before compression, so anything near this limit is a framing error.
const MaxFrameLength = 1 << 20

var (
	ErrFrameTooLarge = errors.New("message frame exceeds maximum length")

	// ErrExtensionNotSupported is returned when the peer's extension
	// handshake does not announce ut_xet.
	ErrExtensionNotSupported = errors.New("peer does not support the chunk extension")
)

// RawMessage is one framed message. A nil RawMessage from Read means the
// peer sent a keep-alive.
type RawMessage struct {
	ID      uint8
	Payload []byte
}

// Read reads one length-prefixed frame. Returns (nil, nil) for keep-alives.
func Read(r io.Reader) (*RawMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &RawMessage{ID: buf[0], Payload: buf[1:]}, nil
}

// Write writes one framed message.
func Write(w io.Writer, id uint8, payload []byte) error {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = id
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteKeepAlive writes a zero-length frame.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// WriteExtended wraps payload in the extension envelope and writes it.
func WriteExtended(w io.Writer, extID uint8, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = extID
	copy(buf[1:], payload)
	return Write(w, IDExtended, buf)
}

// SplitExtended splits an IDExtended payload into its extension ID and
// inner payload.
func SplitExtended(payload []byte) (uint8, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, errors.New("empty extended message")
	}
	return payload[0], payload[1:], nil
}

// ExtensionHandshake is the bencoded payload of extended message 0.
type ExtensionHandshake struct {
	M    map[string]uint8 `bencode:"m"`
	Port uint16           `bencode:"p,omitempty"`
	V    string           `bencode:"v,omitempty"`
}

// NewExtensionHandshake returns our side of the extension handshake.
func NewExtensionHandshake(listenPort uint16, version string) *ExtensionHandshake {
	return &ExtensionHandshake{
		M:    map[string]uint8{ExtensionKeyChunk: OurChunkExtensionID},
		Port: listenPort,
		V:    version,
	}
}

// Encode returns the bencoded handshake dictionary.
func (h *ExtensionHandshake) Encode() ([]byte, error) {
	return bencode.EncodeBytes(h)
}

// DecodeExtensionHandshake parses a peer's extension handshake.
func DecodeExtensionHandshake(payload []byte) (*ExtensionHandshake, error) {
	var h ExtensionHandshake
	if err := bencode.DecodeBytes(payload, &h); err != nil {
		return nil, fmt.Errorf("invalid extension handshake: %v", err)
	}
	return &h, nil
}

// ChunkExtensionID returns the ID the peer wants on chunk frames we send,
// or ErrExtensionNotSupported.
func (h *ExtensionHandshake) ChunkExtensionID() (uint8, error) {
	if h.M == nil {
		return 0, ErrExtensionNotSupported
	}
	id, ok := h.M[ExtensionKeyChunk]
	if !ok {
		return 0, ErrExtensionNotSupported
	}
	return id, nil
}
