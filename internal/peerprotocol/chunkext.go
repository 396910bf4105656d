package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/praveer13/zest/internal/xet"
)

// Chunk extension message types, carried as the first byte of the extended
// payload.
const (
	ChunkMsgRequest  uint8 = 0x01
	ChunkMsgResponse uint8 = 0x02
	ChunkMsgNotFound uint8 = 0x03
	ChunkMsgError    uint8 = 0x04
)

// ChunkErrorFatalBase splits transient from fatal error codes. Fatal codes
// terminate the connection.
const ChunkErrorFatalBase uint32 = 0x1000

// ChunkRequest asks the peer for one chunk by hash.
type ChunkRequest struct {
	RequestID uint32
	Hash      xet.ChunkHash
}

// ChunkResponse carries the compressed chunk bytes.
type ChunkResponse struct {
	RequestID uint32
	Data      []byte
}

// ChunkNotFound declines a request; the requester may try another peer.
type ChunkNotFound struct {
	RequestID uint32
	Hash      xet.ChunkHash
}

// ChunkError reports a failure serving a request.
type ChunkError struct {
	RequestID uint32
	Code      uint32
	Message   string
}

// Fatal reports whether the error code requires closing the connection.
func (e *ChunkError) Fatal() bool { return e.Code >= ChunkErrorFatalBase }

func (e *ChunkError) Error() string {
	kind := "transient"
	if e.Fatal() {
		kind = "fatal"
	}
	return fmt.Sprintf("peer chunk error (%s, code %#x): %s", kind, e.Code, e.Message)
}

// Encode returns the extension payload: type byte followed by the fields.

func (m *ChunkRequest) Encode() []byte {
	buf := make([]byte, 1+4+32)
	buf[0] = ChunkMsgRequest
	binary.BigEndian.PutUint32(buf[1:], m.RequestID)
	copy(buf[5:], m.Hash[:])
	return buf
}

func (m *ChunkResponse) Encode() []byte {
	buf := make([]byte, 1+4+4+len(m.Data))
	buf[0] = ChunkMsgResponse
	binary.BigEndian.PutUint32(buf[1:], m.RequestID)
	binary.BigEndian.PutUint32(buf[5:], uint32(len(m.Data)))
	copy(buf[9:], m.Data)
	return buf
}

func (m *ChunkNotFound) Encode() []byte {
	buf := make([]byte, 1+4+32)
	buf[0] = ChunkMsgNotFound
	binary.BigEndian.PutUint32(buf[1:], m.RequestID)
	copy(buf[5:], m.Hash[:])
	return buf
}

func (m *ChunkError) Encode() []byte {
	msg := []byte(m.Message)
	buf := make([]byte, 1+4+4+len(msg))
	buf[0] = ChunkMsgError
	binary.BigEndian.PutUint32(buf[1:], m.RequestID)
	binary.BigEndian.PutUint32(buf[5:], m.Code)
	copy(buf[9:], msg)
	return buf
}

// ParseChunkMessage decodes an extended payload into one of the four chunk
// message types.
func ParseChunkMessage(payload []byte) (interface{}, error) {
	if len(payload) < 1 {
		return nil, errors.New("empty chunk extension message")
	}
	typ, body := payload[0], payload[1:]
	switch typ {
	case ChunkMsgRequest:
		if len(body) != 36 {
			return nil, fmt.Errorf("chunk request must be 36 bytes, got %d", len(body))
		}
		m := &ChunkRequest{RequestID: binary.BigEndian.Uint32(body)}
		copy(m.Hash[:], body[4:])
		return m, nil
	case ChunkMsgResponse:
		if len(body) < 8 {
			return nil, fmt.Errorf("chunk response too short: %d bytes", len(body))
		}
		dataLen := binary.BigEndian.Uint32(body[4:])
		if uint32(len(body)-8) != dataLen {
			return nil, fmt.Errorf("chunk response length field %d does not match payload %d", dataLen, len(body)-8)
		}
		return &ChunkResponse{
			RequestID: binary.BigEndian.Uint32(body),
			Data:      body[8:],
		}, nil
	case ChunkMsgNotFound:
		if len(body) != 36 {
			return nil, fmt.Errorf("chunk not-found must be 36 bytes, got %d", len(body))
		}
		m := &ChunkNotFound{RequestID: binary.BigEndian.Uint32(body)}
		copy(m.Hash[:], body[4:])
		return m, nil
	case ChunkMsgError:
		if len(body) < 8 {
			return nil, fmt.Errorf("chunk error too short: %d bytes", len(body))
		}
		msg := body[8:]
		if !utf8.Valid(msg) {
			return nil, errors.New("chunk error message is not valid UTF-8")
		}
		return &ChunkError{
			RequestID: binary.BigEndian.Uint32(body),
			Code:      binary.BigEndian.Uint32(body[4:]),
			Message:   string(msg),
		}, nil
	default:
		return nil, fmt.Errorf("unknown chunk extension message type %#x", typ)
	}
}
