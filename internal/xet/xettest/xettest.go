// Package xettest provides an in-memory implementation of the xet
// interfaces for tests: a toy container format with SHA-256 standing in
// for the real chunk and Merkle hashes, and identity compression.
package xettest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/praveer13/zest/internal/xet"
)

// ChunkHash hashes chunk bytes the way the fake library does.
func ChunkHash(data []byte) xet.ChunkHash {
	return xet.ChunkHash(sha256.Sum256(data))
}

// XorbHash hashes the ordered chunk hashes.
func XorbHash(chunkHashes []xet.ChunkHash) xet.XorbHash {
	h := sha256.New()
	for _, ch := range chunkHashes {
		h.Write(ch[:])
	}
	var out xet.XorbHash
	copy(out[:], h.Sum(nil))
	return out
}

// MakeXorb builds a container from chunk payloads and returns its hash,
// bytes and parsed form.
func MakeXorb(chunks [][]byte) (xet.XorbHash, []byte, *xet.Xorb) {
	hashes := make([]xet.ChunkHash, len(chunks))
	for i, c := range chunks {
		hashes[i] = ChunkHash(c)
	}
	root := XorbHash(hashes)
	data := encodeContainer(chunks)
	parsed := &xet.Xorb{Hash: root}
	for i, c := range chunks {
		parsed.Chunks = append(parsed.Chunks, xet.Chunk{Hash: hashes[i], Data: c})
	}
	return root, data, parsed
}

// Refs returns the ChunkRef list for a parsed xorb.
func Refs(x *xet.Xorb) []xet.ChunkRef {
	refs := make([]xet.ChunkRef, len(x.Chunks))
	for i, c := range x.Chunks {
		refs[i] = xet.ChunkRef{Hash: c.Hash, Size: uint32(len(c.Data))}
	}
	return refs
}

func encodeContainer(chunks [][]byte) []byte {
	var out []byte
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(chunks)))
	out = append(out, lenBuf[:]...)
	for _, c := range chunks {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c)))
		out = append(out, lenBuf[:]...)
		out = append(out, c...)
	}
	return out
}

// Lib is the fake library. CDN maps presigned URLs to container bytes for
// DownloadXorb.
type Lib struct {
	mu           sync.Mutex
	CDN          map[string][]byte
	CDNDownloads int
}

// NewLib returns a fake library with an empty CDN.
func NewLib() *Lib {
	return &Lib{CDN: make(map[string][]byte)}
}

var _ xet.Lib = (*Lib)(nil)

func (l *Lib) ParseXorb(hash xet.XorbHash, data []byte) (*xet.Xorb, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("container too short")
	}
	n := binary.BigEndian.Uint32(data)
	pos := 4
	x := &xet.Xorb{Hash: hash}
	var hashes []xet.ChunkHash
	for i := uint32(0); i < n; i++ {
		if len(data)-pos < 4 {
			return nil, fmt.Errorf("truncated container")
		}
		clen := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if len(data)-pos < clen {
			return nil, fmt.Errorf("truncated chunk %d", i)
		}
		c := data[pos : pos+clen]
		pos += clen
		ch := ChunkHash(c)
		hashes = append(hashes, ch)
		x.Chunks = append(x.Chunks, xet.Chunk{Hash: ch, Data: c})
	}
	if pos != len(data) {
		return nil, fmt.Errorf("trailing container bytes")
	}
	if XorbHash(hashes) != hash {
		return nil, xet.ErrVerification
	}
	return x, nil
}

func (l *Lib) AssembleXorb(hash xet.XorbHash, chunks [][]byte) ([]byte, error) {
	data := encodeContainer(chunks)
	if _, err := l.ParseXorb(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (l *Lib) VerifyChunk(hash xet.ChunkHash, data []byte) bool {
	return ChunkHash(data) == hash
}

func (l *Lib) DecompressChunk(data []byte) ([]byte, error) {
	return data, nil
}

func (l *Lib) DownloadXorb(ctx context.Context, hash xet.XorbHash, url string) ([]byte, error) {
	l.mu.Lock()
	data, ok := l.CDN[url]
	l.CDNDownloads++
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("cdn: no object at %s", url)
	}
	if _, err := l.ParseXorb(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Downloads returns how many times DownloadXorb ran.
func (l *Lib) Downloads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.CDNDownloads
}

// Client is a static manifest resolver.
type Client struct {
	Manifest *xet.Manifest
	Err      error
}

var _ xet.Client = (*Client)(nil)

func (c *Client) Resolve(ctx context.Context, repo, revision string) (*xet.Manifest, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Manifest, nil
}
