// Package xetlib is the built-in implementation of the xet interfaces:
// the xorb container codec, BLAKE3 chunk hashing, the 4-ary Merkle tree
// and CDN transfer.
package xetlib

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
	pkgerrors "github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/praveer13/zest/internal/xet"
)

const (
	containerMagic   = "XORB"
	containerVersion = 1

	// maxXorbSize bounds a container; xorbs top out at 64 MiB of chunk
	// payload.
	maxXorbSize = 68 << 20
)

// Domain-separation contexts for the hash tree.
const (
	chunkKeyContext    = "zest xorb chunk v1"
	interiorKeyContext = "zest xorb interior v1"
)

// merkleBranch is the tree's branching factor.
const merkleBranch = 4

var (
	chunkKey    [32]byte
	interiorKey [32]byte
)

func init() {
	blake3.DeriveKey(chunkKeyContext, nil, chunkKey[:])
	blake3.DeriveKey(interiorKeyContext, nil, interiorKey[:])
}

// Lib implements xet.Lib.
type Lib struct {
	httpClient *http.Client
}

var _ xet.Lib = (*Lib)(nil)

// New returns the library with a default HTTP client for CDN fetches.
func New() *Lib {
	return &Lib{httpClient: &http.Client{Timeout: 5 * time.Minute}}
}

func hashChunk(raw []byte) xet.ChunkHash {
	h, _ := blake3.NewKeyed(chunkKey[:])
	h.Write(raw)
	var out xet.ChunkHash
	h.Digest().Read(out[:])
	return out
}

// merkleRoot folds the ordered chunk hashes with branching factor 4 and a
// separate key for interior nodes.
func merkleRoot(hashes []xet.ChunkHash) xet.XorbHash {
	level := make([][32]byte, len(hashes))
	for i, h := range hashes {
		level[i] = h
	}
	if len(level) == 0 {
		level = [][32]byte{{}}
	}
	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += merkleBranch {
			end := i + merkleBranch
			if end > len(level) {
				end = len(level)
			}
			h, _ := blake3.NewKeyed(interiorKey[:])
			for _, child := range level[i:end] {
				h.Write(child[:])
			}
			var node [32]byte
			h.Digest().Read(node[:])
			next = append(next, node)
		}
		level = next
	}
	return xet.XorbHash(level[0])
}

// VerifyChunk checks compressed bytes against the chunk hash.
func (l *Lib) VerifyChunk(hash xet.ChunkHash, data []byte) bool {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return false
	}
	return hashChunk(raw) == hash
}

// DecompressChunk returns the original chunk bytes.
func (l *Lib) DecompressChunk(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// ParseXorb decodes a container and verifies every chunk hash and the
// Merkle root.
func (l *Lib) ParseXorb(hash xet.XorbHash, data []byte) (*xet.Xorb, error) {
	if len(data) < 12 || string(data[:4]) != containerMagic {
		return nil, fmt.Errorf("not a xorb container")
	}
	if v := binary.BigEndian.Uint32(data[4:]); v != containerVersion {
		return nil, fmt.Errorf("unsupported container version %d", v)
	}
	count := binary.BigEndian.Uint32(data[8:])
	pos := 12
	x := &xet.Xorb{Hash: hash}
	hashes := make([]xet.ChunkHash, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data)-pos < 4 {
			return nil, fmt.Errorf("truncated container at chunk %d", i)
		}
		clen := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if clen < 0 || len(data)-pos < clen {
			return nil, fmt.Errorf("truncated chunk %d payload", i)
		}
		compressed := data[pos : pos+clen]
		pos += clen
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "chunk %d", i)
		}
		ch := hashChunk(raw)
		hashes = append(hashes, ch)
		x.Chunks = append(x.Chunks, xet.Chunk{Hash: ch, Data: compressed})
	}
	// Footer repeats the chunk hashes for tooling that reads tails only.
	for i := uint32(0); i < count; i++ {
		if len(data)-pos < 32 {
			return nil, fmt.Errorf("truncated footer")
		}
		var fh xet.ChunkHash
		copy(fh[:], data[pos:])
		pos += 32
		if fh != hashes[i] {
			return nil, fmt.Errorf("footer hash %d does not match chunk data", i)
		}
	}
	if pos != len(data) {
		return nil, fmt.Errorf("trailing container bytes")
	}
	if merkleRoot(hashes) != hash {
		return nil, xet.ErrVerification
	}
	return x, nil
}

// AssembleXorb builds a container from compressed chunks and verifies it
// against hash.
func (l *Lib) AssembleXorb(hash xet.XorbHash, chunks [][]byte) ([]byte, error) {
	data := EncodeContainer(chunks)
	if _, err := l.ParseXorb(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

// EncodeContainer serializes compressed chunks into container bytes. The
// footer lists each chunk's hash.
func EncodeContainer(compressed [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(containerMagic)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], containerVersion)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(compressed)))
	buf.Write(u32[:])
	var hashes []xet.ChunkHash
	for _, c := range compressed {
		binary.BigEndian.PutUint32(u32[:], uint32(len(c)))
		buf.Write(u32[:])
		buf.Write(c)
		raw, err := snappy.Decode(nil, c)
		if err != nil {
			raw = nil
		}
		hashes = append(hashes, hashChunk(raw))
	}
	for _, h := range hashes {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

// BuildXorb compresses raw chunks and returns the container with its
// hash. Used by tooling and tests that create xorbs.
func BuildXorb(rawChunks [][]byte) (xet.XorbHash, []byte) {
	compressed := make([][]byte, len(rawChunks))
	hashes := make([]xet.ChunkHash, len(rawChunks))
	for i, raw := range rawChunks {
		compressed[i] = snappy.Encode(nil, raw)
		hashes[i] = hashChunk(raw)
	}
	return merkleRoot(hashes), EncodeContainer(compressed)
}

// DownloadXorb fetches container bytes from the presigned URL and
// verifies them. 4xx/5xx and verification failures are terminal.
func (l *Lib) DownloadXorb(ctx context.Context, hash xet.XorbHash, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdn returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxXorbSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxXorbSize {
		return nil, fmt.Errorf("cdn object exceeds container size limit")
	}
	if _, err := l.ParseXorb(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}
