// Package xet defines the boundary to the content-addressed store library:
// hash types, reconstruction terms, and the interfaces zest calls for
// chunking, verification and CDN transfer.
package xet

import (
	"context"
	"errors"
)

// XorbHash identifies a xorb: the Merkle root over its chunks.
type XorbHash [32]byte

// ChunkHash identifies a single chunk inside a xorb.
type ChunkHash [32]byte

var (
	// ErrAuth is returned by Client implementations when the access token
	// is missing or rejected by the service.
	ErrAuth = errors.New("invalid or missing access token")

	// ErrVerification is returned when xorb bytes do not hash to the
	// expected Merkle root.
	ErrVerification = errors.New("xorb verification failed")
)

// ChunkRef describes one chunk of a xorb as reported by the reconstruction
// response. Size is the compressed on-wire size.
type ChunkRef struct {
	Hash ChunkHash
	Size uint32
}

// Term contributes the chunk range [Start, End) of a xorb to a file.
type Term struct {
	Xorb  XorbHash
	Start uint32
	End   uint32
	URL   string
}

// FileSpec is one file of a repository snapshot with its reconstruction
// terms in order.
type FileSpec struct {
	Path  string
	Size  int64
	Terms []Term
}

// XorbInfo carries everything known about a xorb before its bytes arrive.
type XorbInfo struct {
	Hash   XorbHash
	URL    string
	Chunks []ChunkRef
}

// Manifest is the resolved form of a repository revision.
type Manifest struct {
	Repo     string
	Revision string
	Commit   string
	Files    []FileSpec
	Xorbs    map[XorbHash]XorbInfo
}

// Chunk is a parsed chunk; Data holds the compressed bytes as stored in the
// xorb container.
type Chunk struct {
	Hash ChunkHash
	Data []byte
}

// Xorb is a parsed, verified xorb container.
type Xorb struct {
	Hash   XorbHash
	Chunks []Chunk
}

// Lib is the chunking/hashing library. Implementations own the container
// format, the Merkle tree and chunk compression; zest never reimplements
// them.
type Lib interface {
	// ParseXorb parses container bytes and verifies the Merkle root
	// against hash. Returns ErrVerification on mismatch.
	ParseXorb(hash XorbHash, data []byte) (*Xorb, error)

	// AssembleXorb builds container bytes from compressed chunks in order
	// and verifies the result against hash.
	AssembleXorb(hash XorbHash, chunks [][]byte) ([]byte, error)

	// VerifyChunk reports whether data hashes to hash.
	VerifyChunk(hash ChunkHash, data []byte) bool

	// DecompressChunk returns the original chunk bytes.
	DecompressChunk(data []byte) ([]byte, error)

	// DownloadXorb fetches a xorb from its presigned URL and verifies it.
	DownloadXorb(ctx context.Context, hash XorbHash, url string) ([]byte, error)
}

// Client resolves repository revisions against the content-addressed
// service.
type Client interface {
	Resolve(ctx context.Context, repo, revision string) (*Manifest, error)
}
