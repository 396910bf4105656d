package xetlib

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/praveer13/zest/internal/xet"
)

func TestBuildParseRoundTrip(t *testing.T) {
	lib := New()
	raw := [][]byte{[]byte("first raw chunk"), []byte("second raw chunk"), bytes.Repeat([]byte{0xab}, 4096)}
	hash, data := BuildXorb(raw)

	parsed, err := lib.ParseXorb(hash, data)
	require.NoError(t, err)
	require.Len(t, parsed.Chunks, 3)
	for i, c := range parsed.Chunks {
		got, err := lib.DecompressChunk(c.Data)
		require.NoError(t, err)
		require.Equal(t, raw[i], got)
		require.True(t, lib.VerifyChunk(c.Hash, c.Data))
	}
}

func TestParseRejectsTamperedChunk(t *testing.T) {
	lib := New()
	hash, data := BuildXorb([][]byte{[]byte("authentic bytes here")})
	// Flip a byte inside the chunk payload (header is 12 bytes, length
	// prefix 4 more).
	data[20] ^= 0xff
	_, err := lib.ParseXorb(hash, data)
	require.Error(t, err)
}

func TestParseRejectsWrongRoot(t *testing.T) {
	lib := New()
	hash, data := BuildXorb([][]byte{[]byte("chunk a"), []byte("chunk b")})
	hash[0] ^= 1
	_, err := lib.ParseXorb(hash, data)
	require.Error(t, err)
}

func TestMerkleBranchingMatters(t *testing.T) {
	// Five chunks forces a second tree level with the 4-ary fold.
	raw := make([][]byte, 5)
	for i := range raw {
		raw[i] = []byte{byte(i), byte(i + 1)}
	}
	lib := New()
	hash, data := BuildXorb(raw)
	_, err := lib.ParseXorb(hash, data)
	require.NoError(t, err)
}

func TestAssembleXorb(t *testing.T) {
	lib := New()
	raw := [][]byte{[]byte("assembled one"), []byte("assembled two")}
	hash, data := BuildXorb(raw)
	parsed, err := lib.ParseXorb(hash, data)
	require.NoError(t, err)

	compressed := make([][]byte, len(parsed.Chunks))
	for i, c := range parsed.Chunks {
		compressed[i] = c.Data
	}
	rebuilt, err := lib.AssembleXorb(hash, compressed)
	require.NoError(t, err)
	require.Equal(t, data, rebuilt)

	// Swapping chunk order changes the Merkle root.
	compressed[0], compressed[1] = compressed[1], compressed[0]
	_, err = lib.AssembleXorb(hash, compressed)
	require.Error(t, err)
}

func TestDownloadXorb(t *testing.T) {
	lib := New()
	hash, data := BuildXorb([][]byte{[]byte("served by cdn")})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	got, err := lib.DownloadXorb(context.Background(), hash, srv.URL)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestDownloadXorbBadStatus(t *testing.T) {
	lib := New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	_, err := lib.DownloadXorb(context.Background(), xet.XorbHash{}, srv.URL)
	require.Error(t, err)
}

func TestClientResolve(t *testing.T) {
	hash, _ := BuildXorb([][]byte{[]byte("manifest chunk")})
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{
			"commit": "deadbeef",
			"files": [{"path": "a.bin", "size": 14, "terms": [{"xorb": "` + hash.Hex() + `", "start": 0, "end": 1, "url": "https://cdn/x"}]}],
			"xorbs": [{"hash": "` + hash.Hex() + `", "url": "https://cdn/x", "chunks": []}]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok123")
	m, err := c.Resolve(context.Background(), "acme/tiny", "main")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", m.Commit)
	require.Equal(t, "Bearer tok123", sawAuth)
	require.Len(t, m.Files, 1)
	require.Equal(t, hash, m.Files[0].Terms[0].Xorb)
	_, ok := m.Xorbs[hash]
	require.True(t, ok)
}

func TestClientResolveAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "")
	_, err := c.Resolve(context.Background(), "acme/tiny", "main")
	require.ErrorIs(t, err, xet.ErrAuth)
}
