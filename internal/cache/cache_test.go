package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/praveer13/zest/internal/xet/xettest"
)

func newCache(t *testing.T) (*Cache, *xettest.Lib, string) {
	t.Helper()
	root := t.TempDir()
	lib := xettest.NewLib()
	c, err := Open(root, lib)
	if err != nil {
		t.Fatal(err)
	}
	return c, lib, root
}

func TestPutGetXorb(t *testing.T) {
	c, _, root := newCache(t)
	hash, data, parsed := xettest.MakeXorb([][]byte{[]byte("aaa"), []byte("bbbb")})
	if err := c.PutXorb(parsed, data); err != nil {
		t.Fatal(err)
	}
	if !c.HasXorb(hash) {
		t.Fatal("HasXorb = false after put")
	}
	got, err := c.GetXorb(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("cached bytes differ")
	}
	hex := hash.Hex()
	if _, err := os.Stat(filepath.Join(root, "xorbs", hex[:2], hex)); err != nil {
		t.Fatalf("expected cache file at xorbs/%s/%s: %v", hex[:2], hex, err)
	}
}

func TestGetXorbMissing(t *testing.T) {
	c, _, _ := newCache(t)
	_, data, parsed := xettest.MakeXorb([][]byte{[]byte("x")})
	_ = data
	if _, err := c.GetXorb(parsed.Hash); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestChunkIndexAndMaterialization(t *testing.T) {
	c, _, root := newCache(t)
	chunks := [][]byte{[]byte("first chunk"), []byte("second chunk")}
	_, data, parsed := xettest.MakeXorb(chunks)
	if err := c.PutXorb(parsed, data); err != nil {
		t.Fatal(err)
	}
	for i, chunk := range chunks {
		h := parsed.Chunks[i].Hash
		if !c.HasChunk(h) {
			t.Fatalf("chunk %d not indexed", i)
		}
		got, err := c.GetChunk(h)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, chunk) {
			t.Fatalf("chunk %d bytes differ", i)
		}
		// Materialized on first request.
		hex := h.Hex()
		if _, err := os.Stat(filepath.Join(root, "chunks", hex[:2], hex)); err != nil {
			t.Fatalf("chunk %d not materialized: %v", i, err)
		}
		// Second read comes from the materialized file.
		got, err = c.GetChunk(h)
		if err != nil || !bytes.Equal(got, chunk) {
			t.Fatalf("materialized read: %v", err)
		}
	}
}

func TestEvictXorb(t *testing.T) {
	c, _, _ := newCache(t)
	hash, data, parsed := xettest.MakeXorb([][]byte{[]byte("gone soon")})
	if err := c.PutXorb(parsed, data); err != nil {
		t.Fatal(err)
	}
	c.EvictXorb(hash)
	if c.HasXorb(hash) {
		t.Fatal("xorb still present after evict")
	}
	if c.HasChunk(parsed.Chunks[0].Hash) {
		t.Fatal("chunk index entry survived evict")
	}
	if _, err := c.GetXorb(hash); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReopenRebuildsIndex(t *testing.T) {
	root := t.TempDir()
	lib := xettest.NewLib()
	c, err := Open(root, lib)
	if err != nil {
		t.Fatal(err)
	}
	hash, data, parsed := xettest.MakeXorb([][]byte{[]byte("persisted")})
	if err := c.PutXorb(parsed, data); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(root, lib)
	if err != nil {
		t.Fatal(err)
	}
	if !c2.HasXorb(hash) {
		t.Fatal("reopened cache lost the xorb")
	}
	if !c2.HasChunk(parsed.Chunks[0].Hash) {
		t.Fatal("reopened cache lost the chunk index")
	}
}

func TestReopenRemovesCorruptFiles(t *testing.T) {
	root := t.TempDir()
	lib := xettest.NewLib()
	c, err := Open(root, lib)
	if err != nil {
		t.Fatal(err)
	}
	hash, data, parsed := xettest.MakeXorb([][]byte{[]byte("will corrupt")})
	if err := c.PutXorb(parsed, data); err != nil {
		t.Fatal(err)
	}
	hex := hash.Hex()
	path := filepath.Join(root, "xorbs", hex[:2], hex)
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(root, lib)
	if err != nil {
		t.Fatal(err)
	}
	if c2.HasXorb(hash) {
		t.Fatal("corrupt xorb survived reopen")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("corrupt file not removed")
	}
}

func TestNoPartialFilesVisible(t *testing.T) {
	c, _, root := newCache(t)
	_, data, parsed := xettest.MakeXorb([][]byte{[]byte("atomic")})
	if err := c.PutXorb(parsed, data); err != nil {
		t.Fatal(err)
	}
	var leftovers []string
	filepath.Walk(filepath.Join(root, "xorbs"), func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.Contains(info.Name(), ".tmp") {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	if len(leftovers) > 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}
