// Package cache is the content-addressed on-disk store for xorbs and the
// chunk index the seeder answers from.
package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/praveer13/zest/internal/logger"
	"github.com/praveer13/zest/internal/xet"
)

// ErrNotFound is returned when the requested xorb or chunk is not cached.
var ErrNotFound = errors.New("not found in cache")

type chunkLoc struct {
	xorb   xet.XorbHash
	index  int
	length uint32
}

// Cache owns the files under its root. All writes are temp-file + rename,
// so a path either doesn't exist or holds complete bytes.
//
// Layout:
//
//	xorbs/{xx}/{hex}  — xorb container bytes, byte-identical to the CDN payload
//	chunks/{xx}/{hex} — individual chunks, materialized on first seeding request
type Cache struct {
	root string
	lib  xet.Lib
	log  logger.Logger

	indexMu sync.RWMutex
	index   map[xet.ChunkHash]chunkLoc
	xorbs   map[xet.XorbHash]int // hash → chunk count
}

// Open creates the cache directories and rebuilds the chunk index from the
// xorbs already on disk. Files that fail verification are removed.
func Open(root string, lib xet.Lib) (*Cache, error) {
	c := &Cache{
		root:  root,
		lib:   lib,
		log:   logger.New("cache"),
		index: make(map[xet.ChunkHash]chunkLoc),
		xorbs: make(map[xet.XorbHash]int),
	}
	for _, dir := range []string{c.xorbDir(), c.chunkDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := c.rebuildIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) xorbDir() string  { return filepath.Join(c.root, "xorbs") }
func (c *Cache) chunkDir() string { return filepath.Join(c.root, "chunks") }

func (c *Cache) xorbPath(h xet.XorbHash) string {
	hex := h.Hex()
	return filepath.Join(c.xorbDir(), hex[:2], hex)
}

func (c *Cache) chunkPath(h xet.ChunkHash) string {
	hex := h.Hex()
	return filepath.Join(c.chunkDir(), hex[:2], hex)
}

func (c *Cache) rebuildIndex() error {
	entries, err := os.ReadDir(c.xorbDir())
	if err != nil {
		return err
	}
	for _, sub := range entries {
		if !sub.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.xorbDir(), sub.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			path := filepath.Join(c.xorbDir(), sub.Name(), f.Name())
			hash, err := xet.XorbHashFromHex(f.Name())
			if err != nil {
				c.log.Warningln("removing stray cache file", path)
				os.Remove(path)
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			parsed, err := c.lib.ParseXorb(hash, data)
			if err != nil {
				c.log.Warningln("removing corrupt cached xorb", hash)
				os.Remove(path)
				continue
			}
			c.indexXorb(parsed)
		}
	}
	c.log.Debugf("indexed %d cached xorbs", len(c.xorbs))
	return nil
}

func (c *Cache) indexXorb(x *xet.Xorb) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	for i, ch := range x.Chunks {
		c.index[ch.Hash] = chunkLoc{xorb: x.Hash, index: i, length: uint32(len(ch.Data))}
	}
	c.xorbs[x.Hash] = len(x.Chunks)
}

// HasXorb reports whether the xorb is cached.
func (c *Cache) HasXorb(h xet.XorbHash) bool {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()
	_, ok := c.xorbs[h]
	return ok
}

// XorbCount returns the number of cached xorbs.
func (c *Cache) XorbCount() int {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()
	return len(c.xorbs)
}

// Swarms returns the hashes of all cached xorbs.
func (c *Cache) Swarms() []xet.XorbHash {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()
	out := make([]xet.XorbHash, 0, len(c.xorbs))
	for h := range c.xorbs {
		out = append(out, h)
	}
	return out
}

// GetXorb returns the cached container bytes. The caller re-verifies
// through the parsing library before exposing them downstream.
func (c *Cache) GetXorb(h xet.XorbHash) ([]byte, error) {
	data, err := os.ReadFile(c.xorbPath(h))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PutXorb writes verified container bytes atomically and indexes the
// chunks for seeding. parsed must be the verified parse of data.
func (c *Cache) PutXorb(parsed *xet.Xorb, data []byte) error {
	if err := c.writeAtomic(c.xorbPath(parsed.Hash), data); err != nil {
		return pkgerrors.Wrap(err, "cache xorb write")
	}
	c.indexXorb(parsed)
	return nil
}

// EvictXorb removes a xorb and its index entries, e.g. after a read-side
// verification failure.
func (c *Cache) EvictXorb(h xet.XorbHash) {
	os.Remove(c.xorbPath(h))
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	delete(c.xorbs, h)
	for ch, loc := range c.index {
		if loc.xorb == h {
			delete(c.index, ch)
		}
	}
}

// HasChunk reports whether the chunk is indexed.
func (c *Cache) HasChunk(h xet.ChunkHash) bool {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()
	_, ok := c.index[h]
	return ok
}

// GetChunk returns a chunk's compressed bytes for seeding. Chunks are
// materialized under chunks/ on first request so repeat serves skip the
// container parse.
func (c *Cache) GetChunk(h xet.ChunkHash) ([]byte, error) {
	c.indexMu.RLock()
	loc, ok := c.index[h]
	c.indexMu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if data, err := os.ReadFile(c.chunkPath(h)); err == nil {
		if uint32(len(data)) == loc.length {
			return data, nil
		}
		os.Remove(c.chunkPath(h))
	}

	xorbData, err := c.GetXorb(loc.xorb)
	if err != nil {
		return nil, err
	}
	parsed, err := c.lib.ParseXorb(loc.xorb, xorbData)
	if err != nil {
		c.log.Warningln("evicting corrupt cached xorb", loc.xorb)
		c.EvictXorb(loc.xorb)
		return nil, ErrNotFound
	}
	if loc.index >= len(parsed.Chunks) {
		return nil, ErrNotFound
	}
	data := parsed.Chunks[loc.index].Data
	if err := c.writeAtomic(c.chunkPath(h), data); err != nil {
		// Serving still works without the materialized copy.
		c.log.Warningln("cannot materialize chunk:", err)
	}
	return data, nil
}

func (c *Cache) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
