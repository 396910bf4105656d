// Package resumer persists cumulative transfer totals across daemon
// restarts.
package resumer

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/praveer13/zest/internal/stats"
)

var statsBucket = []byte("stats")

var statKeys = []string{
	"bytes_from_peers",
	"bytes_from_cdn",
	"bytes_from_cache",
	"chunks_served",
	"bytes_served",
}

// Totals are lifetime transfer counters.
type Totals struct {
	BytesFromPeers int64 `json:"bytes_from_peers"`
	BytesFromCDN   int64 `json:"bytes_from_cdn"`
	BytesFromCache int64 `json:"bytes_from_cache"`
	ChunksServed   int64 `json:"chunks_served"`
	BytesServed    int64 `json:"bytes_served"`
}

// Resumer wraps the bolt database holding daemon state.
type Resumer struct {
	db *bolt.DB
}

// Open creates or opens the state database at path.
func Open(path string) (*Resumer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("state database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Resumer{db: db}, nil
}

// Add accumulates a session's counters into the lifetime totals.
func (r *Resumer) Add(s stats.Snapshot) error {
	deltas := []int64{s.BytesFromPeers, s.BytesFromCDN, s.BytesFromCache, s.ChunksServed, s.BytesServed}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statsBucket)
		for i, key := range statKeys {
			cur := getInt64(b, key)
			if err := putInt64(b, key, cur+deltas[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Totals returns the lifetime counters.
func (r *Resumer) Totals() (Totals, error) {
	var t Totals
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(statsBucket)
		t.BytesFromPeers = getInt64(b, statKeys[0])
		t.BytesFromCDN = getInt64(b, statKeys[1])
		t.BytesFromCache = getInt64(b, statKeys[2])
		t.ChunksServed = getInt64(b, statKeys[3])
		t.BytesServed = getInt64(b, statKeys[4])
		return nil
	})
	return t, err
}

func getInt64(b *bolt.Bucket, key string) int64 {
	v := b.Get([]byte(key))
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func putInt64(b *bolt.Bucket, key string, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return b.Put([]byte(key), buf[:])
}

// Close flushes and closes the database.
func (r *Resumer) Close() error { return r.db.Close() }
