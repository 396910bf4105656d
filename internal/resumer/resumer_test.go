package resumer

import (
	"path/filepath"
	"testing"

	"github.com/praveer13/zest/internal/stats"
)

func TestAddAndTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zest.db")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Add(stats.Snapshot{BytesFromPeers: 100, BytesFromCDN: 50, ChunksServed: 3}); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(stats.Snapshot{BytesFromPeers: 25, BytesServed: 9}); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	got, err := r2.Totals()
	if err != nil {
		t.Fatal(err)
	}
	if got.BytesFromPeers != 125 || got.BytesFromCDN != 50 || got.ChunksServed != 3 || got.BytesServed != 9 {
		t.Fatalf("totals = %+v", got)
	}
}
