package session

import (
	"context"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/praveer13/zest/internal/bridge"
	"github.com/praveer13/zest/internal/orchestrator"
	"github.com/praveer13/zest/internal/stats"
)

// PullEvent is one entry of a pull's progress stream.
type PullEvent struct {
	Type           string `json:"type"` // file | progress | complete | error
	Pull           string `json:"pull,omitempty"`
	Path           string `json:"path,omitempty"`
	Size           int64  `json:"size,omitempty"`
	Xorb           string `json:"xorb,omitempty"`
	Bytes          int64  `json:"bytes,omitempty"`
	Source         string `json:"source,omitempty"`
	BytesFromPeers int64  `json:"bytes_from_peers,omitempty"`
	BytesFromCDN   int64  `json:"bytes_from_cdn,omitempty"`
	Commit         string `json:"commit,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Pull downloads a repository revision into the hub cache layout. emit,
// if non-nil, receives progress events. Peer-layer trouble never fails a
// pull; resolution, CDN and verification errors do.
func (s *Session) Pull(ctx context.Context, repo, revision string, emit func(PullEvent)) error {
	if revision == "" {
		revision = "main"
	}
	if emit == nil {
		emit = func(PullEvent) {}
	}
	pullID := uuid.NewV4().String()
	s.log.Infof("pull %s: %s@%s", pullID, repo, revision)

	manifest, err := s.client.Resolve(ctx, repo, revision)
	if err != nil {
		return pkgerrors.Wrapf(err, "resolve %s@%s", repo, revision)
	}

	var fromPeers, fromCDN, fromCache int64
	orch := orchestrator.New(s.bridge, s.lib, orchestrator.Config{
		Parallel: s.cfg.ParallelXorbs,
		OnXorb: func(e orchestrator.Event) {
			switch e.Source {
			case bridge.SourcePeer:
				atomic.AddInt64(&fromPeers, e.Bytes)
				s.stats.BytesFromPeers.Inc(e.Bytes)
			case bridge.SourceCDN:
				atomic.AddInt64(&fromCDN, e.Bytes)
				s.stats.BytesFromCDN.Inc(e.Bytes)
			case bridge.SourceCache:
				atomic.AddInt64(&fromCache, e.Bytes)
				s.stats.BytesFromCache.Inc(e.Bytes)
			}
			emit(PullEvent{
				Type:   "progress",
				Pull:   pullID,
				Xorb:   e.Xorb.Hex(),
				Bytes:  e.Bytes,
				Source: string(e.Source),
			})
		},
		OnFile: func(path string, size int64, complete bool) {
			if !complete {
				emit(PullEvent{Type: "file", Pull: pullID, Path: path, Size: size})
			}
		},
	})

	dest := s.hf.SnapshotDir(repo, manifest.Commit)
	if err := orch.Download(ctx, manifest, dest); err != nil {
		return err
	}
	if err := s.hf.WriteRef(repo, revision, manifest.Commit); err != nil {
		return pkgerrors.Wrap(err, "write ref")
	}

	if err := s.res.Add(stats.Snapshot{
		BytesFromPeers: atomic.LoadInt64(&fromPeers),
		BytesFromCDN:   atomic.LoadInt64(&fromCDN),
		BytesFromCache: atomic.LoadInt64(&fromCache),
	}); err != nil {
		s.log.Errorln("cannot persist pull totals:", err)
	}

	// Freshly cached xorbs become seedable immediately; tell the
	// directory about them.
	s.announceAll()

	emit(PullEvent{
		Type:           "complete",
		Pull:           pullID,
		Commit:         manifest.Commit,
		BytesFromPeers: atomic.LoadInt64(&fromPeers),
		BytesFromCDN:   atomic.LoadInt64(&fromCDN),
	})
	s.log.Infof("pull %s complete: %d bytes from peers, %d from cdn, %d from cache",
		pullID, fromPeers, fromCDN, fromCache)
	return nil
}
