package directory

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/praveer13/zest/internal/bencode"
	"github.com/praveer13/zest/internal/identity"
	"github.com/praveer13/zest/internal/logger"
)

// HTTPTracker talks the classic announce GET protocol with compact peer
// lists.
type HTTPTracker struct {
	announceURL string
	peerID      identity.PeerID
	client      *http.Client
	log         logger.Logger
}

var _ Directory = (*HTTPTracker)(nil)

// NewHTTPTracker returns a tracker client for one announce URL.
func NewHTTPTracker(announceURL string, peerID identity.PeerID, timeout time.Duration) *HTTPTracker {
	return &HTTPTracker{
		announceURL: announceURL,
		peerID:      peerID,
		client:      &http.Client{Timeout: timeout},
		log:         logger.New("tracker " + announceURL),
	}
}

func (t *HTTPTracker) request(ctx context.Context, swarm identity.SwarmID, listenPort uint16, event string) (bencode.Dict, error) {
	q := url.Values{}
	q.Set("info_hash", string(swarm[:]))
	q.Set("peer_id", string(t.peerID[:]))
	q.Set("port", strconv.Itoa(int(listenPort)))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", "0")
	q.Set("compact", "1")
	if event != "" {
		q.Set("event", event)
	}
	u := t.announceURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("invalid tracker response: %v", err)
	}
	dict, ok := v.(bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}
	if reason, ok := dict.Get("failure reason").(bencode.String); ok {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}
	return dict, nil
}

func (t *HTTPTracker) FindPeers(ctx context.Context, swarm identity.SwarmID) ([]string, time.Duration, error) {
	dict, err := t.request(ctx, swarm, 0, "")
	if err != nil {
		return nil, 0, err
	}
	var peers []string
	if blob, ok := dict.Get("peers").(bencode.String); ok {
		p, err := parseCompactPeers(blob, net.IPv4len)
		if err != nil {
			t.log.Debugln("ignoring peers field:", err)
		}
		peers = append(peers, p...)
	}
	if blob, ok := dict.Get("peers6").(bencode.String); ok {
		p, err := parseCompactPeers(blob, net.IPv6len)
		if err != nil {
			t.log.Debugln("ignoring peers6 field:", err)
		}
		peers = append(peers, p...)
	}
	ttl := DefaultTTL
	if interval, ok := dict.Get("interval").(bencode.Int); ok && interval > 0 {
		ttl = time.Duration(interval) * time.Second
	}
	return peers, ttl, nil
}

func (t *HTTPTracker) Announce(ctx context.Context, swarm identity.SwarmID, listenPort uint16) error {
	_, err := t.request(ctx, swarm, listenPort, "started")
	return err
}

func (t *HTTPTracker) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// parseCompactPeers decodes fixed-size ip+port records.
func parseCompactPeers(blob []byte, ipLen int) ([]string, error) {
	recLen := ipLen + 2
	if len(blob)%recLen != 0 {
		return nil, fmt.Errorf("compact peer blob of %d bytes is not a multiple of %d", len(blob), recLen)
	}
	peers := make([]string, 0, len(blob)/recLen)
	for off := 0; off < len(blob); off += recLen {
		ip := net.IP(blob[off : off+ipLen])
		port := int(blob[off+ipLen])<<8 | int(blob[off+ipLen+1])
		peers = append(peers, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return peers, nil
}
