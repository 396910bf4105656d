package xetlib

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/praveer13/zest/internal/xet"
)

// Client resolves repository revisions against the content-addressed
// service. All hashes on the wire use the service hex convention.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ xet.Client = (*Client)(nil)

// NewClient returns a resolver for the service at baseURL. token may be
// empty for public repositories.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: time.Minute},
	}
}

type wireManifest struct {
	Commit string `json:"commit"`
	Files  []struct {
		Path  string `json:"path"`
		Size  int64  `json:"size"`
		Terms []struct {
			Xorb  string `json:"xorb"`
			Start uint32 `json:"start"`
			End   uint32 `json:"end"`
			URL   string `json:"url"`
		} `json:"terms"`
	} `json:"files"`
	Xorbs []struct {
		Hash   string `json:"hash"`
		URL    string `json:"url"`
		Chunks []struct {
			Hash string `json:"hash"`
			Size uint32 `json:"size"`
		} `json:"chunks"`
	} `json:"xorbs"`
}

// Resolve fetches and decodes the reconstruction manifest for a
// revision.
func (c *Client) Resolve(ctx context.Context, repo, revision string) (*xet.Manifest, error) {
	u := fmt.Sprintf("%s/v1/manifest/%s/%s", c.baseURL, repo, revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, xet.ErrAuth
	default:
		return nil, fmt.Errorf("service returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	var wire wireManifest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, pkgerrors.Wrap(err, "manifest decode")
	}
	return decodeManifest(repo, revision, &wire)
}

func decodeManifest(repo, revision string, wire *wireManifest) (*xet.Manifest, error) {
	m := &xet.Manifest{
		Repo:     repo,
		Revision: revision,
		Commit:   wire.Commit,
		Xorbs:    make(map[xet.XorbHash]xet.XorbInfo, len(wire.Xorbs)),
	}
	for _, wx := range wire.Xorbs {
		hash, err := xet.XorbHashFromHex(wx.Hash)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "xorb hash")
		}
		info := xet.XorbInfo{Hash: hash, URL: wx.URL}
		for _, wc := range wx.Chunks {
			ch, err := xet.ChunkHashFromHex(wc.Hash)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "chunk hash")
			}
			info.Chunks = append(info.Chunks, xet.ChunkRef{Hash: ch, Size: wc.Size})
		}
		m.Xorbs[hash] = info
	}
	for _, wf := range wire.Files {
		f := xet.FileSpec{Path: wf.Path, Size: wf.Size}
		for _, wt := range wf.Terms {
			hash, err := xet.XorbHashFromHex(wt.Xorb)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "term xorb hash")
			}
			f.Terms = append(f.Terms, xet.Term{Xorb: hash, Start: wt.Start, End: wt.End, URL: wt.URL})
		}
		m.Files = append(m.Files, f)
	}
	return m, nil
}
