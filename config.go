// Package zest is a peer-to-peer acceleration layer for content-addressed
// model artifacts: repositories resolve to xorbs, and every xorb races the
// local cache, the peer swarm and the CDN.
package zest

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config holds daemon and transfer settings. Timeout values are seconds
// in the YAML file.
type Config struct {
	// Port is the TCP port the seeding server listens on. The DHT,
	// when enabled, shares the same numeric port over UDP.
	Port uint16 `yaml:"port"`

	// HTTPPort is the localhost control surface port.
	HTTPPort uint16 `yaml:"http_port"`

	// CacheDir is the zest cache root (xorbs, chunks, state db, pid).
	CacheDir string `yaml:"cache_dir"`

	// HFHome is the Hugging Face cache root snapshots are written to.
	HFHome string `yaml:"hf_home"`

	P2P struct {
		Disabled   bool     `yaml:"disabled"`
		Peers      []string `yaml:"peers"`
		Trackers   []string `yaml:"trackers"`
		DHT        bool     `yaml:"dht"`
		DHTRouters string   `yaml:"dht_routers"`
	} `yaml:"p2p"`

	// ParallelXorbs bounds concurrent xorb downloads. 1 forces the
	// sequential path.
	ParallelXorbs int `yaml:"parallel_xorbs"`

	ConnectTimeout   int `yaml:"connect_timeout"`
	HandshakeTimeout int `yaml:"handshake_timeout"`
	RequestTimeout   int `yaml:"request_timeout"`
	PeerIdleTimeout  int `yaml:"peer_idle_timeout"`

	// MaxPeerAccept caps concurrently served inbound peers.
	MaxPeerAccept int `yaml:"max_peer_accept"`

	// SeedRequestsPerSecond caps the per-connection request read rate.
	SeedRequestsPerSecond float64 `yaml:"seed_requests_per_second"`
}

// Version is reported in extension handshakes and on the status surface.
const Version = "0.4.0"

// DefaultConfig is the daemon's built-in configuration.
var DefaultConfig = Config{
	Port:                  6881,
	HTTPPort:              9847,
	ParallelXorbs:         16,
	ConnectTimeout:        3,
	HandshakeTimeout:      5,
	RequestTimeout:        10,
	PeerIdleTimeout:       300,
	MaxPeerAccept:         64,
	SeedRequestsPerSecond: 512,
}

// LoadConfig reads the YAML file if it exists and applies environment
// overrides. A missing file yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filename)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err = yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HF_HOME"); v != "" {
		c.HFHome = v
	}
	if v := os.Getenv("ZEST_PORT"); v != "" {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		c.Port = uint16(p)
	}
	if v := os.Getenv("ZEST_HTTP_PORT"); v != "" {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		c.HTTPPort = uint16(p)
	}
	var err error
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join("~", ".cache", "zest")
	}
	if c.CacheDir, err = homedir.Expand(c.CacheDir); err != nil {
		return err
	}
	if c.HFHome == "" {
		c.HFHome = filepath.Join("~", ".cache", "huggingface")
	}
	if c.HFHome, err = homedir.Expand(c.HFHome); err != nil {
		return err
	}
	return nil
}

// Token returns the service auth token from the environment.
func Token() string {
	return os.Getenv("HF_TOKEN")
}

// Duration helpers for the seconds-valued YAML fields.

func (c *Config) ConnectTimeoutD() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}
func (c *Config) HandshakeTimeoutD() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}
func (c *Config) RequestTimeoutD() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
func (c *Config) PeerIdleTimeoutD() time.Duration {
	return time.Duration(c.PeerIdleTimeout) * time.Second
}
