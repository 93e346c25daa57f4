package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xornet-io/xornet/internal/logging"
	"github.com/xornet-io/xornet/internal/routing"
)

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig         `yaml:"node"`
	Transport TransportConfig    `yaml:"transport"`
	Routing   routing.Parameters `yaml:"routing"`
	Cache     CacheConfig        `yaml:"cache"`
	Peerstore PeerstoreConfig    `yaml:"peerstore"`
	API       APIConfig          `yaml:"api"`
	Logging   logging.Config     `yaml:"logging"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	// IdentityPath is the keypair file; generated on first start.
	IdentityPath string `yaml:"identity_path"`

	// ClientMode joins as a non-routing leaf node.
	ClientMode bool `yaml:"client_mode"`

	// BootstrapEndpoints are tried in order when joining.
	BootstrapEndpoints []string `yaml:"bootstrap_endpoints"`
}

// TransportConfig controls the TCP listener.
type TransportConfig struct {
	ListenAddress string `yaml:"listen_address"`

	// AdvertiseAddress overrides the address handed to peers; defaults
	// to the listener's address.
	AdvertiseAddress string `yaml:"advertise_address"`
}

// CacheConfig controls the content cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxSizeMB caps the in-memory cache size.
	MaxSizeMB int `yaml:"max_size_mb"`

	// TTL evicts entries untouched for this long.
	TTL time.Duration `yaml:"ttl"`
}

// PeerstoreConfig controls bootstrap-contact persistence.
type PeerstoreConfig struct {
	// Path is the sqlite database file; empty disables persistence.
	Path string `yaml:"path"`

	// MaxEndpoints bounds how many contacts are kept.
	MaxEndpoints int `yaml:"max_endpoints"`
}

// APIConfig controls the HTTP status endpoint.
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Default returns a runnable configuration.
func Default() Config {
	cfg := Config{
		Node: NodeConfig{
			IdentityPath: "data/identity.yaml",
		},
		Transport: TransportConfig{
			ListenAddress: "0.0.0.0:5483",
		},
		Routing: routing.DefaultParameters(),
		Cache: CacheConfig{
			Enabled:   true,
			MaxSizeMB: 64,
			TTL:       10 * time.Minute,
		},
		Peerstore: PeerstoreConfig{
			Path:         "data/peers.db",
			MaxEndpoints: 100,
		},
		API: APIConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1:8080",
		},
		Logging: logging.DefaultConfig(),
	}
	cfg.Routing.CachingEnabled = cfg.Cache.Enabled
	return cfg
}

// Load reads the configuration at path, layering file values and then
// environment overrides on top of the defaults. A missing file is not
// an error: defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	// The cache block is the single caching switch; the routing layer's
	// cacheable clauses follow it.
	cfg.Routing.CachingEnabled = cfg.Cache.Enabled
	cfg.Routing.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Transport.ListenAddress == "" {
		return fmt.Errorf("transport.listen_address is required")
	}
	if c.Node.IdentityPath == "" {
		return fmt.Errorf("node.identity_path is required")
	}
	if c.Cache.Enabled && c.Cache.MaxSizeMB <= 0 {
		return fmt.Errorf("cache.max_size_mb must be positive when the cache is enabled")
	}
	if c.API.Enabled && c.API.ListenAddress == "" {
		return fmt.Errorf("api.listen_address is required when the API is enabled")
	}
	return nil
}

// applyEnv overlays XORNET_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("XORNET_LISTEN_ADDRESS"); v != "" {
		c.Transport.ListenAddress = v
	}
	if v := os.Getenv("XORNET_ADVERTISE_ADDRESS"); v != "" {
		c.Transport.AdvertiseAddress = v
	}
	if v := os.Getenv("XORNET_IDENTITY_PATH"); v != "" {
		c.Node.IdentityPath = v
	}
	if v := os.Getenv("XORNET_BOOTSTRAP"); v != "" {
		c.Node.BootstrapEndpoints = splitAndTrim(v)
	}
	if v := os.Getenv("XORNET_CLIENT_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Node.ClientMode = b
		}
	}
	if v := os.Getenv("XORNET_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("XORNET_API_ADDRESS"); v != "" {
		c.API.ListenAddress = v
		c.API.Enabled = true
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
