package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/xornet-io/xornet/internal/routing"
)

// Sender is the slice of the router the cache drives: resume routing on
// a miss, answer in the target group's stead on a hit.
type Sender interface {
	CacheForward(m *routing.Message)
	CacheReply(request *routing.Message, payload []byte)
}

// Config controls the content cache.
type Config struct {
	// MaxSizeMB caps the in-memory store.
	MaxSizeMB int `yaml:"max_size_mb"`

	// TTL evicts entries untouched for this long.
	TTL time.Duration `yaml:"ttl"`
}

// Stats counts cache activity.
type Stats struct {
	Hits   atomic.Uint64
	Misses atomic.Uint64
	Stores atomic.Uint64
}

// Manager caches self-validating content as it flows past this node.
// Content is keyed by the BLAKE2b-512 digest of its bytes, which is
// also the name requesters ask for, so a cached copy can answer a GET
// without consulting the target group.
type Manager struct {
	logger *zap.Logger
	store  *bigcache.BigCache
	sender Sender
	stats  Stats
}

// NewManager creates the cache around a bigcache store.
func NewManager(cfg Config, sender Sender, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 64
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	bcfg := bigcache.DefaultConfig(cfg.TTL)
	bcfg.HardMaxCacheSize = cfg.MaxSizeMB
	bcfg.Verbose = false
	store, err := bigcache.New(context.Background(), bcfg)
	if err != nil {
		return nil, fmt.Errorf("create cache store: %w", err)
	}
	return &Manager{
		logger: logger.Named("cache"),
		store:  store,
		sender: sender,
	}, nil
}

// HandleGetFromCache answers a cacheable GET request from the store, or
// resumes routing when the content is not held locally. The request's
// first data frame is the content name.
func (m *Manager) HandleGetFromCache(msg *routing.Message) {
	key := hex.EncodeToString(msg.Data[0])
	content, err := m.store.Get(key)
	if err != nil {
		m.stats.Misses.Add(1)
		m.sender.CacheForward(msg)
		return
	}
	m.stats.Hits.Add(1)
	m.logger.Debug("cache hit", zap.String("name", shortKey(key)), zap.Uint32("msg_id", msg.ID))
	m.sender.CacheReply(msg, content)
}

// AddToCache stores the content of a cacheable PUT response passing
// through. Routing continues in the caller; this only keeps a copy.
func (m *Manager) AddToCache(msg *routing.Message) {
	if len(msg.Data) == 0 {
		return
	}
	content := msg.Data[0]
	digest := blake2b.Sum512(content)
	key := hex.EncodeToString(digest[:])
	if err := m.store.Set(key, content); err != nil {
		m.logger.Warn("cache store failed", zap.String("name", shortKey(key)), zap.Error(err))
		return
	}
	m.stats.Stores.Add(1)
	m.logger.Debug("content cached",
		zap.String("name", shortKey(key)), zap.Int("bytes", len(content)))
}

// Snapshot returns current counters and the number of held entries.
func (m *Manager) Snapshot() (hits, misses, stores uint64, entries int) {
	return m.stats.Hits.Load(), m.stats.Misses.Load(), m.stats.Stores.Load(), m.store.Len()
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16] + ".."
	}
	return key
}
