// Package cache implements the Semantic Cache: an in-process LRU
// authoritative tier with exact-fingerprint lookup, backed by a
// nearest-neighbor probe over stored embeddings above a similarity
// floor, and an optional shared L2 tier over Redis.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deepresearch/orchestrator/internal/models"
	"github.com/deepresearch/orchestrator/internal/repository"
)

// Config tunes the cache.
type Config struct {
	MaxEntries  int
	SimThreshold float64
}

// Cache is the Semantic Cache. The in-process LRU is
// authoritative; repo and redis are additive, warm-restart tiers.
type Cache struct {
	mu      sync.Mutex
	lru     *list.List
	index   map[string]*list.Element
	maxSize int
	simThreshold float64

	repo  repository.CacheRepository
	redis *goredis.Client // optional L2, nil if REDIS_URL unset
}

type entry struct {
	key   string
	value *models.CacheEntry
}

// New constructs a Cache. redisClient may be nil.
func New(cfg Config, repo repository.CacheRepository, redisClient *goredis.Client) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.SimThreshold <= 0 {
		cfg.SimThreshold = 0.85
	}
	return &Cache{
		lru:          list.New(),
		index:        make(map[string]*list.Element),
		maxSize:      cfg.MaxEntries,
		simThreshold: cfg.SimThreshold,
		repo:         repo,
		redis:        redisClient,
	}
}

// GetExact returns the cached value for an exact fingerprint match, or
// nil if absent or expired. Expired entries are lazily removed.
func (c *Cache) GetExact(ctx context.Context, key string) (*models.CacheEntry, bool) {
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if e.value.Expired(time.Now().UTC()) {
			c.removeLocked(el)
		} else {
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			return e.value, true
		}
	}
	c.mu.Unlock()

	// Warm-restart fallback: check the durable L1, then the optional L2.
	stored, err := c.repo.Get(ctx, key)
	if err == nil && stored != nil && !stored.Expired(time.Now().UTC()) {
		c.putLocal(stored)
		return stored, true
	}
	if c.redis != nil {
		if val, err := c.redis.Get(ctx, "cache:"+key).Result(); err == nil {
			entry := &models.CacheEntry{Key: key, Value: val, InsertedAt: time.Now().UTC()}
			c.putLocal(entry)
			return entry, true
		}
	}
	return nil, false
}

// FindNearest probes the durable nearest-neighbor index for the closest
// entry whose cosine similarity clears the configured threshold.
func (c *Cache) FindNearest(ctx context.Context, queryEmbedding []float32) (*models.CacheEntry, float64, bool) {
	entry, sim, err := c.repo.FindNearest(ctx, queryEmbedding, c.simThreshold)
	if err != nil || entry == nil {
		return nil, sim, false
	}
	if entry.Expired(time.Now().UTC()) {
		return nil, sim, false
	}
	c.putLocal(entry)
	return entry, sim, true
}

// Put stores a value under key with its query embedding, evicting the
// LRU tail if the in-process cache is at capacity, and persisting to
// the durable repository (and optional Redis L2).
func (c *Cache) Put(ctx context.Context, key string, queryEmbedding []float32, value string, ttl time.Duration) error {
	entry := &models.CacheEntry{
		Key:            key,
		QueryEmbedding: queryEmbedding,
		Value:          value,
		InsertedAt:     time.Now().UTC(),
		TTL:            ttl,
	}
	c.putLocal(entry)

	if err := c.repo.Put(ctx, entry); err != nil {
		return err
	}
	if c.redis != nil {
		c.redis.Set(ctx, "cache:"+key, value, ttl)
	}
	return nil
}

func (c *Cache) putLocal(e *models.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[e.Key]; ok {
		el.Value.(*entry).value = e
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{key: e.Key, value: e})
	c.index[e.Key] = el

	for c.lru.Len() > c.maxSize {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.index, e.key)
	c.lru.Remove(el)
}

// DeleteExpired sweeps the durable store. Called periodically by a
// background reaper alongside job-TTL cleanup.
func (c *Cache) DeleteExpired(ctx context.Context) (int, error) {
	return c.repo.DeleteExpired(ctx, time.Now().UTC())
}
