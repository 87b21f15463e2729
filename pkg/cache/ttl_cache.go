// Package cache provides a sharded in-memory TTL cache. It backs the
// credential store's token cache, where mutation for a given key must be
// serialized (one writer per account email).
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const defaultShardCount = 16

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type shard[V any] struct {
	mu   sync.RWMutex
	data map[string]entry[V]
}

// TTLCache is a sharded map with per-entry expiry. Keys are strings; shard
// selection is FNV-1a over the key.
type TTLCache[V any] struct {
	shards     []*shard[V]
	defaultTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a cache with the given default TTL and starts a cleanup loop.
func New[V any](defaultTTL time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{
		shards:     make([]*shard[V], defaultShardCount),
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{data: make(map[string]entry[V])}
	}
	go c.cleanupLoop()
	return c
}

func (c *TTLCache[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the cached value if present and not expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()

	var zero V
	if !ok || time.Now().After(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the default TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores a value with an explicit TTL.
func (c *TTLCache[V]) SetTTL(key string, value V, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.data[key] = entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

// Delete removes a key.
func (c *TTLCache[V]) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// Len counts live entries across all shards.
func (c *TTLCache[V]) Len() int {
	now := time.Now()
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.data {
			if now.Before(e.expiresAt) {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

// Close stops the cleanup loop.
func (c *TTLCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TTLCache[V]) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			for _, s := range c.shards {
				s.mu.Lock()
				for k, e := range s.data {
					if now.After(e.expiresAt) {
						delete(s.data, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}

// KeyedMutex serializes work per key. Used by the credential store so that
// only one refresh runs at a time for a given account email.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (km *KeyedMutex) Lock(key string) func() {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &sync.Mutex{}
		km.locks[key] = l
	}
	km.mu.Unlock()

	l.Lock()
	return l.Unlock
}
