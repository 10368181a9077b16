package cache

import (
	"container/list"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrEmptyKey = errors.New("cache key is empty")

const (
	defaultMaxBytes      = 32 << 20
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// Spill is a slower second tier that receives entries pushed out of memory by
// LRU pressure.
type Spill interface {
	Put(key string, value []byte, expiresAt time.Time) error
	Get(key string, now time.Time) (value []byte, expiresAt time.Time, ok bool, err error)
	Delete(key string) error
	Purge(now time.Time) (int, error)
	Close() error
}

type Options struct {
	MaxBytes      int64
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	// DisableSweep turns off the background sweeper. Expired entries are
	// still dropped lazily on Get.
	DisableSweep bool
	Spill        Spill
	Now          func() time.Time
	Logger       zerolog.Logger
}

type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	SpillHits   uint64  `json:"spillHits"`
	SizeBytes   int64   `json:"sizeBytes"`
	MaxBytes    int64   `json:"maxBytes"`
	Entries     int     `json:"entries"`
}

type entry struct {
	key            string
	value          []byte
	insertedAt     time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
	sizeBytes      int64
}

// Cache is a byte-budgeted LRU with per-entry TTL. It is safe for concurrent
// use and never acts as the source of truth.
//
// spillMu orders spill tier I/O. It is always taken before mu, and is held
// from a memory change until the spill writes it causes have landed.
type Cache struct {
	spillMu  sync.Mutex
	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List
	size     int64
	maxBytes int64
	ttl      time.Duration
	spill    Spill
	now      func() time.Time
	logger   zerolog.Logger

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	spillHits   uint64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func Open(opts Options) (*Cache, error) {
	if opts.MaxBytes < 0 {
		return nil, errors.New("cache max bytes must not be negative")
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		items:    map[string]*list.Element{},
		lru:      list.New(),
		maxBytes: opts.MaxBytes,
		ttl:      opts.DefaultTTL,
		spill:    opts.Spill,
		now:      opts.Now,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
	}
	if !opts.DisableSweep {
		c.wg.Add(1)
		go c.sweepLoop(opts.SweepInterval)
	}
	return c, nil
}

func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if c.spill != nil {
			c.spillMu.Lock()
			err = c.spill.Close()
			c.spillMu.Unlock()
		}
	})
	return err
}

// Get returns the value for key. Expired entries count as misses and are
// removed.
func (c *Cache) Get(key string) ([]byte, bool) {
	if strings.TrimSpace(key) == "" {
		return nil, false
	}
	now := c.now()

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		if !now.Before(e.expiresAt) {
			c.removeLocked(el)
			c.expirations++
			c.misses++
			c.mu.Unlock()
			c.lockSpill()
			c.spillDelete(key)
			c.unlockSpill()
			return nil, false
		}
		e.lastAccessedAt = now
		c.lru.MoveToFront(el)
		c.hits++
		value := cloneBytes(e.value)
		c.mu.Unlock()
		return value, true
	}
	c.mu.Unlock()

	if c.spill != nil {
		if value, ok := c.getSpilled(key, now); ok {
			return value, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return nil, false
}

// Peek returns the in-memory value for key without touching recency, stats
// or the spill tier.
func (c *Cache) Peek(key string) ([]byte, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !now.Before(e.expiresAt) {
		return nil, false
	}
	return cloneBytes(e.value), true
}

// Set stores value under key, replacing any previous entry. A ttl of zero or
// less uses the default TTL.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	expiresAt := now.Add(ttl)
	value = cloneBytes(value)

	c.lockSpill()
	defer c.unlockSpill()
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	if int64(len(key)+len(value)) > c.maxBytes {
		c.mu.Unlock()
		if c.spill != nil {
			if err := c.spill.Put(key, value, expiresAt); err != nil {
				c.logger.Warn().Err(err).Str("key", key).Msg("cache spill write failed")
			}
		}
		return nil
	}
	c.insertLocked(key, value, now, expiresAt)
	spilled := c.evictLocked()
	c.mu.Unlock()

	// An older spilled copy would outlive this value across a restart.
	c.spillDelete(key)
	c.spillAll(spilled)
	return nil
}

// Invalidate drops key from both tiers. It waits for spill writes already
// under way, so an eviction racing it cannot bring the value back.
func (c *Cache) Invalidate(key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	c.lockSpill()
	defer c.unlockSpill()
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	c.spillDelete(key)
}

// getSpilled reads key from the spill tier and promotes it back into memory.
func (c *Cache) getSpilled(key string, now time.Time) ([]byte, bool) {
	c.spillMu.Lock()
	defer c.spillMu.Unlock()
	value, expiresAt, ok, err := c.spill.Get(key, now)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache spill read failed")
	}
	if !ok || !now.Before(expiresAt) {
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.spillHits++
	if _, exists := c.items[key]; !exists && int64(len(key)+len(value)) <= c.maxBytes {
		c.insertLocked(key, value, now, expiresAt)
	}
	spilled := c.evictLocked()
	c.mu.Unlock()
	c.spillAll(spilled)
	return cloneBytes(value), true
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	c.mu.Lock()
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if !now.Before(e.expiresAt) {
			c.removeLocked(el)
			c.expirations++
			removed++
		}
		el = prev
	}
	c.mu.Unlock()
	if c.spill != nil {
		c.spillMu.Lock()
		n, err := c.spill.Purge(now)
		c.spillMu.Unlock()
		if err != nil {
			c.logger.Warn().Err(err).Msg("cache spill purge failed")
		}
		removed += n
	}
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		SpillHits:   c.spillHits,
		SizeBytes:   c.size,
		MaxBytes:    c.maxBytes,
		Entries:     len(c.items),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("cache sweep")
			}
		}
	}
}

func (c *Cache) insertLocked(key string, value []byte, now, expiresAt time.Time) {
	e := &entry{
		key:            key,
		value:          value,
		insertedAt:     now,
		expiresAt:      expiresAt,
		lastAccessedAt: now,
		sizeBytes:      int64(len(key) + len(value)),
	}
	c.items[key] = c.lru.PushFront(e)
	c.size += e.sizeBytes
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.items, e.key)
	c.size -= e.sizeBytes
}

// evictLocked drops least recently used entries until the budget holds and
// returns the evicted entries for the spill tier.
func (c *Cache) evictLocked() []*entry {
	var evicted []*entry
	for c.size > c.maxBytes {
		el := c.lru.Back()
		if el == nil {
			break
		}
		e := el.Value.(*entry)
		c.removeLocked(el)
		c.evictions++
		if c.spill != nil {
			evicted = append(evicted, e)
		}
	}
	return evicted
}

func (c *Cache) lockSpill() {
	if c.spill != nil {
		c.spillMu.Lock()
	}
}

func (c *Cache) unlockSpill() {
	if c.spill != nil {
		c.spillMu.Unlock()
	}
}

func (c *Cache) spillAll(entries []*entry) {
	if c.spill == nil {
		return
	}
	for _, e := range entries {
		if err := c.spill.Put(e.key, e.value, e.expiresAt); err != nil {
			c.logger.Warn().Err(err).Str("key", e.key).Msg("cache spill write failed")
		}
	}
}

func (c *Cache) spillDelete(key string) {
	if c.spill == nil {
		return
	}
	if err := c.spill.Delete(key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache spill delete failed")
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
