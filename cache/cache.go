// Package cache keeps serialized object snapshots a node has received,
// keyed by ObjectVersion, so mapping the same version again needs no
// round trip to the master.
package cache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/utils"
)

var CacheBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "verso",
	Subsystem: "instance_cache",
	Name:      "bytes",
}, []string{"cache"})

var CacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "verso",
	Subsystem: "instance_cache",
	Name:      "entries",
}, []string{"cache"})

var CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "verso",
	Subsystem: "instance_cache",
	Name:      "lookups",
}, []string{"cache", "result"})

var CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "verso",
	Subsystem: "instance_cache",
	Name:      "evictions",
}, []string{"cache", "pass"})

// Collectors lists the metrics of this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{CacheBytes, CacheEntries, CacheLookups, CacheEvictions}
}

// Eviction brings the size down to this share of the maximum.
const targetPercent = 80

type entry struct {
	data   []byte
	pinned int
	used   int
	seq    uint64
	added  time.Time
}

// Cache is safe for concurrent use; one mutex guards everything.
type Cache struct {
	name string
	log  utils.Logger
	now  func() time.Time

	mu      sync.Mutex
	entries map[oid.ObjectVersion]*entry
	bySeq   map[uint64]oid.ObjectVersion
	seq     uint64
	size    int64
	maxSize int64
}

func New(name string, maxSize int64, log utils.Logger) *Cache {
	return &Cache{
		name:    name,
		log:     log.With("cache", name),
		now:     time.Now,
		entries: make(map[oid.ObjectVersion]*entry),
		bySeq:   make(map[uint64]oid.ObjectVersion),
		maxSize: maxSize,
	}
}

// Add retains data under key. A key is written once; adding it again
// fails. Adding may evict other entries, never pinned ones.
func (c *Cache) Add(key oid.ObjectVersion, data []byte, pinned bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.seq++
	e := &entry{data: data, seq: c.seq, added: c.now()}
	if pinned {
		e.pinned = 1
	}
	c.entries[key] = e
	c.bySeq[e.seq] = key
	c.size += int64(len(data))
	if c.size > c.maxSize {
		c.release()
	}
	c.report()
	return true
}

// Get pins the entry and returns its payload. Every successful Get must
// be followed by exactly one Unpin.
func (c *Cache) Get(key oid.ObjectVersion) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		CacheLookups.WithLabelValues(c.name, "miss").Inc()
		return nil, false
	}
	CacheLookups.WithLabelValues(c.name, "hit").Inc()
	e.pinned++
	return e.data, true
}

// Unpin releases a pin taken by Get or a pinned Add.
func (c *Cache) Unpin(key oid.ObjectVersion) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.pinned == 0 {
		return false
	}
	e.pinned--
	e.used++
	return true
}

// Erase drops an entry unless it is pinned.
func (c *Cache) Erase(key oid.ObjectVersion) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.pinned > 0 {
		c.log.Warn("cannot erase pinned entry", "key", key.String(), "pinned", e.pinned)
		return false
	}
	c.drop(key, e)
	c.report()
	return true
}

// EraseObject drops every unpinned version of id and returns how many
// were dropped.
func (c *Cache) EraseObject(id oid.ID) (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if key.ID == id && e.pinned == 0 {
			c.drop(key, e)
			n++
		}
	}
	c.report()
	return
}

// Expire drops unpinned entries added more than age ago.
func (c *Cache) Expire(age time.Duration) (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	horizon := c.now().Add(-age)
	for key, e := range c.entries {
		if e.pinned == 0 && e.added.Before(horizon) {
			c.drop(key, e)
			n++
		}
	}
	c.report()
	return
}

func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

func (c *Cache) drop(key oid.ObjectVersion, e *entry) {
	delete(c.entries, key)
	delete(c.bySeq, e.seq)
	c.size -= int64(len(e.data))
}

// release evicts down to the target size, oldest first: entries already
// used once go in the first pass, any unpinned entry in the second.
func (c *Cache) release() {
	target := c.maxSize * targetPercent / 100
	passes := []struct {
		name string
		pick func(e *entry) bool
	}{
		{"used", func(e *entry) bool { return e.pinned == 0 && e.used > 0 }},
		{"unpinned", func(e *entry) bool { return e.pinned == 0 }},
	}
	for _, pass := range passes {
		if c.size <= target {
			return
		}
		var seqs []uint64
		for _, e := range c.entries {
			if pass.pick(e) {
				seqs = append(seqs, e.seq)
			}
		}
		heap := utils.HeapOf(seqs)
		for heap.Len() > 0 && c.size > target {
			key := c.bySeq[heap.Pop()]
			c.drop(key, c.entries[key])
			CacheEvictions.WithLabelValues(c.name, pass.name).Inc()
		}
	}
	if c.size > target {
		c.log.Warn("cache over target, remaining entries are pinned",
			"size", c.size, "target", target, "entries", len(c.entries))
	}
}

func (c *Cache) report() {
	CacheBytes.WithLabelValues(c.name).Set(float64(c.size))
	CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
}
