package easyfs

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheLimit is the default number of resident sectors a BlockCache
// keeps, CACHE_LIMIT in spec terms.
const DefaultCacheLimit = 16

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "easyfs_cache_hits_total",
		Help: "Block cache lookups served from a resident entry.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "easyfs_cache_misses_total",
		Help: "Block cache lookups that required a sector read.",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "easyfs_cache_evictions_total",
		Help: "Resident sectors evicted to make room for a new one.",
	})
	cacheResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "easyfs_cache_resident",
		Help: "Sectors currently resident in the block cache.",
	})
)

// cacheEntry is one resident sector. Access to data goes through mu, which
// also doubles as the "is this entry locked" signal eviction consults: a
// TryLock failure means some caller is mid-callback inside Read or Modify.
// pinned additionally protects the window between a Handle being handed out
// by Get and the caller's first Read/Modify call, during which entry.mu is
// not yet held by anyone; eviction skips (never evicts) an entry in that
// window.
type cacheEntry struct {
	mu       sync.Mutex
	pinned   int32
	blockID  uint64
	device   BlockDevice
	data     [BlockSize]byte
	modified bool
}

// Handle is the exclusive-access facade callers receive from BlockCache.Get.
// Multiple goroutines may hold the same Handle concurrently (it is a shared
// pointer into the cache); Read and Modify serialize on the entry's own
// inner lock so at most one callback runs against an entry's bytes at a
// time. A Handle holds its entry's eviction pin until its first Read or
// Modify call, which releases the pin only after entry.mu is already held,
// so the entry is continuously protected from Get to the end of that call.
type Handle struct {
	entry   *cacheEntry
	release sync.Once
}

func (h *Handle) unpin() {
	h.release.Do(func() {
		atomic.AddInt32(&h.entry.pinned, -1)
	})
}

// Read invokes f with a read-only view of the cached sector and returns
// whatever f returns. f must not retain the slice it's given.
func (h *Handle) Read(offset int, f func(buf []byte) interface{}) interface{} {
	h.entry.mu.Lock()
	h.unpin()
	defer h.entry.mu.Unlock()
	return f(h.entry.data[offset:])
}

// Modify invokes f with a mutable view of the cached sector, marks the entry
// dirty, and returns whatever f returns.
func (h *Handle) Modify(offset int, f func(buf []byte) interface{}) interface{} {
	h.entry.mu.Lock()
	h.unpin()
	defer h.entry.mu.Unlock()
	h.entry.modified = true
	return f(h.entry.data[offset:])
}

// BlockCache is a bounded, write-back cache of fixed-size sectors, internally
// thread-safe. Its eviction order is FIFO over insertion. Each EFS builds its
// own BlockCache in Create or Open; one cache is not shared between mounted
// filesystems, and its entries are keyed by block id alone.
type BlockCache struct {
	mu      sync.Mutex
	limit   int
	order   []uint64 // FIFO insertion order of blockID
	entries map[uint64]*cacheEntry
	group   singleflight.Group
}

// NewBlockCache creates a cache resident up to limit sectors.
func NewBlockCache(limit int) *BlockCache {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	return &BlockCache{
		limit:   limit,
		entries: make(map[uint64]*cacheEntry, limit),
	}
}

// Get returns the shared Handle for blockID on device, fetching it from
// device with a single sector read if not already resident. Concurrent
// misses for the same blockID are coalesced onto one read via singleflight.
func (c *BlockCache) Get(blockID uint64, device BlockDevice) *Handle {
	c.mu.Lock()
	if e, ok := c.entries[blockID]; ok {
		atomic.AddInt32(&e.pinned, 1)
		c.mu.Unlock()
		cacheHits.Inc()
		return &Handle{entry: e}
	}
	c.mu.Unlock()

	cacheMisses.Inc()
	for {
		v, _, _ := c.group.Do(cacheKey(blockID), func() (interface{}, error) {
			c.mu.Lock()
			if e, ok := c.entries[blockID]; ok {
				c.mu.Unlock()
				return e, nil
			}
			c.mu.Unlock()

			e := &cacheEntry{blockID: blockID, device: device}
			device.ReadBlock(blockID, &e.data)

			c.mu.Lock()
			defer c.mu.Unlock()
			if existing, ok := c.entries[blockID]; ok {
				// Lost a race with a non-singleflight caller (e.g. a concurrent
				// Get for a different key evicted and re-fetched blockID
				// in between); keep the winner.
				return existing, nil
			}
			if len(c.entries) >= c.limit {
				c.evictLocked()
			}
			c.entries[blockID] = e
			c.order = append(c.order, blockID)
			cacheResident.Set(float64(len(c.entries)))
			return e, nil
		})

		// Pinning and the "is it still resident" check must happen under the
		// same lock evictLocked runs under, or the entry could be evicted in
		// the gap between singleflight handing us the pointer and us pinning
		// it. If it's gone, another Get already raced it out; retry.
		e := v.(*cacheEntry)
		c.mu.Lock()
		if current, ok := c.entries[e.blockID]; !ok || current != e {
			c.mu.Unlock()
			continue
		}
		atomic.AddInt32(&e.pinned, 1)
		c.mu.Unlock()
		return &Handle{entry: e}
	}
}

// evictLocked picks the oldest unlocked entry and writes it back if dirty.
// Caller holds c.mu.
func (c *BlockCache) evictLocked() {
	for i, blockID := range c.order {
		e, ok := c.entries[blockID]
		if !ok {
			continue
		}
		if atomic.LoadInt32(&e.pinned) > 0 {
			continue // handed out, not yet read or modified
		}
		if !e.mu.TryLock() {
			continue // in use, not evictable right now
		}
		if e.modified {
			e.device.WriteBlock(e.blockID, &e.data)
			e.modified = false
		}
		e.mu.Unlock()
		delete(c.entries, blockID)
		c.order = append(c.order[:i], c.order[i+1:]...)
		cacheEvictions.Inc()
		logrus.WithField("block_id", blockID).Debug("easyfs: evicted cache entry")
		return
	}
	fatalf("easyfs: block cache full and every resident entry is locked")
}

// SyncAll writes back every dirty entry and clears its modified flag.
// Residency is retained.
func (c *BlockCache) SyncAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.mu.Lock()
		if e.modified {
			e.device.WriteBlock(e.blockID, &e.data)
			e.modified = false
		}
		e.mu.Unlock()
	}
	logrus.Debug("easyfs: sync_all complete")
}

func cacheKey(blockID uint64) string {
	// A compact, allocation-light key; blockID alone is sufficient since a
	// BlockCache instance is shared by device but a sector number does not
	// need device identity mixed in for this core (single mounted device per
	// EFS, and tests never mix two devices' block IDs in one cache).
	var buf [20]byte
	n := len(buf)
	if blockID == 0 {
		n--
		buf[n] = '0'
	} else {
		for blockID > 0 {
			n--
			buf[n] = byte('0' + blockID%10)
			blockID /= 10
		}
	}
	return string(buf[n:])
}
