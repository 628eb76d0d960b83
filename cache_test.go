package easyfs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockCacheReadWriteRoundTrip(t *testing.T) {
	dev := NewMemBlockDevice(4)
	cache := NewBlockCache(2)

	h := cache.Get(0, dev)
	h.Modify(0, func(buf []byte) interface{} {
		buf[0] = 0x42
		return nil
	})

	var raw [BlockSize]byte
	dev.ReadBlock(0, &raw)
	require.Zero(t, raw[0], "write should not hit the device before sync or eviction")

	cache.SyncAll()
	dev.ReadBlock(0, &raw)
	require.Equal(t, byte(0x42), raw[0])
}

func TestBlockCacheFIFOEviction(t *testing.T) {
	dev := NewMemBlockDevice(8)
	cache := NewBlockCache(2)

	h0 := cache.Get(0, dev)
	h0.Read(0, func(buf []byte) interface{} { return nil })
	h1 := cache.Get(1, dev)
	h1.Read(0, func(buf []byte) interface{} { return nil })
	// Evicts block 0 (oldest), writing it back first if dirty.
	h2 := cache.Get(2, dev)
	h2.Modify(0, func(buf []byte) interface{} { buf[0] = 7; return nil })

	cache.mu.Lock()
	_, stillResident := cache.entries[0]
	cache.mu.Unlock()
	require.False(t, stillResident, "oldest entry should have been evicted")
}

func TestBlockCacheEvictionWritesBackDirty(t *testing.T) {
	dev := NewMemBlockDevice(8)
	cache := NewBlockCache(1)

	h0 := cache.Get(0, dev)
	h0.Modify(0, func(buf []byte) interface{} { buf[0] = 9; return nil })
	cache.Get(1, dev) // forces eviction of block 0

	var raw [BlockSize]byte
	dev.ReadBlock(0, &raw)
	require.Equal(t, byte(9), raw[0], "dirty block must be written back on eviction")
}

func TestBlockCachePanicsWhenFullyLocked(t *testing.T) {
	dev := NewMemBlockDevice(8)
	cache := NewBlockCache(1)

	h := cache.Get(0, dev)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		h.Modify(0, func(buf []byte) interface{} {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	require.Panics(t, func() { cache.Get(1, dev) })
}

func TestBlockCacheConcurrentMissCoalesced(t *testing.T) {
	dev := NewMemBlockDevice(4)
	cache := NewBlockCache(4)

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i] = cache.Get(0, dev)
		}()
	}
	wg.Wait()
	for _, h := range handles {
		require.Same(t, handles[0].entry, h.entry)
	}
}
