package easyfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTotalBlocksBoundaries(t *testing.T) {
	require.EqualValues(t, 0, TotalBlocks(0))
	require.EqualValues(t, INodeDirectCount, TotalBlocks(INodeDirectCount*BlockSize))
	// Crossing into indirect1 costs exactly one extra index block.
	require.EqualValues(t, INodeDirectCount+2, TotalBlocks((INodeDirectCount+1)*BlockSize))
	// Filling indirect1 exactly: no indirect2 needed yet.
	require.EqualValues(t, INodeDirectCount+Indirect1Cap+1, TotalBlocks((INodeDirectCount+Indirect1Cap)*BlockSize))
	// One block past indirect1's capacity: indirect2 block plus one
	// second-level indirect1 block.
	data := INodeDirectCount + Indirect1Cap + 1
	require.EqualValues(t, data+3, TotalBlocks(uint32(data)*BlockSize))
}

func TestDiskInodeMarshalRoundTrip(t *testing.T) {
	var d DiskInode
	d.Initialize(DiskInodeDirectory)
	d.Size = 12345
	d.Direct[0] = 7
	d.Direct[26] = 99
	d.Indirect1 = 111
	d.Indirect2 = 222
	d.HardLink = 3

	buf := make([]byte, DiskInodeSize)
	d.marshal(buf)

	var got DiskInode
	got.unmarshal(buf)
	require.Equal(t, d, got)
}

func TestDirEntryMarshalRoundTrip(t *testing.T) {
	e := NewDirEntry("hello.txt", 42)
	buf := make([]byte, DirentSize)
	e.marshal(buf)

	var got DirEntry
	got.unmarshal(buf)
	require.Equal(t, "hello.txt", got.Name())
	require.EqualValues(t, 42, got.Inode)
}

// sequentialAllocator hands out ever-increasing block ids starting at
// start, standing in for EFS's bitmap-backed allocator in tests that only
// exercise DiskInode's own pointer-chain bookkeeping.
type sequentialAllocator struct {
	next uint32
}

func (a *sequentialAllocator) take(n uint32) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = a.next
		a.next++
	}
	return ids
}

func TestDiskInodeGrowAcrossIndirectBoundaries(t *testing.T) {
	dev := NewMemBlockDevice(400)
	cache := NewBlockCache(32)
	alloc := &sequentialAllocator{next: 10}

	var d DiskInode
	d.Initialize(DiskInodeFile)

	// Grow one block at a time up past the indirect2 boundary, verifying
	// blocksNumNeeded matches what we actually allocate at every step.
	target := (INodeDirectCount + Indirect1Cap + 5) * BlockSize
	for d.Size < uint32(target) {
		newSize := d.Size + BlockSize
		if newSize > uint32(target) {
			newSize = uint32(target)
		}
		needed := d.blocksNumNeeded(newSize)
		blocks := alloc.take(needed)
		d.IncreaseSize(newSize, blocks, cache, dev)
	}
	require.EqualValues(t, target, d.Size)
	require.EqualValues(t, TotalBlocks(uint32(target)), TotalBlocks(d.Size))

	// Write and read back a byte pattern spanning direct, indirect1 and
	// indirect2 data.
	probes := []int{0, INodeDirectCount * BlockSize, (INodeDirectCount + Indirect1Cap) * BlockSize, target - 1}
	for _, off := range probes {
		buf := []byte{byte(off % 251)}
		n := d.WriteAt(off, buf, cache, dev)
		require.Equal(t, 1, n)
	}
	for _, off := range probes {
		buf := make([]byte, 1)
		n := d.ReadAt(off, buf, cache, dev)
		require.Equal(t, 1, n)
		require.Equal(t, byte(off%251), buf[0])
	}

	freed := d.ClearSize(cache, dev)
	require.Len(t, freed, int(TotalBlocks(uint32(target))))
	require.Zero(t, d.Size)
	require.Zero(t, d.Indirect1)
	require.Zero(t, d.Indirect2)
}

func TestDiskInodeReadAtPastSizeIsShortNotError(t *testing.T) {
	dev := NewMemBlockDevice(8)
	cache := NewBlockCache(8)
	alloc := &sequentialAllocator{next: 1}

	var d DiskInode
	d.Initialize(DiskInodeFile)
	d.IncreaseSize(10, alloc.take(d.blocksNumNeeded(10)), cache, dev)

	buf := make([]byte, 16)
	n := d.ReadAt(5, buf, cache, dev)
	require.Equal(t, 5, n)

	n = d.ReadAt(20, buf, cache, dev)
	require.Zero(t, n)
}
