package easyfs

import "encoding/binary"

// EFSMagic is the fixed superblock signature; any other value is fatal.
const EFSMagic uint32 = 0x3b800001

// DiskInodeType distinguishes a regular file from a directory, the `type`
// field of a DiskInode.
type DiskInodeType uint32

const (
	DiskInodeFile DiskInodeType = iota
	DiskInodeDirectory
)

func (t DiskInodeType) String() string {
	if t == DiskInodeDirectory {
		return "directory"
	}
	return "file"
}

const (
	// INodeDirectCount is chosen so a DiskInode packs to exactly 128
	// bytes: 20 bytes of fixed fields (size, indirect1, indirect2,
	// hard_link, type) plus 4*INodeDirectCount bytes of direct pointers,
	// so that four DiskInodes fit per 512-byte sector.
	INodeDirectCount = 27

	// INDIRECT1_CAP is the number of block numbers a single indirect block
	// holds: B/4.
	Indirect1Cap = BlockSize / 4

	// DiskInodeSize is the on-disk size of one DiskInode, in bytes.
	DiskInodeSize = 5*4 + 4*INodeDirectCount

	// NameLenLimit is the maximum directory-entry name length, excluding the
	// terminating NUL.
	NameLenLimit = 27

	// nameBufLen is NameLenLimit plus one byte for the NUL terminator.
	nameBufLen = NameLenLimit + 1

	// DirentSize is the fixed size of one DirEntry: name buffer + u32 inode
	// number.
	DirentSize = nameBufLen + 4
)

// DiskInode is the persistent per-file record: size, type, link count, and
// the direct/single-indirect/double-indirect pointer arrays.
type DiskInode struct {
	Size      uint32
	Direct    [INodeDirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	HardLink  uint32
	Type      DiskInodeType
}

// Initialize resets a DiskInode to an empty inode of the given type. HardLink
// starts at 1: every inode created through Inode.Create begins life
// referenced by exactly the directory entry that names it. The root
// directory formatted by EFS.Create also starts at 1.
func (d *DiskInode) Initialize(t DiskInodeType) {
	*d = DiskInode{Type: t, HardLink: 1}
}

// IsDir reports whether the inode is a directory.
func (d *DiskInode) IsDir() bool { return d.Type == DiskInodeDirectory }

// IsFile reports whether the inode is a regular file.
func (d *DiskInode) IsFile() bool { return d.Type == DiskInodeFile }

// marshal encodes d into a DiskInodeSize-byte little-endian buffer.
func (d *DiskInode) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], d.Size)
	off := 4
	for i := 0; i < INodeDirectCount; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], d.Direct[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], d.Indirect1)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], d.Indirect2)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], d.HardLink)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(d.Type))
}

// unmarshal decodes d from a DiskInodeSize-byte little-endian buffer.
func (d *DiskInode) unmarshal(buf []byte) {
	d.Size = binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	for i := 0; i < INodeDirectCount; i++ {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	d.Indirect1 = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	d.Indirect2 = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	d.HardLink = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	d.Type = DiskInodeType(binary.LittleEndian.Uint32(buf[off : off+4]))
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// dataBlocksForSize returns ceil(size/BlockSize), the number of leaf data
// blocks a file of that logical size occupies.
func dataBlocksForSize(size uint32) uint32 {
	return ceilDiv(size, BlockSize)
}

// DataBlocks returns the number of leaf data blocks the inode currently
// occupies.
func (d *DiskInode) DataBlocks() uint32 {
	return dataBlocksForSize(d.Size)
}

// TotalBlocks returns the number of blocks (data leaves plus indirect index
// blocks) needed to represent a file of the given logical size.
func TotalBlocks(size uint32) uint32 {
	data := dataBlocksForSize(size)
	total := data
	if data > INodeDirectCount {
		total++ // indirect1 index block
	}
	if data > INodeDirectCount+Indirect1Cap {
		total++ // indirect2 index block itself
		total += ceilDiv(data-INodeDirectCount-Indirect1Cap, Indirect1Cap)
	}
	return total
}

// blocksNumNeeded returns the count of additional blocks required to grow
// this inode to newSize.
func (d *DiskInode) blocksNumNeeded(newSize uint32) uint32 {
	if newSize < d.Size {
		fatalf("easyfs: blocksNumNeeded called with newSize < size")
	}
	return TotalBlocks(newSize) - TotalBlocks(d.Size)
}

// readIndirectSlot reads the blockID stored at index idx of the indirect
// block resident at indirectBlockID.
func readIndirectSlot(cache *BlockCache, device BlockDevice, indirectBlockID uint32, idx int) uint32 {
	h := cache.Get(uint64(indirectBlockID), device)
	v := h.Read(0, func(buf []byte) interface{} {
		return binary.LittleEndian.Uint32(buf[idx*4 : idx*4+4])
	})
	return v.(uint32)
}

// writeIndirectSlot stores blockID at index idx of the indirect block
// resident at indirectBlockID.
func writeIndirectSlot(cache *BlockCache, device BlockDevice, indirectBlockID uint32, idx int, blockID uint32) {
	h := cache.Get(uint64(indirectBlockID), device)
	h.Modify(0, func(buf []byte) interface{} {
		binary.LittleEndian.PutUint32(buf[idx*4:idx*4+4], blockID)
		return nil
	})
}

// getBlockID resolves the logical block index i of this inode's data to a
// physical block number.
func (d *DiskInode) getBlockID(i uint32, cache *BlockCache, device BlockDevice) uint32 {
	switch {
	case i < INodeDirectCount:
		return d.Direct[i]
	case i < INodeDirectCount+Indirect1Cap:
		return readIndirectSlot(cache, device, d.Indirect1, int(i-INodeDirectCount))
	default:
		j := i - INodeDirectCount - Indirect1Cap
		l1 := readIndirectSlot(cache, device, d.Indirect2, int(j/Indirect1Cap))
		return readIndirectSlot(cache, device, l1, int(j%Indirect1Cap))
	}
}

// ReadAt copies at most min(len(buf), size-offset) bytes starting at offset
// into buf, spanning sectors as needed. Returns the number of bytes copied;
// 0 if offset is at or past size (short read, never an error).
func (d *DiskInode) ReadAt(offset int, buf []byte, cache *BlockCache, device BlockDevice) int {
	start := offset
	end := offset + len(buf)
	if end > int(d.Size) {
		end = int(d.Size)
	}
	if start >= end {
		return 0
	}
	readSize := 0
	startBlock := uint32(start / BlockSize)
	for {
		endCur := (start/BlockSize + 1) * BlockSize
		if endCur > end {
			endCur = end
		}
		blockReadSize := endCur - start
		blockID := d.getBlockID(startBlock, cache, device)
		h := cache.Get(uint64(blockID), device)
		innerOff := start % BlockSize
		h.Read(0, func(data []byte) interface{} {
			copy(buf[readSize:readSize+blockReadSize], data[innerOff:innerOff+blockReadSize])
			return nil
		})
		readSize += blockReadSize
		if endCur == end {
			break
		}
		startBlock++
		start = endCur
	}
	return readSize
}

// WriteAt writes buf at offset, which must be within [0, size] (callers grow
// the inode first via IncreaseSize). Returns the number of bytes written.
func (d *DiskInode) WriteAt(offset int, buf []byte, cache *BlockCache, device BlockDevice) int {
	start := offset
	end := offset + len(buf)
	if int(d.Size) < end {
		fatalf("easyfs: write_at past size, caller must grow the inode first")
	}
	writeSize := 0
	startBlock := uint32(start / BlockSize)
	for {
		endCur := (start/BlockSize + 1) * BlockSize
		if endCur > end {
			endCur = end
		}
		blockWriteSize := endCur - start
		blockID := d.getBlockID(startBlock, cache, device)
		h := cache.Get(uint64(blockID), device)
		innerOff := start % BlockSize
		h.Modify(0, func(data []byte) interface{} {
			copy(data[innerOff:innerOff+blockWriteSize], buf[writeSize:writeSize+blockWriteSize])
			return nil
		})
		writeSize += blockWriteSize
		if endCur == end {
			break
		}
		startBlock++
		start = endCur
	}
	return writeSize
}

// IncreaseSize grows the inode to newSize, consuming newBlocks (which must
// have length blocksNumNeeded(newSize)) to populate freshly exposed index
// and data slots in allocation order: direct, then indirect1, then
// indirect2's fan-out. Freshly allocated data blocks are not
// zero-initialized; callers that read back without writing first must not
// assume zeros.
func (d *DiskInode) IncreaseSize(newSize uint32, newBlocks []uint32, cache *BlockCache, device BlockDevice) {
	if newSize < d.Size {
		fatalf("easyfs: IncreaseSize called with newSize < size")
	}
	if uint32(len(newBlocks)) != d.blocksNumNeeded(newSize) {
		fatalf("easyfs: IncreaseSize given %d blocks, needed %d", len(newBlocks), d.blocksNumNeeded(newSize))
	}
	current := d.DataBlocks()
	d.Size = newSize
	total := d.DataBlocks()
	next := 0
	pop := func() uint32 {
		v := newBlocks[next]
		next++
		return v
	}

	directTotal := total
	if directTotal > INodeDirectCount {
		directTotal = INodeDirectCount
	}
	for current < directTotal {
		d.Direct[current] = pop()
		current++
	}
	if total <= INodeDirectCount {
		return
	}
	if current == INodeDirectCount {
		d.Indirect1 = pop()
	}
	current -= INodeDirectCount
	total -= INodeDirectCount

	indirect1Total := total
	if indirect1Total > Indirect1Cap {
		indirect1Total = Indirect1Cap
	}
	for current < indirect1Total {
		writeIndirectSlot(cache, device, d.Indirect1, int(current), pop())
		current++
	}
	if total <= Indirect1Cap {
		return
	}
	if current == Indirect1Cap {
		d.Indirect2 = pop()
	}
	current -= Indirect1Cap
	total -= Indirect1Cap

	a0, b0 := current/Indirect1Cap, current%Indirect1Cap
	a1, b1 := total/Indirect1Cap, total%Indirect1Cap
	for a0 < a1 || (a0 == a1 && b0 < b1) {
		if b0 == 0 {
			writeIndirectSlot(cache, device, d.Indirect2, int(a0), pop())
		}
		l1 := readIndirectSlot(cache, device, d.Indirect2, int(a0))
		writeIndirectSlot(cache, device, l1, int(b0), pop())
		b0++
		if b0 == Indirect1Cap {
			b0 = 0
			a0++
		}
	}
}

// DecreaseSize lowers size without crossing a block boundary: it fails
// loudly if TotalBlocks(newSize) would differ from TotalBlocks(size). Used
// by unlink's swap-compaction of the last directory entry.
func (d *DiskInode) DecreaseSize(newSize uint32) {
	if newSize > d.Size {
		fatalf("easyfs: DecreaseSize called with newSize > size")
	}
	if TotalBlocks(newSize) != TotalBlocks(d.Size) {
		fatalf("easyfs: truncation from %d to %d would change block count", d.Size, newSize)
	}
	d.Size = newSize
}

// ClearSize returns every data and index block the inode owns, in
// allocation order, and resets size to 0. The caller marks them free in the
// data bitmap.
func (d *DiskInode) ClearSize(cache *BlockCache, device BlockDevice) []uint32 {
	var v []uint32
	data := d.DataBlocks()
	d.Size = 0

	directCount := data
	if directCount > INodeDirectCount {
		directCount = INodeDirectCount
	}
	for i := uint32(0); i < directCount; i++ {
		v = append(v, d.Direct[i])
		d.Direct[i] = 0
	}
	if data <= INodeDirectCount {
		return v
	}
	v = append(v, d.Indirect1)
	data -= INodeDirectCount

	indirect1Count := data
	if indirect1Count > Indirect1Cap {
		indirect1Count = Indirect1Cap
	}
	for i := uint32(0); i < indirect1Count; i++ {
		v = append(v, readIndirectSlot(cache, device, d.Indirect1, int(i)))
	}
	d.Indirect1 = 0
	if data <= Indirect1Cap {
		return v
	}
	v = append(v, d.Indirect2)
	data -= Indirect1Cap

	a1, b1 := data/Indirect1Cap, data%Indirect1Cap
	for i := uint32(0); i < a1; i++ {
		l1 := readIndirectSlot(cache, device, d.Indirect2, int(i))
		v = append(v, l1)
		for j := uint32(0); j < Indirect1Cap; j++ {
			v = append(v, readIndirectSlot(cache, device, l1, int(j)))
		}
	}
	if b1 > 0 {
		l1 := readIndirectSlot(cache, device, d.Indirect2, int(a1))
		v = append(v, l1)
		for j := uint32(0); j < b1; j++ {
			v = append(v, readIndirectSlot(cache, device, l1, int(j)))
		}
	}
	d.Indirect2 = 0
	return v
}

// DirEntry is the fixed DirentSize-byte (name, inode number) pair stored
// contiguously inside a directory inode's data.
type DirEntry struct {
	name  [nameBufLen]byte
	Inode uint32
}

// NewDirEntry builds a DirEntry for name and inode, truncating name to
// NameLenLimit bytes if necessary.
func NewDirEntry(name string, inode uint32) DirEntry {
	var e DirEntry
	n := copy(e.name[:NameLenLimit], name)
	e.name[n] = 0
	e.Inode = inode
	return e
}

// Name returns the entry's NUL-terminated name as a string.
func (e *DirEntry) Name() string {
	n := 0
	for n < len(e.name) && e.name[n] != 0 {
		n++
	}
	return string(e.name[:n])
}

// marshal encodes e into a DirentSize-byte buffer.
func (e *DirEntry) marshal(buf []byte) {
	copy(buf[:nameBufLen], e.name[:])
	binary.LittleEndian.PutUint32(buf[nameBufLen:nameBufLen+4], e.Inode)
}

// unmarshal decodes e from a DirentSize-byte buffer.
func (e *DirEntry) unmarshal(buf []byte) {
	copy(e.name[:], buf[:nameBufLen])
	e.Inode = binary.LittleEndian.Uint32(buf[nameBufLen : nameBufLen+4])
}
