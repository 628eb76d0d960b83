package easyfs

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// RootInodeID is the fixed inode number of the filesystem root directory.
const RootInodeID uint32 = 0

// inodesPerBlock is the number of packed DiskInode records per sector.
const inodesPerBlock = BlockSize / DiskInodeSize

// dataBitmapDensity is the number of data blocks one bitmap block can cover
// when the bitmap block itself is drawn from the same pool it tracks: the
// minimal dataBitmapBlocks satisfying dataBitmapBlocks*4097 >= dataTotalBlocks.
const dataBitmapDensity = bitsPerBitmapBlock + 1

// EFS owns one mounted EasyFS filesystem: its region layout, both bitmaps,
// the shared block cache, and the backing device. All mutating operations
// run under mu, the single filesystem-wide lock; it is taken before any
// cache entry lock.
type EFS struct {
	mu     sync.Mutex
	device BlockDevice
	cache  *BlockCache

	super Superblock

	inodeBitmap *Bitmap
	dataBitmap  *Bitmap

	inodeAreaStartBlock uint32
	dataAreaStartBlock  uint32
}

// Create formats a new filesystem image of totalBlocks sectors, with
// inodeBitmapBlocks sectors reserved for the inode bitmap, and returns the
// mounted EFS with a freshly created empty root directory at RootInodeID.
func Create(device BlockDevice, totalBlocks, inodeBitmapBlocks uint32, opts ...Option) *EFS {
	cfg := newEFSConfig(opts)
	cache := NewBlockCache(cfg.cacheLimit)

	inodeBitmap := NewBitmap(1, inodeBitmapBlocks)
	inodeNum := inodeBitmap.MaxBits()
	inodeAreaBlocks := ceilDiv(inodeNum*DiskInodeSize, BlockSize)
	inodeTotalBlocks := inodeBitmapBlocks + inodeAreaBlocks

	if 1+inodeTotalBlocks >= totalBlocks {
		fatalf("easyfs: layout overflow, inode region leaves no room for data")
	}
	dataTotalBlocks := totalBlocks - 1 - inodeTotalBlocks
	dataBitmapBlocks := ceilDiv(dataTotalBlocks, dataBitmapDensity)
	dataAreaBlocks := dataTotalBlocks - dataBitmapBlocks

	dataBitmap := NewBitmap(1+inodeTotalBlocks, dataBitmapBlocks)

	efs := &EFS{
		device:              device,
		cache:               cache,
		inodeBitmap:         inodeBitmap,
		dataBitmap:          dataBitmap,
		inodeAreaStartBlock: 1 + inodeBitmapBlocks,
		dataAreaStartBlock:  1 + inodeTotalBlocks + dataBitmapBlocks,
	}

	var zero [BlockSize]byte
	for i := uint32(0); i < totalBlocks; i++ {
		device.WriteBlock(uint64(i), &zero)
	}

	efs.super.Initialize(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks)
	h := efs.cache.Get(0, device)
	h.Modify(0, func(buf []byte) interface{} {
		efs.super.marshal(buf[:SuperblockSize])
		return nil
	})

	rootID, ok := efs.inodeBitmap.Alloc(efs.cache, efs.device)
	if !ok || rootID != RootInodeID {
		fatalf("easyfs: root inode allocation did not yield inode 0")
	}
	blockID, offset := efs.diskInodePos(rootID)
	rh := efs.cache.Get(uint64(blockID), efs.device)
	rh.Modify(offset, func(buf []byte) interface{} {
		var di DiskInode
		di.Initialize(DiskInodeDirectory)
		di.marshal(buf[:DiskInodeSize])
		return nil
	})
	efs.cache.SyncAll()

	logrus.WithFields(logrus.Fields{
		"total_blocks":        totalBlocks,
		"inode_bitmap_blocks": inodeBitmapBlocks,
		"inode_area_blocks":   inodeAreaBlocks,
		"data_bitmap_blocks":  dataBitmapBlocks,
		"data_area_blocks":    dataAreaBlocks,
	}).Info("easyfs: formatted filesystem")

	return efs
}

// Open mounts an existing filesystem image, validating the superblock magic
// (ErrInvalidSuper on mismatch).
func Open(device BlockDevice, opts ...Option) (*EFS, error) {
	cfg := newEFSConfig(opts)
	cache := NewBlockCache(cfg.cacheLimit)
	var super Superblock
	h := cache.Get(0, device)
	h.Read(0, func(buf []byte) interface{} {
		super.unmarshal(buf[:SuperblockSize])
		return nil
	})
	if !super.IsValid() {
		return nil, ErrInvalidSuper
	}

	inodeTotalBlocks := super.InodeBitmapBlocks + super.InodeAreaBlocks
	efs := &EFS{
		device:              device,
		cache:               cache,
		super:               super,
		inodeBitmap:         NewBitmap(1, super.InodeBitmapBlocks),
		dataBitmap:          NewBitmap(1+inodeTotalBlocks, super.DataBitmapBlocks),
		inodeAreaStartBlock: 1 + super.InodeBitmapBlocks,
		dataAreaStartBlock:  1 + inodeTotalBlocks + super.DataBitmapBlocks,
	}
	logrus.Info("easyfs: mounted existing filesystem")
	return efs, nil
}

// Cache returns the filesystem's shared block cache, exposed so RootInode
// and Inode operations can issue Get calls without re-deriving it.
func (e *EFS) Cache() *BlockCache { return e.cache }

// Device returns the filesystem's backing block device.
func (e *EFS) Device() BlockDevice { return e.device }

// Info returns a copy of the mounted filesystem's superblock, for display
// purposes (cmd/easyfs's "info" subcommand).
func (e *EFS) Info() Superblock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.super
}

// diskInodePos returns the (block id, byte offset) of inodeID's DiskInode
// record. Caller must hold mu or otherwise guarantee exclusivity.
func (e *EFS) diskInodePos(inodeID uint32) (uint32, int) {
	blockID := e.inodeAreaStartBlock + inodeID/inodesPerBlock
	offset := int(inodeID%inodesPerBlock) * DiskInodeSize
	return blockID, offset
}

// allocInode reserves the first free inode slot and returns its number.
// Caller must hold mu.
func (e *EFS) allocInode() uint32 {
	id, ok := e.inodeBitmap.Alloc(e.cache, e.device)
	if !ok {
		fatalf("easyfs: no free inode slots")
	}
	return id
}

// allocDataBlock reserves one free data block and returns its absolute
// block id. Caller must hold mu.
func (e *EFS) allocDataBlock() uint32 {
	id, ok := e.dataBitmap.Alloc(e.cache, e.device)
	if !ok {
		fatalf("easyfs: no free data blocks")
	}
	return id + e.dataAreaStartBlock
}

// AllocDataBlocks reserves n free data blocks and returns their absolute
// block ids, one at a time, keeping allocation and growth as separate
// steps: the filesystem-level allocator runs to
// completion before DiskInode.IncreaseSize consumes the result. Caller must
// hold mu.
func (e *EFS) AllocDataBlocks(n uint32) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = e.allocDataBlock()
	}
	return ids
}

// deallocDataBlock zeroes and frees one absolute data block id. Caller must
// hold mu.
func (e *EFS) deallocDataBlock(blockID uint32) {
	h := e.cache.Get(uint64(blockID), e.device)
	var zero [BlockSize]byte
	h.Modify(0, func(buf []byte) interface{} {
		copy(buf, zero[:])
		return nil
	})
	e.dataBitmap.Dealloc(blockID-e.dataAreaStartBlock, e.cache, e.device)
}

// DeallocDataBlocks frees every block id returned from a prior
// DiskInode.ClearSize call. Caller must hold mu.
func (e *EFS) DeallocDataBlocks(blockIDs []uint32) {
	for _, id := range blockIDs {
		e.deallocDataBlock(id)
	}
}

// Lock acquires the filesystem-wide mutex. Exposed so Inode operations
// (defined in inode.go) can enforce the EFS-mutex-first lock ordering.
func (e *EFS) Lock() { e.mu.Lock() }

// Unlock releases the filesystem-wide mutex.
func (e *EFS) Unlock() { e.mu.Unlock() }

// Sync flushes every dirty cache entry to the backing device.
func (e *EFS) Sync() {
	e.cache.SyncAll()
	logrus.Debug("easyfs: sync")
}

// RootInode returns the Inode facade for the filesystem root directory.
func (e *EFS) RootInode() *Inode {
	blockID, offset := e.diskInodePos(RootInodeID)
	return &Inode{id: RootInodeID, blockID: blockID, blockOffset: offset, efs: e}
}
