package easyfs

import (
	"os"
	"sync"

	"github.com/detailyang/go-fallocate"
)

// BlockSize is the fixed sector size, B in spec terms. Every on-disk
// structure is aligned to a multiple of BlockSize and may only be read or
// written through the block cache.
const BlockSize = 512

// BlockDevice is the only capability the on-disk layout requires from its
// backing storage: synchronous, fixed-size sector read/write. Errors from
// either method are treated as fatal by callers: the disk contract is
// infallible for this core's purposes, so a BlockDevice that can fail should
// panic internally rather than push error handling into every layer above
// it.
type BlockDevice interface {
	ReadBlock(blockID uint64, buf *[BlockSize]byte)
	WriteBlock(blockID uint64, buf *[BlockSize]byte)
}

// FileBlockDevice is a BlockDevice backed by a regular file, the form EasyFS
// takes when used outside of a hosted kernel: an ordinary file on the host
// filesystem stands in for the raw block device.
type FileBlockDevice struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileBlockDevice opens an existing image file for use as a BlockDevice.
func OpenFileBlockDevice(path string) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &FileBlockDevice{f: f}, nil
}

// CreateFileBlockDevice creates a new image file of totalBlocks sectors,
// preallocating its full extent up front so later sector writes never grow
// the file and never land in a sparse hole.
func CreateFileBlockDevice(path string, totalBlocks uint64) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(totalBlocks) * BlockSize
	if err := fallocate.Fallocate(f, 0, size); err != nil {
		// Some filesystems (tmpfs, certain CI runners) reject fallocate;
		// fall back to a plain truncate so mkfs still succeeds.
		if terr := f.Truncate(size); terr != nil {
			f.Close()
			return nil, terr
		}
	}
	return &FileBlockDevice{f: f}, nil
}

func (d *FileBlockDevice) ReadBlock(blockID uint64, buf *[BlockSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.ReadAt(buf[:], int64(blockID)*BlockSize)
	if err != nil && n != BlockSize {
		fatalf("easyfs: read block %d: %v", blockID, err)
	}
}

func (d *FileBlockDevice) WriteBlock(blockID uint64, buf *[BlockSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(buf[:], int64(blockID)*BlockSize); err != nil {
		fatalf("easyfs: write block %d: %v", blockID, err)
	}
}

// Close releases the underlying file handle.
func (d *FileBlockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// MemBlockDevice is an in-memory BlockDevice, used by tests and by callers
// that want a throwaway filesystem image with no host file backing it.
type MemBlockDevice struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte
}

// NewMemBlockDevice allocates a zero-filled in-memory device of totalBlocks
// sectors.
func NewMemBlockDevice(totalBlocks uint64) *MemBlockDevice {
	return &MemBlockDevice{blocks: make([][BlockSize]byte, totalBlocks)}
}

func (d *MemBlockDevice) ReadBlock(blockID uint64, buf *[BlockSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blockID >= uint64(len(d.blocks)) {
		fatalf("easyfs: read block %d out of range (%d blocks)", blockID, len(d.blocks))
	}
	*buf = d.blocks[blockID]
}

func (d *MemBlockDevice) WriteBlock(blockID uint64, buf *[BlockSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blockID >= uint64(len(d.blocks)) {
		fatalf("easyfs: write block %d out of range (%d blocks)", blockID, len(d.blocks))
	}
	d.blocks[blockID] = *buf
}

// Bytes returns a flat copy of every resident sector, in block order. Used
// to stage a freshly formatted in-memory image for atomic installation to a
// file (cmd/easyfs's "mkfs" subcommand).
func (d *MemBlockDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, 0, len(d.blocks)*BlockSize)
	for _, b := range d.blocks {
		out = append(out, b[:]...)
	}
	return out
}
