package easyfs

import "github.com/sirupsen/logrus"

// Inode is the VFS-layer facade over one DiskInode: find/create/ls/stat,
// read/write/clear, and hard-link management. Every exported method
// takes the EFS mutex for its whole duration. The sector holding the
// DiskInode stays locked for the whole read/modify callback, and inside it
// at most one other cache-entry lock (a data, index or bitmap sector) is
// held at a time.
type Inode struct {
	id          uint32
	blockID     uint32
	blockOffset int
	efs         *EFS
}

// ID returns the inode number this facade wraps.
func (ino *Inode) ID() uint32 { return ino.id }

func (ino *Inode) readDiskInode(f func(di *DiskInode)) {
	h := ino.efs.cache.Get(uint64(ino.blockID), ino.efs.device)
	h.Read(ino.blockOffset, func(buf []byte) interface{} {
		var di DiskInode
		di.unmarshal(buf[:DiskInodeSize])
		f(&di)
		return nil
	})
}

func (ino *Inode) modifyDiskInode(f func(di *DiskInode)) {
	h := ino.efs.cache.Get(uint64(ino.blockID), ino.efs.device)
	h.Modify(ino.blockOffset, func(buf []byte) interface{} {
		var di DiskInode
		di.unmarshal(buf[:DiskInodeSize])
		f(&di)
		di.marshal(buf[:DiskInodeSize])
		return nil
	})
}

// findInodeID does a linear scan of a directory's entries looking for name.
// di must be a directory. Caller holds efs.mu.
func (ino *Inode) findInodeID(name string, di *DiskInode) (uint32, bool) {
	if !di.IsDir() {
		fatalf("easyfs: findInodeID called on a non-directory")
	}
	count := int(di.Size) / DirentSize
	var entry DirEntry
	buf := make([]byte, DirentSize)
	for i := 0; i < count; i++ {
		if n := di.ReadAt(i*DirentSize, buf, ino.efs.cache, ino.efs.device); n != DirentSize {
			fatalf("easyfs: short read of directory entry %d", i)
		}
		entry.unmarshal(buf)
		if entry.Name() == name {
			return entry.Inode, true
		}
	}
	return 0, false
}

func (ino *Inode) childAt(inodeID uint32) *Inode {
	blockID, offset := ino.efs.diskInodePos(inodeID)
	return &Inode{id: inodeID, blockID: blockID, blockOffset: offset, efs: ino.efs}
}

// Find looks up name inside a directory inode, returning (nil, false) if
// absent. ino must be a directory.
func (ino *Inode) Find(name string) (*Inode, bool) {
	ino.efs.Lock()
	defer ino.efs.Unlock()
	var result *Inode
	ino.readDiskInode(func(di *DiskInode) {
		if id, ok := ino.findInodeID(name, di); ok {
			result = ino.childAt(id)
		}
	})
	return result, result != nil
}

// Ls lists the names of every entry in directory ino.
func (ino *Inode) Ls() []string {
	ino.efs.Lock()
	defer ino.efs.Unlock()
	var names []string
	ino.readDiskInode(func(di *DiskInode) {
		count := int(di.Size) / DirentSize
		buf := make([]byte, DirentSize)
		var entry DirEntry
		for i := 0; i < count; i++ {
			di.ReadAt(i*DirentSize, buf, ino.efs.cache, ino.efs.device)
			entry.unmarshal(buf)
			names = append(names, entry.Name())
		}
	})
	return names
}

// increaseSize grows di to newSize, allocating the needed data blocks from
// efs first and handing them to DiskInode.IncreaseSize, per the two-step
// allocate-then-grow split. Caller holds efs.mu.
func (ino *Inode) increaseSize(newSize uint32, di *DiskInode) {
	if newSize < di.Size {
		return
	}
	needed := di.blocksNumNeeded(newSize)
	blocks := ino.efs.AllocDataBlocks(needed)
	di.IncreaseSize(newSize, blocks, ino.efs.cache, ino.efs.device)
}

// Create adds a new, empty regular file named name inside directory ino and
// returns its Inode facade. Returns (nil, false) if name already exists.
func (ino *Inode) Create(name string) (*Inode, bool) {
	ino.efs.Lock()
	defer ino.efs.Unlock()

	exists := false
	ino.readDiskInode(func(di *DiskInode) {
		if !di.IsDir() {
			fatalf("easyfs: Create called on a non-directory")
		}
		_, exists = ino.findInodeID(name, di)
	})
	if exists {
		return nil, false
	}

	newID := ino.efs.allocInode()
	child := ino.childAt(newID)
	child.modifyDiskInode(func(di *DiskInode) {
		di.Initialize(DiskInodeFile)
	})

	ino.modifyDiskInode(func(di *DiskInode) {
		count := int(di.Size) / DirentSize
		newSize := uint32((count + 1) * DirentSize)
		ino.increaseSize(newSize, di)
		entry := NewDirEntry(name, newID)
		buf := make([]byte, DirentSize)
		entry.marshal(buf)
		di.WriteAt(count*DirentSize, buf, ino.efs.cache, ino.efs.device)
	})

	ino.efs.cache.SyncAll()
	return child, true
}

// ReadAt copies file data from ino starting at offset into buf, returning
// the number of bytes copied (possibly 0, never an error, for offsets at or
// past size).
func (ino *Inode) ReadAt(offset int, buf []byte) int {
	ino.efs.Lock()
	defer ino.efs.Unlock()
	var n int
	ino.readDiskInode(func(di *DiskInode) {
		n = di.ReadAt(offset, buf, ino.efs.cache, ino.efs.device)
	})
	return n
}

// ReadAll returns the full contents of file ino.
func (ino *Inode) ReadAll() []byte {
	ino.efs.Lock()
	var size uint32
	ino.readDiskInode(func(di *DiskInode) { size = di.Size })
	ino.efs.Unlock()

	buf := make([]byte, size)
	offset := 0
	const chunk = 4096
	for offset < len(buf) {
		end := offset + chunk
		if end > len(buf) {
			end = len(buf)
		}
		n := ino.ReadAt(offset, buf[offset:end])
		if n == 0 {
			break
		}
		offset += n
	}
	return buf[:offset]
}

// WriteAt writes buf into file ino at offset, growing the file first if
// offset+len(buf) exceeds the current size, and returns the number of
// bytes written.
func (ino *Inode) WriteAt(offset int, buf []byte) int {
	ino.efs.Lock()
	defer ino.efs.Unlock()
	var n int
	ino.modifyDiskInode(func(di *DiskInode) {
		ino.increaseSize(uint32(offset+len(buf)), di)
		n = di.WriteAt(offset, buf, ino.efs.cache, ino.efs.device)
	})
	ino.efs.cache.SyncAll()
	return n
}

// Clear truncates ino to zero length, freeing every data and index block it
// owned. The inode slot itself stays allocated (lazy reclaim).
func (ino *Inode) Clear() {
	ino.efs.Lock()
	defer ino.efs.Unlock()
	ino.clearLocked()
}

func (ino *Inode) clearLocked() {
	ino.modifyDiskInode(func(di *DiskInode) {
		size := di.Size
		freed := di.ClearSize(ino.efs.cache, ino.efs.device)
		if uint32(len(freed)) != TotalBlocks(size) {
			fatalf("easyfs: ClearSize freed %d blocks, expected %d", len(freed), TotalBlocks(size))
		}
		ino.efs.DeallocDataBlocks(freed)
	})
}

// removeDirEntry deletes the entry at idx out of a directory of count
// entries by copying the last entry over it (the last entry's bytes are
// read into a local buffer first, then written at idx) and truncating the
// directory by one DirEntry. When the shrink leaves a data block unused,
// the directory is rebuilt at its new size so that block goes back to the
// data bitmap.
func (ino *Inode) removeDirEntry(di *DiskInode, idx, count int) {
	last := make([]byte, DirentSize)
	if n := di.ReadAt((count-1)*DirentSize, last, ino.efs.cache, ino.efs.device); n != DirentSize {
		fatalf("easyfs: short read of last directory entry")
	}
	di.WriteAt(idx*DirentSize, last, ino.efs.cache, ino.efs.device)
	newSize := uint32((count - 1) * DirentSize)
	if TotalBlocks(newSize) == TotalBlocks(di.Size) {
		di.DecreaseSize(newSize)
		return
	}
	remaining := make([]byte, newSize)
	di.ReadAt(0, remaining, ino.efs.cache, ino.efs.device)
	ino.efs.DeallocDataBlocks(di.ClearSize(ino.efs.cache, ino.efs.device))
	ino.increaseSize(newSize, di)
	if newSize > 0 {
		di.WriteAt(0, remaining, ino.efs.cache, ino.efs.device)
	}
}

// Link adds a directory entry named newName inside directory ino pointing
// at target, incrementing target's hard-link count. Duplicate newName
// values are permitted and never checked for collision.
func (ino *Inode) Link(newName string, target *Inode) {
	ino.efs.Lock()
	defer ino.efs.Unlock()

	ino.modifyDiskInode(func(di *DiskInode) {
		count := int(di.Size) / DirentSize
		newSize := uint32((count + 1) * DirentSize)
		ino.increaseSize(newSize, di)
		entry := NewDirEntry(newName, target.id)
		buf := make([]byte, DirentSize)
		entry.marshal(buf)
		di.WriteAt(count*DirentSize, buf, ino.efs.cache, ino.efs.device)
	})

	target.modifyDiskInode(func(di *DiskInode) {
		di.HardLink++
	})
	ino.efs.cache.SyncAll()
}

// Unlink removes the directory entry named name from ino and decrements
// the target inode's hard-link count, clearing its data (but not its
// inode slot) once the count reaches zero. Returns false if name is not
// present.
func (ino *Inode) Unlink(name string) bool {
	ino.efs.Lock()
	defer ino.efs.Unlock()

	var targetID uint32
	var found bool
	ino.readDiskInode(func(di *DiskInode) {
		targetID, found = ino.findInodeID(name, di)
	})
	if !found {
		return false
	}

	ino.modifyDiskInode(func(di *DiskInode) {
		count := int(di.Size) / DirentSize
		idx := -1
		buf := make([]byte, DirentSize)
		var entry DirEntry
		for i := 0; i < count; i++ {
			di.ReadAt(i*DirentSize, buf, ino.efs.cache, ino.efs.device)
			entry.unmarshal(buf)
			if entry.Name() == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			fatalf("easyfs: directory entry %q vanished mid-unlink", name)
		}
		ino.removeDirEntry(di, idx, count)
	})

	target := ino.childAt(targetID)
	var remaining uint32
	target.modifyDiskInode(func(di *DiskInode) {
		di.HardLink--
		remaining = di.HardLink
	})
	if remaining == 0 {
		target.clearLocked()
		logrus.WithField("inode", targetID).Debug("easyfs: reclaimed data of unlinked inode")
	}
	ino.efs.cache.SyncAll()
	return true
}

// Stat returns a Stat projection of ino, usable directly by the CLI and the
// FUSE bridge.
func (ino *Inode) Stat() Stat {
	ino.efs.Lock()
	defer ino.efs.Unlock()
	var st Stat
	ino.readDiskInode(func(di *DiskInode) {
		st.Ino = uint64(ino.id)
		st.Dev = 0
		if di.IsDir() {
			st.Mode = uint32(ModeDir)
		} else {
			st.Mode = uint32(ModeFile)
		}
		st.Nlink = di.HardLink
	})
	return st
}
