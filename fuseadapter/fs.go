// Package fuseadapter bridges the Inode facade to github.com/jacobsa/fuse's
// op-struct FUSE API, so an EasyFS image can be mounted and exercised with
// ordinary POSIX tools. It plays the part EasyFS's original os6 host gave
// to the kernel's own File/fd abstraction, grounded on
// GoogleCloudPlatform-gcsfuse's fs/fs.go.
package fuseadapter

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nkbai/easyfs"
	"github.com/sirupsen/logrus"
)

// FileSystem adapts one mounted *easyfs.EFS to fuseutil.FileSystem. The
// namespace it exposes is flat (root directory plus regular files), the
// same shape Inode itself supports: no path parsing beyond a flat root
// directory.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	efs *easyfs.EFS

	mu        sync.Mutex
	fuseOf    map[uint32]fuseops.InodeID // easyfs inode id -> fuse inode id
	easyOf    map[fuseops.InodeID]uint32 // fuse inode id -> easyfs inode id
	nextInode fuseops.InodeID
}

// New builds a FileSystem over an already-mounted EFS.
func New(efs *easyfs.EFS) *FileSystem {
	fs := &FileSystem{
		efs:       efs,
		fuseOf:    make(map[uint32]fuseops.InodeID),
		easyOf:    make(map[fuseops.InodeID]uint32),
		nextInode: fuseops.RootInodeID + 1,
	}
	root := efs.RootInode()
	fs.fuseOf[root.ID()] = fuseops.RootInodeID
	fs.easyOf[fuseops.RootInodeID] = root.ID()
	return fs
}

// idFor returns (allocating if necessary) the fuse inode id standing in
// for an easyfs inode id.
func (fs *FileSystem) idFor(easyID uint32) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.fuseOf[easyID]; ok {
		return id
	}
	id := fs.nextInode
	fs.nextInode++
	fs.fuseOf[easyID] = id
	fs.easyOf[id] = easyID
	return id
}

func (fs *FileSystem) easyID(fuseID fuseops.InodeID) (uint32, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, ok := fs.easyOf[fuseID]
	return id, ok
}

func attributesFor(st easyfs.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(0644)
	if easyfs.StatMode(st.Mode) == easyfs.ModeDir {
		mode = os.ModeDir | 0755
	}
	return fuseops.InodeAttributes{
		Size:  0,
		Nlink: st.Nlink,
		Mode:  mode,
	}
}

// Init is a no-op: EasyFS has no mount-time negotiation beyond what
// jacobsa/fuse itself performs.
func (fs *FileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

// LookUpInode resolves Name under Parent. Only the root directory may be a
// parent, matching the flat namespace Inode itself supports.
func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if _, ok := fs.easyID(op.Parent); !ok || op.Parent != fuseops.RootInodeID {
		return syscall.ENOENT
	}
	child, ok := fs.efs.RootInode().Find(op.Name)
	if !ok {
		return syscall.ENOENT
	}
	fuseID := fs.idFor(child.ID())
	op.Entry.Child = fuseID
	op.Entry.Attributes = attributesFor(child.Stat())
	return nil
}

// GetInodeAttributes reports the stat-projection of a previously resolved
// inode.
func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	ino, ok := fs.resolve(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	op.Attributes = attributesFor(ino.Stat())
	return nil
}

// resolve maps a fuse inode id back to its Inode facade.
func (fs *FileSystem) resolve(id fuseops.InodeID) (*easyfs.Inode, bool) {
	easyID, ok := fs.easyID(id)
	if !ok {
		return nil, false
	}
	root := fs.efs.RootInode()
	if easyID == root.ID() {
		return root, true
	}
	for _, name := range root.Ls() {
		child, ok := root.Find(name)
		if ok && child.ID() == easyID {
			return child, true
		}
	}
	return nil, false
}

// OpenDir permits opening only the root directory.
func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != fuseops.RootInodeID {
		return syscall.ENOTDIR
	}
	return nil
}

// ReadDir serves the root directory's entries.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Inode != fuseops.RootInodeID {
		return syscall.ENOTDIR
	}
	root := fs.efs.RootInode()
	names := root.Ls()

	var offset fuseops.DirOffset
	written := 0
	for i, name := range names {
		if fuseops.DirOffset(i) < op.Offset {
			continue
		}
		child, ok := root.Find(name)
		if !ok {
			continue
		}
		dirType := fuseutil.DT_File
		if easyfs.StatMode(child.Stat().Mode) == easyfs.ModeDir {
			dirType = fuseutil.DT_Directory
		}
		offset = fuseops.DirOffset(i + 1)
		n := fuseutil.WriteDirent(op.Dst[written:], fuseutil.Dirent{
			Offset: offset,
			Inode:  fs.idFor(child.ID()),
			Name:   name,
			Type:   dirType,
		})
		if n == 0 {
			break
		}
		written += n
	}
	op.BytesRead = written
	return nil
}

// ReleaseDirHandle is a no-op: directory reads carry no server-side state.
func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

// OpenFile validates that Inode resolves to a known file.
func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := fs.resolve(op.Inode); !ok {
		return syscall.ENOENT
	}
	return nil
}

// ReadFile reads directly through the Inode facade; there is no
// server-side file handle state to track.
func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	ino, ok := fs.resolve(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	op.BytesRead = ino.ReadAt(int(op.Offset), op.Dst)
	return nil
}

// WriteFile writes directly through the Inode facade.
func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	ino, ok := fs.resolve(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	ino.WriteAt(int(op.Offset), op.Data)
	return nil
}

// CreateFile creates a new regular file under the root directory.
func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if op.Parent != fuseops.RootInodeID {
		return syscall.ENOTDIR
	}
	child, ok := fs.efs.RootInode().Create(op.Name)
	if !ok {
		return syscall.EEXIST
	}
	op.Entry.Child = fs.idFor(child.ID())
	op.Entry.Attributes = attributesFor(child.Stat())
	return nil
}

// CreateLink adds a hard link to an existing inode under the root
// directory.
func (fs *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	if op.Parent != fuseops.RootInodeID {
		return syscall.ENOTDIR
	}
	targetID, ok := fs.easyID(op.Target)
	if !ok {
		return syscall.ENOENT
	}
	root := fs.efs.RootInode()
	target, ok := fs.resolveID(targetID)
	if !ok {
		return syscall.ENOENT
	}
	root.Link(op.Name, target)
	op.Entry.Child = op.Target
	op.Entry.Attributes = attributesFor(target.Stat())
	return nil
}

func (fs *FileSystem) resolveID(easyID uint32) (*easyfs.Inode, bool) {
	root := fs.efs.RootInode()
	if easyID == root.ID() {
		return root, true
	}
	for _, name := range root.Ls() {
		child, ok := root.Find(name)
		if ok && child.ID() == easyID {
			return child, true
		}
	}
	return nil, false
}

// Unlink removes a directory entry, reclaiming the target's data once its
// hard-link count reaches zero.
func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	if op.Parent != fuseops.RootInodeID {
		return syscall.ENOTDIR
	}
	if !fs.efs.RootInode().Unlink(op.Name) {
		return syscall.ENOENT
	}
	return nil
}

// StatFS reports coarse filesystem-wide sizing derived from the
// superblock.
func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	sb := fs.efs.Info()
	op.BlockSize = easyfs.BlockSize
	op.Blocks = uint64(sb.DataAreaBlocks)
	op.BlocksFree = uint64(sb.DataAreaBlocks) // upper bound: every data block is reported free; an exact count needs a bitmap scan
	op.BlocksAvailable = op.BlocksFree
	op.Inodes = uint64(sb.InodeAreaBlocks) * uint64(easyfs.BlockSize/easyfs.DiskInodeSize)
	op.InodesFree = op.Inodes
	return nil
}

func init() {
	logrus.SetLevel(logrus.InfoLevel)
}
