package easyfs

import "fmt"

// StatMode is the subset of Unix mode bits EasyFS distinguishes: whether an
// inode is a directory or a regular file. There is no permission or
// ownership model, so no other bits are ever set.
type StatMode uint32

const (
	// ModeDir marks a directory inode (0o040000, S_IFDIR).
	ModeDir StatMode = 0o040000
	// ModeFile marks a regular file inode (0o100000, S_IFREG).
	ModeFile StatMode = 0o100000
)

func (m StatMode) String() string {
	switch m {
	case ModeDir:
		return "dir"
	case ModeFile:
		return "file"
	default:
		return fmt.Sprintf("mode(%#o)", uint32(m))
	}
}

// Stat is the C-ABI-shaped projection of an inode returned by Inode.Stat,
// including a reserved Pad for layout compatibility with the traditional
// stat syscall struct even though nothing in this module reads it. Dev is
// always 0: this module never multiplexes more than one mounted device per
// process.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Mode  uint32
	Nlink uint32
	Pad   [7]uint64
}
