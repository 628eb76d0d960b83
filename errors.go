package easyfs

import "fmt"

// ErrInvalidSuper is returned when the superblock magic does not match
// EFSMagic. It is the one recoverable error this package exposes: every
// other invariant violation (bad layout, wrong inode kind, and so on) is a
// programming error and panics via fatalf instead.
var ErrInvalidSuper = fmt.Errorf("easyfs: invalid superblock, bad magic")

// fatalf panics with a formatted message. It marks invariant violations
// treated as programming errors: bad magic, directory
// size not a multiple of DIRENT_SZ, freeing an already-free bitmap bit,
// truncation that would change a disk inode's block count, removing a
// directory entry that does not exist. None of these are expected to occur
// under single-writer discipline; callers never recover from them.
func fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
