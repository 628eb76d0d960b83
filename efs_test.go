package easyfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testFS creates a small in-memory filesystem sized for tests. The inode
// bitmap always reserves a full 4096-slot block, forcing a 1024-block inode
// area even for a tiny image, so total block counts below ~1100 overflow.
func testFS(t *testing.T) *EFS {
	t.Helper()
	dev := NewMemBlockDevice(1200)
	return Create(dev, 1200, 1)
}

func TestCreateFormatsRootDirectory(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	require.Equal(t, RootInodeID, root.ID())

	st := root.Stat()
	require.Equal(t, uint32(ModeDir), st.Mode)
	require.EqualValues(t, 1, st.Nlink)
	require.Zero(t, st.Dev)
	require.Empty(t, root.Ls())
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dev := NewMemBlockDevice(4)
	_, err := Open(dev)
	require.ErrorIs(t, err, ErrInvalidSuper)
}

func TestOpenRoundTrip(t *testing.T) {
	dev := NewMemBlockDevice(1200)
	efs := Create(dev, 1200, 1)
	root := efs.RootInode()
	_, ok := root.Create("a")
	require.True(t, ok)
	efs.Sync()

	reopened, err := Open(dev)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, reopened.RootInode().Ls())
}

func TestInfoReportsLayout(t *testing.T) {
	efs := testFS(t)
	sb := efs.Info()
	require.True(t, sb.IsValid())
	require.EqualValues(t, 1200, sb.TotalBlocks)
	require.EqualValues(t, 1, sb.InodeBitmapBlocks)
}
