package easyfs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCreateThenFind(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()

	child, ok := root.Create("file.txt")
	require.True(t, ok)
	require.EqualValues(t, ModeFile, child.Stat().Mode)

	found, ok := root.Find("file.txt")
	require.True(t, ok)
	require.Equal(t, child.ID(), found.ID())

	_, ok = root.Find("missing")
	require.False(t, ok)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	_, ok := root.Create("dup")
	require.True(t, ok)
	_, ok = root.Create("dup")
	require.False(t, ok)
}

func TestWriteReadRoundTripAcrossBlocks(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	f, _ := root.Create("big")

	data := make([]byte, 3*BlockSize+17)
	for i := range data {
		data[i] = byte(i % 256)
	}
	n := f.WriteAt(0, data)
	require.Equal(t, len(data), n)

	got := f.ReadAll()
	require.Equal(t, data, got)
}

func TestWriteAtOffsetGrowsFile(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	f, _ := root.Create("sparse")

	f.WriteAt(BlockSize, []byte("tail"))
	got := f.ReadAll()
	require.Len(t, got, BlockSize+4)
	require.Equal(t, "tail", string(got[BlockSize:]))
}

func TestClearFreesDataAndKeepsInodeSlot(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	f, _ := root.Create("clearme")
	f.WriteAt(0, make([]byte, 2*BlockSize))

	f.Clear()
	require.Empty(t, f.ReadAll())

	found, ok := root.Find("clearme")
	require.True(t, ok)
	require.Equal(t, f.ID(), found.ID())
	require.EqualValues(t, 1, found.Stat().Nlink)
}

func TestLinkIncrementsNlinkAndAllowsDuplicateNames(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	f, _ := root.Create("orig")
	require.EqualValues(t, 1, f.Stat().Nlink)

	root.Link("alias", f)
	require.EqualValues(t, 2, f.Stat().Nlink)

	// Duplicate new_name is permitted and not checked for collision.
	root.Link("alias", f)
	require.EqualValues(t, 3, f.Stat().Nlink)

	names := root.Ls()
	count := 0
	for _, n := range names {
		if n == "alias" {
			count++
		}
	}
	require.Equal(t, 2, count)
}

func TestUnlinkReclaimsDataOnlyAtZeroRefs(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	f, _ := root.Create("target")
	f.WriteAt(0, []byte("hello"))
	root.Link("alias", f)

	require.True(t, root.Unlink("alias"))
	require.EqualValues(t, 1, f.Stat().Nlink)
	// Still one live reference; data must survive.
	require.Equal(t, "hello", string(f.ReadAll()))

	require.True(t, root.Unlink("target"))
	require.EqualValues(t, 0, f.Stat().Nlink)
	require.Empty(t, f.ReadAll())

	require.False(t, root.Unlink("target"))
}

func TestUnlinkCompactsDirectoryBySwapWithLast(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	root.Create("a")
	root.Create("b")
	root.Create("c")

	require.True(t, root.Unlink("a"))
	names := root.Ls()
	require.Len(t, names, 2)
	require.ElementsMatch(t, []string{"b", "c"}, names)

	_, ok := root.Find("a")
	require.False(t, ok)
	_, ok = root.Find("b")
	require.True(t, ok)
	_, ok = root.Find("c")
	require.True(t, ok)
}

func TestConcurrentLinkUnlinkIsLinearizable(t *testing.T) {
	efs := testFS(t)
	root := efs.RootInode()
	f, _ := root.Create("shared")

	var g errgroup.Group
	const n = 20
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			root.Link(namesFor(i), f)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1+n, f.Stat().Nlink)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			root.Unlink(namesFor(i))
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, f.Stat().Nlink)
}

func namesFor(i int) string {
	return string(rune('a'+(i%26))) + string(rune('0'+(i/26)))
}
