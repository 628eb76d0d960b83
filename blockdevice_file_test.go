package easyfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBlockDeviceCreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.easyfs")

	dev, err := CreateFileBlockDevice(path, 8)
	require.NoError(t, err)

	var buf [BlockSize]byte
	buf[0] = 0xAB
	dev.WriteBlock(3, &buf)
	require.NoError(t, dev.Close())

	reopened, err := OpenFileBlockDevice(path)
	require.NoError(t, err)
	defer reopened.Close()

	var got [BlockSize]byte
	reopened.ReadBlock(3, &got)
	require.Equal(t, byte(0xAB), got[0])
}
