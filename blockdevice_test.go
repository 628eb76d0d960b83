package easyfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemBlockDeviceRoundTrip(t *testing.T) {
	dev := NewMemBlockDevice(4)

	var buf [BlockSize]byte
	for i := range buf {
		buf[i] = byte(i)
	}
	dev.WriteBlock(2, &buf)

	var out [BlockSize]byte
	dev.ReadBlock(2, &out)
	require.Equal(t, buf, out)

	var untouched [BlockSize]byte
	dev.ReadBlock(0, &untouched)
	require.Equal(t, [BlockSize]byte{}, untouched)
}

func TestMemBlockDeviceOutOfRangePanics(t *testing.T) {
	dev := NewMemBlockDevice(1)
	var buf [BlockSize]byte
	require.Panics(t, func() { dev.ReadBlock(1, &buf) })
	require.Panics(t, func() { dev.WriteBlock(5, &buf) })
}
