package afatfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/afatfs"
	"github.com/dargueta/afatfs/afatfstest"
)

func pumpUntilDone(fs *afatfs.Filesystem, step func() afatfs.Status) afatfs.Status {
	for i := 0; i < 100000; i++ {
		status := step()
		if status != afatfs.StatusInProgress {
			return status
		}
		fs.Poll()
	}
	return afatfs.StatusFatal
}

func mountFAT16(t *testing.T) (*afatfs.Filesystem, *afatfstest.MemoryDevice) {
	t.Helper()
	image := afatfstest.BuildFAT16Image(afatfstest.DefaultFAT16Options())
	device := afatfstest.New(image, afatfs.SectorSize)
	fs := afatfs.New(device)

	status := pumpUntilDone(fs, func() afatfs.Status {
		return fs.Mount(afatfs.Options{})
	})
	require.Equal(t, afatfs.StatusSuccess, status)
	return fs, device
}

func TestMount_FAT16Succeeds(t *testing.T) {
	fs, _ := mountFAT16(t)

	assert.Equal(t, afatfs.StatusSuccess, fs.State())
	assert.EqualValues(t, afatfs.SectorSize, fs.ClusterSize())
	assert.False(t, fs.IsFull())
	assert.Greater(t, fs.ContiguousFreeSpace(), uint64(0))
}

func TestMount_FAT16RejectsBadSignature(t *testing.T) {
	image := afatfstest.BuildFAT16Image(afatfstest.DefaultFAT16Options())
	image[510] = 0 // corrupt the 0x55AA MBR signature
	device := afatfstest.New(image, afatfs.SectorSize)
	fs := afatfs.New(device)

	status := pumpUntilDone(fs, func() afatfs.Status {
		return fs.Mount(afatfs.Options{})
	})
	assert.Equal(t, afatfs.StatusFatal, status)
}

func TestMount_RejectsBadSectorsPerCluster(t *testing.T) {
	// Zero would divide by zero in the cluster-count math; 3 and 255 aren't
	// powers of two (and 255 is over the 128 ceiling). All must be rejected
	// as fatal, not crash.
	for _, spc := range []byte{0, 3, 255} {
		image := afatfstest.BuildFAT16Image(afatfstest.DefaultFAT16Options())
		image[afatfs.SectorSize+13] = spc // sectors-per-cluster byte of the BPB
		device := afatfstest.New(image, afatfs.SectorSize)
		fs := afatfs.New(device)

		status := pumpUntilDone(fs, func() afatfs.Status {
			return fs.Mount(afatfs.Options{})
		})
		assert.Equal(t, afatfs.StatusFatal, status, "sectorsPerCluster=%d", spc)
	}
}

func TestMount_StatsRecordCacheActivity(t *testing.T) {
	fs, _ := mountFAT16(t)

	stats := fs.Stats()
	assert.Greater(t, stats.Misses, uint64(0))
}

func TestDestroy_ClosesHandlesCallerForgotToClose(t *testing.T) {
	fs, _ := mountFAT16(t)

	file := openFile(t, fs, "LEFTOPEN.TXT", "w")
	writeAll(t, fs, file, []byte("never explicitly closed"))

	// Destroy, not Close, must drain this handle.
	err := fs.Destroy()
	assert.NoError(t, err)
	assert.Equal(t, afatfs.StatusFailure, fs.State())
}

func TestMount_WithDeviceLatencyStillConverges(t *testing.T) {
	image := afatfstest.BuildFAT16Image(afatfstest.DefaultFAT16Options())
	device := afatfstest.New(image, afatfs.SectorSize).WithLatency(2)
	fs := afatfs.New(device)

	status := pumpUntilDone(fs, func() afatfs.Status {
		return fs.Mount(afatfs.Options{})
	})
	require.Equal(t, afatfs.StatusSuccess, status)
}
