package afatfs_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/afatfs"
	"github.com/dargueta/afatfs/afatfstest"
)

// tryCreate drives an Open to completion like openFile, but hands failures
// back to the caller instead of failing the test: the fill scenarios below
// need to observe the moment creation stops working.
func tryCreate(fs *afatfs.Filesystem, name, mode string) (*afatfs.File, afatfs.Status) {
	file, status := fs.Open(name, mode)
	for status == afatfs.StatusInProgress {
		fs.Poll()
		status = file.Continue()
	}
	return file, status
}

func findNextEntry(t *testing.T, fs *afatfs.Filesystem, finder *afatfs.DirectoryFinder) *afatfs.DirectoryEntry {
	t.Helper()
	var entry *afatfs.DirectoryEntry
	status := pumpUntilDone(fs, func() afatfs.Status {
		var s afatfs.Status
		entry, s = fs.FindNext(finder)
		return s
	})
	require.Equal(t, afatfs.StatusSuccess, status)
	return entry
}

// writeAllowingFull is writeAll without the fatal assertion on
// StatusFailure: it reports how much was written and whether the volume
// filled up partway through.
func writeAllowingFull(fs *afatfs.Filesystem, f *afatfs.File, data []byte) (int, afatfs.Status) {
	total := 0
	for total < len(data) {
		n, status := f.Write(data[total:])
		total += n
		switch status {
		case afatfs.StatusSuccess:
			if total >= len(data) {
				return total, afatfs.StatusSuccess
			}
		case afatfs.StatusInProgress:
			fs.Poll()
		default:
			return total, status
		}
	}
	return total, afatfs.StatusSuccess
}

// The FAT16 root directory has a fixed entry count baked into the BPB.
// Creating files until that runs out must fail cleanly (not fatally), and
// everything created before the ceiling must be enumerable afterwards.
func TestScenario_RootDirectoryFillsToFixedCeiling(t *testing.T) {
	fs, _ := mountFAT16(t)

	created := 0
	for i := 0; i < 600; i++ {
		file, status := tryCreate(fs, fmt.Sprintf("LOG%05d.TXT", i), "a")
		if status != afatfs.StatusSuccess {
			require.Equal(t, afatfs.StatusFailure, status,
				"root exhaustion must be a plain failure, not fatal")
			break
		}
		closeFile(t, fs, file)
		created++
	}
	require.Greater(t, created, 0)
	require.Less(t, created, 600, "a fixed-size FAT16 root must eventually refuse new entries")
	assert.Equal(t, afatfs.StatusSuccess, fs.State(), "the mount must survive a full root")

	seen := map[string]bool{}
	finder := fs.FindFirst(nil)
	for {
		entry := findNextEntry(t, fs, finder)
		if entry == nil {
			break
		}
		seen[entry.Name()] = true
	}

	enumerated := 0
	for i := 0; i < created; i++ {
		name := fmt.Sprintf("LOG%05d.TXT", i)
		if assert.True(t, seen[name], "created file %s must be enumerable", name) {
			enumerated++
		}
	}
	assert.GreaterOrEqual(t, enumerated, created)
}

// Unlike the FAT16 root, a subdirectory is an ordinary cluster chain and
// must grow on demand as entries are allocated past its current capacity.
func TestScenario_SubdirectoryGrowsOnDemand(t *testing.T) {
	fs, _ := mountFAT16(t)

	sub := mkdirAll(t, fs, "LOGS")
	fs.Chdir(sub)

	// One cluster on this fixture holds 16 entries, two of which are "." and
	// "..", so this forces several chain extensions.
	const count = 60
	for i := 0; i < count; i++ {
		file, status := tryCreate(fs, fmt.Sprintf("LOG%05d.TXT", i), "a")
		require.Equal(t, afatfs.StatusSuccess, status, "creation %d", i)
		closeFile(t, fs, file)
	}

	logs := 0
	finder := fs.FindFirst(nil)
	for {
		entry := findNextEntry(t, fs, finder)
		if entry == nil {
			break
		}
		if strings.HasPrefix(entry.Name(), "LOG") {
			logs++
		}
	}
	assert.GreaterOrEqual(t, logs, count)

	// Round trip through a chdir cycle: a file written inside the
	// subdirectory must read back identically after leaving and re-entering.
	inner := openFile(t, fs, "NESTED.TXT", "w")
	writeAll(t, fs, inner, []byte("written from inside LOGS"))
	closeFile(t, fs, inner)

	fs.Chdir(nil)
	fs.Chdir(sub)

	inner2 := openFile(t, fs, "NESTED.TXT", "r")
	assert.Equal(t, "written from inside LOGS", string(readAll(t, fs, inner2)))
	closeFile(t, fs, inner2)
	fs.Chdir(nil)
}

// Fill the volume with contiguous-mode log files until it reports full,
// then read every file back and confirm nothing written was lost. Written
// through the freefile until it runs dry, then through ordinary
// cluster-at-a-time allocation until that runs out too.
func TestScenario_VolumeFillAndReadback(t *testing.T) {
	fs, _ := mountFAT16(t)

	sub := mkdirAll(t, fs, "LOGS")
	fs.Chdir(sub)

	type record struct {
		name  string
		bytes int
		lines int
	}
	var records []record

	const maxFiles = 64
	const linesPerFile = 2000
	full := false
	for i := 0; i < maxFiles && !full; i++ {
		name := fmt.Sprintf("LOG%05d.TXT", i)
		file, status := tryCreate(fs, name, "as")
		if status != afatfs.StatusSuccess {
			require.Equal(t, afatfs.StatusFailure, status)
			full = true
			break
		}

		rec := record{name: name}
		for line := 0; line < linesPerFile; line++ {
			payload := []byte(fmt.Sprintf("Log %05d entry %6d/%6d\n", i, line, linesPerFile))
			n, wstatus := writeAllowingFull(fs, file, payload)
			rec.bytes += n
			if wstatus != afatfs.StatusSuccess {
				require.Equal(t, afatfs.StatusFailure, wstatus)
				full = true
				break
			}
			rec.lines++
		}
		closeFile(t, fs, file)
		records = append(records, rec)
	}

	require.True(t, full, "this fixture is small enough that the fill must hit the ceiling")
	require.True(t, fs.IsFull())
	require.NotEmpty(t, records)

	for _, rec := range records {
		file := openFile(t, fs, rec.name, "r")
		got := readAll(t, fs, file)
		closeFile(t, fs, file)

		assert.GreaterOrEqual(t, len(got), rec.bytes, "%s lost bytes", rec.name)
		assert.GreaterOrEqual(t, bytes.Count(got, []byte("\n")), rec.lines, "%s lost lines", rec.name)
	}
	fs.Chdir(nil)
}

// Create-and-delete in a loop, in both contiguous and ordinary modes. The
// volume must never report full: every unlink returns its clusters to the
// free pool, and the allocation cursor must be able to find them again.
func TestScenario_DeleteReclaimsClusters(t *testing.T) {
	fs, _ := mountFAT16(t)

	payload := make([]byte, 2*int(fs.ClusterSize()))
	for i := range payload {
		payload[i] = byte(i)
	}

	modes := []string{"as", "a"}
	for i := 0; i < 40; i++ {
		mode := modes[i%2]
		file, status := tryCreate(fs, "TEST.TXT", mode)
		require.Equal(t, afatfs.StatusSuccess, status, "iteration %d (%q)", i, mode)
		writeAll(t, fs, file, payload)
		closeFile(t, fs, file)

		require.False(t, fs.IsFull(),
			"iteration %d (%q): deletes must keep reclaiming space", i, mode)

		status = pumpUntilDone(fs, func() afatfs.Status {
			return fs.Unlink("TEST.TXT")
		})
		require.Equal(t, afatfs.StatusSuccess, status, "iteration %d unlink", i)
	}
}

func mountFAT32(t *testing.T) (*afatfs.Filesystem, *afatfstest.MemoryDevice) {
	t.Helper()
	image := afatfstest.BuildFAT32Image(afatfstest.DefaultFAT32Options())
	device := afatfstest.New(image, afatfs.SectorSize)
	fs := afatfs.New(device)

	status := pumpUntilDone(fs, func() afatfs.Status {
		return fs.Mount(afatfs.Options{})
	})
	require.Equal(t, afatfs.StatusSuccess, status)
	return fs, device
}

func TestMount_FAT32Succeeds(t *testing.T) {
	fs, _ := mountFAT32(t)

	assert.Equal(t, afatfs.StatusSuccess, fs.State())
	assert.EqualValues(t, afatfs.SectorSize, fs.ClusterSize())
	// 128 four-byte FAT32 entries per sector.
	assert.EqualValues(t, 128*afatfs.SectorSize, fs.SuperclusterSize())
	assert.Greater(t, fs.ContiguousFreeSpace(), uint64(0))
}

func TestFile_FAT32RootRoundTrip(t *testing.T) {
	fs, _ := mountFAT32(t)

	payload := make([]byte, int(fs.ClusterSize())*2+100)
	for i := range payload {
		payload[i] = byte('A' + i%23)
	}

	f := openFile(t, fs, "BIG.BIN", "w")
	writeAll(t, fs, f, payload)
	closeFile(t, fs, f)

	// The FAT32 root is an ordinary cluster chain: creating enough entries
	// must extend it rather than hitting a fixed ceiling.
	for i := 0; i < 40; i++ {
		file, status := tryCreate(fs, fmt.Sprintf("PAD%05d.TXT", i), "a")
		require.Equal(t, afatfs.StatusSuccess, status, "creation %d", i)
		closeFile(t, fs, file)
	}

	f2 := openFile(t, fs, "BIG.BIN", "r")
	assert.Equal(t, payload, readAll(t, fs, f2))
	closeFile(t, fs, f2)

	sub := mkdirAll(t, fs, "NESTED")
	fs.Chdir(sub)
	inner := openFile(t, fs, "INNER.TXT", "w")
	writeAll(t, fs, inner, []byte("fat32 subdirectory data"))
	closeFile(t, fs, inner)
	fs.Chdir(nil)

	fs.Chdir(sub)
	inner2 := openFile(t, fs, "INNER.TXT", "r")
	assert.Equal(t, "fat32 subdirectory data", string(readAll(t, fs, inner2)))
	closeFile(t, fs, inner2)
	fs.Chdir(nil)
}
