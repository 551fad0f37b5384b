package afatfs

import (
	"github.com/dargueta/afatfs/cache"
	"github.com/noxer/bytewriter"
)

const entriesPerSector = SectorSize / DirentSize

// DirectoryFinder is a cursor over one directory's entries. Zero value is
// not usable; create one with newDirectoryFinder.
type DirectoryFinder struct {
	cluster        ClusterID
	isRoot16       bool
	sectorInDir    uint32
	entryIndex     int
	finished       bool
}

// newDirectoryFinder seeks to the start of the directory rooted at cluster
// (ignored for the FAT16 root, which has a fixed sector range instead).
func newDirectoryFinder(cluster ClusterID, isRoot16 bool) *DirectoryFinder {
	return &DirectoryFinder{cluster: cluster, isRoot16: isRoot16, entryIndex: -1}
}

func (fs *Filesystem) directorySectorLimit(finder *DirectoryFinder) uint32 {
	if finder.isRoot16 {
		return (fs.rootDirEntries*DirentSize + SectorSize - 1) / SectorSize
	}
	return fs.sectorsPerCluster
}

func (fs *Filesystem) directorySector(finder *DirectoryFinder) SectorID {
	if finder.isRoot16 {
		return fs.rootDirFirstSector + SectorID(finder.sectorInDir)
	}
	return fs.clusterToSector(finder.cluster) + SectorID(finder.sectorInDir)
}

// clusterToSector returns the first sector belonging to cluster c.
func (fs *Filesystem) clusterToSector(c ClusterID) SectorID {
	return fs.firstDataSector + SectorID(uint32(c-2)*fs.sectorsPerCluster)
}

// advanceDirectoryPosition moves the finder to the next sector, crossing a
// cluster boundary (or stopping at the FAT16 root's fixed limit) as needed.
// Returns StatusSuccess if the finder now sits on a usable sector,
// StatusInProgress if the FAT lookup needed to cross a cluster boundary had
// to wait on the cache, and StatusSuccess with finder.finished set if the
// directory has no more sectors.
func (fs *Filesystem) advanceDirectoryPosition(finder *DirectoryFinder) Status {
	limit := fs.directorySectorLimit(finder)
	if finder.sectorInDir+1 < limit {
		finder.sectorInDir++
		return StatusSuccess
	}

	if finder.isRoot16 {
		finder.finished = true
		return StatusSuccess
	}

	next, status := fs.fatGetNextCluster(finder.cluster)
	if status != StatusSuccess {
		return status
	}
	if IsEndOfChainMarker(fs.fatType, uint32(next)) || IsFreeClusterEntry(uint32(next)) {
		finder.finished = true
		return StatusSuccess
	}
	finder.cluster = next
	finder.sectorInDir = 0
	return StatusSuccess
}

// findNext advances finder to the next valid (non-free, non-end) entry and
// returns a decoded copy of it. A nil entry with StatusSuccess means the
// directory is exhausted.
func (fs *Filesystem) findNext(finder *DirectoryFinder) (*DirectoryEntry, Status) {
	for {
		if finder.finished {
			return nil, StatusSuccess
		}

		finder.entryIndex++
		if finder.entryIndex >= entriesPerSector {
			finder.entryIndex = 0
			status := fs.advanceDirectoryPosition(finder)
			if status != StatusSuccess {
				finder.entryIndex = entriesPerSector // stay put, retry advance next call
				return nil, status
			}
			if finder.finished {
				return nil, StatusSuccess
			}
		}

		sector := fs.directorySector(finder)
		buf, cstatus := fs.sc.CacheSector(sector, cache.Read)
		if cstatus != cache.StatusSuccess {
			finder.entryIndex-- // retry the same index next call
			return nil, translateCacheStatus(cstatus)
		}

		raw := buf[finder.entryIndex*DirentSize : (finder.entryIndex+1)*DirentSize]
		entry := DecodeDirectoryEntry(raw)

		if entry.IsEnd() {
			finder.finished = true
			return nil, StatusSuccess
		}
		if entry.IsFree() {
			continue
		}
		return &entry, StatusSuccess
	}
}

// findFirst resets finder to the beginning of its directory.
func findFirst(finder *DirectoryFinder) {
	finder.sectorInDir = 0
	finder.entryIndex = -1
	finder.finished = false
}

// allocPhase is which step allocateEntryOp's state machine is in.
type allocPhase int

const (
	allocScanning allocPhase = iota
	allocExtending
	allocRetryAfterExtend
)

// allocateEntryOp finds a free or never-used directory slot, extending the
// directory's cluster chain (for non-root directories) if it runs out of
// room.
type allocateEntryOp struct {
	finder  *DirectoryFinder
	phase   allocPhase
	extend  *extendDirectoryOp
	found   *DirectoryEntry
	sector  SectorID
	offset  uint
}

// newAllocateEntryOp rewinds finder to the start of its directory: the find
// phase that preceded allocation ran the finder to exhaustion, and deleted
// slots earlier in the directory should be reused before the chain grows.
func newAllocateEntryOp(finder *DirectoryFinder) *allocateEntryOp {
	findFirst(finder)
	return &allocateEntryOp{finder: finder, phase: allocScanning}
}

func (op *allocateEntryOp) step(fs *Filesystem) Status {
	switch op.phase {
	case allocScanning:
		return op.scan(fs)
	case allocExtending:
		status := op.extend.step(fs)
		if status != StatusSuccess {
			return status
		}
		op.phase = allocRetryAfterExtend
		return op.scan(fs)
	case allocRetryAfterExtend:
		return op.scan(fs)
	}
	return StatusFatal
}

func (op *allocateEntryOp) scan(fs *Filesystem) Status {
	for {
		finder := op.finder
		finder.entryIndex++
		if finder.entryIndex >= entriesPerSector {
			finder.entryIndex = 0
			status := fs.advanceDirectoryPosition(finder)
			if status != StatusSuccess {
				finder.entryIndex = entriesPerSector
				return status
			}
		}

		if finder.finished {
			if finder.isRoot16 {
				return StatusFailure // ErrDirectoryFull: fixed-size root
			}
			op.extend = newExtendDirectoryOp(finder)
			op.phase = allocExtending
			return op.step(fs)
		}

		sector := fs.directorySector(finder)
		buf, cstatus := fs.sc.CacheSector(sector, cache.Read)
		if cstatus != cache.StatusSuccess {
			finder.entryIndex--
			return translateCacheStatus(cstatus)
		}

		raw := buf[finder.entryIndex*DirentSize : (finder.entryIndex+1)*DirentSize]
		entry := DecodeDirectoryEntry(raw)
		if entry.IsFree() || entry.IsEnd() {
			op.found = &entry
			op.sector = sector
			op.offset = uint(finder.entryIndex) * DirentSize
			return StatusSuccess
		}
	}
}

// extendDirectoryPhase enumerates extendDirectoryOp's steps.
type extendDirectoryPhase int

const (
	extendAppending extendDirectoryPhase = iota
	extendZeroing
	extendDone
)

// extendDirectoryOp appends a fresh, zeroed cluster to a directory's chain
// and rewinds finder into it, so a subsequent scan finds the first entry of
// the new cluster as a terminator slot ready to claim.
type extendDirectoryOp struct {
	finder       *DirectoryFinder
	phase        extendDirectoryPhase
	appendOp     *appendFreeClusterOp
	newCluster   ClusterID
	zeroedSector uint32
}

func newExtendDirectoryOp(finder *DirectoryFinder) *extendDirectoryOp {
	return &extendDirectoryOp{finder: finder, phase: extendAppending}
}

func (op *extendDirectoryOp) step(fs *Filesystem) Status {
	switch op.phase {
	case extendAppending:
		if op.appendOp == nil {
			op.appendOp = newAppendFreeClusterOp(op.finder.cluster)
		}
		status := op.appendOp.step(fs)
		if status != StatusSuccess {
			return status
		}
		op.newCluster = op.appendOp.newCluster
		op.phase = extendZeroing
		op.zeroedSector = 0
		fallthrough

	case extendZeroing:
		for op.zeroedSector < fs.sectorsPerCluster {
			sector := fs.clusterToSector(op.newCluster) + SectorID(op.zeroedSector)
			buf, status := fs.sc.CacheSector(sector, cache.Write)
			if status != cache.StatusSuccess {
				return translateCacheStatus(status)
			}
			zeroSector(buf)
			fs.sc.MarkDirty(buf)
			op.zeroedSector++
		}
		op.phase = extendDone
		fallthrough

	case extendDone:
		op.finder.cluster = op.newCluster
		op.finder.sectorInDir = 0
		op.finder.entryIndex = -1
		op.finder.finished = false
		return StatusSuccess
	}
	return StatusFatal
}

// zeroSector clears buf using a fixed-buffer writer instead of a hand
// rolled loop, matching how this codebase clears scratch buffers elsewhere.
func zeroSector(buf []byte) {
	w := bytewriter.New(buf)
	var zeros [SectorSize]byte
	_, _ = w.Write(zeros[:len(buf)])
}
