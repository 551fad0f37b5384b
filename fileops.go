package afatfs

import "github.com/dargueta/afatfs/cache"

// appendFreeClusterPhase enumerates appendFreeClusterOp's steps.
type appendFreeClusterPhase int

const (
	appendFindFreespace appendFreeClusterPhase = iota
	appendUpdateFAT1
	appendUpdateFileDirectory
	appendUpdateFAT2
	appendComplete
)

// appendFreeClusterOp grows a cluster chain by one cluster, found anywhere
// on the volume (outside the freefile's reserved range). previousCluster is
// the chain's current tail, or 0 if the chain is currently empty, in which
// case owner's directory entry gets its first-cluster field filled in
// instead of linking a FAT predecessor.
type appendFreeClusterOp struct {
	previousCluster ClusterID
	owner           *File
	phase           appendFreeClusterPhase
	scanCluster     ClusterID
	newCluster      ClusterID
}

func newAppendFreeClusterOp(previousCluster ClusterID) *appendFreeClusterOp {
	return &appendFreeClusterOp{previousCluster: previousCluster}
}

func newAppendFreeClusterOpForFile(previousCluster ClusterID, owner *File) *appendFreeClusterOp {
	op := newAppendFreeClusterOp(previousCluster)
	op.owner = owner
	return op
}

func (op *appendFreeClusterOp) step(fs *Filesystem) Status {
	for {
		switch op.phase {
		case appendFindFreespace:
			if op.scanCluster == 0 {
				op.scanCluster = fs.firstScanCluster()
			}
			switch fs.findClusterWithCondition(ConditionFreeCluster, &op.scanCluster) {
			case ScanInProgress:
				return StatusInProgress
			case ScanFatal:
				return StatusFatal
			case ScanNotFound:
				fs.filesystemFull = true
				return StatusFailure
			case ScanFound:
				op.newCluster = op.scanCluster
				fs.lastAllocatedCluster = op.newCluster
				op.phase = appendUpdateFAT1
			}

		case appendUpdateFAT1:
			status := fs.fatSetNextCluster(op.newCluster, ClusterID(EndOfChainMarker(fs.fatType)))
			if status != StatusSuccess {
				return status
			}
			if op.previousCluster == 0 {
				op.phase = appendUpdateFileDirectory
			} else {
				op.phase = appendUpdateFAT2
			}

		case appendUpdateFileDirectory:
			if op.owner != nil {
				status := fs.saveOwnerFirstCluster(op.owner, op.newCluster, fs.ClusterSize())
				if status != StatusSuccess {
					return status
				}
			}
			op.phase = appendComplete

		case appendUpdateFAT2:
			status := fs.fatSetNextCluster(op.previousCluster, op.newCluster)
			if status != StatusSuccess {
				return status
			}
			op.phase = appendComplete

		case appendComplete:
			return StatusSuccess
		}
	}
}

// appendSuperclusterPhase enumerates appendSuperclusterOp's steps.
type appendSuperclusterPhase int

const (
	superInit appendSuperclusterPhase = iota
	superUpdateFAT
	superUpdateFreefileDir
	superUpdateFileDir
	superComplete
)

// appendSuperclusterOp grows a Contiguous-mode file by stealing one
// supercluster from the freefile. Unlike appendFreeClusterOp, the new
// cluster is known the instant the steal succeeds (an in-memory
// bookkeeping change, no I/O): callers can read NewCluster() as soon as
// Ready() is true, advancing the file's cursor immediately while the
// FAT/directory writes this implies are still draining through later
// poll ticks.
type appendSuperclusterOp struct {
	previousCluster ClusterID
	owner           *File
	phase           appendSuperclusterPhase
	rewriteStart    ClusterID
	rewriteEnd      ClusterID
	fatCursor       ClusterID
	newCluster      ClusterID
	ready           bool
	delivered       bool
}

func newAppendSuperclusterOp(previousCluster ClusterID, owner *File) *appendSuperclusterOp {
	return &appendSuperclusterOp{previousCluster: previousCluster, owner: owner}
}

// Ready reports whether NewCluster is valid yet.
func (op *appendSuperclusterOp) Ready() bool { return op.ready }

// NewCluster returns the freshly stolen cluster. Only valid once Ready().
func (op *appendSuperclusterOp) NewCluster() ClusterID { return op.newCluster }

func (op *appendSuperclusterOp) step(fs *Filesystem) Status {
	for {
		switch op.phase {
		case superInit:
			clustersPerSuper := ClusterID(fs.clustersPerFATSector())
			stolen, ok := fs.freefile.stealFirstSupercluster(fs.SuperclusterSize())
			if !ok {
				fs.filesystemFull = true
				return StatusFailure
			}

			op.newCluster = stolen
			if op.previousCluster != 0 {
				op.rewriteStart = fs.nextFatSectorBoundary(op.previousCluster+1) - clustersPerSuper
				if op.rewriteStart < 2 || op.rewriteStart > op.previousCluster {
					op.rewriteStart = op.previousCluster
				}
			} else {
				op.rewriteStart = stolen
			}
			op.rewriteEnd = stolen + clustersPerSuper
			op.fatCursor = op.rewriteStart
			op.ready = true
			op.phase = superUpdateFAT

		case superUpdateFAT:
			for op.fatCursor < op.rewriteEnd {
				var next ClusterID
				if op.fatCursor+1 == op.rewriteEnd {
					next = ClusterID(EndOfChainMarker(fs.fatType))
				} else {
					next = op.fatCursor + 1
				}
				status := fs.fatSetNextCluster(op.fatCursor, next)
				if status != StatusSuccess {
					return status
				}
				op.fatCursor++
			}
			op.phase = superUpdateFreefileDir

		case superUpdateFreefileDir:
			status := fs.saveFreefileDirEntry()
			if status != StatusSuccess {
				return status
			}
			if op.previousCluster == 0 {
				op.phase = superUpdateFileDir
			} else {
				op.phase = superComplete
			}

		case superUpdateFileDir:
			if op.owner != nil {
				status := fs.saveOwnerFirstCluster(op.owner, op.newCluster, fs.SuperclusterSize())
				if status != StatusSuccess {
					return status
				}
			}
			op.phase = superComplete

		case superComplete:
			return StatusSuccess
		}
	}
}

// saveOwnerFirstCluster persists cluster as owner's first cluster, both in
// its in-memory DirectoryEntry copy and on disk. The owner's cursor is left
// alone: by the time a backgrounded append gets here, the cursor may have
// moved well past the cluster being recorded.
//
// The on-disk copy is written with the optimistic size: at least
// physicalSize, the byte span of the allocation just made, even though the
// writer may not have filled it yet. A power failure mid-append then leaves
// every completed sector of that first allocation readable as trailing file
// data; Close rewrites the entry with the true logical size. This runs only
// when a file's first cluster is allocated: later appends link their clusters
// in the FAT but leave the on-disk size unchanged until Close, so sectors past
// the first allocation are not covered. Directories always record size 0.
func (fs *Filesystem) saveOwnerFirstCluster(owner *File, cluster ClusterID, physicalSize uint32) Status {
	owner.dirEntry.SetFirstCluster(cluster)
	entry := owner.dirEntry
	if owner.typ != FileTypeDirectory && entry.FileSize < physicalSize {
		entry.FileSize = physicalSize
	}
	return fs.rewriteDirEntry(owner.dirEntrySector, owner.dirEntryOffset, &entry)
}

// saveFreefileDirEntry persists the freefile's current first-cluster and
// remaining length.
func (fs *Filesystem) saveFreefileDirEntry() Status {
	if fs.freefile == nil {
		return StatusSuccess
	}
	buf, status := fs.sc.CacheSector(fs.freefile.dirSector, cache.Read|cache.Write)
	if status != cache.StatusSuccess {
		return translateCacheStatus(status)
	}
	raw := buf[fs.freefile.dirOffset : fs.freefile.dirOffset+DirentSize]
	entry := DecodeDirectoryEntry(raw)
	entry.SetFirstCluster(fs.freefile.firstCluster)
	entry.FileSize = uint32(fs.freefile.length)
	entry.Encode(raw)
	fs.sc.MarkDirty(buf)
	return StatusSuccess
}

// rewriteDirEntry re-encodes entry into its on-disk location.
func (fs *Filesystem) rewriteDirEntry(sector SectorID, offset uint, entry *DirectoryEntry) Status {
	buf, status := fs.sc.CacheSector(sector, cache.Read|cache.Write)
	if status != cache.StatusSuccess {
		return translateCacheStatus(status)
	}
	entry.Encode(buf[offset : offset+DirentSize])
	fs.sc.MarkDirty(buf)
	return StatusSuccess
}

// reclaimChain walks the FAT chain starting at *cursor, freeing every
// cluster in it and advancing *cursor as it goes. The cursor must be the
// caller's persisted state, not re-derived from the directory entry on each
// retry: the walk zeroes entries behind itself, so restarting from the
// (already-freed) head after a StatusInProgress pause would read the head's
// entry as end-of-chain and leak the unvisited tail. Also resets
// filesystemFull, since reclaiming guarantees at least one cluster became
// free again, and pulls the allocation cursor back so the forward-only free
// scan can actually find the reclaimed clusters.
func (fs *Filesystem) reclaimChain(cursor *ClusterID) Status {
	for {
		cluster := *cursor
		if cluster == 0 || IsEndOfChainMarker(fs.fatType, uint32(cluster)) {
			return StatusSuccess
		}
		next, status := fs.fatGetNextCluster(cluster)
		if status != StatusSuccess {
			return status
		}
		status = fs.fatSetNextCluster(cluster, 0)
		if status != StatusSuccess {
			return status
		}
		fs.filesystemFull = false
		if fs.lastAllocatedCluster == 0 || cluster < fs.lastAllocatedCluster {
			fs.lastAllocatedCluster = cluster
		}
		*cursor = next
	}
}

// openPhase enumerates openFileOp's steps.
type openPhase int

const (
	openFindFile openPhase = iota
	openCreateNewFile
	openInitSubdirAppend
	openInitSubdirZero
	openInitSubdirWriteEntries
	openSeekToEnd
	openTruncate
	openDone
)

// openFileOp implements fopen: scan the target directory for an existing
// entry, or create one, then apply whatever follow-up the open mode
// demands (retaining the directory sector, seeking to end for append, or
// initializing a freshly created subdirectory).
type openFileOp struct {
	file      *File
	name      string
	target83  [11]byte
	mode      OpenMode
	attrs     uint8
	makeDir   bool
	finder    *DirectoryFinder
	alloc     *allocateEntryOp
	appendOp  *appendFreeClusterOp
	seek      *seekOp
	phase     openPhase
	zeroIndex uint32

	// Truncation progress. The reclaim walk mutates the FAT behind itself,
	// so its cursor has to survive StatusInProgress pauses here rather than
	// being re-read from the directory entry.
	reclaimStarted bool
	reclaimCursor  ClusterID
}

func newOpenFileOp(file *File, finder *DirectoryFinder, name string, mode OpenMode, attrs uint8, makeDir bool) (*openFileOp, error) {
	target83, err := NameToFAT83(name)
	if err != nil {
		return nil, err
	}
	return &openFileOp{
		file:     file,
		name:     name,
		target83: target83,
		mode:     mode,
		attrs:    attrs,
		makeDir:  makeDir,
		finder:   finder,
	}, nil
}

func (op *openFileOp) step(fs *Filesystem) Status {
	for {
		switch op.phase {
		case openFindFile:
			entry, status := fs.findNext(op.finder)
			if status != StatusSuccess {
				return status
			}
			if entry != nil {
				if !matches83(entry, op.target83) {
					continue
				}
				op.file.dirEntry = *entry
				op.file.dirEntrySector = fs.directorySector(op.finder)
				op.file.dirEntryOffset = uint(op.finder.entryIndex) * DirentSize
				op.file.cursorCluster = entry.FirstCluster()
				op.file.previousCluster = 0
				if entry.IsDirectory() {
					op.file.typ = FileTypeDirectory
				} else {
					op.file.typ = FileTypeNormal
				}
				switch {
				case op.mode&ModeAppend != 0 && entry.FileSize > 0:
					// A file opened for append already has content: the chain
					// it occupies wasn't necessarily drawn from the freefile,
					// so contiguous-mode appends can't assume the next cluster
					// is adjacent.
					op.mode &^= ModeContiguous
					op.phase = openSeekToEnd
				case op.mode&ModeWrite != 0 && op.mode&ModeAppend == 0 && entry.FileSize > 0:
					op.phase = openTruncate
				default:
					op.phase = openDone
				}
				continue
			}

			// End of directory, no match.
			if op.mode&ModeCreate == 0 {
				return StatusFailure
			}
			op.alloc = newAllocateEntryOp(op.finder)
			op.phase = openCreateNewFile

		case openCreateNewFile:
			status := op.alloc.step(fs)
			if status != StatusSuccess {
				return status
			}

			var entry DirectoryEntry
			copy(entry.RawName[:], op.target83[0:8])
			copy(entry.RawExtension[:], op.target83[8:11])
			entry.Attributes = op.attrs
			if op.makeDir {
				entry.Attributes |= AttrDirectory
			}

			status = fs.rewriteDirEntry(op.alloc.sector, op.alloc.offset, &entry)
			if status != StatusSuccess {
				return status
			}

			op.file.dirEntry = entry
			op.file.dirEntrySector = op.alloc.sector
			op.file.dirEntryOffset = op.alloc.offset
			op.file.cursorCluster = 0
			op.file.previousCluster = 0
			if op.makeDir {
				op.file.typ = FileTypeDirectory
				op.phase = openInitSubdirAppend
			} else {
				op.file.typ = FileTypeNormal
				op.phase = openDone
			}

		case openInitSubdirAppend:
			if op.appendOp == nil {
				op.appendOp = newAppendFreeClusterOpForFile(0, op.file)
			}
			status := op.appendOp.step(fs)
			if status != StatusSuccess {
				return status
			}
			op.file.cursorCluster = op.appendOp.newCluster
			op.file.previousCluster = op.appendOp.newCluster
			op.zeroIndex = 0
			op.phase = openInitSubdirZero

		case openInitSubdirZero:
			for op.zeroIndex < fs.sectorsPerCluster {
				sector := fs.clusterToSector(op.file.cursorCluster) + SectorID(op.zeroIndex)
				buf, status := fs.sc.CacheSector(sector, cache.Write)
				if status != cache.StatusSuccess {
					return translateCacheStatus(status)
				}
				zeroSector(buf)
				fs.sc.MarkDirty(buf)
				op.zeroIndex++
			}
			op.phase = openInitSubdirWriteEntries

		case openInitSubdirWriteEntries:
			sector := fs.clusterToSector(op.file.cursorCluster)
			buf, status := fs.sc.CacheSector(sector, cache.Read|cache.Write)
			if status != cache.StatusSuccess {
				return translateCacheStatus(status)
			}

			var dot, dotdot DirectoryEntry
			dot.RawName = [8]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
			dot.RawExtension = [3]byte{' ', ' ', ' '}
			dot.Attributes = AttrDirectory
			dot.SetFirstCluster(op.file.cursorCluster)

			dotdot.RawName = [8]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' '}
			dotdot.RawExtension = [3]byte{' ', ' ', ' '}
			dotdot.Attributes = AttrDirectory
			if !op.file.parentIsRoot16 && op.file.parentCluster != fs.rootDirCluster {
				dotdot.SetFirstCluster(op.file.parentCluster)
			}

			dot.Encode(buf[0:DirentSize])
			dotdot.Encode(buf[DirentSize : 2*DirentSize])
			fs.sc.MarkDirty(buf)

			op.phase = openDone

		case openSeekToEnd:
			if op.seek == nil {
				op.seek = &seekOp{file: op.file, target: uint64(op.file.dirEntry.Size())}
			}
			status := op.seek.step(fs)
			if status != StatusSuccess {
				return status
			}
			op.phase = openDone

		case openTruncate:
			// "w" without "a" truncates existing content: free the old
			// chain and reset the entry before the file is handed back to
			// the caller at offset 0.
			if !op.reclaimStarted {
				op.reclaimStarted = true
				op.reclaimCursor = op.file.dirEntry.FirstCluster()
			}
			status := fs.reclaimChain(&op.reclaimCursor)
			if status != StatusSuccess {
				return status
			}
			op.file.dirEntry.SetFirstCluster(0)
			op.file.dirEntry.FileSize = 0
			op.file.cursorCluster = 0
			op.file.previousCluster = 0

			status = fs.rewriteDirEntry(op.file.dirEntrySector, op.file.dirEntryOffset, &op.file.dirEntry)
			if status != StatusSuccess {
				return status
			}
			op.phase = openDone

		case openDone:
			op.file.mode = op.mode
			return StatusSuccess
		}
	}
}
