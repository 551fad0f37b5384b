package afatfs

import (
	"strings"

	"github.com/dargueta/afatfs/cache"
)

// FileType distinguishes what a File handle is actually backed by, since
// the FAT16 root directory has no cluster chain of its own and has to be
// special-cased throughout the directory engine.
type FileType int

const (
	FileTypeNone FileType = iota
	FileTypeNormal
	FileTypeDirectory
	FileTypeFAT16Root
)

// OpenMode is the flag set derived from a two-character mode string.
type OpenMode int

const (
	ModeRead OpenMode = 1 << iota
	ModeWrite
	ModeAppend
	ModeCreate
	ModeContiguous
	ModeRetainDirectory
)

// ParseMode converts a mode string ("r", "w", "a", "r+", "w+", "a+", with an
// optional trailing "s" on "a"/"w" for contiguous+retained) into an OpenMode
// bitset.
func ParseMode(mode string) (OpenMode, error) {
	switch mode {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWrite | ModeCreate, nil
	case "a":
		return ModeAppend | ModeCreate, nil
	case "r+":
		return ModeRead | ModeWrite, nil
	case "w+":
		return ModeWrite | ModeCreate | ModeRead, nil
	case "a+":
		return ModeAppend | ModeCreate | ModeRead, nil
	case "ws":
		return ModeWrite | ModeCreate | ModeContiguous | ModeRetainDirectory, nil
	case "as":
		return ModeAppend | ModeCreate | ModeContiguous | ModeRetainDirectory, nil
	default:
		return 0, ErrInvalidArgument.WithMessage("unrecognized open mode " + mode)
	}
}

// Seek whence values, mirroring io.Seeker's.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// fileOp is the tagged-union-by-interface an in-flight operation on a File
// is stored as. Exactly one may be active on a handle at a time.
type fileOp interface {
	step(fs *Filesystem) Status
}

// File is a handle to an open regular file or directory. Every method is
// non-blocking: a multi-step operation is recorded in op and must be
// re-driven (by calling the same method again, or the Filesystem's Poll)
// until it reports something other than StatusInProgress.
type File struct {
	fs   *Filesystem
	mode OpenMode
	typ  FileType

	offset          uint64
	cursorCluster   ClusterID
	previousCluster ClusterID

	dirEntry       DirectoryEntry
	dirEntrySector SectorID
	dirEntryOffset uint

	parentCluster  ClusterID
	parentIsRoot16 bool

	retainedSector []byte

	op fileOp
}

// Busy reports whether the handle has a queued operation.
func (f *File) Busy() bool { return f.op != nil }

// Tell returns the current cursor offset.
func (f *File) Tell() int64 { return int64(f.offset) }

// Eof reports whether the cursor sits at or past the file's logical size.
func (f *File) Eof() bool { return f.offset >= uint64(f.dirEntry.Size()) }

// IsDirectory reports whether this handle refers to a directory.
func (f *File) IsDirectory() bool {
	return f.typ == FileTypeDirectory || f.typ == FileTypeFAT16Root
}

// fileGetNextCluster resolves the cluster following current for this handle.
// A Contiguous-mode file's chain is implicit: the next cluster is simply the
// adjacent one, and the chain ends where the freefile currently begins. The
// FAT is never consulted for it, which matters because the FAT rewrite for a
// freshly stolen supercluster may still be draining in the background.
// Returns 0 for end-of-chain.
func (f *File) fileGetNextCluster(current ClusterID) (ClusterID, Status) {
	if f.mode&ModeContiguous != 0 && f.fs.freefile != nil {
		next := current + 1
		if next == f.fs.freefile.firstCluster {
			return 0, StatusSuccess
		}
		return next, StatusSuccess
	}
	next, status := f.fs.fatGetNextCluster(current)
	if status != StatusSuccess {
		return 0, status
	}
	if IsEndOfChainMarker(f.fs.fatType, uint32(next)) || IsFreeClusterEntry(uint32(next)) {
		return 0, StatusSuccess
	}
	return next, StatusSuccess
}

func (f *File) sectorOfCursor() (SectorID, uint) {
	clusterSize := uint64(f.fs.ClusterSize())
	offsetInCluster := f.offset % clusterSize
	sectorInCluster := offsetInCluster / SectorSize
	byteInSector := uint(offsetInCluster % SectorSize)
	sector := f.fs.clusterToSector(f.cursorCluster) + SectorID(sectorInCluster)
	return sector, byteInSector
}

// Seek moves the cursor per whence/offset. Backward seeks across a cluster
// boundary always restart the chain walk from the file's first cluster:
// there's no cursor history to reverse through.
func (f *File) Seek(offset int64, whence int) (int64, Status) {
	if op, ok := f.op.(*seekOp); ok {
		// A seek already in flight is re-driven to completion before any new
		// target is considered; callers retry the same Seek after polling.
		status := op.step(f.fs)
		if status != StatusInProgress {
			f.op = nil
		}
		return int64(op.target), status
	}
	if f.Busy() {
		return f.Tell(), StatusFailure
	}

	var target int64
	switch whence {
	case SeekSet:
		target = offset
	case SeekCur:
		target = int64(f.offset) + offset
	case SeekEnd:
		target = f.dirEntry.Size() + offset
	default:
		return f.Tell(), StatusFailure
	}
	if target < 0 {
		target = 0
	}

	op := &seekOp{file: f, target: uint64(target)}
	f.op = op
	status := op.step(f.fs)
	if status != StatusInProgress {
		f.op = nil
	}
	return target, status
}

type seekOp struct {
	file         *File
	target       uint64
	started      bool
	clusterIndex uint64
	cluster      ClusterID
	prev         ClusterID
}

func (op *seekOp) step(fs *Filesystem) Status {
	file := op.file
	clusterSize := uint64(fs.ClusterSize())
	targetClusterIndex := op.target / clusterSize

	if !op.started {
		op.started = true
		currentClusterIndex := file.offset / clusterSize
		if file.cursorCluster != 0 && targetClusterIndex >= currentClusterIndex {
			op.clusterIndex = currentClusterIndex
			op.cluster = file.cursorCluster
			op.prev = file.previousCluster
		} else {
			op.clusterIndex = 0
			op.cluster = file.dirEntry.FirstCluster()
		}
	}

	for op.clusterIndex < targetClusterIndex {
		if op.cluster == 0 || IsEndOfChainMarker(fs.fatType, uint32(op.cluster)) {
			file.offset = op.target
			file.cursorCluster = 0
			file.previousCluster = op.prev
			return StatusSuccess
		}
		next, status := fs.fatGetNextCluster(op.cluster)
		if status != StatusSuccess {
			return status
		}
		op.prev = op.cluster
		op.cluster = next
		op.clusterIndex++
	}

	file.offset = op.target
	if op.cluster == 0 || IsEndOfChainMarker(fs.fatType, uint32(op.cluster)) || IsFreeClusterEntry(uint32(op.cluster)) {
		file.cursorCluster = 0
	} else {
		file.cursorCluster = op.cluster
	}
	file.previousCluster = op.prev
	return StatusSuccess
}

// Read copies up to len(buf) bytes starting at the cursor into buf. It
// returns the number of bytes actually read and a status: StatusSuccess
// means the loop ran to completion (buf filled or EOF reached);
// StatusInProgress/Failure/Fatal mean n bytes made it in before the cache
// or FAT navigator needed to pause, and the caller should retry with the
// remaining slice.
func (f *File) Read(buf []byte) (int, Status) {
	if f.mode&ModeRead == 0 {
		return 0, StatusFailure
	}
	if f.Busy() {
		return 0, StatusFailure
	}

	total := 0
	for total < len(buf) && !f.Eof() {
		if f.cursorCluster == 0 {
			break
		}
		sector, byteOff := f.sectorOfCursor()
		avail := uint64(SectorSize) - uint64(byteOff)
		remaining := uint64(len(buf) - total)
		remainingInFile := uint64(f.dirEntry.Size()) - f.offset
		n := avail
		if remaining < n {
			n = remaining
		}
		if remainingInFile < n {
			n = remainingInFile
		}

		data, status := f.fs.sc.CacheSector(sector, cache.Read)
		if status != cache.StatusSuccess {
			return total, translateCacheStatus(status)
		}
		copy(buf[total:total+int(n)], data[byteOff:uint64(byteOff)+n])

		// Resolve the next cluster before committing the cursor: if the FAT
		// lookup pauses, the cursor stays on this chunk and a retry copies it
		// again.
		end := f.offset + n
		clusterSize := uint64(f.fs.ClusterSize())
		if end%clusterSize == 0 && end < uint64(f.dirEntry.Size()) {
			next, status := f.fileGetNextCluster(f.cursorCluster)
			if status != StatusSuccess {
				return total, status
			}
			f.previousCluster = f.cursorCluster
			f.cursorCluster = next
		}
		total += int(n)
		f.offset = end
	}
	return total, StatusSuccess
}

// Write copies len(buf) bytes from buf to the cursor, growing the file's
// cluster chain as needed. It returns the number of bytes actually written
// and a status with the same partial-progress semantics as Read: if an
// append didn't complete in one step, Write returns how much it managed
// before pausing.
func (f *File) Write(buf []byte) (int, Status) {
	if f.mode&(ModeWrite|ModeAppend) == 0 {
		return 0, StatusFailure
	}
	switch f.op.(type) {
	case nil, *appendFreeClusterOp, *appendSuperclusterOp:
		// An append queued by growChain (a paused free-cluster append or a
		// still-settling supercluster append) is re-driven by the next Write;
		// any other queued operation means the handle is busy.
	default:
		return 0, StatusFailure
	}

	total := 0
	for total < len(buf) {
		if f.cursorCluster == 0 {
			status := f.growChain()
			if status != StatusSuccess {
				return total, status
			}
		}

		sector, byteOff := f.sectorOfCursor()
		avail := uint(SectorSize) - byteOff
		remaining := uint(len(buf) - total)
		n := avail
		if remaining < n {
			n = remaining
		}

		data, status := f.fs.sc.CacheSector(sector, cache.Read|cache.Write)
		if status != cache.StatusSuccess {
			return total, translateCacheStatus(status)
		}
		copy(data[byteOff:uint(byteOff)+n], buf[total:total+int(n)])
		f.fs.sc.MarkDirty(data)

		// Resolve the next cluster before committing the cursor: if the FAT
		// lookup pauses, the cursor stays on this chunk and a retry writes the
		// same bytes to the same place again.
		end := f.offset + uint64(n)
		clusterSize := uint64(f.fs.ClusterSize())
		if end%clusterSize == 0 {
			next, status := f.fileGetNextCluster(f.cursorCluster)
			if status != StatusSuccess {
				return total, status
			}
			// The cursor is about to leave this cluster; remember it so a
			// chain-growing append knows which FAT entry to link from.
			f.previousCluster = f.cursorCluster
			f.cursorCluster = next
		}

		total += int(n)
		f.offset = end
		if f.offset > uint64(f.dirEntry.Size()) {
			// Logical size tracks the cursor. The on-disk entry gets an
			// optimistic size only when the file's first cluster is
			// allocated; Close reconciles it back to this logical value.
			f.dirEntry.FileSize = uint32(f.offset)
		}
	}
	return total, StatusSuccess
}

// growChain drives (or starts) whichever append operation this file's mode
// calls for, advancing the cursor onto the new cluster as soon as it's
// usable.
func (f *File) growChain() Status {
	if f.op == nil {
		if f.mode&ModeContiguous != 0 {
			if f.fs.freefile != nil && f.fs.freefile.length >= uint64(f.fs.SuperclusterSize()) {
				f.op = newAppendSuperclusterOp(f.previousCluster, f)
			} else {
				// The freefile can't donate a whole supercluster anymore.
				// Fall back to ordinary cluster-at-a-time growth for the
				// rest of this handle's life; the chain written so far stays
				// contiguous, but nothing after this point is.
				f.mode &^= ModeContiguous
				f.op = newAppendFreeClusterOpForFile(f.previousCluster, f)
			}
		} else {
			f.op = newAppendFreeClusterOpForFile(f.previousCluster, f)
		}
	}

	switch op := f.op.(type) {
	case *appendSuperclusterOp:
		status := op.step(f.fs)
		if op.Ready() && !op.delivered && f.cursorCluster == 0 {
			op.delivered = true
			f.cursorCluster = op.NewCluster()
			f.previousCluster = f.cursorCluster
		}
		if status == StatusSuccess {
			f.op = nil
			if f.cursorCluster == 0 {
				// The op settled but the cursor has already consumed its
				// whole supercluster; a fresh steal starts on the next call.
				return StatusInProgress
			}
			return StatusSuccess
		}
		if status != StatusInProgress {
			f.op = nil
			return status
		}
		if f.cursorCluster != 0 {
			// The cluster itself is usable even though the FAT/directory
			// writes it implies are still draining in the background; let
			// the write proceed. The op stays queued on the handle so a
			// later Busy()-gated call still waits for it to fully settle.
			return StatusSuccess
		}
		return StatusInProgress

	case *appendFreeClusterOp:
		status := op.step(f.fs)
		if status != StatusSuccess {
			if status != StatusInProgress {
				f.op = nil
			}
			return status
		}
		f.cursorCluster = op.newCluster
		f.previousCluster = f.cursorCluster
		f.op = nil
		return StatusSuccess
	}
	return StatusFatal
}

// Continue re-drives a handle's in-flight Open/Mkdir operation one step
// further. Callers that got StatusInProgress back from Open or Mkdir must
// call Poll and then Continue (not Open/Mkdir again, which would start a
// second, unrelated operation) until it stops returning StatusInProgress.
// It's a harmless no-op, returning StatusSuccess, if nothing is queued.
func (f *File) Continue() Status {
	op, ok := f.op.(*openFileOp)
	if !ok {
		if f.op == nil {
			return StatusSuccess
		}
		return StatusFailure
	}

	status := op.step(f.fs)
	if status == StatusInProgress {
		return status
	}
	f.op = nil
	if status != StatusSuccess {
		return status
	}

	f.fs.registerOpenFile(f)
	if f.mode&ModeRetainDirectory != 0 {
		f.fs.retainFileDirSector(f)
	}
	return StatusSuccess
}

// Close saves the directory entry (for regular files; directories never
// update their recorded size), releases any retained directory sector, and
// returns the handle to the unallocated state. If a contiguous append was
// still settling in the background, Close drains it first and may return
// StatusInProgress; call Poll and Close again until it stops doing so.
func (f *File) Close() Status {
	if f.typ == FileTypeNone {
		return StatusSuccess
	}

	// A contiguous append leaves its op queued on the handle even after the
	// cluster becomes writable, so its FAT/directory writes can keep
	// draining in the background (see growChain). Closing before that op
	// settles would persist a directory entry with a stale first-cluster
	// field, so drain it first.
	if f.op != nil {
		status := f.op.step(f.fs)
		if status == StatusInProgress {
			return status
		}
		f.op = nil
		if status == StatusFatal {
			return status
		}
		// StatusFailure here means a queued append already reported its
		// failure to the writer; it doesn't block closing the handle.
	}

	if f.typ == FileTypeNormal {
		status := f.fs.rewriteDirEntry(f.dirEntrySector, f.dirEntryOffset, &f.dirEntry)
		if status != StatusSuccess {
			return status
		}
	}

	if f.mode&ModeRetainDirectory != 0 && f.retainedSector != nil {
		f.fs.sc.Unretain(f.retainedSector)
		f.retainedSector = nil
	}

	f.typ = FileTypeNone
	f.fs.unregisterOpenFile(f)
	return StatusSuccess
}

func matches83(entry *DirectoryEntry, target [11]byte) bool {
	return strings.EqualFold(string(entry.RawName[:]), string(target[0:8])) &&
		strings.EqualFold(string(entry.RawExtension[:]), string(target[8:11]))
}
