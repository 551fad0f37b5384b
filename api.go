package afatfs

import "github.com/dargueta/afatfs/cache"

// currentDirLocation resolves the (cluster, isRoot16) pair for whatever
// directory is currently active: the working directory if one is set, the
// filesystem's root otherwise.
func (fs *Filesystem) currentDirLocation() (ClusterID, bool) {
	if fs.workingDir != nil {
		return fs.workingDir.cursorCluster, fs.workingDir.typ == FileTypeFAT16Root
	}
	if fs.fatType == FATType32 {
		return fs.rootDirCluster, false
	}
	return 0, true
}

// Open begins opening name (an 8.3-format filename) within the current
// working directory under mode (see ParseMode). It returns a File handle
// immediately; the handle may still be Busy() if creating a new file or
// directory required more than one poll tick, in which case the caller
// should call Poll and then File.Continue until it stops returning
// StatusInProgress before using the handle.
func (fs *Filesystem) Open(name string, mode string) (*File, Status) {
	if fs.State() != StatusSuccess {
		return nil, StatusFatal
	}
	flags, err := ParseMode(mode)
	if err != nil {
		return nil, StatusFailure
	}

	cluster, isRoot16 := fs.currentDirLocation()
	finder := newDirectoryFinder(cluster, isRoot16)

	file := &File{fs: fs, parentCluster: cluster, parentIsRoot16: isRoot16}
	op, err := newOpenFileOp(file, finder, name, flags, 0, false)
	if err != nil {
		return nil, StatusFailure
	}

	file.op = op
	status := op.step(fs)
	if status == StatusSuccess {
		file.op = nil
		fs.registerOpenFile(file)
		if flags&ModeRetainDirectory != 0 {
			fs.retainFileDirSector(file)
		}
	} else if status != StatusInProgress {
		return nil, status
	}
	return file, status
}

func (fs *Filesystem) retainFileDirSector(file *File) {
	buf, status := fs.sc.CacheSector(file.dirEntrySector, cache.Read)
	if status == cache.StatusSuccess {
		fs.sc.Retain(buf)
		file.retainedSector = buf
	}
}

// Mkdir creates a new subdirectory named name within the current working
// directory. As with Open, a StatusInProgress result means the caller must
// drive the returned handle forward with Poll and File.Continue.
func (fs *Filesystem) Mkdir(name string) (*File, Status) {
	if fs.State() != StatusSuccess {
		return nil, StatusFatal
	}

	cluster, isRoot16 := fs.currentDirLocation()
	finder := newDirectoryFinder(cluster, isRoot16)

	file := &File{fs: fs, parentCluster: cluster, parentIsRoot16: isRoot16}
	op, err := newOpenFileOp(file, finder, name, ModeCreate, 0, true)
	if err != nil {
		return nil, StatusFailure
	}

	file.op = op
	status := op.step(fs)
	if status == StatusSuccess {
		file.op = nil
		fs.registerOpenFile(file)
	} else if status != StatusInProgress {
		return nil, status
	}
	return file, status
}

// Chdir changes the current working directory. Passing nil returns to the
// volume root.
func (fs *Filesystem) Chdir(dir *File) {
	fs.workingDir = dir
}

// FindFirst begins iterating dir's entries (or the current working
// directory's, if dir is nil).
func (fs *Filesystem) FindFirst(dir *File) *DirectoryFinder {
	var cluster ClusterID
	var isRoot16 bool
	if dir != nil {
		cluster, isRoot16 = dir.cursorCluster, dir.typ == FileTypeFAT16Root
	} else {
		cluster, isRoot16 = fs.currentDirLocation()
	}
	return newDirectoryFinder(cluster, isRoot16)
}

// FindNext advances finder and returns the next entry, or nil once the
// directory is exhausted.
func (fs *Filesystem) FindNext(finder *DirectoryFinder) (*DirectoryEntry, Status) {
	return fs.findNext(finder)
}

// unlinkPhase enumerates unlinkOp's steps.
type unlinkPhase int

const (
	unlinkFindEntry unlinkPhase = iota
	unlinkReclaim
	unlinkEraseEntry
)

// unlinkOp carries an Unlink's progress across retries. The reclaim walk
// zeroes FAT entries behind itself, so a retry that restarted from the
// directory entry after a StatusInProgress pause would read the
// already-freed head as end-of-chain and leak the unvisited tail; the
// cursor has to live here, on the filesystem, until the whole unlink lands.
type unlinkOp struct {
	target83      [11]byte
	finder        *DirectoryFinder
	phase         unlinkPhase
	dirSector     SectorID
	dirOffset     uint
	reclaimCursor ClusterID
}

func (op *unlinkOp) step(fs *Filesystem) Status {
	for {
		switch op.phase {
		case unlinkFindEntry:
			entry, status := fs.findNext(op.finder)
			if status != StatusSuccess {
				return status
			}
			if entry == nil {
				return StatusFailure
			}
			if !matches83(entry, op.target83) {
				continue
			}
			op.dirSector = fs.directorySector(op.finder)
			op.dirOffset = uint(op.finder.entryIndex) * DirentSize
			op.reclaimCursor = entry.FirstCluster()
			op.phase = unlinkReclaim

		case unlinkReclaim:
			status := fs.reclaimChain(&op.reclaimCursor)
			if status != StatusSuccess {
				return status
			}
			op.phase = unlinkEraseEntry

		case unlinkEraseEntry:
			buf, cstatus := fs.sc.CacheSector(op.dirSector, cache.Read|cache.Write)
			if cstatus != cache.StatusSuccess {
				return translateCacheStatus(cstatus)
			}
			buf[op.dirOffset] = direntFreeMarker
			fs.sc.MarkDirty(buf)
			return StatusSuccess
		}
	}
}

// Unlink removes name from the current working directory, reclaiming every
// cluster in its chain. A StatusInProgress result means the unlink is
// parked mid-walk; call Poll and then Unlink again with the same name to
// resume it. Only one unlink may be in flight at a time. Calling it on a
// currently-open file is undefined; close the handle first.
func (fs *Filesystem) Unlink(name string) Status {
	target83, err := NameToFAT83(name)
	if err != nil {
		return StatusFailure
	}

	op := fs.unlink
	if op != nil && op.target83 != target83 {
		return StatusFailure
	}
	if op == nil {
		cluster, isRoot16 := fs.currentDirLocation()
		op = &unlinkOp{target83: target83, finder: newDirectoryFinder(cluster, isRoot16)}
		fs.unlink = op
	}

	status := op.step(fs)
	if status != StatusInProgress {
		fs.unlink = nil
	}
	return status
}
