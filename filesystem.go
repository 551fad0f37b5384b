package afatfs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/afatfs/cache"
)

// lifecycleState tracks where the Filesystem sits in its own lifecycle,
// independent of any single operation's state machine.
type lifecycleState int

const (
	lifecycleUnmounted lifecycleState = iota
	lifecycleMounting
	lifecycleReady
	lifecycleFatal
)

// Options configures a Mount call. The zero value mounts the first FAT16 or
// FAT32 partition found in the image's MBR.
type Options struct {
	// NoPartitionTable, when true, skips MBR parsing entirely and treats
	// sector 0 as the volume's own boot sector.
	NoPartitionTable bool
}

// Filesystem is a mounted FAT16/FAT32 volume. Every public method is
// non-blocking: it either completes immediately or returns
// StatusInProgress, in which case the caller must call Poll and retry.
type Filesystem struct {
	device BlockDevice
	sc     *cache.SectorCache

	state   lifecycleState
	mount   *mountOp
	lastErr error

	fatType           FATType
	sectorsPerCluster uint32
	numFATs           uint32
	sectorsPerFAT     uint32
	rootDirEntries    uint32 // FAT16 only; 0 for FAT32
	totalSectors      uint32

	partitionStartSector SectorID
	firstFATSector       SectorID
	firstDataSector      SectorID
	rootDirFirstSector   SectorID  // FAT16 fixed-size root
	rootDirCluster       ClusterID // FAT32 root, ordinary cluster chain

	totalDataClusters uint32

	freefile             *freefile
	filesystemFull       bool
	lastAllocatedCluster ClusterID

	workingDir *File
	unlink     *unlinkOp

	openFiles []*File
}

// registerOpenFile adds f to the open-files registry so Destroy (and the
// poll loop's background pump) can find it even if the caller loses track of
// the handle.
func (fs *Filesystem) registerOpenFile(f *File) {
	fs.openFiles = append(fs.openFiles, f)
}

// unregisterOpenFile removes f from the open-files array. A no-op if f isn't
// (or is no longer) registered.
func (fs *Filesystem) unregisterOpenFile(f *File) {
	for i, h := range fs.openFiles {
		if h == f {
			fs.openFiles = append(fs.openFiles[:i], fs.openFiles[i+1:]...)
			return
		}
	}
}

func (fs *Filesystem) firstScanCluster() ClusterID {
	if fs.lastAllocatedCluster != 0 {
		return fs.lastAllocatedCluster
	}
	return 2
}

// New allocates a Filesystem bound to device, with its sector cache ready
// but nothing mounted yet. Call Mount (repeatedly, on each poll tick) to
// bring it up.
func New(device BlockDevice) *Filesystem {
	fs := &Filesystem{
		device: device,
		state:  lifecycleUnmounted,
	}
	fs.sc = cache.New(device, NumCacheSlots, SectorSize)
	return fs
}

// Mount drives the mount state machine one step. Call it repeatedly until
// it returns something other than StatusInProgress.
func (fs *Filesystem) Mount(opts Options) Status {
	if fs.state == lifecycleFatal {
		return StatusFatal
	}
	if fs.state == lifecycleReady {
		return StatusSuccess
	}
	if fs.mount == nil {
		fs.mount = newMountOp(opts)
		fs.state = lifecycleMounting
	}

	status := fs.mount.step(fs)
	switch status {
	case StatusSuccess:
		fs.state = lifecycleReady
		fs.mount = nil
	case StatusFatal:
		fs.state = lifecycleFatal
		fs.mount = nil
	}
	return status
}

// Poll gives the cache (and, through it, the device) a chance to make
// background progress. It should be called once per event-loop tick
// regardless of whether any operation is outstanding. Each tick also starts
// write-back on at most one dirty cache slot, so a long write burst can't
// wedge itself with every slot dirty and nothing draining them.
func (fs *Filesystem) Poll() {
	fs.sc.Flush()
	fs.sc.Poll()
	fs.pumpOpenFiles()
}

// pumpOpenFiles advances any supercluster append still settling in the
// background on an open handle. These are the only operations that outlive
// the call that queued them (the new cluster is handed to the writer before
// its FAT and directory updates land), so they're the only ones poll itself
// has to keep driving.
func (fs *Filesystem) pumpOpenFiles() {
	for _, f := range fs.openFiles {
		op, ok := f.op.(*appendSuperclusterOp)
		if !ok {
			continue
		}
		if op.step(fs) != StatusInProgress {
			f.op = nil
		}
	}
}

// State reports whether the filesystem is usable.
func (fs *Filesystem) State() Status {
	switch fs.state {
	case lifecycleReady:
		return StatusSuccess
	case lifecycleFatal:
		return StatusFatal
	case lifecycleMounting:
		return StatusInProgress
	default:
		return StatusFailure
	}
}

// IsFull reports whether the last allocation attempt exhausted the volume.
// It's cleared the next time a cluster is freed.
func (fs *Filesystem) IsFull() bool { return fs.filesystemFull }

// ClusterSize returns the size, in bytes, of one cluster.
func (fs *Filesystem) ClusterSize() uint32 {
	return fs.sectorsPerCluster * SectorSize
}

// SuperclusterSize returns the size, in bytes, of one supercluster: the
// span of clusters whose FAT entries fit exactly one FAT sector.
func (fs *Filesystem) SuperclusterSize() uint32 {
	return fs.clustersPerFATSector() * fs.ClusterSize()
}

func (fs *Filesystem) clustersPerFATSector() uint32 {
	return uint32(SectorSize) / uint32(BytesPerFATEntry(fs.fatType))
}

// ContiguousFreeSpace reports, in bytes, how much contiguous space the
// freefile can still donate to a Contiguous-mode file. Zero if no freefile
// exists yet (e.g. before mount completes) or it's exhausted.
func (fs *Filesystem) ContiguousFreeSpace() uint64 {
	if fs.freefile == nil {
		return 0
	}
	return fs.freefile.length
}

// Flush starts write-back of at most one dirty, unlocked cache slot per
// call. It returns StatusInProgress while such a slot remains and
// StatusSuccess once none is left. The sector cache has no per-attempt error
// to report (a write either starts or the slot stays dirty for the next
// call), so the error return is always nil here; Destroy's flush loop folds
// it into the close failures it aggregates.
func (fs *Filesystem) Flush() (Status, error) {
	if fs.sc.Flush() {
		return StatusSuccess, nil
	}
	return StatusInProgress, nil
}

// Destroy closes every handle the caller forgot to close, flushes whatever
// remains dirty, and releases the filesystem. Failures are aggregated with
// multierror so one bad Close doesn't stop the rest from draining.
func (fs *Filesystem) Destroy() error {
	var errs *multierror.Error

	pending := append([]*File(nil), fs.openFiles...)
	for _, f := range pending {
		for {
			status := f.Close()
			if status == StatusInProgress {
				fs.Poll()
				continue
			}
			if status != StatusSuccess {
				errs = multierror.Append(errs, fmt.Errorf(
					"close %q during destroy: %s", f.dirEntry.Name(), status))
			}
			break
		}
	}

	for {
		status, err := fs.Flush()
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if status != StatusInProgress {
			break
		}
		fs.Poll()
	}

	fs.unlink = nil
	fs.state = lifecycleUnmounted
	return errs.ErrorOrNil()
}

// Stats returns the cumulative sector cache counters for this mount.
func (fs *Filesystem) Stats() cache.Stats {
	return fs.sc.Stats()
}
