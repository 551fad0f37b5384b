package afatfs

import (
	"encoding/binary"

	"github.com/dargueta/afatfs/cache"
)

// mountPhase enumerates the mount driver's sub-states, in the order they
// run.
type mountPhase int

const (
	mountReadMBR mountPhase = iota
	mountReadVolumeID
	mountFreefileCreating
	mountFreefileFatSearch
	mountFreefileUpdateFat
	mountFreefileSaveDirEntry
	mountDone
)

// MBR layout offsets.
const (
	mbrPartitionTableOffset = 446
	mbrPartitionEntrySize   = 16
	mbrSignatureOffset      = 510
)

const (
	partitionTypeFAT16LBA = 0x0B
	partitionTypeFAT32LBA = 0x0C
)

// mountOp drives Filesystem.Mount, parking in StatusInProgress between
// poll ticks the same way every other multi-step operation does.
type mountOp struct {
	opts   Options
	phase  mountPhase
	finder *DirectoryFinder
	openOp *openFileOp
	search *freeSpaceSearch

	freefileCluster ClusterID
	freefileLength  uint32
	fatWriteCursor  ClusterID
	fatWriteEnd     ClusterID
}

func newMountOp(opts Options) *mountOp {
	return &mountOp{opts: opts}
}

func (op *mountOp) step(fs *Filesystem) Status {
	for {
		switch op.phase {
		case mountReadMBR:
			status := op.readMBR(fs)
			if status != StatusSuccess {
				return status
			}
			op.phase = mountReadVolumeID

		case mountReadVolumeID:
			status := op.readVolumeID(fs)
			if status != StatusSuccess {
				return status
			}

			op.finder = newDirectoryFinder(fs.rootDirCluster, fs.fatType != FATType32)
			file := &File{fs: fs}
			openOp, err := newOpenFileOp(file, op.finder, FreefileName, ModeCreate|ModeRetainDirectory, AttrSystem, false)
			if err != nil {
				return StatusFatal
			}
			op.openOp = openOp
			op.phase = mountFreefileCreating

		case mountFreefileCreating:
			status := op.openOp.step(fs)
			if status != StatusSuccess {
				return status
			}

			if op.openOp.file.dirEntry.FileSize > 0 {
				clusterSize := fs.ClusterSize()
				clusters := op.openOp.file.dirEntry.FileSize / clusterSize
				fs.freefile = newFreefile(
					op.openOp.file.dirEntry.FirstCluster(),
					clusters,
					clusterSize,
					op.openOp.file.dirEntrySector,
					op.openOp.file.dirEntryOffset,
				)
				op.phase = mountDone
				continue
			}

			op.search = newFreeSpaceSearch(2)
			op.phase = mountFreefileFatSearch

		case mountFreefileFatSearch:
			status := op.search.step(fs)
			if status != StatusSuccess {
				return status
			}

			length := op.search.bestLength
			if length > FreefileLeaveClusters {
				length -= FreefileLeaveClusters
			} else {
				length = 0
			}
			perSuper := fs.clustersPerFATSector()
			length = (length / perSuper) * perSuper
			if length == 0 {
				return StatusFatal
			}

			op.freefileCluster = op.search.bestStart
			op.freefileLength = length
			op.fatWriteCursor = op.search.bestStart
			op.fatWriteEnd = op.search.bestStart + ClusterID(length)
			op.phase = mountFreefileUpdateFat

		case mountFreefileUpdateFat:
			for op.fatWriteCursor < op.fatWriteEnd {
				var next ClusterID
				if op.fatWriteCursor+1 == op.fatWriteEnd {
					next = ClusterID(EndOfChainMarker(fs.fatType))
				} else {
					next = op.fatWriteCursor + 1
				}
				status := fs.fatSetNextCluster(op.fatWriteCursor, next)
				if status != StatusSuccess {
					return status
				}
				op.fatWriteCursor++
			}
			op.phase = mountFreefileSaveDirEntry

		case mountFreefileSaveDirEntry:
			fs.freefile = newFreefile(
				op.freefileCluster,
				op.freefileLength,
				fs.ClusterSize(),
				op.openOp.file.dirEntrySector,
				op.openOp.file.dirEntryOffset,
			)
			status := fs.saveFreefileDirEntry()
			if status != StatusSuccess {
				return status
			}
			op.phase = mountDone

		case mountDone:
			return StatusSuccess
		}
	}
}

func (op *mountOp) readMBR(fs *Filesystem) Status {
	buf, status := fs.sc.CacheSector(0, cache.Read)
	if status != cache.StatusSuccess {
		return translateCacheStatus(status)
	}

	if op.opts.NoPartitionTable {
		fs.partitionStartSector = 0
		return StatusSuccess
	}

	if buf[mbrSignatureOffset] != 0x55 || buf[mbrSignatureOffset+1] != 0xAA {
		return StatusFatal
	}

	for i := 0; i < 4; i++ {
		entryOff := mbrPartitionTableOffset + i*mbrPartitionEntrySize
		partType := buf[entryOff+4]
		if partType == partitionTypeFAT16LBA || partType == partitionTypeFAT32LBA {
			lbaBegin := binary.LittleEndian.Uint32(buf[entryOff+8 : entryOff+12])
			fs.partitionStartSector = SectorID(lbaBegin)
			return StatusSuccess
		}
	}
	return StatusFatal
}

func (op *mountOp) readVolumeID(fs *Filesystem) Status {
	buf, status := fs.sc.CacheSector(fs.partitionStartSector, cache.Read)
	if status != cache.StatusSuccess {
		return translateCacheStatus(status)
	}

	bytesPerSector := binary.LittleEndian.Uint16(buf[11:13])
	if bytesPerSector != SectorSize {
		return StatusFatal
	}

	sectorsPerCluster := uint32(buf[13])
	if sectorsPerCluster == 0 || sectorsPerCluster > 128 ||
		sectorsPerCluster&(sectorsPerCluster-1) != 0 {
		// Must be a power of two in 1..128; anything else is a corrupt BPB
		// (and 0 would divide by zero in the cluster-count math below).
		return StatusFatal
	}

	reservedSectors := binary.LittleEndian.Uint16(buf[14:16])
	numFATs := uint32(buf[16])
	if numFATs != 2 {
		return StatusFatal
	}

	rootEntryCount := binary.LittleEndian.Uint16(buf[17:19])
	totalSectors16 := binary.LittleEndian.Uint16(buf[19:21])
	fatSize16 := binary.LittleEndian.Uint16(buf[22:24])
	totalSectors32 := binary.LittleEndian.Uint32(buf[32:36])
	fatSize32 := binary.LittleEndian.Uint32(buf[36:40])
	rootCluster32 := binary.LittleEndian.Uint32(buf[44:48])

	var totalSectors uint32
	if totalSectors16 != 0 {
		totalSectors = uint32(totalSectors16)
	} else {
		totalSectors = totalSectors32
	}

	var sectorsPerFAT uint32
	if fatSize16 != 0 {
		sectorsPerFAT = uint32(fatSize16)
	} else {
		sectorsPerFAT = fatSize32
	}

	rootDirSectors := (uint32(rootEntryCount)*DirentSize + SectorSize - 1) / SectorSize
	firstFATSector := fs.partitionStartSector + SectorID(reservedSectors)
	firstDataSector := firstFATSector + SectorID(numFATs*sectorsPerFAT) + SectorID(rootDirSectors)

	reserved := uint32(reservedSectors) + numFATs*sectorsPerFAT + rootDirSectors
	if totalSectors < reserved {
		return StatusFatal
	}
	dataSectors := totalSectors - reserved
	totalDataClusters := dataSectors / sectorsPerCluster

	var fatType FATType
	switch {
	case totalDataClusters < 4085:
		fatType = FATType12
	case totalDataClusters < 65525:
		fatType = FATType16
	default:
		fatType = FATType32
	}
	if fatType == FATType12 {
		// Unsupported, per this driver's stated non-goals.
		return StatusFatal
	}

	fs.fatType = fatType
	fs.sectorsPerCluster = sectorsPerCluster
	fs.numFATs = numFATs
	fs.sectorsPerFAT = sectorsPerFAT
	fs.rootDirEntries = uint32(rootEntryCount)
	fs.totalSectors = totalSectors
	fs.firstFATSector = firstFATSector
	fs.firstDataSector = firstDataSector
	fs.totalDataClusters = totalDataClusters

	if fatType == FATType32 {
		fs.rootDirCluster = ClusterID(rootCluster32)
		fs.rootDirFirstSector = 0
	} else {
		fs.rootDirFirstSector = firstFATSector + SectorID(numFATs*sectorsPerFAT)
		fs.rootDirCluster = 0
	}

	return StatusSuccess
}
