package afatfs

import (
	"encoding/binary"

	"github.com/dargueta/afatfs/cache"
)

// fatEntrySectorAndOffset locates the FAT sector and byte offset within it
// holding cluster's entry, within FAT copy 0.
func (fs *Filesystem) fatEntrySectorAndOffset(cluster ClusterID) (SectorID, uint) {
	entrySize := BytesPerFATEntry(fs.fatType)
	byteOffset := uint(cluster) * entrySize
	sector := fs.firstFATSector + SectorID(byteOffset/SectorSize)
	return sector, byteOffset % SectorSize
}

// nextFatSectorBoundary returns the first cluster number whose FAT entry
// falls at the start of a FAT sector, at or after c.
func (fs *Filesystem) nextFatSectorBoundary(c ClusterID) ClusterID {
	perSector := ClusterID(fs.clustersPerFATSector())
	if c%perSector == 0 {
		return c
	}
	return (c/perSector + 1) * perSector
}

// fatGetNextCluster reads the FAT entry for cluster and returns the value
// stored there (which may be a data cluster number, a free marker, a bad
// cluster marker, or an end-of-chain marker). Only FAT copy 0 is ever
// consulted.
func (fs *Filesystem) fatGetNextCluster(cluster ClusterID) (ClusterID, Status) {
	sector, offset := fs.fatEntrySectorAndOffset(cluster)
	buf, status := fs.sc.CacheSector(sector, cache.Read)
	if status != cache.StatusSuccess {
		return 0, translateCacheStatus(status)
	}

	var raw uint32
	if fs.fatType == FATType32 {
		raw = binary.LittleEndian.Uint32(buf[offset:offset+4]) & 0x0FFFFFFF
	} else {
		raw = uint32(binary.LittleEndian.Uint16(buf[offset : offset+2]))
	}
	return ClusterID(raw), StatusSuccess
}

// fatSetNextCluster writes next into the FAT entry for cluster, in FAT copy
// 0 only. The mirror copy is not kept in lockstep; repairing it is left to
// offline fsck tooling, trading strict FAT redundancy for fewer sector
// writes per append.
func (fs *Filesystem) fatSetNextCluster(cluster ClusterID, next ClusterID) Status {
	sector, offset := fs.fatEntrySectorAndOffset(cluster)
	buf, status := fs.sc.CacheSector(sector, cache.Read)
	if status != cache.StatusSuccess {
		return translateCacheStatus(status)
	}

	if fs.fatType == FATType32 {
		existing := binary.LittleEndian.Uint32(buf[offset : offset+4])
		value := (uint32(next) & 0x0FFFFFFF) | (existing & 0xF0000000)
		binary.LittleEndian.PutUint32(buf[offset:offset+4], value)
	} else {
		binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(next))
	}
	fs.sc.MarkDirty(buf)
	return StatusSuccess
}

// Condition is what findClusterWithCondition is searching the FAT for.
type Condition int

const (
	ConditionFreeCluster Condition = iota
	ConditionOccupiedCluster
	ConditionFreeClusterAtFATSectorBoundary
)

// ScanResult is the outcome of one findClusterWithCondition call.
type ScanResult int

const (
	ScanFound ScanResult = iota
	ScanNotFound
	ScanInProgress
	ScanFatal
)

// findClusterWithCondition advances *cluster forward (by one, or by a full
// FAT sector's worth of clusters when cond is
// ConditionFreeClusterAtFATSectorBoundary) until it finds a cluster
// satisfying cond, runs off the end of the data area, or has to wait on the
// cache. *cluster is both the starting point and the resumption point: the
// same pointer must be passed back in on the next call after
// ScanInProgress. The freefile's own cluster range, if any, is skipped over
// since it isn't available for ordinary allocation.
func (fs *Filesystem) findClusterWithCondition(cond Condition, cluster *ClusterID) ScanResult {
	lastCluster := ClusterID(2) + ClusterID(fs.totalDataClusters)

	if cond == ConditionFreeClusterAtFATSectorBoundary {
		*cluster = fs.nextFatSectorBoundary(*cluster)
	}

	for {
		c := *cluster
		if c >= lastCluster {
			return ScanNotFound
		}

		if fs.freefile != nil && fs.freefile.contains(c) {
			*cluster = fs.freefile.endCluster()
			if cond == ConditionFreeClusterAtFATSectorBoundary {
				*cluster = fs.nextFatSectorBoundary(*cluster)
			}
			continue
		}

		next, status := fs.fatGetNextCluster(c)
		switch status {
		case StatusInProgress:
			return ScanInProgress
		case StatusFatal:
			return ScanFatal
		}

		matched := false
		switch cond {
		case ConditionFreeCluster, ConditionFreeClusterAtFATSectorBoundary:
			matched = IsFreeClusterEntry(uint32(next))
		case ConditionOccupiedCluster:
			matched = !IsFreeClusterEntry(uint32(next))
		}
		if matched {
			return ScanFound
		}

		if cond == ConditionFreeClusterAtFATSectorBoundary {
			*cluster = fs.nextFatSectorBoundary(c + 1)
		} else {
			*cluster = c + 1
		}
	}
}

func translateCacheStatus(s cache.Status) Status {
	switch s {
	case cache.StatusSuccess:
		return StatusSuccess
	case cache.StatusInProgress:
		return StatusInProgress
	case cache.StatusFailure:
		return StatusFailure
	default:
		return StatusFatal
	}
}
