package afatfs

// searchPhase is which half of the alternating scan a freeSpaceSearch is in.
type searchPhase int

const (
	phaseFindHole searchPhase = iota
	phaseGrowHole
)

// freeSpaceSearch finds the largest contiguous run of free clusters on the
// volume. Each candidate run starts on a FAT-sector boundary; it ends at the
// first occupied cluster (or the end of the volume), which is not rounded. It
// alternates between looking for the start of a candidate hole (FindHole)
// and growing that hole until it hits an occupied cluster or the end of the
// volume (GrowHole), keeping whichever candidate has been largest so far.
//
// Used once, at mount time, to carve out the freefile; grounded on the same
// linear run-search idea as an allocation bitmap's contiguous-run search,
// just walking the FAT chain instead of a bitmap since this driver has no
// separate allocation bitmap of its own.
type freeSpaceSearch struct {
	phase          searchPhase
	candidateStart ClusterID
	candidateEnd   ClusterID
	bestStart      ClusterID
	bestLength     uint32
}

func newFreeSpaceSearch(startAt ClusterID) *freeSpaceSearch {
	return &freeSpaceSearch{
		phase:          phaseFindHole,
		candidateStart: startAt,
	}
}

// step advances the search by one unit of non-blocking work. It returns
// StatusInProgress while the search is ongoing (whether or not that
// required the cache to do I/O), StatusSuccess once the whole volume has
// been scanned, and StatusFatal if the cache hit an unrecoverable error.
func (s *freeSpaceSearch) step(fs *Filesystem) Status {
	switch s.phase {
	case phaseFindHole:
		result := fs.findClusterWithCondition(ConditionFreeClusterAtFATSectorBoundary, &s.candidateStart)
		switch result {
		case ScanInProgress:
			return StatusInProgress
		case ScanFatal:
			return StatusFatal
		case ScanNotFound:
			return StatusSuccess
		case ScanFound:
			s.candidateEnd = s.candidateStart
			s.phase = phaseGrowHole
			return StatusInProgress
		}

	case phaseGrowHole:
		result := fs.findClusterWithCondition(ConditionOccupiedCluster, &s.candidateEnd)
		switch result {
		case ScanInProgress:
			return StatusInProgress
		case ScanFatal:
			return StatusFatal
		}

		gapLength := uint32(s.candidateEnd - s.candidateStart)
		if gapLength > s.bestLength {
			s.bestLength = gapLength
			s.bestStart = s.candidateStart
		}

		if result == ScanNotFound {
			// The hole ran off the end of the volume; nothing more to scan.
			return StatusSuccess
		}

		s.candidateStart = fs.nextFatSectorBoundary(s.candidateEnd)
		s.phase = phaseFindHole
		return StatusInProgress
	}

	return StatusFatal
}
