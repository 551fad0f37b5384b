package afatfs

// freefile tracks the reserved FREESPAC.E entry: a contiguous run of
// clusters pre-allocated at mount time so files opened in Contiguous mode
// can grow by simply donating a prefix of this run instead of walking the
// FAT looking for space one cluster at a time.
type freefile struct {
	firstCluster ClusterID
	length       uint64 // bytes still available to donate
	dirSector    SectorID
	dirOffset    uint // byte offset of the directory entry within dirSector
	clusterSize  uint32
}

func newFreefile(firstCluster ClusterID, clusterCount uint32, clusterSize uint32, dirSector SectorID, dirOffset uint) *freefile {
	return &freefile{
		firstCluster: firstCluster,
		length:       uint64(clusterCount) * uint64(clusterSize),
		dirSector:    dirSector,
		dirOffset:    dirOffset,
		clusterSize:  clusterSize,
	}
}

// clusterCount returns how many whole clusters remain in the freefile.
func (f *freefile) clusterCount() uint32 {
	return uint32(f.length / uint64(f.clusterSize))
}

// endCluster returns one past the last cluster still owned by the freefile.
func (f *freefile) endCluster() ClusterID {
	return f.firstCluster + ClusterID(f.clusterCount())
}

// contains reports whether c currently belongs to the freefile's reserved
// range, and so must be skipped by ordinary free-cluster search.
func (f *freefile) contains(c ClusterID) bool {
	return c >= f.firstCluster && c < f.endCluster()
}

// stealFirstSupercluster removes one supercluster's worth of clusters from
// the front of the freefile's range and hands ownership to the caller (an
// append-supercluster operation). It fails if the freefile doesn't have a
// full supercluster left to give.
func (f *freefile) stealFirstSupercluster(superclusterSize uint32) (ClusterID, bool) {
	if f.length < uint64(superclusterSize) {
		return 0, false
	}
	start := f.firstCluster
	clusters := superclusterSize / f.clusterSize
	f.firstCluster += ClusterID(clusters)
	f.length -= uint64(superclusterSize)
	return start, true
}
