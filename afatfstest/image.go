package afatfstest

import "encoding/binary"

const sectorSize = 512

// partition types understood by the mount driver's MBR scan.
const (
	partitionTypeFAT16LBA = 0x0B
	partitionTypeFAT32LBA = 0x0C
)

// FAT16Options parameterizes BuildFAT16Image. The zero value is not usable;
// start from DefaultFAT16Options.
type FAT16Options struct {
	SectorsPerCluster uint8
	ReservedSectors   uint16
	RootEntries       uint16
	SectorsPerFAT     uint16
	// DataSectors is how many sectors of cluster data the volume should have,
	// excluding the boot sector, FATs, and root directory. Must leave
	// totalDataClusters in [4085, 65525) or the mount driver will refuse the
	// image (FAT12 too small, FAT32 boundary crossed).
	DataSectors uint32
	// PartitionStartSector places the partition this many sectors into the
	// image; sector 0 is always the MBR. Must be >= 1.
	PartitionStartSector uint32
}

// DefaultFAT16Options returns a configuration comfortably inside the FAT16
// cluster-count range with small enough sectors-per-cluster that directory
// and free-space tests can reach the freefile's margins without requiring an
// enormous fixture.
func DefaultFAT16Options() FAT16Options {
	return FAT16Options{
		SectorsPerCluster:    1,
		ReservedSectors:      1,
		RootEntries:          512,
		SectorsPerFAT:        17,
		DataSectors:          4200,
		PartitionStartSector: 1,
	}
}

// BuildFAT16Image constructs a minimal, valid FAT16 disk image: one MBR
// sector with a single FAT16 LBA partition entry, followed by a partition
// boot sector (BPB), two identical empty FATs (only FAT copy 0 is ever
// written by this driver, but both are present on disk to be bit-compatible
// with the format), and a zeroed root directory and data area.
func BuildFAT16Image(opts FAT16Options) []byte {
	rootDirSectors := (uint32(opts.RootEntries)*32 + sectorSize - 1) / sectorSize
	totalSectors := uint32(opts.ReservedSectors) + 2*uint32(opts.SectorsPerFAT) + rootDirSectors + opts.DataSectors

	image := make([]byte, (opts.PartitionStartSector+totalSectors)*sectorSize)

	writeMBR(image, opts.PartitionStartSector, partitionTypeFAT16LBA)

	bootOffset := opts.PartitionStartSector * sectorSize
	boot := image[bootOffset : bootOffset+sectorSize]
	binary.LittleEndian.PutUint16(boot[11:13], sectorSize)
	boot[13] = opts.SectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:16], opts.ReservedSectors)
	boot[16] = 2 // numFATs
	binary.LittleEndian.PutUint16(boot[17:19], opts.RootEntries)
	binary.LittleEndian.PutUint16(boot[19:21], uint16(totalSectors))
	binary.LittleEndian.PutUint16(boot[22:24], opts.SectorsPerFAT)

	return image
}

// FAT32Options parameterizes BuildFAT32Image.
type FAT32Options struct {
	SectorsPerCluster    uint8
	ReservedSectors      uint16
	SectorsPerFAT        uint32
	DataSectors          uint32
	RootCluster          uint32
	PartitionStartSector uint32
}

// DefaultFAT32Options returns the smallest configuration that still lands
// above the FAT32 cluster-count floor (65525 data clusters); the format
// itself is what forces a several-dozen-megabyte minimum image size here,
// not a choice this fixture makes.
func DefaultFAT32Options() FAT32Options {
	const dataClusters = 65600
	return FAT32Options{
		SectorsPerCluster:    1,
		ReservedSectors:      32,
		SectorsPerFAT:        520,
		DataSectors:          dataClusters,
		RootCluster:          2,
		PartitionStartSector: 1,
	}
}

// BuildFAT32Image constructs a minimal, valid FAT32 disk image, following the
// same MBR + BPB layout as BuildFAT16Image but with the FAT32 extended
// fields (32-bit sector counts, explicit root cluster, no fixed-size root
// directory region).
func BuildFAT32Image(opts FAT32Options) []byte {
	totalSectors := uint32(opts.ReservedSectors) + 2*opts.SectorsPerFAT + opts.DataSectors
	image := make([]byte, (opts.PartitionStartSector+totalSectors)*sectorSize)

	writeMBR(image, opts.PartitionStartSector, partitionTypeFAT32LBA)

	bootOffset := opts.PartitionStartSector * sectorSize
	boot := image[bootOffset : bootOffset+sectorSize]
	binary.LittleEndian.PutUint16(boot[11:13], sectorSize)
	boot[13] = opts.SectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:16], opts.ReservedSectors)
	boot[16] = 2 // numFATs
	binary.LittleEndian.PutUint16(boot[17:19], 0)
	binary.LittleEndian.PutUint16(boot[19:21], 0)
	binary.LittleEndian.PutUint16(boot[22:24], 0)
	binary.LittleEndian.PutUint32(boot[32:36], totalSectors)
	binary.LittleEndian.PutUint32(boot[36:40], opts.SectorsPerFAT)
	binary.LittleEndian.PutUint32(boot[44:48], opts.RootCluster)

	// FAT32's root directory is an ordinary cluster chain; terminate its
	// first cluster in both FAT copies so the mount driver's first directory
	// scan sees an empty, well-formed root rather than a free/garbage entry.
	fat0Start := bootOffset + uint32(opts.ReservedSectors)*sectorSize
	rootEntryOffset := fat0Start + opts.RootCluster*4
	binary.LittleEndian.PutUint32(image[rootEntryOffset:rootEntryOffset+4], 0x0FFFFFFF)
	fat1Start := fat0Start + opts.SectorsPerFAT*sectorSize
	rootEntryOffset1 := fat1Start + opts.RootCluster*4
	binary.LittleEndian.PutUint32(image[rootEntryOffset1:rootEntryOffset1+4], 0x0FFFFFFF)

	return image
}

func writeMBR(image []byte, partitionStartSector uint32, partitionType byte) {
	image[510] = 0x55
	image[511] = 0xAA

	entry := image[446:462]
	entry[4] = partitionType
	binary.LittleEndian.PutUint32(entry[8:12], partitionStartSector)
}
