package afatfs

import (
	"encoding/binary"
	"os"
	"time"
)

// DirectoryEntry is the in-memory form of one 32-byte on-disk directory
// entry. Handles never hold a pointer into a cache buffer across a poll
// boundary: this is always a copy, decoded fresh and re-encoded on save.
type DirectoryEntry struct {
	RawName         [8]byte
	RawExtension    [3]byte
	Attributes      uint8
	NTReserved      uint8
	CreateTimeTenth uint8
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHi  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLo  uint16
	FileSize        uint32
}

// DecodeDirectoryEntry parses one DirentSize-byte slice into a
// DirectoryEntry. It does not validate the leading name byte; callers
// should check IsFree/IsEnd first if they care.
func DecodeDirectoryEntry(raw []byte) DirectoryEntry {
	var e DirectoryEntry
	copy(e.RawName[:], raw[0:8])
	copy(e.RawExtension[:], raw[8:11])
	e.Attributes = raw[11]
	e.NTReserved = raw[12]
	e.CreateTimeTenth = raw[13]
	e.CreateTime = binary.LittleEndian.Uint16(raw[14:16])
	e.CreateDate = binary.LittleEndian.Uint16(raw[16:18])
	e.LastAccessDate = binary.LittleEndian.Uint16(raw[18:20])
	e.FirstClusterHi = binary.LittleEndian.Uint16(raw[20:22])
	e.WriteTime = binary.LittleEndian.Uint16(raw[22:24])
	e.WriteDate = binary.LittleEndian.Uint16(raw[24:26])
	e.FirstClusterLo = binary.LittleEndian.Uint16(raw[26:28])
	e.FileSize = binary.LittleEndian.Uint32(raw[28:32])
	return e
}

// Encode serializes the entry back into a DirentSize-byte slice.
func (e *DirectoryEntry) Encode(raw []byte) {
	copy(raw[0:8], e.RawName[:])
	copy(raw[8:11], e.RawExtension[:])
	raw[11] = e.Attributes
	raw[12] = e.NTReserved
	raw[13] = e.CreateTimeTenth
	binary.LittleEndian.PutUint16(raw[14:16], e.CreateTime)
	binary.LittleEndian.PutUint16(raw[16:18], e.CreateDate)
	binary.LittleEndian.PutUint16(raw[18:20], e.LastAccessDate)
	binary.LittleEndian.PutUint16(raw[20:22], e.FirstClusterHi)
	binary.LittleEndian.PutUint16(raw[22:24], e.WriteTime)
	binary.LittleEndian.PutUint16(raw[24:26], e.WriteDate)
	binary.LittleEndian.PutUint16(raw[26:28], e.FirstClusterLo)
	binary.LittleEndian.PutUint32(raw[28:32], e.FileSize)
}

// IsFree reports whether this slot has been deleted (first name byte 0xE5).
func (e *DirectoryEntry) IsFree() bool { return e.RawName[0] == direntFreeMarker }

// IsEnd reports whether this slot, and every slot after it in the same
// directory cluster, has never been used.
func (e *DirectoryEntry) IsEnd() bool { return e.RawName[0] == direntTerminatorMarker }

// FirstCluster assembles the 32-bit cluster number from its high/low halves.
func (e *DirectoryEntry) FirstCluster() ClusterID {
	return ClusterID(uint32(e.FirstClusterHi)<<16 | uint32(e.FirstClusterLo))
}

// SetFirstCluster splits c across the high/low fields.
func (e *DirectoryEntry) SetFirstCluster(c ClusterID) {
	e.FirstClusterHi = uint16(uint32(c) >> 16)
	e.FirstClusterLo = uint16(uint32(c) & 0xFFFF)
}

func (e *DirectoryEntry) IsReadOnly() bool    { return e.Attributes&AttrReadOnly != 0 }
func (e *DirectoryEntry) IsHidden() bool      { return e.Attributes&AttrHidden != 0 }
func (e *DirectoryEntry) IsSystem() bool      { return e.Attributes&AttrSystem != 0 }
func (e *DirectoryEntry) IsVolumeLabel() bool { return e.Attributes&AttrVolumeLabel != 0 }
func (e *DirectoryEntry) IsDirectory() bool   { return e.Attributes&AttrDirectory != 0 }

// Name returns the conventional "NAME.EXT" display form of the entry.
func (e *DirectoryEntry) Name() string {
	var raw [11]byte
	copy(raw[0:8], e.RawName[:])
	copy(raw[8:11], e.RawExtension[:])
	return FAT83ToDisplayName(raw)
}

// SetName encodes name (an 8.3-format string) into RawName/RawExtension.
func (e *DirectoryEntry) SetName(name string) error {
	raw, err := NameToFAT83(name)
	if err != nil {
		return err
	}
	copy(e.RawName[:], raw[0:8])
	copy(e.RawExtension[:], raw[8:11])
	return nil
}

// Size returns the file size recorded in the entry. Directories always
// report 0 here; their true extent is the length of their cluster chain.
func (e *DirectoryEntry) Size() int64 { return int64(e.FileSize) }

// Mode converts the FAT attribute byte into an os.FileMode. FAT has no
// executable bit for files, and directories are unconditionally
// traversable.
func (e *DirectoryEntry) Mode() os.FileMode {
	if e.IsDirectory() {
		return os.ModeDir | 0o111
	}
	if e.IsReadOnly() {
		return 0o444
	}
	return 0o666
}

// ModTime converts the on-disk write date/time fields into a time.Time.
func (e *DirectoryEntry) ModTime() time.Time {
	return fatDateTimeToTime(e.WriteDate, e.WriteTime, 0)
}

func fatDateTimeToTime(datePart, timePart uint16, hundredths uint8) time.Time {
	day := int(datePart & 0x1f)
	month := time.Month((datePart >> 5) & 0x0f)
	year := 1980 + int(datePart>>9)

	seconds := int(timePart&0x1f) * 2
	if hundredths >= 100 {
		seconds++
	}
	minutes := int((timePart >> 5) & 0x3f)
	hours := int(timePart >> 11)

	if day == 0 || month == 0 {
		return time.Time{}
	}
	return time.Date(year, month, day, hours, minutes, seconds, 0, time.UTC)
}
