package afatfs

import "github.com/dargueta/afatfs/cache"

// SectorID is a logical sector number on the backing device. Alias of
// cache.SectorID: the sector cache owns the canonical definition since it's
// the only thing that actually talks to a BlockDevice.
type SectorID = cache.SectorID

// Operation identifies which half of a completed I/O fired.
type Operation = cache.Operation

const (
	OpRead  = cache.OpRead
	OpWrite = cache.OpWrite
)

// CompletionFunc is how a BlockDevice reports that a previously accepted
// I/O has finished.
type CompletionFunc = cache.CompletionFunc

// BlockDevice is the contract a caller implements to supply storage to a
// Filesystem. ReadBlock and WriteBlock must never block: they return
// immediately, either having accepted the request (completion fires later,
// possibly from within Poll) or rejecting it because the device's own queue
// is full, in which case the caller retries on a later poll tick.
type BlockDevice = cache.Device
