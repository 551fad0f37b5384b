// Package cache implements the asynchronous sector cache: the single point
// of contact between the filesystem engine and the block device. No method
// on SectorCache ever blocks. A request either completes immediately out of
// already-resident data, or it starts an I/O and reports StatusInProgress;
// the caller is expected to retry on the next poll tick.
package cache

import (
	"github.com/boljen/go-bitmap"
)

// SectorID is a logical sector number on the backing device.
type SectorID uint32

// Status mirrors the result taxonomy used throughout this driver, kept
// independent of the root package so this package has no import back to it.
type Status int

const (
	StatusSuccess Status = iota
	StatusInProgress
	StatusFailure
	StatusFatal
)

// Operation identifies which half of a completed I/O fired.
type Operation int

const (
	OpRead Operation = iota
	OpWrite
)

// CompletionFunc is how a Device reports that a previously-accepted I/O has
// finished. buffer must be the exact slice passed to ReadBlock/WriteBlock;
// the cache matches completions to slots by that identity, not just by
// sector number, so a slot that was reassigned while an I/O was still in
// flight doesn't corrupt unrelated data.
type CompletionFunc func(op Operation, sector SectorID, buffer []byte)

// Device is the external block device contract. ReadBlock and WriteBlock
// return true if the request was accepted (completion will fire later, via
// Poll or otherwise) and false if the device's own queue is full; a false
// return means the cache must try again later. Poll gives the device a
// chance to fire any completions it owes.
type Device interface {
	ReadBlock(sector SectorID, buffer []byte, completion CompletionFunc) bool
	WriteBlock(sector SectorID, buffer []byte, completion CompletionFunc) bool
	Poll()
}

// SlotState is where a single cache slot sits in its lifecycle.
type SlotState int

const (
	Empty SlotState = iota
	Reading
	InSync
	Dirty
	Writing
)

func (s SlotState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Reading:
		return "reading"
	case InSync:
		return "in-sync"
	case Dirty:
		return "dirty"
	case Writing:
		return "writing"
	default:
		return "invalid"
	}
}

// Flags requested on a CacheSector call. They compose: a single call can
// request a sector for reading, mark it dirty, and lock it all at once.
type Flags int

const (
	// Read means the caller needs valid sector contents; if the slot isn't
	// resident yet, a read is started.
	Read Flags = 1 << iota
	// Write means the caller intends to modify the sector. Combined with
	// Read this is a read-modify-write; alone, on a previously empty slot,
	// it's a "give me a buffer I'm about to fully overwrite" fast path that
	// skips the read.
	Write
	// Lock excludes the slot from flush and eviction until Unlock.
	Lock
	// Unlock clears a previously set Lock.
	Unlock
	// Discardable marks the slot as eviction-preferred once clean. Only
	// honored the first time a slot is populated for a given sector; a
	// second CacheSector call against an already-resident slot doesn't
	// change its discardable bit.
	Discardable
)

type slot struct {
	sector      SectorID
	resident    bool
	state       SlotState
	buffer      []byte
	lastUse     uint64
	retainCount int
	redirty     bool
}

// Stats carries cumulative counters a caller can read for diagnostics; it
// never affects cache behavior.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	FlushCycles uint64
}

// SectorCache is a fixed-size pool of sector-sized buffers, each one either
// unused, mid-I/O, or holding valid data for some sector. It never grows; a
// request that can't be satisfied by any slot returns StatusInProgress until
// eviction frees one up.
type SectorCache struct {
	device      Device
	slots       []slot
	locked      bitmap.Bitmap
	discardable bitmap.Bitmap
	clock       uint64
	stats       Stats
}

// New creates a SectorCache with slotCount slots, each sectorSize bytes,
// backed by device.
func New(device Device, slotCount int, sectorSize uint) *SectorCache {
	slots := make([]slot, slotCount)
	for i := range slots {
		slots[i].buffer = make([]byte, sectorSize)
	}
	return &SectorCache{
		device:      device,
		slots:       slots,
		locked:      bitmap.NewSlice(slotCount),
		discardable: bitmap.NewSlice(slotCount),
	}
}

// Stats returns a snapshot of the cumulative counters.
func (c *SectorCache) Stats() Stats { return c.stats }

func (c *SectorCache) findResident(sector SectorID) int {
	for i := range c.slots {
		if c.slots[i].resident && c.slots[i].sector == sector {
			return i
		}
	}
	return -1
}

func (c *SectorCache) findByBuffer(buffer []byte) int {
	if len(buffer) == 0 {
		return -1
	}
	for i := range c.slots {
		if len(c.slots[i].buffer) > 0 && &c.slots[i].buffer[0] == &buffer[0] {
			return i
		}
	}
	return -1
}

// chooseVictim implements the eviction policy: an Empty slot first, then a
// clean Discardable slot, then the oldest unlocked and unretained InSync
// slot. Returns -1 if nothing qualifies.
func (c *SectorCache) chooseVictim() int {
	for i := range c.slots {
		if !c.slots[i].resident {
			return i
		}
	}

	best := -1
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != InSync || c.locked.Get(i) || s.retainCount > 0 {
			continue
		}
		if c.discardable.Get(i) {
			return i
		}
		if best == -1 || c.slots[best].lastUse > s.lastUse {
			best = i
		}
	}
	return best
}

// CacheSector is the sole entry point for obtaining access to a sector's
// data. It returns the slot's buffer and a status; the buffer is only valid
// to read (and, if Write was requested, to mutate) when status is
// StatusSuccess.
func (c *SectorCache) CacheSector(sector SectorID, flags Flags) ([]byte, Status) {
	c.clock++

	if flags&Write != 0 && sector == 0 {
		// Writes to the MBR are rejected as a safety assertion: nothing in
		// this driver's normal operation ever needs to touch it.
		return nil, StatusFatal
	}

	idx := c.findResident(sector)
	if idx < 0 {
		return c.populate(sector, flags)
	}

	s := &c.slots[idx]
	s.lastUse = c.clock
	c.stats.Hits++

	c.applyLockFlags(idx, flags)

	switch s.state {
	case Reading:
		return nil, StatusInProgress
	case Empty:
		return nil, StatusInProgress
	}

	if flags&Write != 0 {
		switch s.state {
		case InSync:
			s.state = Dirty
		case Writing:
			s.redirty = true
		}
	}

	return s.buffer, StatusSuccess
}

func (c *SectorCache) applyLockFlags(idx int, flags Flags) {
	if flags&Lock != 0 {
		c.locked.Set(idx, true)
	}
	if flags&Unlock != 0 {
		c.locked.Set(idx, false)
	}
}

func (c *SectorCache) populate(sector SectorID, flags Flags) ([]byte, Status) {
	victim := c.chooseVictim()
	if victim < 0 {
		return nil, StatusInProgress
	}

	s := &c.slots[victim]
	if s.resident {
		c.stats.Evictions++
	}
	c.stats.Misses++

	s.sector = sector
	s.resident = true
	s.lastUse = c.clock
	s.retainCount = 0
	s.redirty = false
	c.locked.Set(victim, false)
	c.discardable.Set(victim, flags&Discardable != 0)

	if flags&Read != 0 {
		s.state = Reading
		accepted := c.device.ReadBlock(sector, s.buffer, c.handleCompletion)
		if !accepted {
			s.resident = false
			return nil, StatusInProgress
		}
		c.applyLockFlags(victim, flags)
		return nil, StatusInProgress
	}

	// Write-only population: the caller is about to fully overwrite the
	// sector, so there's no need to read its previous contents through.
	for i := range s.buffer {
		s.buffer[i] = 0
	}
	s.state = Dirty
	c.applyLockFlags(victim, flags)
	return s.buffer, StatusSuccess
}

// MarkDirty locates the slot owning buffer (by identity, as returned from a
// prior CacheSector call) and transitions it from InSync to Dirty. Calling
// it while the slot is mid-write-back (Writing) schedules a re-dirty: the
// slot lands back in Dirty, not InSync, once the in-flight write completes.
func (c *SectorCache) MarkDirty(buffer []byte) {
	idx := c.findByBuffer(buffer)
	if idx < 0 {
		return
	}
	s := &c.slots[idx]
	switch s.state {
	case InSync:
		s.state = Dirty
	case Writing:
		s.redirty = true
	}
}

// Unretain decrements the retain count of the slot owning buffer. Pairs with
// the Retain-style pinning file handles use to keep a directory sector
// resident across a sequence of operations.
func (c *SectorCache) Unretain(buffer []byte) {
	idx := c.findByBuffer(buffer)
	if idx < 0 {
		return
	}
	if c.slots[idx].retainCount > 0 {
		c.slots[idx].retainCount--
	}
}

// Retain increments the retain count of the slot owning buffer, forbidding
// its eviction (but not its flush) until a matching Unretain.
func (c *SectorCache) Retain(buffer []byte) {
	idx := c.findByBuffer(buffer)
	if idx < 0 {
		return
	}
	c.slots[idx].retainCount++
}

// Flush attempts to start a write on one dirty, unlocked slot. It returns
// true only when no dirty unlocked slot remains; callers drive a full flush
// by calling Flush repeatedly until it returns true.
func (c *SectorCache) Flush() bool {
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != Dirty || c.locked.Get(i) {
			continue
		}
		s.state = Writing
		c.stats.FlushCycles++
		accepted := c.device.WriteBlock(s.sector, s.buffer, c.handleCompletion)
		if !accepted {
			s.state = Dirty
			return false
		}
		return false
	}
	return true
}

// Poll gives the underlying device a chance to fire queued completions.
func (c *SectorCache) Poll() { c.device.Poll() }

func (c *SectorCache) handleCompletion(op Operation, sector SectorID, buffer []byte) {
	idx := c.findByBuffer(buffer)
	if idx < 0 {
		return
	}
	s := &c.slots[idx]
	if !s.resident || s.sector != sector {
		// Slot was recycled to a different sector while this I/O was in
		// flight; the completion no longer applies to anything.
		return
	}

	switch op {
	case OpRead:
		if s.state == Reading {
			s.state = InSync
		}
	case OpWrite:
		if s.state == Writing {
			if s.redirty {
				s.state = Dirty
				s.redirty = false
			} else {
				s.state = InSync
			}
		}
	}
}

// StateOf reports the current lifecycle state of the slot holding sector, or
// false if the sector isn't resident.
func (c *SectorCache) StateOf(sector SectorID) (SlotState, bool) {
	idx := c.findResident(sector)
	if idx < 0 {
		return Empty, false
	}
	return c.slots[idx].state, true
}
