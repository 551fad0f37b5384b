// Package afatfstest provides a fault-injectable, in-memory block device for
// exercising the poll-driven driver in tests without a real SD card.
package afatfstest

import (
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/afatfs/cache"
)

// pendingIO is one accepted-but-not-yet-completed read or write.
type pendingIO struct {
	op         cache.Operation
	sector     cache.SectorID
	buffer     []byte
	completion cache.CompletionFunc
	ticksLeft  int
}

// MemoryDevice is a cache.Device backed by an in-memory image. Every
// accepted request is queued and only actually touches the backing slice
// when Poll walks it down to zero latency ticks, so tests can exercise the
// same InProgress/retry paths a real SD card would force.
type MemoryDevice struct {
	image        []byte
	stream       io.ReadWriteSeeker
	sectorSize   uint
	totalSectors uint

	// latencyTicks is how many Poll calls an accepted request sits in flight
	// before its completion fires. Zero means it completes on the very next
	// Poll call.
	latencyTicks int

	// busyEvery, when positive, rejects every busyEvery-th request (read or
	// write are counted together), simulating a device whose own internal
	// queue is occasionally full. Zero disables rejection.
	busyEvery    int
	requestCount int

	pending []*pendingIO

	ReadCount   int
	WriteCount  int
	RejectCount int
}

// New wraps image (its bytes are used in place, not copied) as a MemoryDevice
// with the given sector size. len(image) must be an exact multiple of
// sectorSize.
func New(image []byte, sectorSize uint) *MemoryDevice {
	return &MemoryDevice{
		image:        image,
		stream:       bytesextra.NewReadWriteSeeker(image),
		sectorSize:   sectorSize,
		totalSectors: uint(len(image)) / sectorSize,
	}
}

// NewBlank allocates a zeroed image of totalSectors*sectorSize bytes and
// wraps it as a MemoryDevice.
func NewBlank(totalSectors, sectorSize uint) *MemoryDevice {
	return New(make([]byte, totalSectors*sectorSize), sectorSize)
}

// WithLatency sets how many Poll ticks an accepted I/O takes to complete.
// Returns the receiver so it can be chained onto New/NewBlank.
func (d *MemoryDevice) WithLatency(ticks int) *MemoryDevice {
	d.latencyTicks = ticks
	return d
}

// WithBusyEvery rejects every n-th ReadBlock/WriteBlock call, simulating a
// device whose own request queue is occasionally saturated. n <= 0 disables
// rejection.
func (d *MemoryDevice) WithBusyEvery(n int) *MemoryDevice {
	d.busyEvery = n
	return d
}

// Image returns the raw backing bytes, for tests to inspect directly.
func (d *MemoryDevice) Image() []byte { return d.image }

func (d *MemoryDevice) accept() bool {
	d.requestCount++
	if d.busyEvery > 0 && d.requestCount%d.busyEvery == 0 {
		d.RejectCount++
		return false
	}
	return true
}

// ReadBlock implements cache.Device.
func (d *MemoryDevice) ReadBlock(sector cache.SectorID, buffer []byte, completion cache.CompletionFunc) bool {
	if !d.accept() {
		return false
	}
	d.ReadCount++
	d.pending = append(d.pending, &pendingIO{
		op: cache.OpRead, sector: sector, buffer: buffer,
		completion: completion, ticksLeft: d.latencyTicks,
	})
	return true
}

// WriteBlock implements cache.Device.
func (d *MemoryDevice) WriteBlock(sector cache.SectorID, buffer []byte, completion cache.CompletionFunc) bool {
	if !d.accept() {
		return false
	}
	d.WriteCount++
	d.pending = append(d.pending, &pendingIO{
		op: cache.OpWrite, sector: sector, buffer: buffer,
		completion: completion, ticksLeft: d.latencyTicks,
	})
	return true
}

// Poll advances every in-flight request by one tick, firing completions for
// any that have run out their latency.
func (d *MemoryDevice) Poll() {
	remaining := d.pending[:0]
	for _, p := range d.pending {
		if p.ticksLeft > 0 {
			p.ticksLeft--
			remaining = append(remaining, p)
			continue
		}
		d.complete(p)
	}
	d.pending = remaining
}

func (d *MemoryDevice) complete(p *pendingIO) {
	offset := int64(p.sector) * int64(d.sectorSize)
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return
	}
	if p.op == cache.OpRead {
		_, _ = io.ReadFull(d.stream, p.buffer)
	} else {
		_, _ = d.stream.Write(p.buffer)
	}
	p.completion(p.op, p.sector, p.buffer)
}
