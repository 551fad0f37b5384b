package main

import (
	"os"

	"github.com/dargueta/afatfs/cache"
)

// fileDevice adapts an *os.File to cache.Device for the CLI exerciser. A real
// block device would accept a request and fire its completion later, from
// interrupt context or a driver thread; this one has no such background
// actor, so it just does the I/O synchronously and fires the completion
// before ReadBlock/WriteBlock even returns. That's a legal implementation of
// the contract (nothing requires completions to be deferred), and it's
// enough to drive the Filesystem's poll loop by hand from a CLI.
type fileDevice struct {
	file       *os.File
	sectorSize int64
}

func newFileDevice(file *os.File, sectorSize int64) *fileDevice {
	return &fileDevice{file: file, sectorSize: sectorSize}
}

func (d *fileDevice) ReadBlock(sector cache.SectorID, buffer []byte, completion cache.CompletionFunc) bool {
	offset := int64(sector) * d.sectorSize
	if _, err := d.file.ReadAt(buffer, offset); err != nil {
		return false
	}
	completion(cache.OpRead, sector, buffer)
	return true
}

func (d *fileDevice) WriteBlock(sector cache.SectorID, buffer []byte, completion cache.CompletionFunc) bool {
	offset := int64(sector) * d.sectorSize
	if _, err := d.file.WriteAt(buffer, offset); err != nil {
		return false
	}
	completion(cache.OpWrite, sector, buffer)
	return true
}

func (d *fileDevice) Poll() {}
