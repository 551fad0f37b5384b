// Package profiling decodes and encodes the CSV cache-statistics report a
// caller can capture across one or more mount sessions. It has no dependency
// on afatfs itself beyond cache.Stats's shape: the core driver stays
// oblivious to whether anyone is profiling it.
package profiling

import (
	"io"

	"github.com/gocarina/gocsv"

	"github.com/dargueta/afatfs/cache"
)

// Entry is one row of a profiling report: a mount session's cumulative
// sector-cache counters, tagged with a caller-supplied label (typically a
// timestamp or test name) so multiple sessions can be appended to the same
// report.
type Entry struct {
	Session     string `csv:"session"`
	Hits        uint64 `csv:"hits"`
	Misses      uint64 `csv:"misses"`
	Evictions   uint64 `csv:"evictions"`
	FlushCycles uint64 `csv:"flush_cycles"`
}

// EntryFromStats builds an Entry from a cache.Stats snapshot, labeling it
// with session.
func EntryFromStats(session string, stats cache.Stats) Entry {
	return Entry{
		Session:     session,
		Hits:        stats.Hits,
		Misses:      stats.Misses,
		Evictions:   stats.Evictions,
		FlushCycles: stats.FlushCycles,
	}
}

// HitRate returns the fraction of CacheSector calls that hit an already
// resident slot, or 0 if no calls were recorded.
func (e Entry) HitRate() float64 {
	total := e.Hits + e.Misses
	if total == 0 {
		return 0
	}
	return float64(e.Hits) / float64(total)
}

// WriteReport encodes entries as CSV to w.
func WriteReport(w io.Writer, entries []Entry) error {
	return gocsv.Marshal(entries, w)
}

// ReadReport decodes a CSV report previously written by WriteReport.
func ReadReport(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := gocsv.Unmarshal(r, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
