package profiling

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/afatfs/cache"
)

func TestReport_RoundTrip(t *testing.T) {
	entries := []Entry{
		EntryFromStats("mount-1", cache.Stats{Hits: 90, Misses: 10, Evictions: 3, FlushCycles: 7}),
		EntryFromStats("mount-2", cache.Stats{Hits: 5, Misses: 5}),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, entries))

	decoded, err := ReadReport(&buf)
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
}

func TestEntry_HitRate(t *testing.T) {
	assert.Equal(t, 0.9, Entry{Hits: 90, Misses: 10}.HitRate())
	assert.Zero(t, Entry{}.HitRate(), "no recorded calls must not divide by zero")
}
