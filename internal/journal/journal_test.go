package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T, opts ...Option) *FileJournal {
	t.Helper()
	j, err := NewFileJournal(filepath.Join(t.TempDir(), "journal", "exec.jsonl"), opts...)
	require.NoError(t, err)
	return j
}

func TestRecordBuffersUntilFlush(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	j.Record(map[string]any{"event": "order_attempt", "symbol": "SBER"})

	entries, err := j.ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing on disk before flush")

	require.NoError(t, j.Flush())
	entries, err = j.ReadTail(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "SBER", entries[0]["symbol"])
	assert.NotEmpty(t, entries[0]["timestamp"], "entries are stamped")
}

func TestAutoFlushAtThreshold(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t, WithFlushThreshold(3))

	for i := 0; i < 3; i++ {
		j.Record(map[string]any{"seq": i})
	}

	entries, err := j.ReadTail(10)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "threshold reached, buffer flushed without an explicit call")
}

func TestReadTailLimitsAndOrder(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t, WithFlushThreshold(1))

	for i := 0; i < 5; i++ {
		j.Record(map[string]any{"seq": float64(i)})
	}

	entries, err := j.ReadTail(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(3), entries[0]["seq"])
	assert.Equal(t, float64(4), entries[1]["seq"])
}

func TestReadTailSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t, WithFlushThreshold(1))
	j.Record(map[string]any{"event": "good"})

	f, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	j.Record(map[string]any{"event": "also_good"})

	entries, err := j.ReadTail(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReadTailMissingFile(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	entries, err := j.ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordNormalisesValues(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t, WithFlushThreshold(1))

	ts := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	j.Record(map[string]any{
		"price": decimal.NewFromFloat(99.5),
		"at":    ts,
	})

	entries, err := j.ReadTail(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "99.5", entries[0]["price"], "decimals serialize as strings")
	assert.Equal(t, "2025-11-03T12:00:00Z", entries[0]["at"])
}
