package publisher

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/beaver/wal"
)

func newTestLog(t *testing.T) *PublishLog {
	t.Helper()
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { pl.Close() })
	return pl
}

func testChange(table string, seq int) *wal.Change {
	val := fmt.Sprintf("%d", seq)
	return &wal.Change{
		Kind:       wal.ChangeInsert,
		LSN:        wal.LSN(seq),
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		RelationID: 16384,
		Schema:     "public",
		Table:      table,
		New: &wal.Tuple{Columns: []wal.TupleColumn{
			{Name: "id", Value: &val},
		}},
	}
}

func TestPublishLogAppendAssignsSequences(t *testing.T) {
	pl := newTestLog(t)

	require.NoError(t, pl.Append([]*wal.Change{
		testChange("users", 1),
		testChange("users", 2),
	}))

	events, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, "users", events[0].Change.Table)
}

func TestPublishLogReadFromCursor(t *testing.T) {
	pl := newTestLog(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, pl.Append([]*wal.Change{testChange("users", i)}))
	}

	events, err := pl.ReadFrom(3, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].Seq)
	assert.Equal(t, uint64(5), events[1].Seq)
}

func TestPublishLogReadLimit(t *testing.T) {
	pl := newTestLog(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, pl.Append([]*wal.Change{testChange("users", i)}))
	}

	events, err := pl.ReadFrom(0, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestPublishLogCursorPersistence(t *testing.T) {
	dir := t.TempDir()

	pl, err := NewPublishLog(dir)
	require.NoError(t, err)
	require.NoError(t, pl.Append([]*wal.Change{testChange("users", 1)}))
	require.NoError(t, pl.AdvanceCursor("nats", 1))
	require.NoError(t, pl.Close())

	// Reopen: sequence and cursor survive the restart.
	pl, err = NewPublishLog(dir)
	require.NoError(t, err)
	defer pl.Close()

	cursor, err := pl.GetCursor("nats")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)

	require.NoError(t, pl.Append([]*wal.Change{testChange("users", 2)}))
	events, err := pl.ReadFrom(cursor, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Seq)
}

func TestPublishLogUnknownCursorIsZero(t *testing.T) {
	pl := newTestLog(t)

	cursor, err := pl.GetCursor("never-seen")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)
}

func TestPublishLogPendingCounts(t *testing.T) {
	pl := newTestLog(t)

	for i := 1; i <= 4; i++ {
		require.NoError(t, pl.Append([]*wal.Change{testChange("users", i)}))
	}
	require.NoError(t, pl.AdvanceCursor("fast", 4))
	require.NoError(t, pl.AdvanceCursor("slow", 1))

	pending := pl.PendingCounts()
	assert.Equal(t, uint64(0), pending["fast"])
	assert.Equal(t, uint64(3), pending["slow"])
}

func TestPublishLogCleanupBelowMinCursor(t *testing.T) {
	pl := newTestLog(t)

	for i := 1; i <= 10; i++ {
		require.NoError(t, pl.Append([]*wal.Change{testChange("users", i)}))
	}
	require.NoError(t, pl.AdvanceCursor("a", 8))
	require.NoError(t, pl.AdvanceCursor("b", 5))

	pl.cleanup()

	// Entries below the minimum cursor (5) are gone.
	events, err := pl.ReadFrom(0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, uint64(5), events[0].Seq)
}

func TestPublishLogConcurrentAppends(t *testing.T) {
	pl := newTestLog(t)

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, pl.Append([]*wal.Change{testChange("users", w*perWriter+i)}))
			}
		}(w)
	}
	wg.Wait()

	// Every append got its own sequence number, with no gaps.
	events, err := pl.ReadFrom(0, writers*perWriter+1)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Seq)
	}
}

func TestPublishLogAppendAfterClose(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, pl.Close())

	assert.Error(t, pl.Append([]*wal.Change{testChange("users", 1)}))
	_, err = pl.ReadFrom(0, 1)
	assert.Error(t, err)
}
