package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableHasInitialEntry(t *testing.T) {
	ft := New()
	top := ft.Top()
	assert.NotZero(t, top.UUID)
	assert.Zero(t, top.Seqno)
	assert.Len(t, ft.Entries(), 1)
}

func TestCreateEntryPushesNewestFirst(t *testing.T) {
	ft := New()
	first := ft.Top()

	e := ft.CreateEntry(42)
	assert.Equal(t, e, ft.Top())
	assert.Equal(t, uint64(42), ft.Top().Seqno)
	assert.NotEqual(t, first.UUID, e.UUID)

	entries := ft.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[1])
}

func TestFailoverSince(t *testing.T) {
	ft := New()
	old := ft.Top()

	failed, _ := ft.FailoverSince(old.UUID)
	assert.False(t, failed, "current lineage needs no rollback")

	ft.CreateEntry(100)
	failed, at := ft.FailoverSince(old.UUID)
	assert.True(t, failed)
	assert.Equal(t, old.UUID, at.UUID)

	failed, at = ft.FailoverSince(0xDEAD)
	assert.True(t, failed, "unknown lineage must roll back")
	assert.Zero(t, at.Seqno)
}

func TestFromEntriesRestoresHistory(t *testing.T) {
	entries := []Entry{{UUID: 7, Seqno: 50}, {UUID: 3, Seqno: 10}}
	ft := FromEntries(entries)
	assert.Equal(t, Entry{UUID: 7, Seqno: 50}, ft.Top())

	e, ok := ft.Find(3)
	require.True(t, ok)
	assert.Equal(t, uint64(10), e.Seqno)

	// An empty history synthesizes a fresh lineage.
	fresh := FromEntries(nil)
	assert.NotZero(t, fresh.Top().UUID)
}

func TestHistoryBounded(t *testing.T) {
	ft := New()
	for i := 0; i < 100; i++ {
		ft.CreateEntry(uint64(i))
	}
	assert.LessOrEqual(t, len(ft.Entries()), maxEntries)
}
