package access

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/checkpoint"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newVBWithItems(t *testing.T, st *stats.EngineStats, n int) *vbucket.VBucket {
	t.Helper()
	vb := vbucket.New(0, types.VBActive, vbucket.Config{
		HTSize:             769,
		HTLocks:            4,
		Policy:             types.ValueOnly,
		MaxCheckpointItems: 1000,
	}, st, nil)
	for i := 0; i < n; i++ {
		_, status := vb.Set(&types.Item{Key: fmt.Sprintf("key-%d", i), Value: []byte("v")}, 0, nil)
		require.Equal(t, types.StatusSuccess, status)
	}
	entries, _, _, _ := vb.Checkpoints().ItemsForCursor(checkpoint.PersistenceCursor, 0)
	for _, e := range entries {
		vb.PersistenceCallback(e)
	}
	return vb
}

func newScanner(t *testing.T, vb *vbucket.VBucket, st *stats.EngineStats, threshold float64) (*Scanner, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	s := NewScanner(0, path, func() []*vbucket.VBucket { return []*vbucket.VBucket{vb} },
		threshold, time.Hour, -1, st)
	return s, path
}

func TestScanWritesResidentKeys(t *testing.T) {
	st := stats.New()
	vb := newVBWithItems(t, st, 25)
	s, path := newScanner(t, vb, st, 0.5)

	require.NoError(t, s.writeLog())
	entries, err := ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, entries, 25)
	assert.Equal(t, types.VBucketID(0), entries[0].VB)
}

func TestScanRotatesPreviousLog(t *testing.T) {
	st := stats.New()
	vb := newVBWithItems(t, st, 5)
	s, path := newScanner(t, vb, st, 0.5)

	require.NoError(t, s.writeLog())
	require.NoError(t, s.writeLog())

	_, err := os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + OldSuffix)
	assert.NoError(t, err, "the previous log rotates to .old")
}

func TestRunSkipsAtHighResidency(t *testing.T) {
	st := stats.New()
	vb := newVBWithItems(t, st, 10)
	// Everything is resident, so any threshold below 1.0 skips.
	s, path := newScanner(t, vb, st, 0.5)

	s.Run()
	assert.Equal(t, int64(1), st.AccessScannerSkips.Load())
	assert.Equal(t, int64(0), st.AccessScannerRuns.Load())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "no log is written on a skip")
}

func TestRunScansAtLowResidency(t *testing.T) {
	st := stats.New()
	vb := newVBWithItems(t, st, 20)
	// Evict most values so the resident ratio drops below the threshold.
	for i := 0; i < 15; i++ {
		require.Equal(t, types.StatusSuccess, vb.EvictKey(fmt.Sprintf("key-%d", i)))
	}
	s, path := newScanner(t, vb, st, 0.5)

	s.Run()
	assert.Equal(t, int64(1), st.AccessScannerRuns.Load())
	entries, err := ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, entries, 5, "only resident values are logged")
}

func TestReadLogMissingFile(t *testing.T) {
	entries, err := ReadLog(filepath.Join(t.TempDir(), "absent.log"))
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
