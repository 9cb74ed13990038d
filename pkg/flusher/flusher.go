package flusher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/checkpoint"
	"github.com/cuemby/burrow/pkg/executor"
	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

// State is the flusher lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePausing      State = "pausing"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// idleSleep is how long the flusher snoozes with an empty queue.
const idleSleep = time.Second

// Flusher is the per-shard batching writer. It drains each vbucket's
// persistence cursor in round-robin, writes one KV-store transaction per
// vbucket batch and settles the flushed items through their persistence
// callbacks. A failed commit keeps the batch for retry on the next pass.
type Flusher struct {
	shard int
	kv    kvstore.KVStore
	vbs   func() []*vbucket.VBucket

	writeQueueCap int

	state  atomic.Value // State
	handle *executor.TaskHandle
	pool   *executor.Pool

	mu    sync.Mutex
	retry map[types.VBucketID]retryBatch

	stats  *stats.EngineStats
	logger zerolog.Logger
}

type retryBatch struct {
	entries []checkpoint.Entry
	snap    checkpoint.Snapshot
}

// New creates a flusher for one shard. vbs returns the shard's vbuckets
// in stable order.
func New(shard int, kv kvstore.KVStore, vbs func() []*vbucket.VBucket, writeQueueCap int, st *stats.EngineStats) *Flusher {
	if writeQueueCap <= 0 {
		writeQueueCap = 10000
	}
	f := &Flusher{
		shard:         shard,
		kv:            kv,
		vbs:           vbs,
		writeQueueCap: writeQueueCap,
		retry:         make(map[types.VBucketID]retryBatch),
		stats:         st,
		logger:        log.WithShard("flusher", shard),
	}
	f.state.Store(StateInitializing)
	return f
}

// State returns the lifecycle state.
func (f *Flusher) State() State { return f.state.Load().(State) }

// Start schedules the flusher on the pool's writer queue.
func (f *Flusher) Start(pool *executor.Pool) {
	f.pool = pool
	f.state.Store(StateRunning)
	f.handle = pool.Schedule(executor.TaskSpec{
		Task: f,
		Type: executor.WriterTask,
	})
}

// Description implements executor.Task.
func (f *Flusher) Description() string { return "Flusher for shard" }

// Notify wakes the flusher after a mutation was queued.
func (f *Flusher) Notify(types.VBucketID) {
	if f.pool != nil && f.handle != nil && f.State() == StateRunning {
		f.pool.Wake(f.handle)
	}
}

// Pause stops disk writes; mutations keep accumulating in checkpoints.
func (f *Flusher) Pause() {
	if f.State() == StateRunning {
		f.state.Store(StatePausing)
		if f.pool != nil && f.handle != nil {
			f.pool.Wake(f.handle)
		}
	}
}

// Resume returns a paused flusher to running.
func (f *Flusher) Resume() {
	st := f.State()
	if st == StatePaused || st == StatePausing {
		f.state.Store(StateRunning)
		if f.pool != nil && f.handle != nil {
			f.pool.Wake(f.handle)
		}
	}
}

// Stop ends the flusher after a final drain.
func (f *Flusher) Stop() {
	f.state.Store(StateStopping)
	if f.pool != nil && f.handle != nil {
		f.pool.Wake(f.handle)
	}
}

// Run implements executor.Task: one full round-robin pass per execution.
func (f *Flusher) Run() bool {
	switch f.State() {
	case StatePausing:
		f.state.Store(StatePaused)
		fallthrough
	case StatePaused:
		f.snooze(idleSleep)
		return true
	case StateStopping:
		f.flushAll()
		f.state.Store(StateStopped)
		return false
	case StateStopped:
		return false
	}

	flushed := f.flushAll()
	if flushed == 0 {
		f.snooze(idleSleep)
	}
	return true
}

func (f *Flusher) snooze(d time.Duration) {
	if f.handle != nil {
		f.handle.Snooze(d)
	}
}

func (f *Flusher) flushAll() int {
	total := 0
	for _, vb := range f.vbs() {
		if vb.State() == types.VBDead {
			continue
		}
		total += f.flushVBucket(vb)
	}
	return total
}

// flushVBucket drains and commits one vbucket's batch. Returns the number
// of items settled.
func (f *Flusher) flushVBucket(vb *vbucket.VBucket) int {
	var entries []checkpoint.Entry
	var snap checkpoint.Snapshot

	f.mu.Lock()
	if rb, ok := f.retry[vb.ID]; ok {
		entries = rb.entries
		snap = rb.snap
		delete(f.retry, vb.ID)
	}
	f.mu.Unlock()

	if len(entries) == 0 {
		drained, drainedSnap, _, err := vb.Checkpoints().ItemsForCursor(checkpoint.PersistenceCursor, f.writeQueueCap)
		if err != nil {
			f.logger.Error().Err(err).Uint16("vb", uint16(vb.ID)).Msg("Failed to drain persistence cursor")
			return 0
		}
		entries = drained
		snap = drainedSnap
	}
	stateDirty := vb.TakeStateChanged()
	if len(entries) == 0 && !vb.IsBucketCreation() && !stateDirty {
		return 0
	}

	// Duplicate keys within the batch collapse to the latest revision.
	deduped := dedupe(entries)

	timer := metrics.NewTimer()
	if err := f.kv.Begin(vb.ID); err != nil {
		f.logger.Error().Err(err).Uint16("vb", uint16(vb.ID)).Msg("Failed to begin flush transaction")
		f.stash(vb.ID, entries, snap)
		if stateDirty {
			vb.MarkStateChanged()
		}
		return 0
	}

	commitErr := func() error {
		for _, e := range deduped {
			switch e.Op {
			case checkpoint.OpMutation:
				if err := f.kv.Set(e.Item); err != nil {
					return err
				}
			case checkpoint.OpDeletion:
				if err := f.kv.Del(vb.ID, e.Item.Key, e.BySeqno); err != nil {
					return err
				}
			}
		}
		if err := f.kv.SnapshotVBucket(vb.ID, vb.StateRecord()); err != nil {
			return err
		}
		return f.kv.Commit()
	}()

	if commitErr != nil {
		f.kv.Rollback()
		f.stats.CommitFailed.Inc()
		f.stats.OpsRejected.Add(int64(len(deduped)))
		metrics.FlushCommitFailures.Inc()
		f.logger.Error().Err(commitErr).Uint16("vb", uint16(vb.ID)).
			Int("items", len(deduped)).Msg("Flush commit failed; batch retained for retry")
		f.stash(vb.ID, entries, snap)
		if stateDirty {
			vb.MarkStateChanged()
		}
		return 0
	}

	vb.SetBucketCreation(false)
	highSeqno := uint64(0)
	for _, e := range entries {
		vb.PersistenceCallback(e)
		if e.BySeqno > highSeqno {
			highSeqno = e.BySeqno
		}
	}
	if highSeqno > 0 {
		vb.SetLastPersisted(highSeqno, snap.Start, snap.End)
	}
	vb.Checkpoints().RemoveClosedUnreferencedCheckpoints()

	f.stats.TotalPersisted.Add(int64(len(deduped)))
	f.stats.FlusherCommits.Inc()
	metrics.ItemsPersistedTotal.Add(float64(len(deduped)))
	metrics.FlushBatchSize.Observe(float64(len(deduped)))
	timer.ObserveDuration(metrics.FlushCommitDuration)
	return len(entries)
}

func (f *Flusher) stash(vb types.VBucketID, entries []checkpoint.Entry, snap checkpoint.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.retry[vb]; ok {
		entries = append(prev.entries, entries...)
		if prev.snap.Start < snap.Start {
			snap.Start = prev.snap.Start
		}
	}
	f.retry[vb] = retryBatch{entries: entries, snap: snap}
}

// dedupe keeps the highest-seqno entry per key, preserving seqno order.
func dedupe(entries []checkpoint.Entry) []checkpoint.Entry {
	latest := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Item == nil {
			continue
		}
		if j, ok := latest[e.Item.Key]; !ok || entries[j].BySeqno < e.BySeqno {
			latest[e.Item.Key] = i
		}
	}
	out := make([]checkpoint.Entry, 0, len(latest))
	for i, e := range entries {
		if e.Item == nil {
			continue
		}
		if latest[e.Item.Key] == i {
			out = append(out, e)
		}
	}
	return out
}
