package bgfetcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/executor"
	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

// BGFetcher is the per-shard batching reader for non-resident items. A
// frontend miss registers its cookie on the vbucket and notifies the
// fetcher; each run snapshots the pending vbuckets, issues one getMulti
// per vbucket and completes the waiting cookies.
type BGFetcher struct {
	shard int
	kv    kvstore.KVStore
	getVB func(types.VBucketID) *vbucket.VBucket

	mu         sync.Mutex
	pendingVbs map[types.VBucketID]struct{}

	pendingFetch atomic.Bool

	fetchDelay time.Duration

	handle *executor.TaskHandle
	pool   *executor.Pool

	stats  *stats.EngineStats
	logger zerolog.Logger
}

// New creates a fetcher for one shard.
func New(shard int, kv kvstore.KVStore, getVB func(types.VBucketID) *vbucket.VBucket, fetchDelay time.Duration, st *stats.EngineStats) *BGFetcher {
	return &BGFetcher{
		shard:      shard,
		kv:         kv,
		getVB:      getVB,
		pendingVbs: make(map[types.VBucketID]struct{}),
		fetchDelay: fetchDelay,
		stats:      st,
		logger:     log.WithShard("bgfetcher", shard),
	}
}

// Start schedules the fetcher on the pool's reader queue.
func (b *BGFetcher) Start(pool *executor.Pool) {
	b.pool = pool
	b.handle = pool.Schedule(executor.TaskSpec{
		Task:         b,
		Type:         executor.ReaderTask,
		InitialSleep: executor.MinSleepTime,
	})
}

// Stop cancels the fetch task.
func (b *BGFetcher) Stop() {
	if b.pool != nil && b.handle != nil {
		b.pool.Cancel(b.handle)
	}
}

// Description implements executor.Task.
func (b *BGFetcher) Description() string { return "Batching background fetch" }

// NotifyBGEvent queues a vbucket with outstanding fetches and wakes the
// task.
func (b *BGFetcher) NotifyBGEvent(vb types.VBucketID) {
	b.mu.Lock()
	b.pendingVbs[vb] = struct{}{}
	b.mu.Unlock()
	b.pendingFetch.Store(true)
	if b.pool != nil && b.handle != nil {
		b.pool.Wake(b.handle)
	}
}

// Run implements executor.Task: one batched fetch pass.
func (b *BGFetcher) Run() bool {
	b.pendingFetch.Store(false)

	b.mu.Lock()
	pending := b.pendingVbs
	b.pendingVbs = make(map[types.VBucketID]struct{})
	b.mu.Unlock()

	for vbid := range pending {
		vb := b.getVB(vbid)
		if vb == nil {
			continue
		}
		if vb.IsBucketCreation() {
			// The file is not on disk yet; try again shortly.
			b.mu.Lock()
			b.pendingVbs[vbid] = struct{}{}
			b.mu.Unlock()
			b.pendingFetch.Store(true)
			continue
		}
		b.fetchVBucket(vb)
	}

	if !b.pendingFetch.Load() && b.handle != nil {
		sleep := b.fetchDelay
		if sleep < executor.MinSleepTime {
			sleep = executor.MinSleepTime
		}
		b.handle.Snooze(sleep)
	}
	return true
}

func (b *BGFetcher) fetchVBucket(vb *vbucket.VBucket) {
	queue := vb.TakeBGFetchQueue()
	if len(queue) == 0 {
		return
	}

	fetches := make(map[string]*kvstore.FetchCtx, len(queue))
	for key, req := range queue {
		fetches[key] = &kvstore.FetchCtx{MetaOnly: req.MetaOnly}
	}

	if err := b.kv.GetMulti(vb.ID, fetches); err != nil {
		b.logger.Error().Err(err).Uint16("vb", uint16(vb.ID)).
			Int("keys", len(fetches)).Msg("getMulti failed; fetches requeued")
		// Put the work back and retry on the next pass.
		for key, req := range queue {
			vb.RequeueBGFetch(key, req)
		}
		b.NotifyBGEvent(vb.ID)
		return
	}

	metrics.BGFetchBatchSize.Observe(float64(len(fetches)))
	for key, req := range queue {
		vb.CompleteBGFetch(key, req, fetches[key])
		metrics.BGFetchDuration.Observe(time.Since(req.Start).Seconds())
	}
}
