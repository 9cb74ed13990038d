package bucket

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/access"
	"github.com/cuemby/burrow/pkg/bgfetcher"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/executor"
	"github.com/cuemby/burrow/pkg/failover"
	"github.com/cuemby/burrow/pkg/flusher"
	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pager"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
	"github.com/cuemby/burrow/pkg/warmup"
)

// Bucket is the engine front: it owns the shards, the executor pool, the
// periodic tasks and the warmup machine, and routes client operations to
// vbuckets.
type Bucket struct {
	UUID string

	cfg   *config.Config
	stats *stats.EngineStats

	pool   *executor.Pool
	shards []*Shard

	itemPager   *pager.ItemPager
	expiryPager *pager.ExpiryPager
	resizer     *pager.HashtableResizer
	scanners    []*access.Scanner

	warmup      *warmup.Warmup
	warmupDone  atomic.Bool
	trafficOn   atomic.Bool
	degradedOOM atomic.Bool

	events *events.Broker

	clusterMu     sync.RWMutex
	clusterConfig []byte

	closeOnce sync.Once
	logger    zerolog.Logger
}

// New builds the bucket, starts its scheduling fabric and kicks off
// warmup. Traffic is enabled automatically when warmup completes without
// memory exhaustion.
func New(cfg *config.Config) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &Bucket{
		UUID:   uuid.New().String(),
		cfg:    cfg,
		stats:  stats.New(),
		events: events.NewBroker(),
		logger: log.WithComponent("bucket"),
	}
	b.events.Start()

	b.pool = executor.NewPool(executor.PoolConfig{
		NumWriters: cfg.MaxNumWriters,
		NumReaders: cfg.MaxNumReaders,
		NumAuxIO:   cfg.MaxNumAuxIO,
		NumNonIO:   cfg.MaxNumNonIO,
	})

	numShards := cfg.NumShards()
	var kvs []kvstore.KVStore
	for i := 0; i < numShards; i++ {
		dir := filepath.Join(cfg.DataDir, fmt.Sprintf("shard_%d", i))
		kv, err := kvstore.NewBoltKVStore(dir, i)
		if err != nil {
			b.pool.Shutdown()
			return nil, fmt.Errorf("failed to open shard %d: %w", i, err)
		}
		shard := newShard(i, kv)
		shard.Flusher = flusher.New(i, kv, shard.VBuckets, cfg.CompactionWriteQueueCap, b.stats)
		shard.BGFetcher = bgfetcher.New(i, kv, shard.VBucket, cfg.BGFetchSleep(), b.stats)
		b.shards = append(b.shards, shard)
		kvs = append(kvs, kv)
	}

	for _, s := range b.shards {
		s.Flusher.Start(b.pool)
		s.BGFetcher.Start(b.pool)
	}

	b.itemPager = pager.NewItemPager(b.allVBuckets, &b.stats.MemUsed,
		cfg.MemHighWat, cfg.MemLowWat, cfg.PagerActiveVBPcnt, b.stats)
	b.itemPager.Start(b.pool)

	if cfg.ExpPagerEnabled {
		b.expiryPager = pager.NewExpiryPager(b.allVBuckets, cfg.ExpPagerInterval(),
			cfg.ExpPagerInitialRunTime, b.stats)
		b.expiryPager.Start(b.pool)
	}

	b.resizer = pager.NewHashtableResizer(b.allVBuckets)
	b.resizer.Start(b.pool)

	for _, s := range b.shards {
		sc := access.NewScanner(s.ID, b.accessLogPath(s.ID), s.VBuckets,
			cfg.BfilterResidencyThreshold, cfg.AlogSleep(), cfg.AlogTaskTime, b.stats)
		sc.Start(b.pool)
		b.scanners = append(b.scanners, sc)
	}

	metrics.MemQuotaBytes.Set(float64(cfg.MaxSize))

	b.warmup = warmup.New(warmup.Config{
		Policy:             cfg.ItemEvictionPolicy,
		MinItemsThreshold:  cfg.WarmupMinItemsThreshold,
		MinMemoryThreshold: cfg.WarmupMinMemoryThreshold,
		MemQuota:           cfg.MaxSize,
		MemUsed:            &b.stats.MemUsed,
		AccessLogPath:      b.accessLogPath,
	}, warmup.Callbacks{
		CreateVBucket: b.createVBucketFromRecord,
		Install:       b.installWarmedVBuckets,
		Done:          b.warmupComplete,
	}, kvs, b.stats)
	b.warmup.Start(b.pool)

	b.logger.Info().
		Str("uuid", b.UUID).
		Int("shards", numShards).
		Str("eviction_policy", string(cfg.ItemEvictionPolicy)).
		Msg("Bucket created")
	return b, nil
}

func (b *Bucket) accessLogPath(shard int) string {
	return access.LogPath(b.cfg.DataDir, shard, b.cfg.AlogPath)
}

// Stats returns the engine stat block.
func (b *Bucket) Stats() *stats.EngineStats { return b.stats }

// Events returns the engine event broker.
func (b *Bucket) Events() *events.Broker { return b.events }

// Warmup exposes the warmup machine's state.
func (b *Bucket) Warmup() *warmup.Warmup { return b.warmup }

// WaitForWarmup blocks until warmup finishes or the timeout passes.
func (b *Bucket) WaitForWarmup(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.warmupDone.Load() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b.warmupDone.Load()
}

func (b *Bucket) shardFor(vb types.VBucketID) *Shard {
	return b.shards[int(vb)%len(b.shards)]
}

func (b *Bucket) getVB(vb types.VBucketID) *vbucket.VBucket {
	if int(vb) >= b.cfg.MaxVBuckets {
		return nil
	}
	return b.shardFor(vb).VBucket(vb)
}

func (b *Bucket) allVBuckets() []*vbucket.VBucket {
	var out []*vbucket.VBucket
	for _, s := range b.shards {
		out = append(out, s.VBuckets()...)
	}
	return out
}

// newVBucketConfig derives the per-vbucket config from the bucket's.
func (b *Bucket) newVBucketConfig(rec *kvstore.StateRecord) vbucket.Config {
	cfg := vbucket.Config{
		HTSize:               b.cfg.HTSize,
		HTLocks:              b.cfg.HTLocks,
		Policy:               b.cfg.ItemEvictionPolicy,
		MaxCheckpointItems:   b.cfg.MaxCheckpointItems,
		GetlDefaultTimeout:   b.cfg.GetlDefault(),
		GetlMaxTimeout:       b.cfg.GetlMax(),
		BloomEnabled:         b.cfg.BfilterEnabled,
		BloomFPProb:          b.cfg.BfilterFPProb,
		DriftAheadThreshold:  time.Duration(b.cfg.HlcDriftAheadThresholdUS) * time.Microsecond,
		DriftBehindThreshold: time.Duration(b.cfg.HlcDriftBehindThresholdUS) * time.Microsecond,
		MemUsed:              &b.stats.MemUsed,
		MaxMem:               b.cfg.MaxSize,
	}
	if rec != nil {
		cfg.InitialHighSeqno = rec.HighSeqno
		cfg.InitialPurgeSeqno = rec.PurgeSeqno
		cfg.InitialMaxCAS = rec.MaxCAS
		cfg.InitialSnapStart = rec.SnapStart
		cfg.InitialSnapEnd = rec.SnapEnd
	}
	return cfg
}

// createVBucketFromRecord is warmup's factory for persisted vbuckets.
func (b *Bucket) createVBucketFromRecord(shard int, vbid types.VBucketID, rec *kvstore.StateRecord) *vbucket.VBucket {
	ft := failover.FromEntries(rec.FailoverTable)
	vb := vbucket.New(vbid, rec.State, b.newVBucketConfig(rec), b.stats, ft)
	s := b.shards[shard]
	vb.SetNotifiers(s.Flusher.Notify, s.BGFetcher.NotifyBGEvent)
	return vb
}

func (b *Bucket) installWarmedVBuckets(vbs map[types.VBucketID]*vbucket.VBucket) {
	for _, vb := range vbs {
		b.shardFor(vb.ID).setVBucket(vb)
		metrics.VBucketsTotal.WithLabelValues(string(vb.State())).Inc()
	}
}

func (b *Bucket) warmupComplete(oom bool) {
	b.warmupDone.Store(true)
	if oom {
		b.degradedOOM.Store(true)
		b.events.Publish(&events.Event{Type: events.EventWarmupComplete, Message: "warmup complete (degraded)"})
		b.logger.Warn().Msg("Warmup complete in degraded mode; traffic disabled")
		return
	}
	b.EnableTraffic()
	b.events.Publish(&events.Event{Type: events.EventWarmupComplete, Message: "warmup complete"})
}

// EnableTraffic opens the bucket for client writes.
func (b *Bucket) EnableTraffic() {
	if !b.trafficOn.Swap(true) {
		b.events.Publish(&events.Event{Type: events.EventTrafficEnabled})
		b.logger.Info().Msg("Traffic enabled")
	}
}

// DisableTraffic puts the bucket back into degraded mode.
func (b *Bucket) DisableTraffic() {
	if b.trafficOn.Swap(false) {
		b.events.Publish(&events.Event{Type: events.EventTrafficDisabled})
		b.logger.Info().Msg("Traffic disabled")
	}
}

// TrafficEnabled reports whether writes are admitted.
func (b *Bucket) TrafficEnabled() bool { return b.trafficOn.Load() }

// StopPersistence pauses every shard flusher.
func (b *Bucket) StopPersistence() {
	for _, s := range b.shards {
		s.Flusher.Pause()
	}
}

// StartPersistence resumes every shard flusher.
func (b *Bucket) StartPersistence() {
	for _, s := range b.shards {
		s.Flusher.Resume()
	}
}

// SetClusterConfig stores the opaque cluster configuration blob.
func (b *Bucket) SetClusterConfig(blob []byte) {
	b.clusterMu.Lock()
	defer b.clusterMu.Unlock()
	b.clusterConfig = append([]byte(nil), blob...)
}

// GetClusterConfig returns the stored cluster configuration blob.
func (b *Bucket) GetClusterConfig() []byte {
	b.clusterMu.RLock()
	defer b.clusterMu.RUnlock()
	return append([]byte(nil), b.clusterConfig...)
}

// writeGate applies traffic, quota and queue back-pressure checks before
// a mutation is admitted.
func (b *Bucket) writeGate() types.Status {
	if !b.trafficOn.Load() {
		b.stats.OpsRejected.Inc()
		return types.StatusTempFailure
	}
	used := b.stats.MemUsed.Load()
	if used > b.cfg.MaxSize {
		b.stats.TmpOOMErrors.Inc()
		return types.StatusNoMemory
	}
	if used > b.cfg.MemHighWat {
		// Admit the write but get the pager moving.
		if h := b.itemPager.Handle(); h != nil {
			b.pool.Wake(h)
		}
	}
	if b.stats.DiskQueueSize.Load() > b.queueCap() {
		b.stats.OpsRejected.Inc()
		return types.StatusTempFailure
	}
	return types.StatusSuccess
}

func (b *Bucket) queueCap() int64 {
	return int64(b.cfg.CompactionWriteQueueCap) * int64(len(b.shards)) * 8
}

// Close flushes what it can and tears the bucket down.
func (b *Bucket) Close() {
	b.closeOnce.Do(func() {
		b.logger.Info().Msg("Closing bucket")
		for _, s := range b.shards {
			s.Flusher.Stop()
		}
		// Wait for the final drains before tearing the pool down.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			stopped := true
			for _, s := range b.shards {
				if s.Flusher.State() != flusher.StateStopped {
					stopped = false
					break
				}
			}
			if stopped {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		b.pool.Shutdown()
		for _, s := range b.shards {
			if err := s.KV.Close(); err != nil {
				b.logger.Error().Err(err).Int("shard", s.ID).Msg("Failed to close shard store")
			}
		}
		b.events.Stop()
	})
}
