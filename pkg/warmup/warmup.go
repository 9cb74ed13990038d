package warmup

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/access"
	"github.com/cuemby/burrow/pkg/executor"
	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

// State is a warmup phase.
type State string

const (
	StateInitialize             State = "initialize"
	StateCreateVBuckets         State = "creating vbuckets"
	StateEstimateItemCount      State = "estimating database item count"
	StateKeyDump                State = "loading keys"
	StateCheckAccessLog         State = "determine access log availability"
	StateLoadAccessLog          State = "loading access log"
	StateLoadPreparedSyncWrites State = "loading prepared mutations"
	StatePopulateVBucketMap     State = "populating vbucket map"
	StateLoadingData            State = "loading data"
	StateDone                   State = "done"
)

// Config parameterizes warmup.
type Config struct {
	Policy types.EvictionPolicy

	// MinItemsThreshold and MinMemoryThreshold stop value loading early,
	// both percentages.
	MinItemsThreshold  int
	MinMemoryThreshold int

	MemQuota int64
	MemUsed  *stats.Counter

	// AccessLogPath returns the log location for a shard.
	AccessLogPath func(shard int) string
}

// Callbacks bind warmup to the owning bucket.
type Callbacks struct {
	// CreateVBucket builds a vbucket object from a persisted (possibly
	// legacy) state record.
	CreateVBucket func(shard int, vb types.VBucketID, rec *kvstore.StateRecord) *vbucket.VBucket
	// Install registers the warmed vbuckets with the bucket's map.
	Install func(vbs map[types.VBucketID]*vbucket.VBucket)
	// Done fires once warmup finishes; oom is set when loading aborted
	// on memory exhaustion and the bucket must start degraded.
	Done func(oom bool)
}

// Warmup is the startup state machine rebuilding the memory image from
// disk. It runs as a reader task, executing one phase per slice.
type Warmup struct {
	cfg Config
	cbs Callbacks
	kvs []kvstore.KVStore
	st  *stats.EngineStats

	state atomic.Value // State

	vbs        map[types.VBucketID]*vbucket.VBucket
	shardOf    map[types.VBucketID]int
	estimated  int64
	loaded     int64
	accessKeys []access.Entry
	oom        bool

	start  time.Time
	handle *executor.TaskHandle
	pool   *executor.Pool

	logger zerolog.Logger
}

// New creates the warmup machine over the per-shard KV stores.
func New(cfg Config, cbs Callbacks, kvs []kvstore.KVStore, st *stats.EngineStats) *Warmup {
	w := &Warmup{
		cfg:     cfg,
		cbs:     cbs,
		kvs:     kvs,
		st:      st,
		vbs:     make(map[types.VBucketID]*vbucket.VBucket),
		shardOf: make(map[types.VBucketID]int),
		logger:  log.WithComponent("warmup"),
	}
	w.state.Store(StateInitialize)
	return w
}

// State returns the current phase.
func (w *Warmup) State() State { return w.state.Load().(State) }

// IsComplete reports whether warmup reached Done.
func (w *Warmup) IsComplete() bool { return w.State() == StateDone }

// Start schedules the machine on the reader queue.
func (w *Warmup) Start(pool *executor.Pool) {
	w.pool = pool
	w.handle = pool.Schedule(executor.TaskSpec{
		Task: w,
		Type: executor.ReaderTask,
	})
}

// Description implements executor.Task.
func (w *Warmup) Description() string { return "Warmup" }

// Run implements executor.Task: one phase per invocation.
func (w *Warmup) Run() bool {
	state := w.State()
	switch state {
	case StateInitialize:
		w.start = time.Now()
		w.logger.Info().Msg("Warmup started")
		w.transition(StateCreateVBuckets)
	case StateCreateVBuckets:
		w.createVBuckets()
		w.transition(StateEstimateItemCount)
	case StateEstimateItemCount:
		w.estimateItemCount()
		w.transition(StateKeyDump)
	case StateKeyDump:
		w.keyDump()
		w.transition(StateCheckAccessLog)
	case StateCheckAccessLog:
		if w.checkAccessLog() {
			w.transition(StateLoadAccessLog)
		} else {
			w.transition(StateLoadPreparedSyncWrites)
		}
	case StateLoadAccessLog:
		w.loadAccessLog()
		w.transition(StateLoadPreparedSyncWrites)
	case StateLoadPreparedSyncWrites:
		// Durable writes are out of scope; the phase is kept so the
		// state sequence matches the on-disk format's expectations.
		w.transition(StatePopulateVBucketMap)
	case StatePopulateVBucketMap:
		w.cbs.Install(w.vbs)
		w.transition(StateLoadingData)
	case StateLoadingData:
		if !w.oom {
			w.loadData()
		}
		w.transition(StateDone)
	case StateDone:
		w.done()
		return false
	}
	return true
}

func (w *Warmup) transition(to State) {
	w.logger.Info().Str("from", string(w.State())).Str("to", string(to)).Msg("Warmup state transition")
	w.state.Store(to)
}

// createVBuckets opens every persisted vbucket file and rebuilds a
// vbucket object in the recorded state. Legacy files without a state
// record get a synthesized lineage.
func (w *Warmup) createVBuckets() {
	for shard, kv := range w.kvs {
		vbids, err := kv.ListPersistedVBuckets()
		if err != nil {
			w.logger.Error().Err(err).Int("shard", shard).Msg("Failed to list persisted vbuckets")
			continue
		}
		for _, vbid := range vbids {
			rec, err := kv.GetVBucketState(vbid)
			if err != nil {
				w.logger.Error().Err(err).Uint16("vb", uint16(vbid)).Msg("Failed to read vbucket state")
				continue
			}
			if rec == nil {
				// Legacy file format: synthesize a fresh uuid by leaving
				// the failover table empty.
				rec = &kvstore.StateRecord{State: types.VBActive}
				w.logger.Warn().Uint16("vb", uint16(vbid)).Msg("Legacy vbucket file; state record synthesized")
			}
			if !rec.State.Valid() {
				rec.State = types.VBActive
			}
			vb := w.cbs.CreateVBucket(shard, vbid, rec)
			if vb == nil {
				continue
			}
			w.vbs[vbid] = vb
			w.shardOf[vbid] = shard
		}
	}
	w.logger.Info().Int("vbuckets", len(w.vbs)).Msg("VBuckets created from disk")
}

func (w *Warmup) estimateItemCount() {
	for vbid := range w.vbs {
		if n, err := w.kvs[w.shardOf[vbid]].GetItemCount(vbid); err == nil {
			w.estimated += n
		}
	}
	w.logger.Info().Int64("estimated_items", w.estimated).Msg("Item count estimated")
}

// keyDump loads key metadata for every document. Under full eviction the
// phase is skipped: items materialize on demand through the bloom filter
// and background fetches.
func (w *Warmup) keyDump() {
	if w.cfg.Policy == types.FullEviction {
		w.logger.Info().Msg("Key dump skipped under full eviction")
		return
	}
	for vbid, vb := range w.vbs {
		kv := w.kvs[w.shardOf[vbid]]
		err := kv.Scan(vbid, 0, 0, kvstore.NoValues, func(itm *types.Item) bool {
			if itm.Deleted {
				return true
			}
			if vb.RestoreFromDisk(itm, false) {
				w.st.WarmupItemCount.Inc()
			}
			vb.Filter().Add(itm.Key)
			return true
		})
		if err != nil {
			w.logger.Error().Err(err).Uint16("vb", uint16(vbid)).Msg("Key dump scan failed")
		}
	}
}

func (w *Warmup) checkAccessLog() bool {
	if w.cfg.AccessLogPath == nil {
		return false
	}
	for shard := range w.kvs {
		entries, err := access.ReadLog(w.cfg.AccessLogPath(shard))
		if err != nil {
			w.logger.Warn().Err(err).Int("shard", shard).Msg("Unreadable access log ignored")
			continue
		}
		w.accessKeys = append(w.accessKeys, entries...)
	}
	return len(w.accessKeys) > 0
}

// loadAccessLog loads the values of previously hot keys first.
func (w *Warmup) loadAccessLog() {
	for _, e := range w.accessKeys {
		if w.thresholdReached() {
			return
		}
		vb, ok := w.vbs[e.VB]
		if !ok {
			continue
		}
		itm, err := w.kvs[w.shardOf[e.VB]].Get(e.VB, e.Key)
		if err != nil || itm.Deleted {
			continue
		}
		if !vb.RestoreFromDisk(itm, true) {
			w.markOOM()
			return
		}
		w.loaded++
		w.st.WarmupValueCount.Inc()
	}
	w.logger.Info().Int64("loaded", w.loaded).Msg("Access log replayed")
}

// loadData loads values until the item or memory threshold is reached.
func (w *Warmup) loadData() {
	for vbid, vb := range w.vbs {
		kv := w.kvs[w.shardOf[vbid]]
		err := kv.Scan(vbid, 0, 0, kvstore.ValuesIncluded, func(itm *types.Item) bool {
			if w.thresholdReached() {
				return false
			}
			if itm.Deleted {
				return true
			}
			if !vb.RestoreFromDisk(itm, true) {
				w.markOOM()
				return false
			}
			w.loaded++
			w.st.WarmupValueCount.Inc()
			if w.cfg.Policy == types.FullEviction {
				vb.Filter().Add(itm.Key)
				w.st.WarmupItemCount.Inc()
			}
			return true
		})
		if err != nil {
			w.logger.Error().Err(err).Uint16("vb", uint16(vbid)).Msg("Data load scan failed")
		}
		if w.oom || w.thresholdReached() {
			return
		}
	}
}

func (w *Warmup) thresholdReached() bool {
	if w.cfg.MinItemsThreshold < 100 && w.estimated > 0 {
		if w.loaded*100 >= w.estimated*int64(w.cfg.MinItemsThreshold) {
			return true
		}
	}
	if w.cfg.MinMemoryThreshold < 100 && w.cfg.MemQuota > 0 && w.cfg.MemUsed != nil {
		if w.cfg.MemUsed.Load()*100 >= w.cfg.MemQuota*int64(w.cfg.MinMemoryThreshold) {
			return true
		}
	}
	return false
}

func (w *Warmup) markOOM() {
	if !w.oom {
		w.oom = true
		w.st.WarmupOOM.Inc()
		w.logger.Error().Msg("Warmup hit memory ceiling; bucket starts degraded")
	}
}

// done extends each active vbucket's lineage so clients holding the
// previous uuid detect the restart, then hands control to the bucket.
func (w *Warmup) done() {
	for _, vb := range w.vbs {
		if vb.State() != types.VBActive {
			continue
		}
		e := vb.Failover().CreateEntry(vb.HighSeqno())
		// The extended lineage must reach disk with the next flush.
		vb.MarkStateChanged()
		w.logger.Debug().Uint16("vb", uint16(vb.ID)).Uint64("vb_uuid", e.UUID).Msg("Failover entry pushed after warmup")
	}

	elapsed := time.Since(w.start)
	metrics.WarmupDuration.Observe(elapsed.Seconds())
	w.logger.Info().
		Dur("elapsed", elapsed).
		Int64("values_loaded", w.loaded).
		Bool("oom", w.oom).
		Msg("Warmup complete")
	if w.cbs.Done != nil {
		w.cbs.Done(w.oom)
	}
}
