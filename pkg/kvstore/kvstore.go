package kvstore

import (
	"errors"

	"github.com/cuemby/burrow/pkg/failover"
	"github.com/cuemby/burrow/pkg/types"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// ErrNoTransaction is returned when Set/Del/Commit run outside Begin.
var ErrNoTransaction = errors.New("no transaction in progress")

// StateRecord is the per-vbucket state persisted alongside the documents.
// Legacy records missing snapshot or failover fields are accepted and
// upgraded in place by warmup.
type StateRecord struct {
	State           types.VBState    `json:"state"`
	CheckpointID    uint64           `json:"checkpoint_id"`
	MaxDeletedSeqno uint64           `json:"max_deleted_seqno"`
	HighSeqno       uint64           `json:"high_seqno"`
	PurgeSeqno      uint64           `json:"purge_seqno"`
	SnapStart       uint64           `json:"snap_start"`
	SnapEnd         uint64           `json:"snap_end"`
	MaxCAS          uint64           `json:"max_cas"`
	FailoverTable   []failover.Entry `json:"failover_table,omitempty"`

	DriftAheadThresholdUS  uint64 `json:"hlc_drift_ahead_threshold_us,omitempty"`
	DriftBehindThresholdUS uint64 `json:"hlc_drift_behind_threshold_us,omitempty"`
}

// ValueFilter selects how much of each document a Scan materializes.
type ValueFilter int

const (
	ValuesIncluded ValueFilter = iota
	NoValues
)

// FetchCtx carries one key of a getMulti batch; the store fills Item and
// Status.
type FetchCtx struct {
	MetaOnly bool
	Item     *types.Item
	Status   types.Status
}

// ScanCallback receives items in seqno order; returning false stops the
// scan.
type ScanCallback func(itm *types.Item) bool

// CompactionConfig parameterizes CompactDB.
type CompactionConfig struct {
	// PurgeBeforeSeq drops tombstones below this seqno; zero purges none.
	PurgeBeforeSeq uint64
	// DropDeletes drops every tombstone regardless of seqno.
	DropDeletes bool
	// ExpiredCallback is invoked after the compaction transaction for
	// each alive-but-expired document found.
	ExpiredCallback func(itm *types.Item)
	// BloomCallback is invoked for each document surviving compaction.
	BloomCallback func(key string, deleted bool)
}

// CompactionResult reports what a compaction pass removed. PurgedUpTo is
// zero when nothing was purged.
type CompactionResult struct {
	PurgedUpTo        uint64
	TombstonesPurged  int
	ExpiredItemsFound int
}

// KVStore is the persistent per-vbucket key-value file behind one shard.
// The flusher is the sole writer; reads may run concurrently.
type KVStore interface {
	Get(vb types.VBucketID, key string) (*types.Item, error)
	GetMulti(vb types.VBucketID, fetches map[string]*FetchCtx) error

	Begin(vb types.VBucketID) error
	Set(itm *types.Item) error
	Del(vb types.VBucketID, key string, seqno uint64) error
	Commit() error
	Rollback() error

	SnapshotVBucket(vb types.VBucketID, rec *StateRecord) error
	GetVBucketState(vb types.VBucketID) (*StateRecord, error)
	ListPersistedVBuckets() ([]types.VBucketID, error)

	CompactDB(vb types.VBucketID, cfg CompactionConfig) (*CompactionResult, error)
	Scan(vb types.VBucketID, startSeqno, endSeqno uint64, vf ValueFilter, cb ScanCallback) error

	GetItemCount(vb types.VBucketID) (int64, error)
	GetDbFileSize(vb types.VBucketID) (int64, error)
	GetDbDataSize(vb types.VBucketID) (int64, error)

	DelVBucket(vb types.VBucketID) error
	Close() error
}
