package vbucket

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
)

// Compact drives the KV store's compaction for this vbucket. Tombstones
// below purgeBefore (or all of them under dropDeletes) are removed on
// disk, purge_seqno advances to the highest removed seqno, expired alive
// documents are deleted through the normal pipeline, and the bloom filter
// is rebuilt from the surviving keys. A pass that purges nothing leaves
// purge_seqno untouched.
func (v *VBucket) Compact(kv kvstore.KVStore, purgeBefore uint64, dropDeletes bool) (*kvstore.CompactionResult, error) {
	if v.State() == types.VBDead {
		return nil, fmt.Errorf("vbucket %d is dead", v.ID)
	}

	count, err := kv.GetItemCount(v.ID)
	if err != nil {
		count = int64(v.ht.NumTotalItems.Load())
	}

	var rebuild *rebuildSink
	cfg := kvstore.CompactionConfig{
		PurgeBeforeSeq: purgeBefore,
		DropDeletes:    dropDeletes,
		ExpiredCallback: func(itm *types.Item) {
			v.DeleteExpired(itm, stats.ExpiredByCompactor)
		},
	}
	if v.filter.Enabled() {
		rebuild = &rebuildSink{rb: v.filter.NewRebuild(uint64(count)), dropDeletes: dropDeletes}
		cfg.BloomCallback = rebuild.add
	}

	res, err := kv.CompactDB(v.ID, cfg)
	if err != nil {
		return nil, fmt.Errorf("compaction of vbucket %d failed: %w", v.ID, err)
	}

	if res.PurgedUpTo > 0 {
		for {
			cur := v.purgeSeqno.Load()
			if res.PurgedUpTo <= cur || v.purgeSeqno.CompareAndSwap(cur, res.PurgedUpTo) {
				break
			}
		}
	}
	if rebuild != nil {
		v.filter.Swap(rebuild.rb)
	}

	v.logger.Info().
		Uint64("purge_before", purgeBefore).
		Bool("drop_deletes", dropDeletes).
		Int("tombstones_purged", res.TombstonesPurged).
		Uint64("purged_up_to", res.PurgedUpTo).
		Msg("Compaction complete")
	return res, nil
}

// rebuildSink feeds surviving on-disk keys into the bloom rebuild. After
// a dropDeletes pass deleted keys are excluded; otherwise tombstones are
// added like live keys, under either eviction policy.
type rebuildSink struct {
	rb          interface{ Add(string) }
	dropDeletes bool
}

func (r *rebuildSink) add(key string, deleted bool) {
	if deleted && r.dropDeletes {
		return
	}
	r.rb.Add(key)
}
