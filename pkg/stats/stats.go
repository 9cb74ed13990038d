package stats

import (
	"sync/atomic"

	"github.com/cuemby/burrow/pkg/log"
)

// Counter is an atomic counter that refuses to go negative. A decrement at
// zero is logged and dropped instead of underflowing, so transient
// accounting races never wrap the value.
type Counter struct {
	v atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds n (n must be >= 0; use Sub to decrement).
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Dec subtracts one, guarding against underflow.
func (c *Counter) Dec() { c.Sub(1) }

// Sub subtracts n with an underflow guard.
func (c *Counter) Sub(n int64) {
	for {
		cur := c.v.Load()
		next := cur - n
		if next < 0 {
			log.Logger.Warn().Int64("value", cur).Int64("sub", n).Msg("Counter underflow suppressed")
			next = 0
		}
		if c.v.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Load returns the current value.
func (c *Counter) Load() int64 { return c.v.Load() }

// Set overwrites the current value.
func (c *Counter) Set(n int64) { c.v.Store(n) }

// EngineStats is the engine-wide stat block. Every counter is safe for
// concurrent use; names in Snapshot match the externally documented stat
// keys.
type EngineStats struct {
	MemUsed       Counter
	CheckpointMem Counter
	DiskQueueSize Counter

	ExpiredAccess    Counter
	ExpiredPager     Counter
	ExpiredCompactor Counter

	ActiveExpired  Counter
	ReplicaExpired Counter
	PendingExpired Counter

	BGFetched      Counter
	BGMetaFetched  Counter
	BGFetchWaiting Counter

	TotalPersisted Counter
	CommitFailed   Counter
	FlusherCommits Counter
	OpsRejected    Counter

	NumValueEjects  Counter
	NumFullEjects   Counter
	NumEjectFails   Counter
	PagerRuns       Counter
	ExpiryPagerRuns Counter

	AccessScannerRuns  Counter
	AccessScannerSkips Counter

	WarmupOOM        Counter
	WarmupItemCount  Counter
	WarmupValueCount Counter

	TmpOOMErrors Counter

	BloomRejects Counter

	RollbackCount Counter
}

// New returns a zeroed stat block.
func New() *EngineStats {
	return &EngineStats{}
}

// Snapshot renders the stat block under the documented stat keys.
func (s *EngineStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"mem_used":                    s.MemUsed.Load(),
		"ep_checkpoint_memory":        s.CheckpointMem.Load(),
		"ep_diskqueue_items":          s.DiskQueueSize.Load(),
		"ep_expired_access":           s.ExpiredAccess.Load(),
		"ep_expired_pager":            s.ExpiredPager.Load(),
		"ep_expired_compactor":        s.ExpiredCompactor.Load(),
		"vb_active_expired":           s.ActiveExpired.Load(),
		"vb_replica_expired":          s.ReplicaExpired.Load(),
		"vb_pending_expired":          s.PendingExpired.Load(),
		"ep_bg_fetched":               s.BGFetched.Load(),
		"ep_bg_meta_fetched":          s.BGMetaFetched.Load(),
		"ep_bg_remaining_items":       s.BGFetchWaiting.Load(),
		"ep_total_persisted":          s.TotalPersisted.Load(),
		"ep_item_commit_failed":       s.CommitFailed.Load(),
		"ep_flusher_commits":          s.FlusherCommits.Load(),
		"ep_ops_reject":               s.OpsRejected.Load(),
		"ep_num_value_ejects":         s.NumValueEjects.Load(),
		"ep_num_full_ejects":          s.NumFullEjects.Load(),
		"ep_num_eject_failures":       s.NumEjectFails.Load(),
		"ep_num_pager_runs":           s.PagerRuns.Load(),
		"ep_num_expiry_pager_runs":    s.ExpiryPagerRuns.Load(),
		"ep_num_access_scanner_runs":  s.AccessScannerRuns.Load(),
		"ep_num_access_scanner_skips": s.AccessScannerSkips.Load(),
		"ep_warmup_oom":               s.WarmupOOM.Load(),
		"ep_warmup_key_count":         s.WarmupItemCount.Load(),
		"ep_warmup_value_count":       s.WarmupValueCount.Load(),
		"ep_tmp_oom_errors":           s.TmpOOMErrors.Load(),
		"ep_bloom_filter_rejects":     s.BloomRejects.Load(),
		"ep_rollback_count":           s.RollbackCount.Load(),
	}
}

// ExpiredBy increments the per-source expiration counter.
type ExpirySource int

const (
	ExpiredByAccess ExpirySource = iota
	ExpiredByPager
	ExpiredByCompactor
)

func (s *EngineStats) ExpiredBy(src ExpirySource) {
	switch src {
	case ExpiredByAccess:
		s.ExpiredAccess.Inc()
	case ExpiredByPager:
		s.ExpiredPager.Inc()
	case ExpiredByCompactor:
		s.ExpiredCompactor.Inc()
	}
}
