package pager

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/executor"
	"github.com/cuemby/burrow/pkg/hashtable"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

// ExpiryPager periodically sweeps active vbuckets for items whose TTL has
// passed and issues local deletes for them, bypassing conflict
// resolution.
type ExpiryPager struct {
	vbs VBSource

	interval       time.Duration
	initialRunHour int

	handle *executor.TaskHandle
	pool   *executor.Pool

	stats  *stats.EngineStats
	logger zerolog.Logger
	now    func() time.Time
}

// NewExpiryPager creates the pager. initialRunHour schedules the first
// sweep at a wall-clock hour; pass a negative value to start after one
// interval instead.
func NewExpiryPager(vbs VBSource, interval time.Duration, initialRunHour int, st *stats.EngineStats) *ExpiryPager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ExpiryPager{
		vbs:            vbs,
		interval:       interval,
		initialRunHour: initialRunHour,
		stats:          st,
		logger:         log.WithTask("expiry_pager"),
		now:            time.Now,
	}
}

// Start schedules the pager on the AuxIO queue.
func (p *ExpiryPager) Start(pool *executor.Pool) {
	p.pool = pool
	p.handle = pool.Schedule(executor.TaskSpec{
		Task:         p,
		Type:         executor.AuxIOTask,
		InitialSleep: p.initialSleep(),
	})
}

// Stop cancels the sweep task.
func (p *ExpiryPager) Stop() {
	if p.pool != nil && p.handle != nil {
		p.pool.Cancel(p.handle)
	}
}

// Handle exposes the task handle.
func (p *ExpiryPager) Handle() *executor.TaskHandle { return p.handle }

// initialSleep computes the delay to the configured wall-clock hour.
func (p *ExpiryPager) initialSleep() time.Duration {
	if p.initialRunHour < 0 || p.initialRunHour > 23 {
		return p.interval
	}
	now := p.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), p.initialRunHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// Description implements executor.Task.
func (p *ExpiryPager) Description() string { return "Paging expired items" }

// Run implements executor.Task: one sweep over every active vbucket.
func (p *ExpiryPager) Run() bool {
	p.stats.ExpiryPagerRuns.Inc()
	metrics.PagerRunsTotal.WithLabelValues("expiry").Inc()

	swept := 0
	for _, vb := range p.vbs() {
		if vb.State() != types.VBActive {
			continue
		}
		swept += p.sweepVBucket(vb)
	}
	if swept > 0 {
		p.logger.Info().Int("expired", swept).Msg("Expiry pager sweep complete")
	}

	if p.handle != nil {
		p.handle.Snooze(p.interval)
	}
	return true
}

// sweepVBucket collects expired keys chunk by chunk, deleting them with
// the stripe locks released.
func (p *ExpiryPager) sweepVBucket(vb *vbucket.VBucket) int {
	ht := vb.HashTable()
	total := 0
	pos := hashtable.Position{}
	for {
		v := &expiredVisitor{now: p.now(), budget: visitChunk}
		next, done := ht.PauseResumeVisit(v, pos)
		for _, itm := range v.expired {
			vb.DeleteExpired(itm, stats.ExpiredByPager)
		}
		total += len(v.expired)
		if done {
			break
		}
		pos = next
	}
	return total
}

// expiredVisitor gathers the metadata of expired alive items.
type expiredVisitor struct {
	now     time.Time
	budget  int
	expired []*types.Item
}

func (v *expiredVisitor) Visit(lk hashtable.KeyLock, sv *hashtable.StoredValue) bool {
	v.budget--
	if !sv.Deleted && !sv.Temp && sv.IsExpired(v.now) && !sv.IsLocked(v.now) {
		v.expired = append(v.expired, &types.Item{
			Key:      sv.Key,
			RevSeqno: sv.RevSeqno,
			Expiry:   sv.Expiry,
		})
	}
	return v.budget > 0
}
