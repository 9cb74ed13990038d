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

// VBSource supplies the current vbucket set to the periodic tasks.
type VBSource func() []*vbucket.VBucket

// visitChunk is the per-slice item budget before a pager visitor yields.
const visitChunk = 1000

// pagerIdleSleep is how long the item pager waits between pressure checks.
const pagerIdleSleep = 5 * time.Second

// ItemPager frees memory when usage crosses the high watermark. It walks
// every hash table with a pauseable visitor, ejecting clean cold items
// until usage falls to the low watermark. Surviving items age one NRU
// step per pass so they become eligible next time.
type ItemPager struct {
	vbs VBSource

	memUsed *stats.Counter
	highWat int64
	lowWat  int64

	activeVBPcnt int

	handle *executor.TaskHandle
	pool   *executor.Pool

	stats  *stats.EngineStats
	logger zerolog.Logger
}

// NewItemPager creates the pager.
func NewItemPager(vbs VBSource, memUsed *stats.Counter, highWat, lowWat int64, activeVBPcnt int, st *stats.EngineStats) *ItemPager {
	return &ItemPager{
		vbs:          vbs,
		memUsed:      memUsed,
		highWat:      highWat,
		lowWat:       lowWat,
		activeVBPcnt: activeVBPcnt,
		stats:        st,
		logger:       log.WithTask("item_pager"),
	}
}

// Start schedules the pager. The handle is rearmable: this is the one
// task the engine tolerates being woken out of the Dead state.
func (p *ItemPager) Start(pool *executor.Pool) {
	p.pool = pool
	p.handle = pool.Schedule(executor.TaskSpec{
		Task:         p,
		Type:         executor.NonIOTask,
		InitialSleep: pagerIdleSleep,
		Rearmable:    true,
	})
}

// Handle exposes the task handle so the bucket can wake the pager when a
// write crosses the high watermark.
func (p *ItemPager) Handle() *executor.TaskHandle { return p.handle }

// Description implements executor.Task.
func (p *ItemPager) Description() string { return "Paging out items" }

// Run implements executor.Task.
func (p *ItemPager) Run() bool {
	if p.memUsed.Load() <= p.highWat {
		p.snooze()
		return true
	}

	p.stats.PagerRuns.Inc()
	metrics.PagerRunsTotal.WithLabelValues("item").Inc()

	// Actives take the first share of the pass; replicas and pending
	// vbuckets absorb the remainder.
	var actives, others []*vbucket.VBucket
	for _, vb := range p.vbs() {
		if vb.State() == types.VBActive {
			actives = append(actives, vb)
		} else if vb.State() != types.VBDead {
			others = append(others, vb)
		}
	}
	ordered := append(append([]*vbucket.VBucket{}, actives...), others...)
	if p.activeVBPcnt <= 0 {
		ordered = append(append([]*vbucket.VBucket{}, others...), actives...)
	}

	ejected := int64(0)
	for _, vb := range ordered {
		if p.memUsed.Load() <= p.lowWat {
			break
		}
		ejected += p.pageVBucket(vb)
	}

	p.logger.Info().
		Int64("ejected", ejected).
		Int64("mem_used", p.memUsed.Load()).
		Int64("low_wat", p.lowWat).
		Msg("Item pager pass complete")

	p.snooze()
	return true
}

func (p *ItemPager) snooze() {
	if p.handle != nil {
		p.handle.Snooze(pagerIdleSleep)
	}
}

func (p *ItemPager) pageVBucket(vb *vbucket.VBucket) int64 {
	ht := vb.HashTable()
	v := &ejectVisitor{ht: ht, stats: p.stats, policy: ht.Policy()}
	pos := hashtable.Position{}
	for {
		v.budget = visitChunk
		next, done := ht.PauseResumeVisit(v, pos)
		if done {
			break
		}
		pos = next
		if p.memUsed.Load() <= p.lowWat {
			break
		}
	}
	metrics.ItemsEjectedTotal.Add(float64(v.ejected))
	return v.ejected
}

// ejectVisitor ejects cold clean items and ages the rest.
type ejectVisitor struct {
	ht      *hashtable.HashTable
	stats   *stats.EngineStats
	policy  types.EvictionPolicy
	budget  int
	ejected int64
}

func (v *ejectVisitor) Visit(lk hashtable.KeyLock, sv *hashtable.StoredValue) bool {
	v.budget--
	switch {
	case sv.Dirty || sv.Temp || sv.Deleted:
	case sv.IsLocked(time.Now()):
	case sv.NRU >= hashtable.MaxNRU:
		if v.ht.EjectLocked(lk, sv) {
			v.ejected++
			if v.policy == types.FullEviction {
				v.stats.NumFullEjects.Inc()
			} else {
				v.stats.NumValueEjects.Inc()
			}
		} else {
			v.stats.NumEjectFails.Inc()
		}
	default:
		sv.NRU++
	}
	return v.budget > 0
}
