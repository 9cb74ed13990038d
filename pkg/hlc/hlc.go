package hlc

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/stats"
)

// counterMask reserves the low 16 bits of a CAS for the logical counter;
// the upper 48 carry physical nanoseconds.
const counterMask = uint64(0xFFFF)

// HLC is a hybrid logical clock producing monotonically increasing 64-bit
// CAS values per vbucket. CAS values survive restarts because the clock is
// seeded from the persisted max CAS.
type HLC struct {
	maxCAS atomic.Uint64

	aheadThreshold  time.Duration
	behindThreshold time.Duration

	DriftAhead  stats.Counter
	DriftBehind stats.Counter

	now func() time.Time
}

// New creates a clock seeded at initialCAS with the given drift
// thresholds (zero disables drift tracking for that direction).
func New(initialCAS uint64, ahead, behind time.Duration) *HLC {
	h := &HLC{
		aheadThreshold:  ahead,
		behindThreshold: behind,
		now:             time.Now,
	}
	h.maxCAS.Store(initialCAS)
	return h
}

// NextCAS returns the next CAS: the wall clock when it has advanced past
// the current value, otherwise the logical successor.
func (h *HLC) NextCAS() uint64 {
	phys := uint64(h.now().UnixNano()) &^ counterMask
	for {
		cur := h.maxCAS.Load()
		var next uint64
		if phys > cur {
			next = phys
		} else {
			next = cur + 1
		}
		if h.maxCAS.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// ObserveCAS folds an incoming CAS (setWithMeta) into the clock and
// tracks drift against the local wall clock.
func (h *HLC) ObserveCAS(incoming uint64) {
	local := uint64(h.now().UnixNano()) &^ counterMask
	if incoming > local {
		if h.aheadThreshold > 0 && time.Duration(incoming-local) > h.aheadThreshold {
			h.DriftAhead.Inc()
		}
	} else {
		if h.behindThreshold > 0 && time.Duration(local-incoming) > h.behindThreshold {
			h.DriftBehind.Inc()
		}
	}
	for {
		cur := h.maxCAS.Load()
		if incoming <= cur {
			return
		}
		if h.maxCAS.CompareAndSwap(cur, incoming) {
			return
		}
	}
}

// MaxCAS returns the highest CAS issued or observed.
func (h *HLC) MaxCAS() uint64 { return h.maxCAS.Load() }
