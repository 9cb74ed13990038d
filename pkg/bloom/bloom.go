package bloom

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// Filter is the per-vbucket probabilistic key set used to short-circuit
// disk probes for known-absent keys. Absence from the filter guarantees
// absence from disk; presence is probabilistic with the configured false
// positive rate.
type Filter struct {
	mu      sync.RWMutex
	bf      *bloomfilter.Filter
	fpProb  float64
	enabled bool
}

// minKeys floors the sizing so tiny vbuckets still get a usable filter.
const minKeys = 10000

// New creates a filter sized for expectedKeys at the given false positive
// probability.
func New(expectedKeys uint64, fpProb float64, enabled bool) *Filter {
	f := &Filter{fpProb: fpProb, enabled: enabled}
	if enabled {
		f.bf = newBackingFilter(expectedKeys, fpProb)
	}
	return f
}

func newBackingFilter(n uint64, p float64) *bloomfilter.Filter {
	if n < minKeys {
		n = minKeys
	}
	bf, err := bloomfilter.NewOptimal(n, p)
	if err != nil {
		panic(err)
	}
	return bf
}

// Enabled reports whether the filter participates in lookups.
func (f *Filter) Enabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// Add inserts the key.
func (f *Filter) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return
	}
	f.bf.AddHash(xxhash.Sum64String(key))
}

// MaybeContains reports whether the key may exist on disk. A disabled
// filter cannot rule anything out and always answers true.
func (f *Filter) MaybeContains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.enabled {
		return true
	}
	return f.bf.ContainsHash(xxhash.Sum64String(key))
}

// KeyCount reports the number of insertions since the last rebuild; a key
// added more than once is counted each time.
func (f *Filter) KeyCount() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.enabled {
		return 0
	}
	return f.bf.N()
}

// FPProb returns the configured false positive probability.
func (f *Filter) FPProb() float64 { return f.fpProb }

// Rebuild accumulates the replacement filter constructed during
// compaction:
//
//	nb := f.NewRebuild(expected)
//	... nb.Add(key) for every on-disk key ...
//	f.Swap(nb)
type Rebuild struct {
	bf *bloomfilter.Filter
}

// NewRebuild starts a rebuild sized for expectedKeys.
func (f *Filter) NewRebuild(expectedKeys uint64) *Rebuild {
	return &Rebuild{bf: newBackingFilter(expectedKeys, f.fpProb)}
}

// Add inserts a key into the rebuild.
func (r *Rebuild) Add(key string) {
	r.bf.AddHash(xxhash.Sum64String(key))
}

// Swap installs the rebuilt filter.
func (f *Filter) Swap(r *Rebuild) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return
	}
	f.bf = r.bf
}
