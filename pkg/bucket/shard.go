package bucket

import (
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/bgfetcher"
	"github.com/cuemby/burrow/pkg/flusher"
	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

// Shard owns one KV store handle, one flusher and one bgfetcher serving
// the vbuckets mapped to it (vbucket v belongs to shard v mod S).
type Shard struct {
	ID int
	KV kvstore.KVStore

	Flusher   *flusher.Flusher
	BGFetcher *bgfetcher.BGFetcher

	mu  sync.RWMutex
	vbs map[types.VBucketID]*vbucket.VBucket
}

func newShard(id int, kv kvstore.KVStore) *Shard {
	return &Shard{
		ID:  id,
		KV:  kv,
		vbs: make(map[types.VBucketID]*vbucket.VBucket),
	}
}

// VBucket returns the shard's vbucket, or nil.
func (s *Shard) VBucket(vb types.VBucketID) *vbucket.VBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vbs[vb]
}

// setVBucket installs or replaces a vbucket.
func (s *Shard) setVBucket(vb *vbucket.VBucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vbs[vb.ID] = vb
}

// removeVBucket detaches a vbucket from the shard.
func (s *Shard) removeVBucket(vb types.VBucketID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vbs, vb)
}

// VBuckets returns the shard's vbuckets in id order, giving the flusher a
// stable round-robin.
func (s *Shard) VBuckets() []*vbucket.VBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*vbucket.VBucket, 0, len(s.vbs))
	for _, vb := range s.vbs {
		out = append(out, vb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
