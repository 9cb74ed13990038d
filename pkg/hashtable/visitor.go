package hashtable

// Position marks where a paused visitation stopped. It stays valid only as
// long as the table size is unchanged; resuming against a resized table
// restarts from the beginning.
type Position struct {
	Size   int
	Lock   int
	Bucket int
}

// Visitor observes stored values during a full visitation. Visit is called
// with the value's stripe lock held.
type Visitor interface {
	Visit(lk KeyLock, sv *StoredValue)
}

// PauseResumeVisitor observes stored values and may pause the walk by
// returning false from Visit.
type PauseResumeVisitor interface {
	Visit(lk KeyLock, sv *StoredValue) bool
}

// Visit walks every stored value in the table, one stripe at a time.
func (ht *HashTable) Visit(v Visitor) {
	ht.visitors.Add(1)
	defer ht.visitors.Add(-1)

	size := int(ht.size.Load())
	for l := 0; l < len(ht.locks); l++ {
		ht.locks[l].Lock()
		for b := l; b < size; b += len(ht.locks) {
			cur := ht.buckets[b]
			for cur != nil {
				next := cur.next
				v.Visit(KeyLock{ht: ht, key: cur.Key, bucket: b, lock: l}, cur)
				cur = next
			}
		}
		ht.locks[l].Unlock()
	}
}

// PauseResumeVisit walks the table starting at pos and stops when the
// visitor pauses. It returns the position to resume from and whether the
// walk reached the end. If the table was resized since pos was taken the
// walk restarts from the beginning (documented approximation).
func (ht *HashTable) PauseResumeVisit(v PauseResumeVisitor, pos Position) (Position, bool) {
	ht.visitors.Add(1)
	defer ht.visitors.Add(-1)

	size := int(ht.size.Load())
	if pos.Size != size {
		pos = Position{Size: size}
	}

	for l := pos.Lock; l < len(ht.locks); l++ {
		ht.locks[l].Lock()
		if int(ht.size.Load()) != size {
			// Resized while we were between stripes; caller restarts.
			ht.locks[l].Unlock()
			return Position{Size: int(ht.size.Load())}, false
		}
		start := l
		if l == pos.Lock && pos.Bucket >= l {
			start = pos.Bucket
		}
		for b := start; b < size; b += len(ht.locks) {
			cur := ht.buckets[b]
			for cur != nil {
				next := cur.next
				cont := v.Visit(KeyLock{ht: ht, key: cur.Key, bucket: b, lock: l}, cur)
				if !cont {
					ht.locks[l].Unlock()
					resume := Position{Size: size, Lock: l, Bucket: b}
					if next == nil {
						resume.Bucket = b + len(ht.locks)
						if resume.Bucket >= size {
							resume.Lock = l + 1
							resume.Bucket = l + 1
						}
					}
					return resume, resume.Lock >= len(ht.locks)
				}
				cur = next
			}
		}
		ht.locks[l].Unlock()
	}
	return Position{Size: size, Lock: len(ht.locks)}, true
}

// Resize swaps the bucket array to newSize, relinking every chain. It
// fails (returns false) while visitors are active so a paused Position is
// never silently invalidated mid-stripe.
func (ht *HashTable) Resize(newSize int) bool {
	if newSize <= 0 || newSize == int(ht.size.Load()) {
		return false
	}

	for i := range ht.locks {
		ht.locks[i].Lock()
	}
	defer func() {
		for i := range ht.locks {
			ht.locks[i].Unlock()
		}
	}()

	if ht.visitors.Load() > 0 {
		return false
	}

	old := ht.buckets
	next := make([]*StoredValue, newSize)
	for _, head := range old {
		for sv := head; sv != nil; {
			n := sv.next
			b := int(hashKey(sv.Key) % uint64(newSize))
			sv.next = next[b]
			next[b] = sv
			sv = n
		}
	}
	ht.buckets = next
	ht.size.Store(int64(newSize))
	return true
}

// ResizeIfNeeded grows or shrinks the table when the load factor leaves
// the configured band, choosing from the prime size table.
func (ht *HashTable) ResizeIfNeeded() bool {
	items := ht.NumItems.Load()
	size := int64(ht.size.Load())

	if items > size*growthFactor {
		for _, p := range primeSizes {
			if int64(p) > items {
				return ht.Resize(p)
			}
		}
		return ht.Resize(primeSizes[len(primeSizes)-1])
	}

	if size > int64(ht.initialSize) && items*shrinkFactor < size {
		target := ht.initialSize
		for _, p := range primeSizes {
			if int64(p) >= items*2 && p >= ht.initialSize {
				target = p
				break
			}
		}
		return ht.Resize(target)
	}
	return false
}
