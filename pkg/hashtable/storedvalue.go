package hashtable

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// svOverhead is the accounting charge for one chained stored value.
const svOverhead = 120

// MaxNRU is the coldest not-recently-used value; items start warm and age
// toward it on each pager pass.
const MaxNRU = 3

// InitialNRU is the temperature assigned to freshly stored items.
const InitialNRU = 2

// StoredValue is the in-memory record of one key, chained into a hash
// bucket. Fields are plain data; the owning HashTable maintains counters
// and chain linkage, so mutation outside a key lock is a bug.
type StoredValue struct {
	next *StoredValue

	Key      string
	Value    []byte
	CAS      uint64
	RevSeqno uint64
	BySeqno  uint64
	Flags    uint32
	Expiry   uint32
	Datatype types.Datatype

	NRU      uint8
	Dirty    bool
	Deleted  bool
	Resident bool
	// Temp marks a placeholder created while a background fetch is in
	// flight. Temp items never reach the checkpoint or disk.
	Temp bool

	LockExpiry time.Time
}

// IsLocked reports whether a GETL lock is in effect at now.
func (sv *StoredValue) IsLocked(now time.Time) bool {
	if sv.LockExpiry.IsZero() {
		return false
	}
	if now.After(sv.LockExpiry) {
		return false
	}
	return true
}

// IsExpired reports whether the item's TTL has passed at now.
func (sv *StoredValue) IsExpired(now time.Time) bool {
	return sv.Expiry != 0 && int64(sv.Expiry) <= now.Unix()
}

// Size approximates the memory charged to this value.
func (sv *StoredValue) Size() int64 {
	return int64(len(sv.Key)+len(sv.Value)) + svOverhead
}

// ToItem materializes the stored value as an Item for the given vbucket.
// The value slice is shared, not copied.
func (sv *StoredValue) ToItem(vb types.VBucketID) *types.Item {
	return &types.Item{
		Key:      sv.Key,
		VB:       vb,
		Value:    sv.Value,
		CAS:      sv.CAS,
		RevSeqno: sv.RevSeqno,
		BySeqno:  sv.BySeqno,
		Flags:    sv.Flags,
		Expiry:   sv.Expiry,
		Datatype: sv.Datatype,
		Deleted:  sv.Deleted,
	}
}

// Meta returns the conflict-resolution metadata of the value.
func (sv *StoredValue) Meta() types.ItemMeta {
	return types.ItemMeta{
		CAS:      sv.CAS,
		RevSeqno: sv.RevSeqno,
		Flags:    sv.Flags,
		Expiry:   sv.Expiry,
	}
}

// MarkClean clears the dirty flag after persistence.
func (sv *StoredValue) MarkClean() { sv.Dirty = false }

// MarkDirty flags the value as awaiting persistence.
func (sv *StoredValue) MarkDirty() { sv.Dirty = true }

// Referenced resets the NRU temperature on access.
func (sv *StoredValue) Referenced() { sv.NRU = 0 }
