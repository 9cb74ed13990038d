package checkpoint

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
)

// Op classifies a checkpoint entry.
type Op uint8

const (
	OpMutation Op = iota
	OpDeletion
	OpCheckpointStart
	OpCheckpointEnd
)

// PersistenceCursor is the name of the cursor the flusher drains.
const PersistenceCursor = "persistence"

// Entry is one element of a vbucket's ordered mutation log.
type Entry struct {
	BySeqno uint64
	Op      Op
	Item    *types.Item
}

// Snapshot is the seqno range a batch of entries was drawn from.
type Snapshot struct {
	Start uint64
	End   uint64
}

// Checkpoint is a segment of the mutation log. The open checkpoint
// deduplicates by key; closed checkpoints are immutable.
type Checkpoint struct {
	ID       uint64
	open     bool
	snapshot Snapshot
	entries  []Entry
	keyIndex map[string]int
}

func (c *Checkpoint) numEntries() int { return len(c.entries) }

// cursor tracks a consumer's progress: the checkpoint list offset and the
// entry offset within it.
type cursor struct {
	ckptIdx int
	pos     int
}

// Manager is the per-vbucket ordered log of mutations, consumed by the
// persistence cursor and any registered replication cursors.
type Manager struct {
	mu sync.Mutex

	vb          types.VBucketID
	checkpoints []*Checkpoint
	cursors     map[string]*cursor
	nextCkptID  uint64
	maxItems    int

	// Mem tracks the memory held by queued items; NumItems the queued
	// mutation count across all checkpoints.
	Mem      stats.Counter
	NumItems stats.Counter

	logger zerolog.Logger
}

// NewManager creates a manager with one open checkpoint and the
// persistence cursor registered at its start.
func NewManager(vb types.VBucketID, startSeqno uint64, maxItems int) *Manager {
	if maxItems <= 0 {
		maxItems = 10000
	}
	m := &Manager{
		vb:         vb,
		cursors:    make(map[string]*cursor),
		nextCkptID: 1,
		maxItems:   maxItems,
		logger:     log.WithVBucket("checkpoint", uint16(vb)),
	}
	m.checkpoints = append(m.checkpoints, m.newCheckpoint(startSeqno))
	m.cursors[PersistenceCursor] = &cursor{}
	return m
}

func (m *Manager) newCheckpoint(startSeqno uint64) *Checkpoint {
	c := &Checkpoint{
		ID:       m.nextCkptID,
		open:     true,
		snapshot: Snapshot{Start: startSeqno, End: startSeqno},
		keyIndex: make(map[string]int),
	}
	m.nextCkptID++
	c.entries = append(c.entries, Entry{BySeqno: startSeqno, Op: OpCheckpointStart})
	return c
}

// OpenCheckpointID returns the id of the open checkpoint.
func (m *Manager) OpenCheckpointID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[len(m.checkpoints)-1].ID
}

// QueueDirty appends a mutation or deletion for the item. A previous entry
// for the same key in the open checkpoint is superseded in place (its slot
// is emptied), so a cursor never observes two versions from one
// checkpoint. Returns false when the entry replaced an unconsumed one.
func (m *Manager) QueueDirty(itm *types.Item, op Op) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.checkpoints[len(m.checkpoints)-1]
	if open.numEntries()-1 >= m.maxItems {
		m.closeOpenLocked(itm.BySeqno)
		open = m.checkpoints[len(m.checkpoints)-1]
	}

	fresh := true
	if idx, ok := open.keyIndex[itm.Key]; ok {
		old := open.entries[idx]
		if old.Item != nil {
			// Supersede only if no cursor has consumed the slot yet.
			consumed := false
			ckptIdx := len(m.checkpoints) - 1
			for _, cur := range m.cursors {
				if cur.ckptIdx > ckptIdx || (cur.ckptIdx == ckptIdx && cur.pos > idx) {
					consumed = true
					break
				}
			}
			if !consumed {
				m.Mem.Sub(old.Item.Size())
				m.NumItems.Dec()
				open.entries[idx] = Entry{BySeqno: old.BySeqno, Op: old.Op}
				fresh = false
			}
		}
	}

	open.entries = append(open.entries, Entry{BySeqno: itm.BySeqno, Op: op, Item: itm})
	open.keyIndex[itm.Key] = len(open.entries) - 1
	open.snapshot.End = itm.BySeqno
	m.Mem.Add(itm.Size())
	m.NumItems.Inc()
	return fresh
}

func (m *Manager) closeOpenLocked(nextSeqno uint64) {
	open := m.checkpoints[len(m.checkpoints)-1]
	open.entries = append(open.entries, Entry{BySeqno: open.snapshot.End, Op: OpCheckpointEnd})
	open.open = false
	m.checkpoints = append(m.checkpoints, m.newCheckpoint(nextSeqno))
}

// CreateNewCheckpoint closes the open checkpoint and opens a fresh one.
func (m *Manager) CreateNewCheckpoint() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := m.checkpoints[len(m.checkpoints)-1]
	m.closeOpenLocked(open.snapshot.End)
	return m.checkpoints[len(m.checkpoints)-1].ID
}

// RegisterCursor adds a named consumer at the start of the oldest
// retained checkpoint. Used by replication streams.
func (m *Manager) RegisterCursor(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[name]; ok {
		return fmt.Errorf("cursor %q already registered", name)
	}
	m.cursors[name] = &cursor{}
	return nil
}

// UnregisterCursor removes a named consumer. The persistence cursor cannot
// be removed.
func (m *Manager) UnregisterCursor(name string) error {
	if name == PersistenceCursor {
		return fmt.Errorf("cannot unregister the persistence cursor")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, name)
	return nil
}

// ItemsForCursor drains up to limit mutation/deletion entries for the
// cursor, advancing it. The returned snapshot covers the checkpoint the
// last entry came from; the returned checkpoint id is that checkpoint's.
func (m *Manager) ItemsForCursor(name string, limit int) ([]Entry, Snapshot, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cursors[name]
	if !ok {
		return nil, Snapshot{}, 0, fmt.Errorf("unknown cursor %q", name)
	}

	var out []Entry
	var snap Snapshot
	var ckptID uint64
	for limit <= 0 || len(out) < limit {
		if cur.ckptIdx >= len(m.checkpoints) {
			break
		}
		c := m.checkpoints[cur.ckptIdx]
		if cur.pos >= len(c.entries) {
			if c.open {
				// Reached the open checkpoint's tail.
				break
			}
			cur.ckptIdx++
			cur.pos = 0
			continue
		}
		e := c.entries[cur.pos]
		cur.pos++
		if e.Op == OpMutation || e.Op == OpDeletion {
			if e.Item == nil {
				// Superseded slot.
				continue
			}
			out = append(out, e)
			snap = c.snapshot
			ckptID = c.ID
		}
	}
	return out, snap, ckptID, nil
}

// ItemsRemaining reports the entries still ahead of the cursor.
func (m *Manager) ItemsRemaining(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cursors[name]
	if !ok {
		return 0
	}
	n := 0
	for i := cur.ckptIdx; i < len(m.checkpoints); i++ {
		c := m.checkpoints[i]
		start := 0
		if i == cur.ckptIdx {
			start = cur.pos
		}
		for j := start; j < len(c.entries); j++ {
			e := c.entries[j]
			if (e.Op == OpMutation || e.Op == OpDeletion) && e.Item != nil {
				n++
			}
		}
	}
	return n
}

// RemoveClosedUnreferencedCheckpoints deallocates closed checkpoints that
// every cursor has fully passed. Returns the number removed.
func (m *Manager) RemoveClosedUnreferencedCheckpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := 0
	for drop < len(m.checkpoints)-1 {
		c := m.checkpoints[drop]
		if c.open {
			break
		}
		passed := true
		for _, cur := range m.cursors {
			if cur.ckptIdx <= drop {
				passed = false
				break
			}
		}
		if !passed {
			break
		}
		drop++
	}
	if drop == 0 {
		return 0
	}
	for i := 0; i < drop; i++ {
		for _, e := range m.checkpoints[i].entries {
			if e.Item != nil {
				m.Mem.Sub(e.Item.Size())
				m.NumItems.Dec()
			}
		}
	}
	m.checkpoints = m.checkpoints[drop:]
	for _, cur := range m.cursors {
		cur.ckptIdx -= drop
	}
	m.logger.Debug().Int("removed", drop).Msg("Reclaimed closed checkpoints")
	return drop
}

// NumCheckpoints reports how many checkpoints are retained.
func (m *Manager) NumCheckpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}
