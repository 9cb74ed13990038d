package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

var (
	// Bucket names
	bucketDocs    = []byte("docs")
	bucketBySeqno = []byte("byseqno")
	bucketState   = []byte("state")

	stateKey = []byte("vbstate")
)

// nowFunc is swapped in tests exercising expiry during compaction.
var nowFunc = time.Now

// diskDoc is the on-disk representation of one document.
type diskDoc struct {
	CAS      uint64         `json:"cas"`
	RevSeqno uint64         `json:"rev"`
	BySeqno  uint64         `json:"seq"`
	Flags    uint32         `json:"flags"`
	Expiry   uint32         `json:"exp"`
	Datatype types.Datatype `json:"dt"`
	Deleted  bool           `json:"del,omitempty"`
	Value    []byte         `json:"val,omitempty"`
}

func (d *diskDoc) toItem(vb types.VBucketID, key string, vf ValueFilter) *types.Item {
	itm := &types.Item{
		Key:      key,
		VB:       vb,
		CAS:      d.CAS,
		RevSeqno: d.RevSeqno,
		BySeqno:  d.BySeqno,
		Flags:    d.Flags,
		Expiry:   d.Expiry,
		Datatype: d.Datatype,
		Deleted:  d.Deleted,
	}
	if vf == ValuesIncluded {
		itm.Value = d.Value
	}
	return itm
}

func docFromItem(itm *types.Item) *diskDoc {
	return &diskDoc{
		CAS:      itm.CAS,
		RevSeqno: itm.RevSeqno,
		BySeqno:  itm.BySeqno,
		Flags:    itm.Flags,
		Expiry:   itm.Expiry,
		Datatype: itm.Datatype,
		Deleted:  itm.Deleted,
		Value:    itm.Value,
	}
}

func seqnoKey(seqno uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seqno)
	return b[:]
}

// BoltKVStore implements KVStore using one BoltDB file per vbucket under a
// shard directory. The flusher's transaction maps onto a single writable
// bolt transaction.
type BoltKVStore struct {
	dir string

	mu   sync.Mutex
	dbs  map[types.VBucketID]*bolt.DB
	tx   *bolt.Tx
	txVB types.VBucketID

	logger zerolog.Logger
}

// NewBoltKVStore creates a store rooted at dir.
func NewBoltKVStore(dir string, shard int) (*BoltKVStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create kvstore dir: %w", err)
	}
	return &BoltKVStore{
		dir:    dir,
		dbs:    make(map[types.VBucketID]*bolt.DB),
		logger: log.WithShard("kvstore", shard),
	}, nil
}

func (s *BoltKVStore) dbPath(vb types.VBucketID) string {
	return filepath.Join(s.dir, fmt.Sprintf("vb_%d.db", vb))
}

// openDB returns the bolt handle for vb, opening (and optionally
// creating) the file. Callers hold s.mu.
func (s *BoltKVStore) openDB(vb types.VBucketID, create bool) (*bolt.DB, error) {
	if db, ok := s.dbs[vb]; ok {
		return db, nil
	}
	path := s.dbPath(vb)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("vbucket %d file missing: %w", vb, err)
		}
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open vbucket %d: %w", vb, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocs, bucketBySeqno, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s.dbs[vb] = db
	return db, nil
}

// Get reads one document.
func (s *BoltKVStore) Get(vb types.VBucketID, key string) (*types.Item, error) {
	s.mu.Lock()
	db, err := s.openDB(vb, false)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var itm *types.Item
	err = db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocs).Get([]byte(key))
		if data == nil {
			return ErrKeyNotFound
		}
		var doc diskDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to decode doc %q: %w", key, err)
		}
		itm = doc.toItem(vb, key, ValuesIncluded)
		return nil
	})
	return itm, err
}

// GetMulti fills each fetch context from one read transaction.
func (s *BoltKVStore) GetMulti(vb types.VBucketID, fetches map[string]*FetchCtx) error {
	s.mu.Lock()
	db, err := s.openDB(vb, false)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		for key, ctx := range fetches {
			data := docs.Get([]byte(key))
			if data == nil {
				ctx.Status = types.StatusKeyNotFound
				continue
			}
			var doc diskDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				ctx.Status = types.StatusTempFailure
				s.logger.Error().Err(err).Str("key", key).Msg("Failed to decode doc in getMulti")
				continue
			}
			vf := ValuesIncluded
			if ctx.MetaOnly {
				vf = NoValues
			}
			ctx.Item = doc.toItem(vb, key, vf)
			ctx.Status = types.StatusSuccess
		}
		return nil
	})
}

// Begin opens the write transaction for vb.
func (s *BoltKVStore) Begin(vb types.VBucketID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return fmt.Errorf("transaction already in progress on vbucket %d", s.txVB)
	}
	db, err := s.openDB(vb, true)
	if err != nil {
		return err
	}
	tx, err := db.Begin(true)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	s.txVB = vb
	return nil
}

// Set writes one document inside the open transaction, maintaining the
// seqno index.
func (s *BoltKVStore) Set(itm *types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	return s.putDocLocked(itm.Key, docFromItem(itm))
}

func (s *BoltKVStore) putDocLocked(key string, doc *diskDoc) error {
	docs := s.tx.Bucket(bucketDocs)
	index := s.tx.Bucket(bucketBySeqno)

	if old := docs.Get([]byte(key)); old != nil {
		var prev diskDoc
		if err := json.Unmarshal(old, &prev); err == nil {
			if err := index.Delete(seqnoKey(prev.BySeqno)); err != nil {
				return err
			}
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode doc %q: %w", key, err)
	}
	if err := docs.Put([]byte(key), data); err != nil {
		return err
	}
	return index.Put(seqnoKey(doc.BySeqno), []byte(key))
}

// Del writes a tombstone for key at seqno. When a previous document
// exists, its cas and flags are carried over and its revSeqno is advanced
// by one; expiry and datatype are not kept.
func (s *BoltKVStore) Del(vb types.VBucketID, key string, seqno uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	if vb != s.txVB {
		return fmt.Errorf("delete for vbucket %d inside vbucket %d transaction", vb, s.txVB)
	}

	doc := &diskDoc{BySeqno: seqno, Deleted: true}
	if old := s.tx.Bucket(bucketDocs).Get([]byte(key)); old != nil {
		var prev diskDoc
		if err := json.Unmarshal(old, &prev); err == nil {
			doc.CAS = prev.CAS
			doc.RevSeqno = prev.RevSeqno + 1
			doc.Flags = prev.Flags
		}
	}
	return s.putDocLocked(key, doc)
}

// Commit closes the open transaction.
func (s *BoltKVStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Rollback abandons the open transaction.
func (s *BoltKVStore) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

// SnapshotVBucket persists the vbucket-state record, joining the open
// transaction when one is active for vb.
func (s *BoltKVStore) SnapshotVBucket(vb types.VBucketID, rec *StateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode state record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil && s.txVB == vb {
		return s.tx.Bucket(bucketState).Put(stateKey, data)
	}
	db, err := s.openDB(vb, true)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(stateKey, data)
	})
}

// GetVBucketState reads the state record; (nil, nil) when the file exists
// without one (legacy format).
func (s *BoltKVStore) GetVBucketState(vb types.VBucketID) (*StateRecord, error) {
	s.mu.Lock()
	db, err := s.openDB(vb, false)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var rec *StateRecord
	err = db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(stateKey)
		if data == nil {
			return nil
		}
		rec = &StateRecord{}
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

// ListPersistedVBuckets scans the shard directory for vbucket files.
func (s *BoltKVStore) ListPersistedVBuckets() ([]types.VBucketID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read kvstore dir: %w", err)
	}
	var vbs []types.VBucketID
	for _, e := range entries {
		var vb int
		if n, _ := fmt.Sscanf(e.Name(), "vb_%d.db", &vb); n == 1 {
			vbs = append(vbs, types.VBucketID(vb))
		}
	}
	return vbs, nil
}

// CompactDB removes purgeable tombstones, reports expired documents and
// feeds the bloom rebuild. The item with the highest seqno is never
// purged.
func (s *BoltKVStore) CompactDB(vb types.VBucketID, cfg CompactionConfig) (*CompactionResult, error) {
	s.mu.Lock()
	if s.tx != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("compaction refused during flusher transaction")
	}
	db, err := s.openDB(vb, false)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res := &CompactionResult{}
	var expired []*types.Item

	err = db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		index := tx.Bucket(bucketBySeqno)

		var highSeqno uint64
		if k, _ := index.Cursor().Last(); k != nil {
			highSeqno = binary.BigEndian.Uint64(k)
		}

		type purgeTarget struct {
			key   string
			seqno uint64
		}
		var purge []purgeTarget

		err := docs.ForEach(func(k, v []byte) error {
			var doc diskDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("failed to decode doc %q: %w", k, err)
			}
			if doc.Deleted {
				purgeable := cfg.DropDeletes || (cfg.PurgeBeforeSeq > 0 && doc.BySeqno < cfg.PurgeBeforeSeq)
				if purgeable && doc.BySeqno != highSeqno {
					purge = append(purge, purgeTarget{key: string(k), seqno: doc.BySeqno})
					return nil
				}
			} else if doc.Expiry != 0 {
				itm := doc.toItem(vb, string(k), NoValues)
				if cfg.ExpiredCallback != nil && itm.IsExpired(nowFunc()) {
					expired = append(expired, itm)
					res.ExpiredItemsFound++
				}
			}
			if cfg.BloomCallback != nil {
				cfg.BloomCallback(string(k), doc.Deleted)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, p := range purge {
			if err := docs.Delete([]byte(p.key)); err != nil {
				return err
			}
			if err := index.Delete(seqnoKey(p.seqno)); err != nil {
				return err
			}
			res.TombstonesPurged++
			if p.seqno > res.PurgedUpTo {
				res.PurgedUpTo = p.seqno
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compaction failed on vbucket %d: %w", vb, err)
	}

	if cfg.ExpiredCallback != nil {
		for _, itm := range expired {
			cfg.ExpiredCallback(itm)
		}
	}
	return res, nil
}

// Scan walks documents in seqno order between startSeqno and endSeqno
// inclusive.
func (s *BoltKVStore) Scan(vb types.VBucketID, startSeqno, endSeqno uint64, vf ValueFilter, cb ScanCallback) error {
	s.mu.Lock()
	db, err := s.openDB(vb, false)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		c := tx.Bucket(bucketBySeqno).Cursor()
		for k, key := c.Seek(seqnoKey(startSeqno)); k != nil; k, key = c.Next() {
			seqno := binary.BigEndian.Uint64(k)
			if endSeqno != 0 && seqno > endSeqno {
				break
			}
			data := docs.Get(key)
			if data == nil {
				continue
			}
			var doc diskDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("failed to decode doc %q: %w", key, err)
			}
			if !cb(doc.toItem(vb, string(key), vf)) {
				return nil
			}
		}
		return nil
	})
}

// GetItemCount counts alive documents.
func (s *BoltKVStore) GetItemCount(vb types.VBucketID) (int64, error) {
	s.mu.Lock()
	db, err := s.openDB(vb, false)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var n int64
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
			var doc diskDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if !doc.Deleted {
				n++
			}
			return nil
		})
	})
	return n, err
}

// GetDbFileSize returns the vbucket file size on disk.
func (s *BoltKVStore) GetDbFileSize(vb types.VBucketID) (int64, error) {
	info, err := os.Stat(s.dbPath(vb))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// GetDbDataSize returns the bytes held by live pages.
func (s *BoltKVStore) GetDbDataSize(vb types.VBucketID) (int64, error) {
	s.mu.Lock()
	db, err := s.openDB(vb, false)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var size int64
	err = db.View(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocs, bucketBySeqno, bucketState} {
			st := tx.Bucket(b).Stats()
			size += int64(st.LeafInuse + st.BranchInuse)
		}
		return nil
	})
	return size, err
}

// DelVBucket closes and deletes the vbucket file.
func (s *BoltKVStore) DelVBucket(vb types.VBucketID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil && s.txVB == vb {
		s.tx.Rollback()
		s.tx = nil
	}
	if db, ok := s.dbs[vb]; ok {
		db.Close()
		delete(s.dbs, vb)
	}
	if err := os.Remove(s.dbPath(vb)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete vbucket %d file: %w", vb, err)
	}
	s.logger.Info().Uint16("vb", uint16(vb)).Msg("Deleted vbucket file")
	return nil
}

// Close rolls back any open transaction and closes every file.
func (s *BoltKVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	for vb, db := range s.dbs {
		if err := db.Close(); err != nil {
			s.logger.Error().Err(err).Uint16("vb", uint16(vb)).Msg("Failed to close vbucket file")
		}
		delete(s.dbs, vb)
	}
	return nil
}
