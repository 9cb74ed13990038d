package access

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/executor"
	"github.com/cuemby/burrow/pkg/hashtable"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

// Entry is one line of an access log: a key that was resident and warm
// when the scanner ran.
type Entry struct {
	VB  types.VBucketID `json:"vb"`
	Key string          `json:"key"`
}

// OldSuffix is appended to the previous log on rotation.
const OldSuffix = ".old"

// nextSuffix marks the log being written before it replaces the current
// one.
const nextSuffix = ".next"

// Scanner writes one access log per shard, used only to prioritize
// loading on future warmups. It runs when the shard's resident ratio is
// below the configured threshold; above it a warmup will load everything
// anyway and the pass is recorded as a skip.
type Scanner struct {
	shard int
	path  string
	vbs   func() []*vbucket.VBucket

	residencyThreshold float64
	sleep              time.Duration
	taskHour           int

	handle *executor.TaskHandle
	pool   *executor.Pool

	stats  *stats.EngineStats
	logger zerolog.Logger
	now    func() time.Time
}

// NewScanner creates the access scanner for one shard. path is the full
// log file path.
func NewScanner(shard int, path string, vbs func() []*vbucket.VBucket, residencyThreshold float64, sleep time.Duration, taskHour int, st *stats.EngineStats) *Scanner {
	if sleep <= 0 {
		sleep = 24 * time.Hour
	}
	return &Scanner{
		shard:              shard,
		path:               path,
		vbs:                vbs,
		residencyThreshold: residencyThreshold,
		sleep:              sleep,
		taskHour:           taskHour,
		stats:              st,
		logger:             log.WithShard("access_scanner", shard),
		now:                time.Now,
	}
}

// Start schedules the scanner on the AuxIO queue.
func (s *Scanner) Start(pool *executor.Pool) {
	s.pool = pool
	s.handle = pool.Schedule(executor.TaskSpec{
		Task:         s,
		Type:         executor.AuxIOTask,
		InitialSleep: s.initialSleep(),
	})
}

// Stop cancels the scanner.
func (s *Scanner) Stop() {
	if s.pool != nil && s.handle != nil {
		s.pool.Cancel(s.handle)
	}
}

func (s *Scanner) initialSleep() time.Duration {
	if s.taskHour < 0 || s.taskHour > 23 {
		return s.sleep
	}
	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.taskHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// Description implements executor.Task.
func (s *Scanner) Description() string { return "Generating access log" }

// Run implements executor.Task.
func (s *Scanner) Run() bool {
	defer func() {
		if s.handle != nil {
			s.handle.Snooze(s.sleep)
		}
	}()

	if ratio, ok := s.residentRatio(); !ok || ratio >= s.residencyThreshold {
		s.stats.AccessScannerSkips.Inc()
		s.logger.Debug().Float64("resident_ratio", ratio).Msg("Access scan skipped")
		return true
	}

	if err := s.writeLog(); err != nil {
		s.logger.Error().Err(err).Msg("Access scan failed")
		return true
	}
	s.stats.AccessScannerRuns.Inc()
	return true
}

// residentRatio reports the fraction of tracked items whose values are in
// memory across the shard.
func (s *Scanner) residentRatio() (float64, bool) {
	var resident, total int64
	for _, vb := range s.vbs() {
		ht := vb.HashTable()
		total += ht.NumTotalItems.Load()
		resident += ht.NumItems.Load() - ht.NumNonResidentItems.Load() - ht.NumDeletedItems.Load()
	}
	if total <= 0 {
		return 1, false
	}
	return float64(resident) / float64(total), true
}

// writeLog dumps warm resident keys and rotates the previous log.
func (s *Scanner) writeLog() error {
	next := s.path + nextSuffix
	f, err := os.OpenFile(next, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create access log: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	written := 0
	for _, vb := range s.vbs() {
		if vb.State() != types.VBActive {
			continue
		}
		v := &logVisitor{enc: enc, vb: vb.ID}
		vb.HashTable().Visit(v)
		written += v.written
		if v.err != nil {
			f.Close()
			os.Remove(next)
			return v.err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.path+OldSuffix); err != nil {
			return fmt.Errorf("failed to rotate access log: %w", err)
		}
	}
	if err := os.Rename(next, s.path); err != nil {
		return fmt.Errorf("failed to install access log: %w", err)
	}

	s.logger.Info().Int("keys", written).Str("path", s.path).Msg("Access log written")
	return nil
}

// logVisitor emits warm resident alive keys.
type logVisitor struct {
	enc     *json.Encoder
	vb      types.VBucketID
	written int
	err     error
}

func (v *logVisitor) Visit(lk hashtable.KeyLock, sv *hashtable.StoredValue) {
	if v.err != nil || sv.Deleted || sv.Temp || !sv.Resident {
		return
	}
	if sv.NRU >= hashtable.MaxNRU {
		return
	}
	if err := v.enc.Encode(Entry{VB: v.vb, Key: sv.Key}); err != nil {
		v.err = err
	}
	v.written++
}

// ReadLog loads the entries of an access log. A missing file yields an
// empty slice.
func ReadLog(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn tail line from a crashed scanner is tolerated.
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// LogPath composes the access log location for a shard.
func LogPath(dataDir string, shard int, name string) string {
	return filepath.Join(dataDir, fmt.Sprintf("shard_%d", shard), name)
}
