// Package pinstore is the durable queue of CIDs awaiting background
// pinning. State lives in a single JSON file guarded by a PID lock file so
// that two worker processes sharing a data directory cannot corrupt it.
package pinstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Kind distinguishes single-file pins from directory bundles.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Record is one CID waiting to be pinned.
type Record struct {
	CID              string    `json:"cid"`
	OriginatingJobID string    `json:"originatingJobId"`
	AddedAt          time.Time `json:"addedAt"`
	Attempts         int       `json:"attempts"`
	LastAttempt      time.Time `json:"lastAttempt,omitempty"`
	SizeMB           float64   `json:"sizeMB"`
	Kind             Kind      `json:"kind"`
}

// Stats summarizes store occupancy.
type Stats struct {
	Total     int `json:"total"`
	Eligible  int `json:"eligible"`
	Exhausted int `json:"exhausted"`
}

const (
	defaultMaxEntries  = 1000
	defaultMaxAttempts = 5
	defaultRetention   = 7 * 24 * time.Hour
	lockAcquireTimeout = 30 * time.Second
	lockRetryInterval  = 500 * time.Millisecond
)

var ErrLockTimeout = errors.New("pinstore: lock acquisition timed out")

type Config struct {
	Path        string
	MaxEntries  int
	MaxAttempts int
	Retention   time.Duration
	Logger      *slog.Logger
}

// Store owns the pending-pin file. Open acquires the lock for the life of
// the store; in-process access is serialized by a mutex.
type Store struct {
	path     string
	lockPath string
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	records []Record
	now     func() time.Time
}

// Open loads (or creates) the store at cfg.Path after acquiring the PID
// lock. The caller must Close it to release the lock.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("pinstore: path required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("pinstore: create data dir: %w", err)
	}
	s := &Store{
		path:     cfg.Path,
		lockPath: cfg.Path + ".lock",
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	if err := s.acquireLock(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		s.releaseLock()
		return nil, err
	}
	return s, nil
}

// Close persists outstanding state and releases the lock.
func (s *Store) Close() error {
	s.mu.Lock()
	err := s.persistLocked()
	s.mu.Unlock()
	s.releaseLock()
	return err
}

// acquireLock creates the lock file exclusively with our PID as payload.
// On contention it probes the recorded PID; a dead holder's lock is removed
// as stale. Gives up after 30 seconds.
func (s *Store) acquireLock() error {
	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			if werr != nil {
				os.Remove(s.lockPath)
				return fmt.Errorf("pinstore: write lock file: %w", werr)
			}
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("pinstore: create lock file: %w", err)
		}
		if s.removeIfStale() {
			continue
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockRetryInterval)
	}
}

// removeIfStale reads the holder's PID and sends signal 0. A missing
// process, an unreadable file, or a garbage payload all count as stale.
func (s *Store) removeIfStale() bool {
	payload, err := os.ReadFile(s.lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil || pid <= 0 {
		s.logger.Warn("removing malformed pin store lock", "path", s.lockPath)
		os.Remove(s.lockPath)
		return true
	}
	if pid == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err == nil && proc.Signal(syscall.Signal(0)) == nil {
		return false
	}
	s.logger.Warn("removing stale pin store lock", "path", s.lockPath, "holder_pid", pid)
	os.Remove(s.lockPath)
	return true
}

func (s *Store) releaseLock() {
	os.Remove(s.lockPath)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("pinstore: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		s.logger.Error("pin store file corrupt, starting empty", "path", s.path, "error", err)
		s.records = nil
	}
	return nil
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("pinstore: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "pending-pins-*.tmp")
	if err != nil {
		return fmt.Errorf("pinstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pinstore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pinstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pinstore: replace %s: %w", s.path, err)
	}
	return nil
}

// Add enqueues a CID. Re-adding a CID already present is a no-op. At the
// entry cap the oldest record is evicted to make room.
func (s *Store) Add(rec Record) error {
	if rec.CID == "" {
		return errors.New("pinstore: empty cid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.CID == rec.CID {
			return nil
		}
	}
	if rec.AddedAt.IsZero() {
		rec.AddedAt = s.now().UTC()
	}
	if rec.Kind == "" {
		rec.Kind = KindDirectory
	}
	if len(s.records) >= s.cfg.MaxEntries {
		evicted := s.oldestIndexLocked()
		s.logger.Warn("pin store full, evicting oldest",
			"evicted_cid", s.records[evicted].CID, "cap", s.cfg.MaxEntries)
		s.records = append(s.records[:evicted], s.records[evicted+1:]...)
	}
	s.records = append(s.records, rec)
	return s.persistLocked()
}

func (s *Store) oldestIndexLocked() int {
	oldest := 0
	for i, rec := range s.records {
		if rec.AddedAt.Before(s.records[oldest].AddedAt) {
			oldest = i
		}
	}
	return oldest
}

// NextReady returns the oldest record that still has attempts left, or
// false when nothing is eligible.
func (s *Store) NextReady() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, rec := range s.records {
		if rec.Attempts >= s.cfg.MaxAttempts {
			continue
		}
		if idx == -1 || rec.AddedAt.Before(s.records[idx].AddedAt) {
			idx = i
		}
	}
	if idx == -1 {
		return Record{}, false
	}
	return s.records[idx], true
}

// MarkSuccess removes a pinned CID from the store.
func (s *Store) MarkSuccess(cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.records {
		if rec.CID == cid {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return s.persistLocked()
		}
	}
	return nil
}

// MarkFailed bumps the attempt counter; records that hit the cap are
// evicted permanently.
func (s *Store) MarkFailed(cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].CID != cid {
			continue
		}
		s.records[i].Attempts++
		s.records[i].LastAttempt = s.now().UTC()
		if s.records[i].Attempts >= s.cfg.MaxAttempts {
			s.logger.Warn("pin permanently abandoned after max attempts",
				"cid", cid, "attempts", s.records[i].Attempts)
			s.records = append(s.records[:i], s.records[i+1:]...)
		}
		return s.persistLocked()
	}
	return nil
}

// Cleanup evicts records older than the retention window and returns how
// many were removed.
func (s *Store) Cleanup() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	kept := s.records[:0]
	removed := 0
	for _, rec := range s.records {
		if rec.AddedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistLocked()
}

// Stats reports store occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Total: len(s.records)}
	for _, rec := range s.records {
		if rec.Attempts >= s.cfg.MaxAttempts {
			stats.Exhausted++
		} else {
			stats.Eligible++
		}
	}
	return stats
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
