package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "notifrelay/pkg/logx"
)

// fileStore keeps the whole key space in memory and makes it durable with
// two files next to cfg.Path:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal, fsynced per write)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	data         map[string][]byte

	writes       int
	compactEvery int
	sync         bool
}

type journalRecord struct {
	Op    string `json:"op"` // put | del
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (KV, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	data := map[string][]byte{}
	if err := loadSnapshot(snapPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, data)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("storage journal had unreadable records", logx.Int("skipped", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		data:         data,
		compactEvery: every,
		sync:         !cfg.NoSync,
	}
	// Start every process from a clean snapshot so a torn tail record is not
	// followed by valid appends.
	if skipped > 0 {
		if err := s.compactLocked(); err != nil {
			_ = jf.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *fileStore) Put(_ context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "put", Key: key, Value: value}); err != nil {
		return err
	}
	s.data[key] = append([]byte(nil), value...)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(s.data, key)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) Scan(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return scanMap(s.data, prefix), nil
}

// Compact folds the journal into the snapshot.
func (s *fileStore) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if s.sync {
		return s.journal.Sync()
	}
	return nil
}

func (s *fileStore) afterWriteLocked() {
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal records in order. Unreadable lines (a torn
// write from a crash) are skipped and counted.
func replayJournal(path string, out map[string][]byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	skipped := 0
	for s.Scan() {
		var r journalRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Key == "" {
			skipped++
			continue
		}
		switch r.Op {
		case "put":
			out[r.Key] = r.Value
		case "del":
			delete(out, r.Key)
		default:
			skipped++
		}
	}
	return skipped, s.Err()
}
