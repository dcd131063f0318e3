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
	"time"

	logx "autoelect/pkg/logx"
)

const defaultKeep = 512

var errClosed = errors.New("storage closed")

// fileStore writes attempts to <name>.attempts.jsonl and keeps dedup marks in
// <name>.dedup.json, both next to cfg.Path. Recent is served from the last Keep
// attempts held in memory.
type fileStore struct {
	log       logx.Logger
	dedupPath string

	mu       sync.Mutex
	attempts *os.File
	recent   []AttemptEntry // oldest first, at most keep
	keep     int
	marks    map[string]time.Time
}

func openFile(path string, cfg Config, log logx.Logger) (Store, error) {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	s := &fileStore{
		log:       log,
		dedupPath: stem + ".dedup.json",
		keep:      cfg.Keep,
		marks:     map[string]time.Time{},
	}
	if s.keep <= 0 {
		s.keep = defaultKeep
	}

	attemptsPath := stem + ".attempts.jsonl"
	if err := s.replay(attemptsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("attempt history unreadable; starting empty", logx.String("path", attemptsPath), logx.Err(err))
	}
	if err := s.loadMarks(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup marks unreadable; starting empty", logx.String("path", s.dedupPath), logx.Err(err))
	}

	f, err := os.OpenFile(attemptsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.attempts = f
	return s, nil
}

// replay loads the tail of the history file. Corrupt lines (a torn final write) are skipped.
func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var e AttemptEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			s.remember(e)
		}
	}
	return sc.Err()
}

func (s *fileStore) remember(e AttemptEntry) {
	if len(s.recent) == s.keep {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:s.keep-1]
	}
	s.recent = append(s.recent, e)
}

func (s *fileStore) AppendAttempt(_ context.Context, e AttemptEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		return errClosed
	}
	if _, err := s.attempts.Write(append(line, '\n')); err != nil {
		return err
	}
	s.remember(e)
	return nil
}

func (s *fileStore) Recent(_ context.Context, limit int) ([]AttemptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]AttemptEntry, n)
	for i := range out {
		out[i] = s.recent[len(s.recent)-1-i]
	}
	return out, nil
}

func (s *fileStore) loadMarks() error {
	data, err := os.ReadFile(s.dedupPath)
	if err != nil {
		return err
	}
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	now := time.Now()
	for k, ms := range raw {
		if t := time.UnixMilli(ms); t.After(now) {
			s.marks[k] = t
		}
	}
	return nil
}

// PutDedup rewrites the marks file atomically. Marks are written once per delivered
// notification, so the file stays small and the rewrite is cheap.
func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		return errClosed
	}
	s.marks[key] = until

	now := time.Now()
	raw := make(map[string]int64, len(s.marks))
	for k, t := range s.marks {
		if !t.After(now) {
			delete(s.marks, k)
			continue
		}
		raw[k] = t.UnixMilli()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	tmp := s.dedupPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.dedupPath)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.marks[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		return nil
	}
	err := s.attempts.Close()
	s.attempts = nil
	return err
}
