package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"meterwatch/internal/meter"
	"meterwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.lastgood.json   (atomic snapshot, tmp + rename)
//   - <prefix>.history.jsonl   (append-only JSON Lines)
//
// The history file is periodically compacted to the newest entries.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	lastGoodPath string
	historyPath  string
	historyFile  *os.File

	appends int
}

const (
	historyCompactEvery = 1000
	historyKeepEntries  = 5000
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
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

	historyPath := prefix + ".history.jsonl"
	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		lastGoodPath: prefix + ".lastgood.json",
		historyPath:  historyPath,
		historyFile:  hf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile != nil {
		err := s.historyFile.Close()
		s.historyFile = nil
		return err
	}
	return nil
}

func (s *fileStore) LoadLastGood(ctx context.Context) (*meter.LastGood, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.lastGoodPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lg meter.LastGood
	if err := json.Unmarshal(b, &lg); err != nil {
		return nil, err
	}
	return &lg, nil
}

func (s *fileStore) SaveLastGood(ctx context.Context, lg meter.LastGood) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(lg)
	if err != nil {
		return err
	}
	tmp := s.lastGoodPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.lastGoodPath)
}

func (s *fileStore) AppendReading(ctx context.Context, e HistoryEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("history file closed")
	}

	enc := json.NewEncoder(s.historyFile)
	if err := enc.Encode(e); err != nil {
		return err
	}
	s.appends++
	if s.appends%historyCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentReadings(ctx context.Context, limit int) ([]HistoryEntry, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := readHistory(s.historyPath)
	if err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	// Newest first.
	out := make([]HistoryEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	all, err := readHistory(s.historyPath)
	if err != nil {
		return err
	}
	if len(all) <= historyKeepEntries {
		return nil
	}
	all = all[len(all)-historyKeepEntries:]

	tmp := s.historyPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range all {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	// Swap the live file handle onto the compacted copy.
	if err := os.Rename(tmp, s.historyPath); err != nil {
		return err
	}
	_ = s.historyFile.Close()
	nf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		s.historyFile = nil
		return err
	}
	s.historyFile = nf
	return nil
}

func readHistory(path string) ([]HistoryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []HistoryEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e HistoryEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// Skip torn lines (crash mid-append).
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
