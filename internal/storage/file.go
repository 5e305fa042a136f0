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

	logx "qlbridge/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl           (append-only JSON Lines)
//   - <prefix>.tokens.snapshot.json (periodic snapshot)
//   - <prefix>.tokens.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath string
	runsFile *os.File

	snapshotPath string
	journalFile  *os.File
	tokens       map[string]TokenRecord

	writes int
}

const compactEvery = 100

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

	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".tokens.snapshot.json"
	journalPath := prefix + ".tokens.journal.jsonl"

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	tokens := map[string]TokenRecord{}
	if err := loadTokenSnapshot(snapPath, tokens); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("token snapshot unreadable", logx.Err(err))
	}
	if err := replayTokenJournal(journalPath, tokens); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("token journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		runsPath:     runsPath,
		runsFile:     rf,
		snapshotPath: snapPath,
		journalFile:  jf,
		tokens:       tokens,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) PutToken(ctx context.Context, rec TokenRecord) error {
	_ = ctx
	rec.PanelID = strings.TrimSpace(rec.PanelID)
	if rec.PanelID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("token journal closed")
	}
	s.tokens[rec.PanelID] = rec

	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("token compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetToken(ctx context.Context, panelID string) (TokenRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[strings.TrimSpace(panelID)]
	return rec, ok, nil
}

func (s *fileStore) AppendRun(ctx context.Context, rec RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	return json.NewEncoder(s.runsFile).Encode(rec)
}

// RecentRuns scans the whole runs file; it is meant for small audit logs.
func (s *fileStore) RecentRuns(ctx context.Context, panelID string, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.runsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]RunRecord, 0, limit)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.PanelID != panelID {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]RunRecord, len(ring))
	for i, r := range ring {
		out[len(ring)-1-i] = r
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tokens); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadTokenSnapshot(path string, out map[string]TokenRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]TokenRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayTokenJournal(path string, out map[string]TokenRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r TokenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.PanelID == "" {
			continue
		}
		out[r.PanelID] = r
	}
	return sc.Err()
}
