package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	logx "tajpoint/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl           (append-only JSON Lines)
//   - <prefix>.ledger.snapshot.json  (compacted ledger)
//   - <prefix>.ledger.journal.jsonl  (append-only ledger journal)
//   - <prefix>.records.json          (small keyed records, rewritten on put)
//
// The journal is compacted into the snapshot on every full ledger load and
// every compactEvery appends.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath   string
	auditFile   *os.File
	snapPath    string
	journalPath string
	journalFile *os.File
	recordsPath string

	ledger  map[string]int64 // unix milli
	records map[string][]byte

	writes       int
	compactEvery int
}

type ledgerRecord struct {
	ID string `json:"id"`
	At int64  `json:"at"`
}

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

	s := &fileStore{
		log:          log,
		auditPath:    prefix + ".audit.jsonl",
		snapPath:     prefix + ".ledger.snapshot.json",
		journalPath:  prefix + ".ledger.journal.jsonl",
		recordsPath:  prefix + ".records.json",
		ledger:       map[string]int64{},
		records:      map[string][]byte{},
		compactEvery: 500,
	}

	// Missing files are a normal first run.
	_ = loadJSONFile(s.snapPath, &s.ledger)
	_ = replayLedgerJournal(s.journalPath, s.ledger)
	_ = loadJSONFile(s.recordsPath, &s.records)
	if s.ledger == nil {
		s.ledger = map[string]int64{}
	}
	if s.records == nil {
		s.records = map[string][]byte{}
	}

	if err := s.openHandlesLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) openHandlesLocked() error {
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return err
	}
	s.auditFile = af
	s.journalFile = jf
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
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

func (s *fileStore) LoadLedger(ctx context.Context, cutoff time.Time) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	pruned := pruneLedger(s.ledger, cutoff.UnixMilli())
	if pruned > 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	out := make(map[string]time.Time, len(s.ledger))
	for id, ms := range s.ledger {
		out[id] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) AddLedger(ctx context.Context, id string, at, cutoff time.Time) (bool, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	if prev, ok := s.ledger[id]; ok && prev >= cutoff.UnixMilli() {
		return false, nil
	}
	ms := at.UnixMilli()
	if err := json.NewEncoder(s.journalFile).Encode(ledgerRecord{ID: id, At: ms}); err != nil {
		return false, err
	}
	s.ledger[id] = ms
	s.writes++
	if s.writes%s.compactEvery == 0 {
		pruneLedger(s.ledger, cutoff.UnixMilli())
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return true, nil
}

func (s *fileStore) GetRecord(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) PutRecord(ctx context.Context, key string, value []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.records[key] = append([]byte(nil), value...)
	return writeJSONFileAtomic(s.recordsPath, s.records)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Clear(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.ledger = map[string]int64{}
	s.records = map[string][]byte{}
	if err := s.compactLocked(); err != nil {
		return err
	}
	if err := writeJSONFileAtomic(s.recordsPath, s.records); err != nil {
		return err
	}
	if err := s.auditFile.Truncate(0); err != nil {
		return err
	}
	return nil
}

// compactLocked writes the in-memory ledger as the new snapshot and truncates
// the journal.
func (s *fileStore) compactLocked() error {
	if err := writeJSONFileAtomic(s.snapPath, s.ledger); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.journalFile.Seek(0, 2)
	return err
}

func writeJSONFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadJSONFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayLedgerJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r ledgerRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		// AddLedger only appends when no live entry exists, so the latest
		// line for an id is the live one.
		if prev, ok := out[r.ID]; !ok || r.At > prev {
			out[r.ID] = r.At
		}
	}
	return sc.Err()
}

func pruneLedger(m map[string]int64, cutoffMS int64) int {
	n := 0
	for k, v := range m {
		if v < cutoffMS {
			delete(m, k)
			n++
		}
	}
	return n
}
