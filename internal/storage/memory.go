package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

const memoryAuditMax = 500

type memoryStore struct {
	mu      sync.Mutex
	closed  bool
	ledger  map[string]time.Time
	records map[string][]byte
	audit   []AuditEntry
}

// NewMemory returns a process-local Store. Both execution contexts of one
// process may share it.
func NewMemory() Store {
	return &memoryStore{
		ledger:  map[string]time.Time{},
		records: map[string][]byte{},
	}
}

func (s *memoryStore) LoadLedger(ctx context.Context, cutoff time.Time) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]time.Time, len(s.ledger))
	for id, at := range s.ledger {
		if at.Before(cutoff) {
			delete(s.ledger, id)
			continue
		}
		out[id] = at
	}
	return out, nil
}

func (s *memoryStore) AddLedger(ctx context.Context, id string, at, cutoff time.Time) (bool, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if prev, ok := s.ledger[id]; ok && !prev.Before(cutoff) {
		return false, nil
	}
	s.ledger[id] = at
	return true, nil
}

func (s *memoryStore) GetRecord(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memoryStore) PutRecord(ctx context.Context, key string, value []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records[key] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	if len(s.audit) > memoryAuditMax {
		s.audit = s.audit[len(s.audit)-memoryAuditMax:]
	}
	return nil
}

// Audit returns a copy of the retained audit entries (memory driver only).
func (s *memoryStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memoryStore) Clear(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ledger = map[string]time.Time{}
	s.records = map[string][]byte{}
	s.audit = nil
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
