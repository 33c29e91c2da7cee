package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "tajpoint/pkg/logx"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Record keys. Everything this subsystem persists lives under the tajpoint.
// prefix so a "clear app settings" elsewhere never touches it.
const (
	RecordVersion = "tajpoint.version"
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, ephemeral runs)
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the ledger, the version monitor and
// the delivery paths. Implementations are safe for concurrent use.
type Store interface {
	// LoadLedger drops every entry first seen before cutoff, persists the
	// pruned set and returns what is left.
	LoadLedger(ctx context.Context, cutoff time.Time) (map[string]time.Time, error)
	// AddLedger inserts id unless a live entry (first seen at or after cutoff)
	// already exists. It reports whether this call created the entry.
	AddLedger(ctx context.Context, id string, at, cutoff time.Time) (bool, error)

	GetRecord(ctx context.Context, key string) ([]byte, bool, error)
	PutRecord(ctx context.Context, key string, value []byte) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	// Clear removes ledger entries, records and audit history.
	Clear(ctx context.Context) error
	Close() error
}

// AuditEntry records one delivery decision.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Path    string    `json:"path"`
	EventID string    `json:"event_id"`
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

// Open returns the store for cfg.Driver, or (nil, nil) when storage is off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
