// Package storage is the persistent local store shared by the page and the
// background worker contexts.
//
// It holds:
//   - the dedup ledger (event id -> first seen), add-only within retention
//   - small namespaced records (the acknowledged version descriptor)
//   - a delivery audit trail (which path delivered or skipped what)
//
// Drivers: "memory", "file" (snapshot + jsonl journal) and "sqlite".
package storage
