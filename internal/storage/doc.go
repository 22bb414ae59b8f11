// Package storage provides the durable key-value layer behind the delivery
// queue's write-ahead log and the operator's persisted filter rules.
//
// Drivers:
//   - memory: process-local map (tests, ephemeral runs)
//   - file: append-only journal plus periodic snapshot
//   - sqlite: single kv table in a WAL-mode database
//   - redis: keys under a configurable prefix, scanned with SCAN
package storage
