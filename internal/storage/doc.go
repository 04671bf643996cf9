// Package storage provides the audit log of operator actions and dispatch
// job summaries.
//
// Drivers:
//   - "file":   append-only JSON Lines
//   - "sqlite": single table in a SQLite database (modernc.org/sqlite, no cgo)
package storage
