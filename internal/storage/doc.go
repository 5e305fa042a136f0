// Package storage persists panel token state and the task run audit log.
//
// Drivers:
//   - "file": JSON snapshot + journal for tokens, JSON Lines for runs
//   - "sqlite": single SQLite database file (modernc.org/sqlite)
package storage
