// Package storage keeps a history of finished thumbnail requests.
//
// Drivers:
//   - file: JSON lines, no external dependencies at runtime
//   - sqlite: a SQLite database (modernc.org/sqlite, pure Go)
//
// A Recorder turns event bus traffic into one Record per finished handle.
package storage
