//go:build sqlite_cgo
// +build sqlite_cgo

package storage

// Compiled with CGO_ENABLED=1 go build -tags "sqlite_cgo" ./...
// Driver: github.com/mattn/go-sqlite3

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

// dsn sets the per-connection pragmas through mattn's query parameters.
// In-memory databases are opened as given.
func dsn(dbPath string) string {
	if dbPath == ":memory:" {
		return dbPath
	}
	return dbPath + "?_foreign_keys=1&_busy_timeout=5000"
}
