//go:build !sqlite_cgo
// +build !sqlite_cgo

package storage

// Compiled by default. The pure Go driver cross-compiles without a C
// toolchain: CGO_ENABLED=0 go build ./...
// Driver: modernc.org/sqlite

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

// dsn sets the per-connection pragmas through modernc's _pragma parameters.
// In-memory databases are opened as given.
func dsn(dbPath string) string {
	if dbPath == ":memory:" {
		return dbPath
	}
	return dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
