//go:build !nocgo

package store

// Default build: the cgo-based sqlite3 driver. Requires a C toolchain at
// build time; use the nocgo tag for a pure-Go build.
import _ "github.com/mattn/go-sqlite3"

const driverName = "sqlite3"
