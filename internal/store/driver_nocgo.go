//go:build nocgo

package store

// Pure-Go build (go build -tags nocgo): swap in modernc.org/sqlite so the
// binary cross-compiles and runs without cgo, at the cost of a slower
// driver. Schema and SQL are identical between the two builds.
import _ "modernc.org/sqlite"

const driverName = "sqlite"
