//go:build sqlite_vec && cgo

package knowledge

import (
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteDriver selects the cgo driver so vec0 virtual tables are
// available for ANN search.
const sqliteDriver = "sqlite3"

func init() {
	vec.Auto()
}
