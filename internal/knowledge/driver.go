//go:build !(sqlite_vec && cgo)

package knowledge

import (
	_ "modernc.org/sqlite"
)

// sqliteDriver selects the pure-Go driver in the default build.
const sqliteDriver = "sqlite"
