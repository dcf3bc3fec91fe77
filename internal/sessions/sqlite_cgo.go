//go:build cgo

package sessions

import (
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqliteOpeners["sqlite3"] = NewSQLite3Store
}

// NewSQLite3Store opens a thread store backed by the cgo SQLite driver.
func NewSQLite3Store(path string) (*SQLStore, error) {
	return openSQLite("sqlite3", path)
}
