//go:build libsql

package store

import (
	_ "github.com/tursodatabase/go-libsql"
)

func init() {
	drivers["libsql"] = driverInfo{
		dsn:        func(path string) string { return "file:" + path },
		dsnPragmas: false,
	}
}
