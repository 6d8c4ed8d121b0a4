//go:build !sqlite3_cgo

package db

// pure-go wasm build of sqlite, no cgo toolchain needed
import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	driverID   = "ncruces/go-sqlite3"
	driverName = "sqlite3"
)

// DriverID reports which sqlite implementation was compiled in.
func DriverID() string { return driverID }
