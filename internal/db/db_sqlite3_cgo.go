//go:build cgo && sqlite3_cgo

package db

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	driverID   = "mattn/go-sqlite3"
	driverName = "sqlite3"
)

// DriverID reports which sqlite implementation was compiled in.
func DriverID() string { return driverID }
