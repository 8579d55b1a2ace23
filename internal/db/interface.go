package db

import "database/sql"

// Database is the store handle passed to repositories and services.
type Database interface {
	Conn() *sql.DB
	Close() error
	Migrate() error
}

var _ Database = (*DB)(nil)
