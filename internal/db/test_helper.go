package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// TestDB is a migrated throwaway database backed by a per-test temp file.
type TestDB struct {
	db *DB
}

// NewTest creates a new test database with migrations applied.
func NewTest(tb testing.TB) (*TestDB, error) {
	dbPath := filepath.Join(tb.TempDir(), "test.db")

	database, err := New(dbPath)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(database.conn); err != nil {
		database.Close()
		return nil, err
	}

	return &TestDB{db: database}, nil
}

func (tdb *TestDB) Conn() *sql.DB {
	return tdb.db.conn
}

func (tdb *TestDB) Close() error {
	return tdb.db.Close()
}

func (tdb *TestDB) Migrate() error {
	return RunMigrations(tdb.db.conn)
}
