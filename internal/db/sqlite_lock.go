package db

import "sync"

// SQLiteWriteMutex serializes SQLite write operations.
//
// SQLite allows a single writer at a time even in WAL mode. Code paths that
// INSERT/UPDATE/DELETE concurrently (idempotency slot acquisition, call-log
// appends, budget decrements) must hold this lock to avoid SQLITE_BUSY.
var SQLiteWriteMutex sync.Mutex
