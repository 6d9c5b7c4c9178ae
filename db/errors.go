package db

import (
	"strings"

	"github.com/loomnotes/loom/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the database connection
// is closed before all goroutines have finished their work.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
//
// The string matching fallback is necessary because the underlying sql driver
// returns its own error types that we cannot wrap at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "database is closed") ||
		strings.Contains(errMsg, "sql: database is closed")
}

// IsQuotaError checks if an error indicates the database ran out of space.
// SQLite reports this as SQLITE_FULL ("database or disk is full").
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errors.ErrQuotaExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "database or disk is full")
}
