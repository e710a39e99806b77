package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jotworks/jot/internal/storage"
)

// wrapDBError wraps a database error with operation context. sql.ErrNoRows
// becomes storage.ErrNotFound and unique-constraint violations become
// storage.ErrConflict so callers can branch with errors.Is.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation detects UNIQUE/PRIMARY KEY constraint failures from the
// driver's error text. The sqlite3 extended codes are not exposed through
// database/sql, so string matching is the stable option here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// isBusy detects SQLITE_BUSY/SQLITE_LOCKED contention errors.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
