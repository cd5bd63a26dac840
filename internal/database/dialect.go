package database

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed width so stored timestamps compare correctly as text
// on SQLite and libSQL.
const timeLayout = "2006-01-02 15:04:05.000000000-07:00"

// ts formats t as a query argument
func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTS formats an optional timestamp as a query argument
func nullTS(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return ts(t.Time)
}

// IsUniqueViolation reports whether err was raised by a UNIQUE or PRIMARY KEY
// constraint on any supported backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}

	var perr *pq.Error
	if errors.As(err, &perr) {
		return perr.Code == "23505"
	}

	// libSQL reports constraint failures as plain text from the server
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "SQLITE_CONSTRAINT_UNIQUE") ||
		strings.Contains(err.Error(), "SQLITE_CONSTRAINT_PRIMARYKEY")
}
