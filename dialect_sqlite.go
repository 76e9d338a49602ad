package sqlsession

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteTimeFormat = "2006-01-02 15:04:05"

// SQLite is the SQLite dialect (modernc.org/sqlite).
//
// SQLite has neither row locks nor advisory locks. Transactional mode relies
// on BEGIN IMMEDIATE (the _txlock=immediate DSN option, which NewSQLiteStore
// sets), serialising every writer of the database file. Advisory mode needs
// an external Locker.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

// SupportsNativeUpsert reports whether ON CONFLICT ... DO UPDATE is available
// (3.24.0 and later).
func (SQLite) SupportsNativeUpsert(version string) bool {
	return versionAtLeast(version, 3, 24)
}

func (SQLite) versionQuery() string { return "SELECT sqlite_version()" }

func (SQLite) rebind(query string) string { return query }

func (SQLite) epoch(col string) string {
	return fmt.Sprintf("CAST(strftime('%%s', %s) AS INTEGER)", col)
}

func (SQLite) forUpdate() string { return "" }

func (SQLite) upsertClause(s schema, internal bool) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s",
		s.cols.ID, assignments(updatedColumns(s, internal), "%s = excluded.%s"))
}

func (SQLite) bindTime(t time.Time) any { return t.UTC().Format(sqliteTimeFormat) }

func (SQLite) txOptions() *sql.TxOptions { return nil }

func (SQLite) advisoryLock(schema, string, time.Duration) (acquire, release statement, ok bool) {
	return statement{}, statement{}, false
}

func (SQLite) isDuplicateKey(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Connection opened without extended result codes.
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

func (SQLite) createTable(s schema) []string {
	c := s.cols
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s TEXT PRIMARY KEY,
		%s BLOB,
		%s INTEGER NOT NULL,
		%s TEXT NOT NULL,
		%s TEXT NOT NULL,
		%s TEXT,
		%s TEXT
	)`, s.table, c.ID, c.Data, c.Lifetime, c.CreatedAt, c.UpdatedAt, c.IP, c.UserAgent)}
}
