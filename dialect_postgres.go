package sqlsession

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// PostgreSQL is the PostgreSQL dialect. It works with both lib/pq ("postgres")
// and pgx ("pgx").
type PostgreSQL struct {
	// TwoKeyLocks takes advisory locks with the pg_advisory_lock(int4, int4)
	// form instead of pg_advisory_lock(int8). Both forms live in separate key
	// spaces, so every process sharing the table must use the same setting.
	TwoKeyLocks bool
}

func (PostgreSQL) Name() string { return "postgres" }

// SupportsNativeUpsert reports whether INSERT ... ON CONFLICT is available
// (9.5 and later). version may be server_version_num ("90500") or a dotted
// server_version ("9.5.3").
func (PostgreSQL) SupportsNativeUpsert(version string) bool {
	version = strings.TrimSpace(version)
	if !strings.Contains(version, ".") {
		n, err := strconv.Atoi(version)
		return err == nil && n >= 90500
	}
	return versionAtLeast(version, 9, 5)
}

func (PostgreSQL) versionQuery() string { return "SHOW server_version_num" }

func (PostgreSQL) rebind(query string) string { return dollarPlaceholders(query) }

func (PostgreSQL) epoch(col string) string {
	return fmt.Sprintf("FLOOR(EXTRACT(EPOCH FROM %s))::BIGINT", col)
}

func (PostgreSQL) forUpdate() string { return "FOR UPDATE" }

func (PostgreSQL) upsertClause(s schema, internal bool) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		s.cols.ID, assignments(updatedColumns(s, internal), "%s = EXCLUDED.%s"))
}

func (PostgreSQL) bindTime(t time.Time) any { return t.Truncate(time.Second) }

func (PostgreSQL) txOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

func (p PostgreSQL) advisoryLock(s schema, id string, _ time.Duration) (acquire, release statement, ok bool) {
	key := advisoryKey(s.table, id)
	if p.TwoKeyLocks {
		hi, lo := splitKey(key)
		acquire = statement{query: "SELECT pg_advisory_lock($1, $2)", args: []any{hi, lo}}
		release = statement{query: "SELECT pg_advisory_unlock($1, $2)", args: []any{hi, lo}}
		return acquire, release, true
	}
	acquire = statement{query: "SELECT pg_advisory_lock($1)", args: []any{key}}
	release = statement{query: "SELECT pg_advisory_unlock($1)", args: []any{key}}
	return acquire, release, true
}

func (PostgreSQL) isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func (PostgreSQL) createTable(s schema) []string {
	c := s.cols
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s TEXT PRIMARY KEY,
		%s BYTEA,
		%s INTEGER NOT NULL,
		%s TIMESTAMP WITH TIME ZONE NOT NULL,
		%s TIMESTAMP WITH TIME ZONE NOT NULL,
		%s TEXT,
		%s TEXT
	)`, s.table, c.ID, c.Data, c.Lifetime, c.CreatedAt, c.UpdatedAt, c.IP, c.UserAgent)}
}
