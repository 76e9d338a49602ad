package sqlsession

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQL error numbers for duplicate keys.
const (
	mysqlErrDupEntry            = 1062
	mysqlErrDupEntryWithKeyName = 1586
)

// MySQL is the MySQL / MariaDB dialect.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

// SupportsNativeUpsert always reports true: ON DUPLICATE KEY UPDATE predates
// every server version the driver can talk to.
func (MySQL) SupportsNativeUpsert(string) bool { return true }

func (MySQL) versionQuery() string { return "SELECT VERSION()" }

func (MySQL) rebind(query string) string { return query }

// epoch is independent of the connection time zone because timestamps are
// always written as UTC DATETIME values.
func (MySQL) epoch(col string) string {
	return fmt.Sprintf("TIMESTAMPDIFF(SECOND, '1970-01-01 00:00:00', %s)", col)
}

func (MySQL) forUpdate() string { return "FOR UPDATE" }

func (MySQL) upsertClause(s schema, internal bool) string {
	return "ON DUPLICATE KEY UPDATE " + assignments(updatedColumns(s, internal), "%s = VALUES(%s)")
}

// bindTime drops sub-second precision, which DATETIME would round.
func (MySQL) bindTime(t time.Time) any { return t.UTC().Truncate(time.Second) }

// txOptions lowers the isolation level: the default REPEATABLE READ takes gap
// locks that deadlock unrelated sessions.
func (MySQL) txOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

func (MySQL) advisoryLock(s schema, id string, timeout time.Duration) (acquire, release statement, ok bool) {
	// GET_LOCK names are limited to 64 characters.
	name := fmt.Sprintf("%.47s:%016x", s.table, uint64(advisoryKey(s.table, id)))
	secs := int64(timeout / time.Second)
	if timeout <= 0 {
		secs = -1
	}
	acquire = statement{query: "SELECT GET_LOCK(?, ?)", args: []any{name, secs}, status: true}
	release = statement{query: "DO RELEASE_LOCK(?)", args: []any{name}}
	return acquire, release, true
}

func (MySQL) isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == mysqlErrDupEntry || me.Number == mysqlErrDupEntryWithKeyName
}

func (MySQL) createTable(s schema) []string {
	c := s.cols
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s VARBINARY(128) NOT NULL PRIMARY KEY,
		%s MEDIUMBLOB,
		%s INTEGER UNSIGNED NOT NULL,
		%s DATETIME NOT NULL,
		%s DATETIME NOT NULL,
		%s VARCHAR(45) NULL,
		%s TEXT NULL
	) ENGINE = InnoDB`, s.table, c.ID, c.Data, c.Lifetime, c.CreatedAt, c.UpdatedAt, c.IP, c.UserAgent)}
}
