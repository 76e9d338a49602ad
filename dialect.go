package sqlsession

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"modernc.org/sqlite"
)

// Dialect produces the driver-specific SQL used by a Store. The set of
// dialects is closed: use MySQL, PostgreSQL or SQLite.
type Dialect interface {
	// Name returns the dialect name, as used in logs and metrics.
	Name() string

	// SupportsNativeUpsert reports whether a server of the given version can
	// insert-or-update a row in a single atomic statement.
	SupportsNativeUpsert(version string) bool

	versionQuery() string
	rebind(query string) string
	epoch(col string) string
	forUpdate() string
	upsertClause(s schema, internal bool) string
	bindTime(t time.Time) any
	txOptions() *sql.TxOptions
	advisoryLock(s schema, id string, timeout time.Duration) (acquire, release statement, ok bool)
	isDuplicateKey(err error) bool
	createTable(s schema) []string
}

// statement is a query with its arguments. status is set when the query
// returns a single integer: 1 on success, 0 on timeout, NULL on error.
type statement struct {
	query  string
	args   []any
	status bool
}

// Columns maps the logical session fields to column names.
type Columns struct {
	ID        string
	Data      string
	Lifetime  string
	CreatedAt string
	UpdatedAt string
	IP        string
	UserAgent string
}

// DefaultColumns returns the default column mapping.
func DefaultColumns() Columns {
	return Columns{
		ID:        "id",
		Data:      "data",
		Lifetime:  "lifetime",
		CreatedAt: "created_at",
		UpdatedAt: "updated_at",
		IP:        "last_ip",
		UserAgent: "last_useragent",
	}
}

func (c Columns) withDefaults() Columns {
	d := DefaultColumns()
	if c.ID == "" {
		c.ID = d.ID
	}
	if c.Data == "" {
		c.Data = d.Data
	}
	if c.Lifetime == "" {
		c.Lifetime = d.Lifetime
	}
	if c.CreatedAt == "" {
		c.CreatedAt = d.CreatedAt
	}
	if c.UpdatedAt == "" {
		c.UpdatedAt = d.UpdatedAt
	}
	if c.IP == "" {
		c.IP = d.IP
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c
}

var (
	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// schema is a validated table name and column mapping.
type schema struct {
	table string
	cols  Columns
}

func newSchema(table string, cols Columns) (schema, error) {
	if !tableRe.MatchString(table) {
		return schema{}, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}
	for _, c := range []string{cols.ID, cols.Data, cols.Lifetime, cols.CreatedAt, cols.UpdatedAt, cols.IP, cols.UserAgent} {
		if !identRe.MatchString(c) {
			return schema{}, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, c)
		}
	}
	return schema{table: table, cols: cols}, nil
}

// queries holds every statement a Store needs, built once per store.
type queries struct {
	selectRow       string
	selectForUpdate string
	insert          string
	update          [2]string // indexed by internal
	upsert          [2]string // indexed by internal
	delete          string
	gc              string
}

func buildQueries(d Dialect, s schema) queries {
	c := s.cols
	sel := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = ?",
		c.Data, c.Lifetime, d.epoch(c.UpdatedAt), s.table, c.ID)

	insert := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, ?, ?, ?)",
		s.table, c.ID, c.Data, c.Lifetime, c.CreatedAt, c.UpdatedAt, c.IP, c.UserAgent)

	q := queries{
		selectRow: d.rebind(sel),
		insert:    d.rebind(insert),
		update: [2]string{
			d.rebind(fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?, %s = ?, %s = ?, %s = ? WHERE %s = ?",
				s.table, c.Data, c.Lifetime, c.UpdatedAt, c.IP, c.UserAgent, c.ID)),
			d.rebind(fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?, %s = ? WHERE %s = ?",
				s.table, c.Data, c.Lifetime, c.UpdatedAt, c.ID)),
		},
		upsert: [2]string{
			d.rebind(insert + " " + d.upsertClause(s, false)),
			d.rebind(insert + " " + d.upsertClause(s, true)),
		},
		delete: d.rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.table, c.ID)),
		gc: d.rebind(fmt.Sprintf("DELETE FROM %s WHERE %s < ? - %s",
			s.table, c.Lifetime, d.epoch(c.UpdatedAt))),
	}

	q.selectForUpdate = q.selectRow
	if fu := d.forUpdate(); fu != "" {
		q.selectForUpdate = q.selectRow + " " + fu
	}
	return q
}

// updatedColumns lists the columns an upsert overwrites on conflict.
func updatedColumns(s schema, internal bool) []string {
	cols := []string{s.cols.Data, s.cols.Lifetime, s.cols.UpdatedAt}
	if !internal {
		cols = append(cols, s.cols.IP, s.cols.UserAgent)
	}
	return cols
}

func assignments(cols []string, format string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf(format, col, col)
	}
	return strings.Join(parts, ", ")
}

// dollarPlaceholders converts ? placeholders to $1, $2, ... for PostgreSQL.
func dollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// versionAtLeast compares a dotted version string ("9.6.24", "8.0.36-log")
// against major.minor.
func versionAtLeast(version string, major, minor int) bool {
	parts := strings.SplitN(strings.TrimSpace(version), ".", 3)
	if len(parts) == 0 {
		return false
	}
	maj, ok := leadingInt(parts[0])
	if !ok {
		return false
	}
	min := 0
	if len(parts) > 1 {
		min, _ = leadingInt(parts[1])
	}
	if maj != major {
		return maj > major
	}
	return min >= minor
}

func leadingInt(s string) (int, bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	return n, err == nil
}

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "mysql":
		return MySQL{}, nil
	case "postgres", "postgresql", "pgx", "pgx/v5":
		return PostgreSQL{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, driverName)
}

// DetectDialect returns the dialect matching the driver behind db.
func DetectDialect(db *sql.DB) (Dialect, error) {
	switch drv := db.Driver().(type) {
	case *mysql.MySQLDriver:
		return MySQL{}, nil
	case *pq.Driver, *stdlib.Driver:
		return PostgreSQL{}, nil
	case *sqlite.Driver:
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedDialect, drv)
	}
}
