package recordstore

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Dialect identifies the SQL backend behind the store.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// DetectDialect infers the backend from a storage connection string.
// MySQL DSNs look like "user:pass@tcp(host:port)/db" or carry a mysql://
// prefix; everything else is treated as a SQLite file path.
func DetectDialect(conn string) Dialect {
	if strings.HasPrefix(conn, "mysql://") || strings.Contains(conn, "@tcp(") || strings.Contains(conn, "@unix(") {
		return DialectMySQL
	}
	return DialectSQLite
}

// SQLiteConnString builds a SQLite connection string with standard pragmas:
// busy_timeout prevents "database is locked" under worker concurrency and
// foreign_keys enforces referential integrity. Honors FAXPIPE_LOCK_TIMEOUT
// for the busy timeout (default 30s). Pre-formed file: URIs get pragmas
// appended only if absent.
func SQLiteConnString(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}

	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("FAXPIPE_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	busyMs := int64(busy / time.Millisecond)

	if strings.HasPrefix(path, "file:") {
		conn := path
		sep := "?"
		if strings.Contains(conn, "?") {
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=busy_timeout") {
			conn += fmt.Sprintf("%s_pragma=busy_timeout(%d)", sep, busyMs)
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=foreign_keys") {
			conn += sep + "_pragma=foreign_keys(ON)"
		}
		return conn
	}

	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", path, busyMs)
}

// MySQLConnString normalizes a mysql:// URL or DSN into the form the
// go-sql-driver expects, forcing parseTime off since timestamps are stored
// as text.
func MySQLConnString(conn string) string {
	conn = strings.TrimPrefix(conn, "mysql://")
	if !strings.Contains(conn, "?") {
		return conn + "?multiStatements=true"
	}
	if !strings.Contains(conn, "multiStatements") {
		return conn + "&multiStatements=true"
	}
	return conn
}
