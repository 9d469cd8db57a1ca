package sqlconn

import (
	"database/sql"
	"database/sql/driver"
	"errors"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// fatalSQLiteCodes are SQLite result codes after which a session cannot be
// trusted.
var fatalSQLiteCodes = map[sqlite3.ErrNo]bool{
	sqlite3.ErrCorrupt:  true,
	sqlite3.ErrNotADB:   true,
	sqlite3.ErrIoErr:    true,
	sqlite3.ErrCantOpen: true,
}

// IsFatal reports whether err means the session it came from is broken and
// should be discarded rather than reused.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.IsFatal(err) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return fatalSQLiteCodes[sqliteErr.Code]
	}
	return false
}
