// Package sqlconn supplies the database sessions handed out by the pool.
//
// Each Session owns exactly one driver connection, so a task holding it
// sees consistent session state (transactions, temporary tables, SQLite
// in-memory databases) across statements.
package sqlconn

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-i2p/dbpool/lib/metrics"
	"github.com/google/uuid"
)

// Session is one dedicated database session.
type Session struct {
	id      string
	driver  string
	created time.Time
	db      *sql.DB

	closeOnce sync.Once
	closeErr  error
}

func newSession(driver string, db *sql.DB) *Session {
	// A single connection that never expires keeps the session stable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	return &Session{
		id:      uuid.NewString(),
		driver:  driver,
		created: time.Now(),
		db:      db,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Driver returns the name of the database driver behind the session.
func (s *Session) Driver() string {
	return s.driver
}

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// DB exposes the underlying handle. It is limited to one open connection.
func (s *Session) DB() *sql.DB {
	return s.db
}

// ExecContext executes a statement that returns no rows.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that is expected to return at most one row.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// PingContext verifies the session is still alive.
func (s *Session) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the session. Subsequent calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		metrics.SessionsClosed.Inc()

		entry := log.WithField("session", s.id).WithField("driver", s.driver)
		if s.closeErr != nil {
			entry.WithError(s.closeErr).Warn("Error closing database session")
			return
		}
		entry.Debug("Closed database session")
	})
	return s.closeErr
}
