package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/metrics"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/resilience"
	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// DefaultMySQLDialTimeout applies to MySQL DSNs that set no timeout.
const DefaultMySQLDialTimeout = 10 * time.Second

// Dialer opens new sessions against one database server.
type Dialer struct {
	Driver string
	DSN    string

	breaker *resilience.Breaker
}

// NewDialer validates the driver and DSN and returns a Dialer. A nil breaker
// disables failure tracking.
func NewDialer(driver, dsn string, breaker *resilience.Breaker) (*Dialer, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))

	switch driver {
	case DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			return nil, apperrors.Configuration("sqlite3 DSN cannot be empty")
		}
	case DriverMySQL:
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	default:
		return nil, apperrors.Configuration("unsupported database driver %q (want %s or %s)",
			driver, DriverSQLite, DriverMySQL)
	}

	return &Dialer{Driver: driver, DSN: dsn, breaker: breaker}, nil
}

func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", apperrors.Configuration("invalid mysql DSN: %v", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultMySQLDialTimeout
	}
	return cfg.FormatDSN(), nil
}

// Breaker returns the circuit breaker guarding Dial, if any.
func (d *Dialer) Breaker() *resilience.Breaker {
	return d.breaker
}

// Dial opens and pings a new session.
func (d *Dialer) Dial(ctx context.Context) (*Session, error) {
	if d.breaker == nil {
		return d.dial(ctx)
	}
	return resilience.Call(ctx, d.breaker, d.dial)
}

func (d *Dialer) dial(ctx context.Context) (*Session, error) {
	start := time.Now()
	defer metrics.SessionDialLatency.ObserveSince(start)

	db, err := sql.Open(d.Driver, d.DSN)
	if err != nil {
		metrics.SessionDialFailures.Inc()
		return nil, fmt.Errorf("sqlconn: open %s session: %w", d.Driver, err)
	}

	session := newSession(d.Driver, db)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		metrics.SessionDialFailures.Inc()
		log.WithField("driver", d.Driver).WithError(err).Warn("Failed to open database session")
		return nil, fmt.Errorf("sqlconn: ping %s session: %w", d.Driver, err)
	}

	metrics.SessionsOpened.Inc()
	log.WithField("session", session.ID()).
		WithField("driver", d.Driver).
		Debug("Opened database session")
	return session, nil
}

// Factory adapts Dial to the pool's connection factory.
func (d *Dialer) Factory() pool.Factory {
	return func(ctx context.Context) (pool.Connection, error) {
		session, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// Disconnect is the pool disconnection hook for sessions.
func Disconnect(conn pool.Connection) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
