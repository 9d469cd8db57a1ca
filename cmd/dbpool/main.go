// dbpool drives a bounded database connection pool with a concurrent
// workload and reports how the pool behaved.
//
// Usage:
//
//	dbpool [flags]
//
// Flags:
//
//	-config string
//	    Path to configuration file, TOML or YAML (default "dbpool.toml")
//	-driver string
//	    Database driver, sqlite3 or mysql (overrides config)
//	-dsn string
//	    Data source name (overrides config)
//	-max-connections int
//	    Maximum pool size (overrides config)
//	-tasks int
//	    Number of concurrent tasks to run (default 16)
//	-metrics string
//	    Serve Prometheus metrics on this address and wait for a signal
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-i2p/dbpool/lib/config"
	"github.com/go-i2p/dbpool/lib/metrics"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/resilience"
	"github.com/go-i2p/dbpool/lib/sqlconn"
	"github.com/go-i2p/dbpool/lib/task"
	"github.com/go-i2p/dbpool/version"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "dbpool.toml", "Path to configuration file (TOML or YAML)")
	driver := flag.String("driver", "", "Database driver, sqlite3 or mysql (overrides config)")
	dsn := flag.String("dsn", "", "Data source name (overrides config)")
	maxConns := flag.Int("max-connections", 0, "Maximum pool size (overrides config)")
	tasks := flag.Int("tasks", 16, "Number of concurrent tasks to run")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address and wait for a signal")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "dbpool - Bounded database connection pool\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  dbpool [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("dbpool"))
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Start with the config file, then apply command-line overrides
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *maxConns != 0 {
		cfg.Pool.MaxConnections = *maxConns
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	p, err := newPool(cfg)
	if err != nil {
		logger.Error("failed to create pool", "error", err)
		return 1
	}
	defer p.Close()

	metrics.RecordStartTime()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = serveMetrics(cfg.Metrics.Listen, logger)
	}

	logger.Info("dbpool started",
		"driver", cfg.Database.Driver,
		"max_connections", cfg.Pool.MaxConnections,
		"tasks", *tasks,
		"version", version.Version)

	start := time.Now()
	if err := runWorkload(ctx, p, *tasks); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("workload failed", "error", err)
		shutdown(p, srv, logger)
		return 1
	}
	printStats(p.Stats(), time.Since(start))

	if srv != nil {
		logger.Info("serving metrics until interrupted", "listen", cfg.Metrics.Listen)
		<-ctx.Done()
		logger.Info("received signal, shutting down")
	}

	shutdown(p, srv, logger)
	return 0
}

// newPool wires a pool to sessions from the configured database.
func newPool(cfg *config.Config) (*pool.Pool, error) {
	breaker := resilience.New(cfg.Database.Driver, cfg.BreakerConfig())
	dialer, err := sqlconn.NewDialer(cfg.Database.Driver, cfg.Database.DSN, breaker)
	if err != nil {
		return nil, err
	}

	pc := cfg.PoolConfig()
	pc.Disconnect = sqlconn.Disconnect
	pc.IsFatal = sqlconn.IsFatal
	return pool.New(dialer.Factory(), pc)
}

// runWorkload runs n tasks concurrently. Each task writes a row from a
// nested hold and reads it back from the outer hold on the same session.
// Rows live in a temporary table, so they are private to the session that
// wrote them and vanish when it is disconnected.
func runWorkload(ctx context.Context, p *pool.Pool, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return runTask(ctx, p, i)
		})
	}
	return g.Wait()
}

func runTask(ctx context.Context, p *pool.Pool, n int) error {
	id := task.ID(fmt.Sprintf("task-%03d", n))
	ctx = task.WithID(ctx, id)

	return p.HoldContext(ctx, func(ctx context.Context, conn pool.Connection) error {
		s := conn.(*sqlconn.Session)
		if _, err := s.ExecContext(ctx,
			`CREATE TEMPORARY TABLE IF NOT EXISTS dbpool_runs (task TEXT NOT NULL, session TEXT NOT NULL)`); err != nil {
			return fmt.Errorf("create table: %w", err)
		}

		err := p.HoldContext(ctx, func(ctx context.Context, inner pool.Connection) error {
			_, err := inner.(*sqlconn.Session).ExecContext(ctx,
				`INSERT INTO dbpool_runs (task, session) VALUES (?, ?)`,
				id.String(), s.ID())
			return err
		})
		if err != nil {
			return fmt.Errorf("insert row: %w", err)
		}

		var session string
		err = s.QueryRowContext(ctx,
			`SELECT session FROM dbpool_runs WHERE task = ?`,
			id.String()).Scan(&session)
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		if session != s.ID() {
			return fmt.Errorf("row written by session %s read from %s", session, s.ID())
		}
		return nil
	})
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdown(p *pool.Pool, srv *http.Server, logger *slog.Logger) {
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	p.Disconnect(nil)
	if err := p.Close(); err != nil && !errors.Is(err, pool.ErrPoolClosed) {
		logger.Warn("pool close failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func printStats(s pool.Stats, elapsed time.Duration) {
	fmt.Printf("Pool statistics (%s)\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  max connections:  %d\n", s.MaxSize)
	fmt.Printf("  open / idle:      %d / %d\n", s.NumOpen, s.NumIdle)
	fmt.Printf("  created:          %d\n", s.CreatedCount)
	fmt.Printf("  discarded:        %d\n", s.DiscardCount)
	fmt.Printf("  acquires:         %d (%d ok, %d failed)\n", s.AcquireCount, s.AcquireSuccess, s.AcquireFailed)
	fmt.Printf("  releases:         %d\n", s.ReleaseCount)
}
