// Package pool provides a bounded connection pool that hands exclusive,
// reusable database connections to logical tasks.
//
// The pool supports:
//   - Reentrant acquisition: a task that already owns a connection gets the
//     same connection back without consuming capacity
//   - Lazy creation up to a configured maximum
//   - LIFO reuse of idle connections, so warm sessions are preferred
//   - FIFO queuing of tasks that arrive while the pool is saturated, with
//     exactly one task resumed per released connection
//   - Scoped holds that always release, and discard connections broken by a
//     fatal error
//
// # Basic Usage
//
//	dialer, err := sqlconn.NewDialer("sqlite3", "file:app.db", nil)
//	if err != nil {
//	    return err
//	}
//
//	cfg := pool.DefaultConfig()
//	cfg.Disconnect = sqlconn.Disconnect
//	cfg.IsFatal = sqlconn.IsFatal
//	p, err := pool.New(dialer.Factory(), cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	err = p.HoldContext(ctx, func(ctx context.Context, conn pool.Connection) error {
//	    // Use connection...
//	    return nil
//	})
//
// # Task Identity
//
// Ownership is keyed by task.ID rather than by goroutine. Hold takes the
// identity explicitly; HoldContext reads it from the context, attaching a
// new one when missing. Holds nested under the same identity share one
// connection and only the outermost Hold releases it.
//
// # Fatal Errors
//
// Work that returns an error wrapped with errors.MarkFatal, or any error the
// configured FatalClassifier accepts, causes the connection to be
// disconnected rather than returned to the idle set.
//
// # Metrics
//
// Pool utilization metrics are registered with the metrics package:
//   - dbpool_connections_max: Maximum pool size
//   - dbpool_connections_open: Idle plus in-use connections
//   - dbpool_connections_idle: Current idle connections
//   - dbpool_connections_in_use: Connections currently held by tasks
//   - dbpool_connections_reserved: Connections under construction
//   - dbpool_pending_tasks: Tasks waiting for a connection
//   - dbpool_acquire_total: Total acquire attempts
//   - dbpool_acquire_success_total: Successful acquires
//   - dbpool_acquire_failed_total: Failed acquires
//   - dbpool_release_total: Total releases
//   - dbpool_discard_total: Connections discarded as broken
//   - dbpool_created_total: Connections created
//   - dbpool_acquire_duration_seconds: Acquire latency
package pool
