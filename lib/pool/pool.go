// Package pool provides a bounded pool of exclusive, reusable database
// connections keyed by task identity.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/scheduler"
	"github.com/go-i2p/dbpool/lib/task"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrNotHeld is returned by Release and Discard for a task that holds
	// no connection.
	ErrNotHeld = apperrors.ErrNotHeld
	// ErrTaskBusy is returned when a task that is already waiting for, or
	// constructing, a connection calls Acquire again.
	ErrTaskBusy = apperrors.ErrTaskBusy

	errNilConnection = errors.New("pool: factory returned a nil connection")
)

// Connection is an opaque handle to one live database session.
type Connection interface {
	// Close releases the session's resources.
	Close() error
}

// Factory creates new connections. It may block, for example on network I/O.
type Factory func(ctx context.Context) (Connection, error)

// DisconnectFunc releases the resources behind a connection.
type DisconnectFunc func(conn Connection) error

// FatalClassifier reports whether an error returned from a hold means the
// connection it ran on is broken.
type FatalClassifier func(err error) bool

// Config configures the connection pool.
type Config struct {
	// MaxConnections caps idle, in-use and under-construction connections
	// together. It must be positive.
	// Default: 4
	MaxConnections int
	// PoolTimeout is accepted and reported but not enforced; a blocked
	// Acquire waits until a connection is released or its context ends.
	// Default: 5 seconds
	PoolTimeout time.Duration
	// Disconnect closes connections leaving the pool.
	// Default: Connection.Close
	Disconnect DisconnectFunc
	// IsFatal classifies errors returned from Hold work.
	// Default: errors marked with errors.MarkFatal
	IsFatal FatalClassifier
}

// DefaultConfig returns a Config with the default limits.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 4,
		PoolTimeout:    5 * time.Second,
	}
}

func closeConnection(conn Connection) error {
	return conn.Close()
}

// Pool hands out at most one connection per task identity.
//
// Every connection counted by Size is in exactly one of three places: idle
// (owned by the pool), allocated to a task, or reserved for a task that is
// constructing it. Tasks that find the pool saturated are parked in FIFO
// order and resumed one per freed connection or slot.
type Pool struct {
	factory Factory
	config  Config

	mu        sync.Mutex
	idle      []Connection
	allocated map[task.ID]Connection
	reserved  map[task.ID]struct{}
	pending   *scheduler.Queue
	closed    bool

	// Metrics
	acquireCount   uint64
	acquireSuccess uint64
	acquireFailed  uint64
	releaseCount   uint64
	discardCount   uint64
	createdCount   uint64
}

// New creates a connection pool. No connection is opened until the first
// Acquire.
func New(factory Factory, cfg Config) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		return nil, apperrors.Configuration("pool: max_connections must be a positive integer, got %d", cfg.MaxConnections)
	}
	if cfg.PoolTimeout < 0 {
		return nil, apperrors.Configuration("pool: pool_timeout must be positive, got %s", cfg.PoolTimeout)
	}
	if factory == nil {
		return nil, apperrors.Configuration("pool: connection factory is required")
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = DefaultConfig().PoolTimeout
	}
	if cfg.Disconnect == nil {
		cfg.Disconnect = closeConnection
	}
	if cfg.IsFatal == nil {
		cfg.IsFatal = apperrors.IsFatal
	}

	p := &Pool{
		factory:   factory,
		config:    cfg,
		idle:      make([]Connection, 0, cfg.MaxConnections),
		allocated: make(map[task.ID]Connection),
		reserved:  make(map[task.ID]struct{}),
		pending:   scheduler.NewQueue(),
	}
	p.updateMetricsLocked()

	log.WithField("maxConnections", cfg.MaxConnections).Debug("pool created")
	return p, nil
}

// MaxConnections returns the configured capacity.
func (p *Pool) MaxConnections() int {
	return p.config.MaxConnections
}

// Size returns the number of idle, allocated and reserved connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked()
}

func (p *Pool) sizeLocked() int {
	return len(p.idle) + len(p.allocated) + len(p.reserved)
}

// Acquire returns the connection owned by id, assigning one first if id
// owns none. In order it: returns the connection id already owns, reuses
// the most recently released idle connection, creates a new connection if
// the pool is below capacity, or parks id until another task releases.
//
// A parked Acquire has no deadline of its own. If ctx ends while parked,
// id leaves the queue and ctx.Err() is returned.
func (p *Pool) Acquire(ctx context.Context, id task.ID) (Connection, error) {
	if err := task.Validate(id); err != nil {
		return nil, err
	}

	atomic.AddUint64(&p.acquireCount, 1)
	PoolAcquireTotal.Inc()
	start := time.Now()
	defer PoolAcquireLatency.ObserveSince(start)

	p.mu.Lock()
	if _, ok := p.reserved[id]; ok || p.pending.Contains(id) {
		p.mu.Unlock()
		return nil, p.acquireFailure(id, ErrTaskBusy)
	}

	for {
		if conn, ok := p.allocated[id]; ok {
			p.mu.Unlock()
			return p.acquireSuccessful(conn), nil
		}

		if p.closed {
			delete(p.reserved, id)
			p.mu.Unlock()
			return nil, p.acquireFailure(id, ErrPoolClosed)
		}

		// A waker handed this task a free slot while it was parked.
		if _, ok := p.reserved[id]; ok {
			return p.create(ctx, id)
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.allocated[id] = conn
			p.updateMetricsLocked()
			p.mu.Unlock()
			log.WithField("task", id).Debug("acquired idle connection from pool")
			return p.acquireSuccessful(conn), nil
		}

		if p.sizeLocked() < p.config.MaxConnections {
			p.reserved[id] = struct{}{}
			return p.create(ctx, id)
		}

		tok := p.pending.Suspend(id)
		p.updateMetricsLocked()
		p.mu.Unlock()

		log.WithField("task", id).Debug("waiting for available connection")
		err := tok.Wait(ctx)

		p.mu.Lock()
		if err != nil {
			closeConn := p.abandonLocked(tok)
			p.updateMetricsLocked()
			p.mu.Unlock()
			if closeConn != nil {
				p.disconnectQuietly(closeConn)
			}
			return nil, p.acquireFailure(id, err)
		}
		// Resumed: re-validate from the top.
	}
}

// create runs the factory for a task holding a reservation. It is called
// with p.mu held and returns with it released.
func (p *Pool) create(ctx context.Context, id task.ID) (Connection, error) {
	p.updateMetricsLocked()
	p.mu.Unlock()

	conn, err := p.factory(ctx)
	if err == nil && conn == nil {
		err = errNilConnection
	}

	p.mu.Lock()
	delete(p.reserved, id)
	if err != nil {
		p.grantSlotLocked()
		p.updateMetricsLocked()
		p.mu.Unlock()
		log.WithField("task", id).WithError(err).Debug("failed to create new connection")
		return nil, p.acquireFailure(id, apperrors.CreationFailed(err))
	}
	p.allocated[id] = conn
	p.updateMetricsLocked()
	p.mu.Unlock()

	atomic.AddUint64(&p.createdCount, 1)
	PoolCreatedTotal.Inc()
	log.WithField("task", id).Debug("created new connection")
	return p.acquireSuccessful(conn), nil
}

// abandonLocked cleans up after a parked task whose context ended. If a
// waker already handed it a connection or slot, that is passed on so no
// capacity is lost. It returns a connection that must be disconnected
// outside the lock, if any.
func (p *Pool) abandonLocked(tok *scheduler.Token) Connection {
	id := tok.ID()
	if p.pending.Remove(tok) {
		return nil
	}
	if conn, ok := p.allocated[id]; ok {
		delete(p.allocated, id)
		return p.putLocked(conn)
	}
	if _, ok := p.reserved[id]; ok {
		delete(p.reserved, id)
		p.grantSlotLocked()
	}
	return nil
}

// putLocked returns conn to the pool. The longest-waiting task receives
// it directly; otherwise it becomes the most recently used idle
// connection. It returns conn when the pool is closed and conn must be
// disconnected instead.
func (p *Pool) putLocked(conn Connection) Connection {
	if p.closed {
		return conn
	}
	if tok, ok := p.pending.Peek(); ok {
		p.allocated[tok.ID()] = conn
		p.pending.ResumeNext()
		return nil
	}
	p.idle = append(p.idle, conn)
	return nil
}

// grantSlotLocked hands capacity freed without a connection, by a failed
// factory call or a discard, to the longest-waiting task, which then
// constructs its own connection.
func (p *Pool) grantSlotLocked() {
	if p.closed || p.sizeLocked() >= p.config.MaxConnections {
		return
	}
	tok, ok := p.pending.Peek()
	if !ok {
		return
	}
	p.reserved[tok.ID()] = struct{}{}
	p.pending.ResumeNext()
}

// Release returns the connection held by id to the pool and resumes the
// longest-waiting task, if any.
func (p *Pool) Release(id task.ID) error {
	p.mu.Lock()
	conn, ok := p.allocated[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotHeld
	}
	delete(p.allocated, id)
	closeConn := p.putLocked(conn)
	p.updateMetricsLocked()
	p.mu.Unlock()

	atomic.AddUint64(&p.releaseCount, 1)
	PoolReleaseTotal.Inc()

	if closeConn != nil {
		log.WithField("task", id).Debug("pool closed, closing released connection")
		p.disconnectQuietly(closeConn)
		return nil
	}
	log.WithField("task", id).Debug("connection released to pool")
	return nil
}

// Discard removes the connection held by id from the pool without
// returning it to the idle set, then disconnects it. The disconnect
// error, if any, is returned.
func (p *Pool) Discard(id task.ID) error {
	p.mu.Lock()
	conn, ok := p.allocated[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotHeld
	}
	delete(p.allocated, id)
	p.grantSlotLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()

	atomic.AddUint64(&p.discardCount, 1)
	PoolDiscardTotal.Inc()
	log.WithField("task", id).Debug("discarding bad connection")
	return p.config.Disconnect(conn)
}

// Hold runs work with the connection owned by id, acquiring one first if
// needed. The connection is released when work returns, including when it
// panics. If work returns an error the pool classifies as fatal, the
// connection is discarded instead and the error is returned together with
// any disconnect failure. Other errors are returned unchanged.
//
// A Hold nested inside another Hold for the same id runs work on the
// already-held connection and leaves releasing to the outermost Hold.
func (p *Pool) Hold(ctx context.Context, id task.ID, work func(Connection) error) error {
	p.mu.Lock()
	conn, nested := p.allocated[id]
	p.mu.Unlock()
	if nested {
		return work(conn)
	}

	conn, err := p.Acquire(ctx, id)
	if err != nil {
		return err
	}

	returned := false
	defer func() {
		if !returned {
			// work panicked
			p.releaseQuietly(id)
		}
	}()

	err = work(conn)
	returned = true

	if err != nil && p.config.IsFatal(err) {
		if derr := p.Discard(id); derr != nil {
			log.WithField("task", id).WithError(derr).Warn("disconnect after fatal error failed")
			return apperrors.Join(err, derr)
		}
		return err
	}
	p.releaseQuietly(id)
	return err
}

// HoldContext is Hold with the task identity carried by ctx. A ctx
// without an identity gets a new one, and work receives the ctx that
// carries it, so Holds nested through that ctx are reentrant.
func (p *Pool) HoldContext(ctx context.Context, work func(context.Context, Connection) error) error {
	ctx, id := task.Ensure(ctx)
	return p.Hold(ctx, id, func(conn Connection) error {
		return work(ctx, conn)
	})
}

// Disconnect applies hook, or the configured disconnect function when hook
// is nil, to every idle connection and empties the idle set. Connections
// held by tasks are not touched. Hook failures are logged and otherwise
// ignored.
func (p *Pool) Disconnect(hook DisconnectFunc) {
	if hook == nil {
		hook = p.config.Disconnect
	}

	p.mu.Lock()
	conns := p.idle
	p.idle = make([]Connection, 0, p.config.MaxConnections)
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, conn := range conns {
		if err := hook(conn); err != nil {
			log.WithError(err).Warn("failed to disconnect idle connection")
		}
	}
	log.WithField("closed", len(conns)).Debug("idle connections disconnected")
}

// Close closes the pool. Idle connections are disconnected, parked tasks
// fail with ErrPoolClosed, and connections released later are
// disconnected instead of reused.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	conns := p.idle
	p.idle = nil
	woken := p.pending.ResumeAll()
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, conn := range conns {
		p.disconnectQuietly(conn)
	}

	log.WithField("woken", len(woken)).Debug("pool closed")
	return nil
}

func (p *Pool) releaseQuietly(id task.ID) {
	if err := p.Release(id); err != nil {
		log.WithField("task", id).WithError(err).Debug("release after hold failed")
	}
}

func (p *Pool) disconnectQuietly(conn Connection) {
	if err := p.config.Disconnect(conn); err != nil {
		log.WithError(err).Warn("failed to disconnect connection")
	}
}

func (p *Pool) acquireSuccessful(conn Connection) Connection {
	atomic.AddUint64(&p.acquireSuccess, 1)
	PoolAcquireSuccessTotal.Inc()
	return conn
}

func (p *Pool) acquireFailure(id task.ID, err error) error {
	atomic.AddUint64(&p.acquireFailed, 1)
	PoolAcquireFailedTotal.Inc()
	log.WithField("task", id).WithError(err).Debug("acquire failed")
	return err
}

// State is a point-in-time copy of the pool's bookkeeping.
type State struct {
	// Idle lists idle connections, least recently released first.
	Idle []Connection
	// Allocated maps each owning task to its connection.
	Allocated map[task.ID]Connection
	// Reserved lists tasks constructing a new connection.
	Reserved []task.ID
	// Pending lists parked tasks in arrival order.
	Pending []task.ID
	// Closed reports whether Close has been called.
	Closed bool
}

// Snapshot returns a copy of the pool's current state.
func (p *Pool) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := State{
		Idle:      append([]Connection(nil), p.idle...),
		Allocated: make(map[task.ID]Connection, len(p.allocated)),
		Reserved:  make([]task.ID, 0, len(p.reserved)),
		Pending:   p.pending.IDs(),
		Closed:    p.closed,
	}
	for id, conn := range p.allocated {
		s.Allocated[id] = conn
	}
	for id := range p.reserved {
		s.Reserved = append(s.Reserved, id)
	}
	return s
}

// Stats holds pool statistics.
type Stats struct {
	// MaxSize is the maximum pool size.
	MaxSize int
	// PoolTimeout is the configured, unenforced wait timeout.
	PoolTimeout time.Duration
	// NumOpen is the number of idle plus in-use connections.
	NumOpen int
	// NumIdle is the current number of idle connections.
	NumIdle int
	// NumInUse is the number of connections currently held by tasks.
	NumInUse int
	// NumReserved is the number of connections under construction.
	NumReserved int
	// NumPending is the number of parked tasks.
	NumPending int
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64
	// AcquireFailed is the number of failed acquires.
	AcquireFailed uint64
	// ReleaseCount is the number of releases.
	ReleaseCount uint64
	// DiscardCount is the number of discarded connections.
	DiscardCount uint64
	// CreatedCount is the number of connections the factory produced.
	CreatedCount uint64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxSize:        p.config.MaxConnections,
		PoolTimeout:    p.config.PoolTimeout,
		NumOpen:        len(p.idle) + len(p.allocated),
		NumIdle:        len(p.idle),
		NumInUse:       len(p.allocated),
		NumReserved:    len(p.reserved),
		NumPending:     p.pending.Len(),
		AcquireCount:   atomic.LoadUint64(&p.acquireCount),
		AcquireSuccess: atomic.LoadUint64(&p.acquireSuccess),
		AcquireFailed:  atomic.LoadUint64(&p.acquireFailed),
		ReleaseCount:   atomic.LoadUint64(&p.releaseCount),
		DiscardCount:   atomic.LoadUint64(&p.discardCount),
		CreatedCount:   atomic.LoadUint64(&p.createdCount),
	}
}

func (p *Pool) updateMetricsLocked() {
	UpdateMetrics(Stats{
		MaxSize:     p.config.MaxConnections,
		NumOpen:     len(p.idle) + len(p.allocated),
		NumIdle:     len(p.idle),
		NumInUse:    len(p.allocated),
		NumReserved: len(p.reserved),
		NumPending:  p.pending.Len(),
	})
}
