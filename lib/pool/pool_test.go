package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/task"
)

// mockConn is a mock connection for testing.
type mockConn struct {
	id     int
	mu     sync.Mutex
	closed int
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockConn) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) String() string {
	return fmt.Sprintf("conn-%d", m.id)
}

// mockFactory creates mock connections.
func mockFactory(counter *int32) Factory {
	return func(ctx context.Context) (Connection, error) {
		id := atomic.AddInt32(counter, 1)
		return &mockConn{id: int(id)}, nil
	}
}

// failingFactory returns errors.
func failingFactory(err error) Factory {
	return func(ctx context.Context) (Connection, error) {
		return nil, err
	}
}

func newTestPool(t *testing.T, counter *int32, maxConns int) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConnections = maxConns
	p, err := New(mockFactory(counter), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

// waitForPending blocks until n tasks are parked.
func waitForPending(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().NumPending == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Expected %d pending tasks, got %d", n, p.Stats().NumPending)
}

// acquireAsync starts Acquire in a goroutine and delivers its result.
func acquireAsync(ctx context.Context, p *Pool, id task.ID) <-chan Connection {
	ch := make(chan Connection, 1)
	go func() {
		conn, err := p.Acquire(ctx, id)
		if err != nil {
			close(ch)
			return
		}
		ch <- conn
	}()
	return ch
}

func receive(t *testing.T, ch <-chan Connection) Connection {
	t.Helper()
	select {
	case conn, ok := <-ch:
		if !ok {
			t.Fatal("Acquire failed")
		}
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Acquire")
		return nil
	}
}

// checkInvariants verifies the pool bookkeeping rules.
func checkInvariants(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Snapshot()

	size := len(s.Idle) + len(s.Allocated) + len(s.Reserved)
	if size > p.MaxConnections() {
		t.Errorf("size %d exceeds max %d", size, p.MaxConnections())
	}

	seen := make(map[task.ID]string)
	mark := func(id task.ID, where string) {
		if prev, ok := seen[id]; ok {
			t.Errorf("task %s is both %s and %s", id, prev, where)
		}
		seen[id] = where
	}
	for id := range s.Allocated {
		mark(id, "allocated")
	}
	for _, id := range s.Reserved {
		mark(id, "reserved")
	}
	for _, id := range s.Pending {
		mark(id, "pending")
	}

	for _, idle := range s.Idle {
		for id, held := range s.Allocated {
			if idle == held {
				t.Errorf("connection %v is idle and held by %s", idle, id)
			}
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConnections != 4 {
		t.Errorf("Expected MaxConnections 4, got %d", cfg.MaxConnections)
	}
	if cfg.PoolTimeout != 5*time.Second {
		t.Errorf("Expected PoolTimeout 5s, got %s", cfg.PoolTimeout)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	var calls int32
	factory := func(ctx context.Context) (Connection, error) {
		atomic.AddInt32(&calls, 1)
		return &mockConn{}, nil
	}

	tests := []struct {
		name    string
		factory Factory
		cfg     Config
	}{
		{"zero max connections", factory, Config{MaxConnections: 0}},
		{"negative max connections", factory, Config{MaxConnections: -1}},
		{"negative pool timeout", factory, Config{MaxConnections: 1, PoolTimeout: -time.Second}},
		{"nil factory", nil, Config{MaxConnections: 1}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.factory, tc.cfg)
			if !errors.Is(err, apperrors.ErrConfiguration) {
				t.Errorf("Expected ErrConfiguration, got %v", err)
			}
			if p != nil {
				t.Error("Expected nil pool")
			}
		})
	}

	if calls != 0 {
		t.Errorf("Expected no connections created, got %d", calls)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	var counter int32
	p, err := New(mockFactory(&counter), Config{MaxConnections: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stats := p.Stats()
	if stats.PoolTimeout != 5*time.Second {
		t.Errorf("Expected default PoolTimeout, got %s", stats.PoolTimeout)
	}
	if stats.MaxSize != 2 {
		t.Errorf("Expected MaxSize 2, got %d", stats.MaxSize)
	}
	if p.Size() != 0 || counter != 0 {
		t.Error("New should not open connections")
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 3)
	ctx := context.Background()

	conn1, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if conn1 == nil {
		t.Fatal("Expected non-nil connection")
	}

	stats := p.Stats()
	if stats.NumOpen != 1 {
		t.Errorf("Expected 1 open, got %d", stats.NumOpen)
	}
	if stats.NumInUse != 1 {
		t.Errorf("Expected 1 in use, got %d", stats.NumInUse)
	}

	if err := p.Release("t1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	stats = p.Stats()
	if stats.NumIdle != 1 {
		t.Errorf("Expected 1 idle after release, got %d", stats.NumIdle)
	}
	if stats.NumInUse != 0 {
		t.Errorf("Expected 0 in use after release, got %d", stats.NumInUse)
	}

	// A different task reuses the idle connection
	conn2, err := p.Acquire(ctx, "t2")
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	if conn2 != conn1 {
		t.Error("Expected to get same connection from pool")
	}
	if counter != 1 {
		t.Errorf("Expected 1 connection created, got %d", counter)
	}
	checkInvariants(t, p)
}

func TestPoolAcquireReentrant(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 2)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	second, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("Reentrant acquire failed: %v", err)
	}

	if first != second {
		t.Error("Expected the same connection on reentrant acquire")
	}
	if p.Size() != 1 {
		t.Errorf("Expected size 1, got %d", p.Size())
	}
	if counter != 1 {
		t.Errorf("Expected 1 connection created, got %d", counter)
	}
}

func TestPoolLIFOReuse(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 2)
	ctx := context.Background()

	c1, _ := p.Acquire(ctx, "t1")
	c2, _ := p.Acquire(ctx, "t2")
	p.Release("t1")
	p.Release("t2")

	got, err := p.Acquire(ctx, "t3")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got != c2 {
		t.Errorf("Expected most recently released %v, got %v", c2, got)
	}
	if got == c1 {
		t.Error("Expected the older connection to stay idle")
	}
}

// TestPoolSaturatedHandoff is the two-connection scenario: a third task
// parks and receives the first released connection.
func TestPoolSaturatedHandoff(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 2)
	ctx := context.Background()

	c1, _ := p.Acquire(ctx, "T1")
	c2, _ := p.Acquire(ctx, "T2")
	if p.Size() != 2 {
		t.Fatalf("Expected size 2, got %d", p.Size())
	}

	t3 := acquireAsync(ctx, p, "T3")
	waitForPending(t, p, 1)

	s := p.Snapshot()
	if len(s.Pending) != 1 || s.Pending[0] != "T3" {
		t.Errorf("Expected pending [T3], got %v", s.Pending)
	}

	if err := p.Release("T1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := receive(t, t3); got != c1 {
		t.Errorf("Expected T3 to receive %v, got %v", c1, got)
	}

	s = p.Snapshot()
	if len(s.Pending) != 0 {
		t.Errorf("Expected no pending tasks, got %v", s.Pending)
	}
	if len(s.Allocated) != 2 || s.Allocated["T2"] != c2 || s.Allocated["T3"] != c1 {
		t.Errorf("Expected {T2: %v, T3: %v}, got %v", c2, c1, s.Allocated)
	}
	if len(s.Idle) != 0 {
		t.Errorf("Expected no idle connections, got %d", len(s.Idle))
	}
	if counter != 2 {
		t.Errorf("Expected 2 connections created, got %d", counter)
	}
	checkInvariants(t, p)
}

func TestPoolFIFOWaiters(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 2)
	ctx := context.Background()

	c1, _ := p.Acquire(ctx, "T1")
	c2, _ := p.Acquire(ctx, "T2")

	t3 := acquireAsync(ctx, p, "T3")
	waitForPending(t, p, 1)
	t4 := acquireAsync(ctx, p, "T4")
	waitForPending(t, p, 2)

	p.Release("T1")
	if got := receive(t, t3); got != c1 {
		t.Errorf("Expected T3 first with %v, got %v", c1, got)
	}
	s := p.Snapshot()
	if len(s.Pending) != 1 || s.Pending[0] != "T4" {
		t.Errorf("Expected T4 still pending, got %v", s.Pending)
	}

	p.Release("T2")
	if got := receive(t, t4); got != c2 {
		t.Errorf("Expected T4 with %v, got %v", c2, got)
	}
	checkInvariants(t, p)
}

func TestPoolHandoffNotStolen(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)
	ctx := context.Background()

	c1, _ := p.Acquire(ctx, "T1")
	waiter := acquireAsync(ctx, p, "waiter")
	waitForPending(t, p, 1)

	p.Release("T1")

	// A newcomer arriving right after the release must not take the
	// connection promised to the parked task.
	newcomer := acquireAsync(ctx, p, "newcomer")
	if got := receive(t, waiter); got != c1 {
		t.Errorf("Expected waiter to receive %v, got %v", c1, got)
	}
	waitForPending(t, p, 1)

	p.Release("waiter")
	if got := receive(t, newcomer); got != c1 {
		t.Errorf("Expected newcomer to receive %v, got %v", c1, got)
	}
}

func TestPoolFactoryError(t *testing.T) {
	cause := errors.New("connection refused")
	p, err := New(failingFactory(cause), Config{MaxConnections: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = p.Acquire(context.Background(), "t1")
	if !errors.Is(err, apperrors.ErrConnectionCreation) {
		t.Errorf("Expected ErrConnectionCreation, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected original cause to be preserved, got %v", err)
	}

	stats := p.Stats()
	if p.Size() != 0 {
		t.Errorf("Expected size 0 after failed create, got %d", p.Size())
	}
	if stats.NumPending != 0 || stats.NumReserved != 0 {
		t.Errorf("Expected no pending or reserved tasks, got %+v", stats)
	}
	if stats.AcquireFailed != 1 {
		t.Errorf("Expected 1 acquire failure, got %d", stats.AcquireFailed)
	}
}

func TestPoolFactoryNilConnection(t *testing.T) {
	factory := func(ctx context.Context) (Connection, error) { return nil, nil }
	p, _ := New(factory, Config{MaxConnections: 1})

	_, err := p.Acquire(context.Background(), "t1")
	if !errors.Is(err, apperrors.ErrConnectionCreation) {
		t.Errorf("Expected ErrConnectionCreation, got %v", err)
	}
	if p.Size() != 0 {
		t.Errorf("Expected size 0, got %d", p.Size())
	}
}

// TestPoolFreedSlotsReachWaiters covers capacity freed without a
// connection: a discard and a failed creation both pass the slot on to
// the next parked task.
func TestPoolFreedSlotsReachWaiters(t *testing.T) {
	var calls int32
	factory := func(ctx context.Context) (Connection, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 2 {
			return nil, errors.New("transient dial failure")
		}
		return &mockConn{id: int(n)}, nil
	}
	p, _ := New(factory, Config{MaxConnections: 1})
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "T1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	t2Err := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "T2")
		t2Err <- err
	}()
	waitForPending(t, p, 1)
	t3 := acquireAsync(ctx, p, "T3")
	waitForPending(t, p, 2)

	if err := p.Discard("T1"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	select {
	case err := <-t2Err:
		if !errors.Is(err, apperrors.ErrConnectionCreation) {
			t.Errorf("Expected T2 creation failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("T2 was never resumed")
	}

	got := receive(t, t3)
	if got.(*mockConn).id != 3 {
		t.Errorf("Expected T3 to create connection 3, got %v", got)
	}
	if p.Size() != 1 {
		t.Errorf("Expected size 1, got %d", p.Size())
	}
	checkInvariants(t, p)
}

func TestPoolAcquireCanceledWhileWaiting(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)

	p.Acquire(context.Background(), "T1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx, "T2")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}

	s := p.Snapshot()
	if len(s.Pending) != 0 {
		t.Errorf("Expected canceled task removed from pending, got %v", s.Pending)
	}

	p.Release("T1")
	if stats := p.Stats(); stats.NumIdle != 1 {
		t.Errorf("Expected released connection to go idle, got %d idle", stats.NumIdle)
	}
}

// The tests below stage the window between a parked task's context ending
// and the task re-taking the lock, during which a waker may already have
// handed it a connection or a creation slot.

func TestPoolAbandonedHandoffPassesConnection(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)
	conn, _ := p.Acquire(context.Background(), "T1")

	p.mu.Lock()
	t2 := p.pending.Suspend("T2")
	t3 := p.pending.Suspend("T3")

	// T1 releases: the connection is handed to T2, whose context has ended.
	delete(p.allocated, "T1")
	if closeConn := p.putLocked(conn); closeConn != nil {
		t.Fatal("Expected hand-off, got connection to close")
	}
	if !t2.Resumed() || p.allocated["T2"] != conn {
		t.Fatal("Expected connection handed to T2")
	}

	closeConn := p.abandonLocked(t2)
	p.mu.Unlock()

	if closeConn != nil {
		t.Errorf("Expected no connection to close, got %v", closeConn)
	}
	if !t3.Resumed() {
		t.Error("Expected T3 to be resumed")
	}
	s := p.Snapshot()
	if s.Allocated["T3"] != conn {
		t.Errorf("Expected T3 to own the abandoned connection, got %v", s.Allocated)
	}
	if _, ok := s.Allocated["T2"]; ok {
		t.Error("Expected T2 to own nothing")
	}
	if len(s.Pending) != 0 || len(s.Idle) != 0 {
		t.Errorf("Expected no pending or idle entries, got %+v", s)
	}
	checkInvariants(t, p)
}

func TestPoolAbandonedHandoffGoesIdle(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)
	conn, _ := p.Acquire(context.Background(), "T1")

	p.mu.Lock()
	t2 := p.pending.Suspend("T2")
	delete(p.allocated, "T1")
	p.putLocked(conn)
	closeConn := p.abandonLocked(t2)
	p.mu.Unlock()

	if closeConn != nil {
		t.Errorf("Expected no connection to close, got %v", closeConn)
	}
	s := p.Snapshot()
	if len(s.Idle) != 1 || s.Idle[0] != conn {
		t.Errorf("Expected the connection to go idle, got %v", s.Idle)
	}
	if len(s.Allocated) != 0 {
		t.Errorf("Expected no owners, got %v", s.Allocated)
	}
	checkInvariants(t, p)
}

func TestPoolAbandonedHandoffAfterClose(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)
	conn, _ := p.Acquire(context.Background(), "T1")

	p.mu.Lock()
	t2 := p.pending.Suspend("T2")
	delete(p.allocated, "T1")
	p.putLocked(conn)
	p.closed = true
	closeConn := p.abandonLocked(t2)
	p.mu.Unlock()

	if closeConn != conn {
		t.Errorf("Expected the connection to be returned for disconnect, got %v", closeConn)
	}
}

func TestPoolAbandonedSlotPassesReservation(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)

	p.mu.Lock()
	t2 := p.pending.Suspend("T2")
	t3 := p.pending.Suspend("T3")

	// A failed creation frees capacity: the slot goes to T2, whose context
	// has ended.
	p.grantSlotLocked()
	if _, ok := p.reserved["T2"]; !ok || !t2.Resumed() {
		t.Fatal("Expected slot granted to T2")
	}

	closeConn := p.abandonLocked(t2)
	p.mu.Unlock()

	if closeConn != nil {
		t.Errorf("Expected no connection to close, got %v", closeConn)
	}
	if !t3.Resumed() {
		t.Error("Expected T3 to be resumed")
	}
	s := p.Snapshot()
	if len(s.Reserved) != 1 || s.Reserved[0] != "T3" {
		t.Errorf("Expected T3 to hold the reservation, got %v", s.Reserved)
	}
	checkInvariants(t, p)
}

func TestPoolTaskBusy(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)
	ctx := context.Background()

	p.Acquire(ctx, "T1")
	parked := acquireAsync(ctx, p, "dup")
	waitForPending(t, p, 1)

	_, err := p.Acquire(ctx, "dup")
	if !errors.Is(err, ErrTaskBusy) {
		t.Errorf("Expected ErrTaskBusy, got %v", err)
	}

	p.Release("T1")
	receive(t, parked)
	checkInvariants(t, p)
}

func TestPoolInvalidTaskID(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)

	_, err := p.Acquire(context.Background(), "")
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestPoolReleaseNotHeld(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)

	if err := p.Release("nobody"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Expected ErrNotHeld from Release, got %v", err)
	}
	if err := p.Discard("nobody"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Expected ErrNotHeld from Discard, got %v", err)
	}
}

func TestHoldReleasesOnSuccess(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)

	var held Connection
	err := p.Hold(context.Background(), "t1", func(conn Connection) error {
		held = conn
		if p.Stats().NumInUse != 1 {
			t.Error("Expected connection in use during hold")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	s := p.Snapshot()
	if len(s.Idle) != 1 || s.Idle[0] != held {
		t.Errorf("Expected held connection back in idle, got %v", s.Idle)
	}
	if len(s.Allocated) != 0 {
		t.Errorf("Expected nothing allocated, got %v", s.Allocated)
	}
}

func TestHoldReleasesOnError(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)
	ctx := context.Background()
	errTransient := errors.New("duplicate key")

	var held Connection
	err := p.Hold(ctx, "t1", func(conn Connection) error {
		held = conn
		return errTransient
	})
	if err != errTransient {
		t.Errorf("Expected the work error unchanged, got %v", err)
	}

	// The pool is not deadlocked: another task gets the same connection.
	conn, err := p.Acquire(ctx, "t2")
	if err != nil {
		t.Fatalf("Acquire after failed hold: %v", err)
	}
	if conn != held {
		t.Error("Expected the connection to have been released for reuse")
	}
	if held.(*mockConn).CloseCount() != 0 {
		t.Error("Non-fatal error should not close the connection")
	}
}

func TestHoldReleasesOnPanic(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("Expected panic to propagate, got %v", r)
			}
		}()
		p.Hold(context.Background(), "t1", func(conn Connection) error {
			panic("boom")
		})
	}()

	if stats := p.Stats(); stats.NumIdle != 1 || stats.NumInUse != 0 {
		t.Errorf("Expected connection released after panic, got %+v", stats)
	}
}

func TestHoldDiscardsOnFatal(t *testing.T) {
	var counter int32
	var hookCalls int32
	var disconnected Connection
	cfg := Config{
		MaxConnections: 2,
		Disconnect: func(conn Connection) error {
			atomic.AddInt32(&hookCalls, 1)
			disconnected = conn
			return conn.Close()
		},
	}
	p, _ := New(mockFactory(&counter), cfg)

	cause := errors.New("server has gone away")
	var held Connection
	err := p.Hold(context.Background(), "t1", func(conn Connection) error {
		held = conn
		return apperrors.MarkFatal(cause)
	})

	if !errors.Is(err, cause) || !apperrors.IsFatal(err) {
		t.Errorf("Expected the fatal error to propagate, got %v", err)
	}
	if hookCalls != 1 {
		t.Errorf("Expected disconnect hook called once, got %d", hookCalls)
	}
	if disconnected != held {
		t.Error("Expected the held connection to be disconnected")
	}

	s := p.Snapshot()
	for _, idle := range s.Idle {
		if idle == held {
			t.Error("Discarded connection reappeared in idle")
		}
	}
	if p.Size() != 0 {
		t.Errorf("Expected size 0 after discard, got %d", p.Size())
	}
	if p.Stats().DiscardCount != 1 {
		t.Errorf("Expected 1 discard, got %d", p.Stats().DiscardCount)
	}

	// The next hold creates a fresh connection.
	p.Hold(context.Background(), "t2", func(conn Connection) error {
		if conn == held {
			t.Error("Expected a new connection after discard")
		}
		return nil
	})
}

func TestHoldCustomFatalClassifier(t *testing.T) {
	var counter int32
	errBroken := errors.New("broken pipe")
	cfg := Config{
		MaxConnections: 1,
		IsFatal:        func(err error) bool { return errors.Is(err, errBroken) },
	}
	p, _ := New(mockFactory(&counter), cfg)

	var held Connection
	err := p.Hold(context.Background(), "t1", func(conn Connection) error {
		held = conn
		return fmt.Errorf("query: %w", errBroken)
	})
	if !errors.Is(err, errBroken) {
		t.Errorf("Expected broken error, got %v", err)
	}
	if held.(*mockConn).CloseCount() != 1 {
		t.Error("Expected the connection to be closed by the default disconnect")
	}
}

func TestHoldFatalDisconnectFailurePropagates(t *testing.T) {
	var counter int32
	errHook := errors.New("close failed")
	cfg := Config{
		MaxConnections: 1,
		Disconnect:     func(conn Connection) error { return errHook },
	}
	p, _ := New(mockFactory(&counter), cfg)

	errWork := apperrors.MarkFatal(errors.New("lost connection"))
	err := p.Hold(context.Background(), "t1", func(conn Connection) error {
		return errWork
	})
	if !errors.Is(err, errWork) {
		t.Errorf("Expected work error, got %v", err)
	}
	if !errors.Is(err, errHook) {
		t.Errorf("Expected disconnect error, got %v", err)
	}
	if p.Size() != 0 {
		t.Errorf("Expected connection removed despite hook failure, size %d", p.Size())
	}
}

func TestHoldAcquireFailureSkipsRelease(t *testing.T) {
	cause := errors.New("auth failed")
	p, _ := New(failingFactory(cause), Config{MaxConnections: 1})

	called := false
	err := p.Hold(context.Background(), "t1", func(conn Connection) error {
		called = true
		return nil
	})
	if !errors.Is(err, cause) {
		t.Errorf("Expected factory error, got %v", err)
	}
	if called {
		t.Error("Work should not run without a connection")
	}
	if p.Stats().ReleaseCount != 0 {
		t.Error("Release should not run when acquire failed")
	}
}

func TestHoldNested(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 2)
	ctx := context.Background()

	err := p.Hold(ctx, "t1", func(outer Connection) error {
		err := p.Hold(ctx, "t1", func(inner Connection) error {
			if inner != outer {
				t.Error("Expected nested hold to reuse the outer connection")
			}
			return nil
		})
		if err != nil {
			return err
		}
		if p.Stats().NumInUse != 1 {
			t.Error("Nested hold must not release the outer connection")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if p.Size() != 1 || p.Stats().NumIdle != 1 {
		t.Errorf("Expected one idle connection, got %+v", p.Stats())
	}
}

func TestHoldContext(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 2)

	err := p.HoldContext(context.Background(), func(ctx context.Context, outer Connection) error {
		if _, ok := task.FromContext(ctx); !ok {
			t.Error("Expected work context to carry a task id")
		}
		return p.HoldContext(ctx, func(ctx context.Context, inner Connection) error {
			if inner != outer {
				t.Error("Expected nested HoldContext to reuse the connection")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("HoldContext failed: %v", err)
	}

	// Independent contexts are independent tasks, served from idle.
	p.HoldContext(context.Background(), func(ctx context.Context, conn Connection) error {
		return nil
	})
	if counter != 1 {
		t.Errorf("Expected 1 connection created, got %d", counter)
	}
}

func TestPoolDisconnect(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 3)
	ctx := context.Background()

	p.Acquire(ctx, "t1")
	p.Acquire(ctx, "t2")
	p.Release("t1")
	p.Release("t2")

	var hookCalls int32
	p.Disconnect(func(conn Connection) error {
		atomic.AddInt32(&hookCalls, 1)
		return nil
	})

	if hookCalls != 2 {
		t.Errorf("Expected hook called twice, got %d", hookCalls)
	}
	if p.Stats().NumIdle != 0 {
		t.Errorf("Expected no idle connections, got %d", p.Stats().NumIdle)
	}
	if p.Size() != 0 {
		t.Errorf("Expected size 0, got %d", p.Size())
	}
}

func TestPoolDisconnectLeavesHeldConnections(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 2)
	ctx := context.Background()

	held, _ := p.Acquire(ctx, "t1")
	idle, _ := p.Acquire(ctx, "t2")
	p.Release("t2")

	// Default hook closes; a failing hook is only logged.
	p.Disconnect(nil)

	if idle.(*mockConn).CloseCount() != 1 {
		t.Error("Expected idle connection to be closed")
	}
	if held.(*mockConn).CloseCount() != 0 {
		t.Error("Held connection must not be closed")
	}
	if p.Size() != 1 {
		t.Errorf("Expected size 1, got %d", p.Size())
	}

	p.Release("t1")
	p.Disconnect(func(conn Connection) error { return errors.New("already gone") })
	if p.Size() != 0 {
		t.Errorf("Expected hook failures to still clear idle, size %d", p.Size())
	}
}

func TestPoolClose(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 1)
	ctx := context.Background()

	held, _ := p.Acquire(ctx, "t1")

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "t2")
		waitErr <- err
	}()
	waitForPending(t, p, 1)

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("Expected ErrPoolClosed for parked task, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Parked task was not woken by Close")
	}

	if _, err := p.Acquire(ctx, "t3"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	// Connections returned after close are disconnected.
	if err := p.Release("t1"); err != nil {
		t.Errorf("Release after close failed: %v", err)
	}
	if held.(*mockConn).CloseCount() != 1 {
		t.Error("Expected connection released after close to be closed")
	}
	if p.Size() != 0 {
		t.Errorf("Expected size 0, got %d", p.Size())
	}

	if err := p.Close(); err != ErrPoolClosed {
		t.Errorf("Expected ErrPoolClosed on double close, got %v", err)
	}
}

func TestPoolMetrics(t *testing.T) {
	var counter int32
	p := newTestPool(t, &counter, 3)
	ctx := context.Background()

	created := PoolCreatedTotal.Value()
	releases := PoolReleaseTotal.Value()

	p.Acquire(ctx, "t1")
	p.Acquire(ctx, "t2")
	p.Release("t1")

	if PoolConnectionsMax.Value() != 3 {
		t.Errorf("Expected max gauge 3, got %d", PoolConnectionsMax.Value())
	}
	if PoolConnectionsIdle.Value() != 1 || PoolConnectionsInUse.Value() != 1 {
		t.Errorf("Expected 1 idle and 1 in use, got %d and %d",
			PoolConnectionsIdle.Value(), PoolConnectionsInUse.Value())
	}
	if PoolCreatedTotal.Value() != created+2 {
		t.Errorf("Expected 2 creations recorded, got %d", PoolCreatedTotal.Value()-created)
	}
	if PoolReleaseTotal.Value() != releases+1 {
		t.Errorf("Expected 1 release recorded, got %d", PoolReleaseTotal.Value()-releases)
	}
}

// TestPoolConcurrentHolds checks capacity and ownership under many
// concurrent tasks, some of which break their connections.
func TestPoolConcurrentHolds(t *testing.T) {
	const maxSize = 3
	var counter, live int32
	cfg := Config{
		MaxConnections: maxSize,
		Disconnect: func(conn Connection) error {
			atomic.AddInt32(&live, -1)
			return nil
		},
	}
	factory := func(ctx context.Context) (Connection, error) {
		if n := atomic.AddInt32(&live, 1); n > maxSize {
			return nil, fmt.Errorf("%d live connections exceeds %d", n, maxSize)
		}
		return mockFactory(&counter)(ctx)
	}
	p, err := New(factory, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			id := task.New()
			for j := 0; j < 50; j++ {
				err := p.Hold(ctx, id, func(conn Connection) error {
					if s := p.Size(); s > maxSize {
						return fmt.Errorf("size %d exceeds %d", s, maxSize)
					}
					err := p.Hold(ctx, id, func(inner Connection) error {
						if inner != conn {
							return errors.New("nested hold returned a different connection")
						}
						return nil
					})
					if err != nil {
						return err
					}
					if (i+j)%7 == 0 {
						return apperrors.MarkFatal(errors.New("simulated broken session"))
					}
					return nil
				})
				if err != nil && !apperrors.IsFatal(err) {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	stats := p.Stats()
	if stats.NumInUse != 0 || stats.NumPending != 0 || stats.NumReserved != 0 {
		t.Errorf("Expected a quiescent pool, got %+v", stats)
	}
	if p.Size() > maxSize {
		t.Errorf("Expected size <= %d, got %d", maxSize, p.Size())
	}
	if int(live) != stats.NumIdle {
		t.Errorf("Expected %d live connections, got %d", stats.NumIdle, live)
	}
	checkInvariants(t, p)
}
