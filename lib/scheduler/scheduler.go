// Package scheduler provides the suspend/resume primitive a pool uses to
// park tasks that find it saturated.
//
// A suspended task holds a Token and blocks in Token.Wait. Whoever frees
// capacity resumes the head of the Queue, which unblocks exactly that task.
// A Queue is not safe for concurrent use; its owner serializes access with
// its own mutex, the same one that guards the state the waiters depend on.
package scheduler

import (
	"context"
	"sync"

	"github.com/go-i2p/dbpool/lib/task"
)

// Token is a parked task.
type Token struct {
	id   task.ID
	wake chan struct{}
	once sync.Once
}

func newToken(id task.ID) *Token {
	return &Token{
		id:   id,
		wake: make(chan struct{}),
	}
}

// ID returns the identity of the parked task.
func (t *Token) ID() task.ID {
	return t.id
}

// Resume wakes the parked task. Calling it more than once has no effect.
func (t *Token) Resume() {
	t.once.Do(func() { close(t.wake) })
}

// Resumed reports whether Resume has been called.
func (t *Token) Resumed() bool {
	select {
	case <-t.wake:
		return true
	default:
		return false
	}
}

// Wait blocks until the token is resumed or ctx is done. A resume that
// races with cancellation wins: Wait returns nil whenever the token has
// been resumed.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.wake:
		return nil
	case <-ctx.Done():
		if t.Resumed() {
			return nil
		}
		return ctx.Err()
	}
}

// Queue is a FIFO list of parked tasks.
type Queue struct {
	tokens []*Token
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Suspend parks id at the tail of the queue and returns its token.
func (q *Queue) Suspend(id task.ID) *Token {
	t := newToken(id)
	q.tokens = append(q.tokens, t)
	log.WithField("task", id).WithField("position", len(q.tokens)).Debug("task suspended")
	return t
}

// Peek returns the head of the queue without removing it.
func (q *Queue) Peek() (*Token, bool) {
	if len(q.tokens) == 0 {
		return nil, false
	}
	return q.tokens[0], true
}

// ResumeNext removes the longest-waiting token and resumes it.
func (q *Queue) ResumeNext() (*Token, bool) {
	if len(q.tokens) == 0 {
		return nil, false
	}
	t := q.tokens[0]
	q.tokens[0] = nil
	q.tokens = q.tokens[1:]
	t.Resume()
	log.WithField("task", t.id).Debug("task resumed")
	return t, true
}

// Remove drops t from the queue without resuming it. It reports whether
// t was queued.
func (q *Queue) Remove(t *Token) bool {
	for i, queued := range q.tokens {
		if queued == t {
			copy(q.tokens[i:], q.tokens[i+1:])
			q.tokens[len(q.tokens)-1] = nil
			q.tokens = q.tokens[:len(q.tokens)-1]
			return true
		}
	}
	return false
}

// Contains reports whether id is parked in the queue.
func (q *Queue) Contains(id task.ID) bool {
	for _, t := range q.tokens {
		if t.id == id {
			return true
		}
	}
	return false
}

// Len returns the number of parked tasks.
func (q *Queue) Len() int {
	return len(q.tokens)
}

// IDs returns the parked task identities in arrival order.
func (q *Queue) IDs() []task.ID {
	ids := make([]task.ID, len(q.tokens))
	for i, t := range q.tokens {
		ids[i] = t.id
	}
	return ids
}

// ResumeAll empties the queue, resuming every token in arrival order.
func (q *Queue) ResumeAll() []*Token {
	tokens := q.tokens
	q.tokens = nil
	for _, t := range tokens {
		t.Resume()
	}
	return tokens
}
