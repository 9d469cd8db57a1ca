// Package task provides the identity of a logical task that borrows
// connections from a pool.
//
// Goroutines have no identity of their own, so the identity is threaded
// through call sites explicitly, usually inside a context.Context. Calls that
// share a context share an identity, which is what makes nested pool holds
// reentrant.
package task

import (
	"context"

	"github.com/google/uuid"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
)

// ID identifies one logical task. A task owns at most one pooled
// connection at any instant.
type ID string

// New returns a fresh random task identity.
func New() ID {
	return ID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// Validate returns an error if id cannot identify a task.
func Validate(id ID) error {
	if id == "" {
		return apperrors.Wrap(apperrors.CodeInvalidInput, "task: empty id", apperrors.ErrInvalidInput)
	}
	return nil
}

type ctxKey struct{}

// WithID returns a copy of ctx carrying id.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the task identity carried by ctx, if any.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Ensure returns ctx and its task identity, attaching a new identity
// first when ctx does not carry one.
func Ensure(ctx context.Context) (context.Context, ID) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	id := New()
	return WithID(ctx, id), id
}
