// Package cancel provides the cooperative cancellation token shared by every
// sub-operation of a top-level indexing run.
package cancel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned by Token.Err once the token has been cancelled
var ErrCancelled = errors.New("operation cancelled")

// Token is a monotonic cancel flag plus a callback list. Once cancelled it
// never becomes uncancelled again.
type Token struct {
	cancelled atomic.Bool

	mu        sync.Mutex
	callbacks []*callback
	nextID    uint64

	ctx        context.Context
	cancelFunc context.CancelFunc
}

type callback struct {
	id uint64
	fn func()
}

// New creates an uncancelled token
func New() *Token {
	return NewWithParent(context.Background())
}

// NewWithParent creates a token that is also cancelled when parent is done.
func NewWithParent(parent context.Context) *Token {
	ctx, cancelFunc := context.WithCancel(parent)
	t := &Token{ctx: ctx, cancelFunc: cancelFunc}
	if parent.Done() != nil {
		context.AfterFunc(ctx, t.Cancel)
	}
	return t
}

// Cancel marks the token cancelled and runs registered callbacks exactly once.
// Further calls are no-ops.
func (t *Token) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	cbs := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	t.cancelFunc()

	for _, cb := range cbs {
		cb.fn()
	}
}

// IsCancelled reports whether Cancel has been called
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Err returns ErrCancelled after cancellation, nil before
func (t *Token) Err() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// OnCancel registers fn to run on cancellation. If the token is already
// cancelled fn runs immediately. The returned function unregisters fn.
func (t *Token) OnCancel(fn func()) (unregister func()) {
	t.mu.Lock()
	if t.IsCancelled() {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	t.nextID++
	cb := &callback{id: t.nextID, fn: fn}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, c := range t.callbacks {
			if c.id == cb.id {
				t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
				return
			}
		}
	}
}

// Context returns a context that is done once the token is cancelled
func (t *Token) Context() context.Context {
	return t.ctx
}
