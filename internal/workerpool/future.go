package workerpool

import (
	"context"
	"sync"
)

// Future is the pending result of a submitted task
type Future struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result any, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Done is closed once the task has settled
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task settles or ctx ends
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
