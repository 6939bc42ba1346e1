package ads

import (
	"context"
	"sync"
)

// Future is the pending result of a submitted request. It completes exactly
// once, with either a response or an error.
type Future struct {
	done   chan struct{}
	once   sync.Once
	resp   *Response
	err    error
	cancel func(*Future)
}

func newFuture(cancel func(*Future)) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

// failedFuture returns a future that already completed with err.
func failedFuture(err error) *Future {
	f := newFuture(nil)
	f.complete(nil, err)
	return f
}

// complete resolves the future. It reports whether this call won.
func (f *Future) complete(resp *Response, err error) bool {
	won := false
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done returns a channel that is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request completes or ctx is done. A done ctx only
// stops the wait; use Cancel to abandon the request itself.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (f *Future) Result() (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	default:
		return nil, ErrPending
	}
}

// Cancel abandons the request. It is a no-op once the future completed.
func (f *Future) Cancel() {
	if f.complete(nil, ErrCanceled) && f.cancel != nil {
		f.cancel(f)
	}
}

func (f *Future) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
