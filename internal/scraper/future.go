package scraper

import (
	"context"

	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

// Future is the pending result of work started with Go.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn on its own goroutine. The work sees ctx, so cancelling ctx
// stops it.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Done is closed when the work finishes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the work finishes or ctx is done, whichever is first.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, scrapeerr.New(scrapeerr.KindCancelled, "await retrieval", ctx.Err())
	}
}
