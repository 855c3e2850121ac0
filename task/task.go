// Package task launches background units of work and returns handles the
// caller can wait on or cancel.
//
// Two launch modes exist:
//
//   - Go: tracked. Tasks share one lifetime; the first error cancels the rest.
//   - Detach: unsupervised. Each task lives on its own; a failing task never
//     stops its siblings and nobody is required to wait.
//
// There is no retry or restart logic. Restart policy belongs to the caller.
package task

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Func is a unit of work. It should return when ctx is cancelled.
type Func func(ctx context.Context) error

// Group is a handle to a set of launched tasks.
type Group struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Go launches each task on its own goroutine under a shared errgroup.
// The first task to return a non-nil error cancels the context of the others.
func Go(ctx context.Context, tasks ...Func) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)

	g := &Group{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	for _, t := range tasks {
		if t == nil {
			continue
		}
		eg.Go(func() error {
			return t(egCtx)
		})
	}

	go func() {
		err := eg.Wait()
		g.finish(err)
	}()

	return g
}

// Detach launches each task on its own goroutine with an independent lifetime.
// Errors are collected but never propagate to sibling tasks. Cancelling ctx
// still stops every task.
func Detach(ctx context.Context, tasks ...Func) *Group {
	ctx, cancel := context.WithCancel(ctx)

	g := &Group{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, t := range tasks {
		if t == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	go func() {
		wg.Wait()
		g.finish(errors.Join(errs...))
	}()

	return g
}

func (g *Group) finish(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
	g.cancel()
	close(g.done)
}

// Cancel requests every task in the group to stop. It does not wait.
func (g *Group) Cancel() {
	g.cancel()
}

// Done returns a channel that is closed once every task has returned.
func (g *Group) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until every task has returned and reports their error.
// Context cancellation errors are not reported.
func (g *Group) Wait() error {
	<-g.done
	return g.Err()
}

// Err returns the group's error once Done is closed, nil before.
func (g *Group) Err() error {
	select {
	case <-g.done:
	default:
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil || isCancellation(g.err) {
		return nil
	}
	return g.err
}

// Stop cancels the group and waits for every task to return.
func (g *Group) Stop() error {
	g.Cancel()
	return g.Wait()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) && !hasOther(err)
}

// hasOther reports whether a joined error carries anything besides cancellation.
func hasOther(err error) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return false
	}
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, context.Canceled) {
			return true
		}
	}
	return false
}
