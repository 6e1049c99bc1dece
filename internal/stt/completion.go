package stt

import (
	"context"
	"sync"
)

// Completion delivers the outcome of one transcription request. It resolves
// exactly once: either a Result or an error, never both.
type Completion struct {
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// resolved returns an already settled completion.
func resolved(res Result, err error) *Completion {
	c := newCompletion()
	c.resolve(res, err)
	return c
}

// resolve settles the completion. Only the first call has any effect.
func (c *Completion) resolve(res Result, err error) {
	c.once.Do(func() {
		if err != nil {
			c.err = err
		} else {
			c.result = res
		}
		close(c.done)
	})
}

// Done is closed once the outcome is available.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the request settles.
func (c *Completion) Result() (Result, error) {
	<-c.done
	return c.result, c.err
}

// Wait is Result bounded by ctx. Giving up does not cancel the work.
func (c *Completion) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Then calls fn once with the outcome, on its own goroutine.
func (c *Completion) Then(fn func(Result, error)) {
	go func() {
		<-c.done
		fn(c.result, c.err)
	}()
}
